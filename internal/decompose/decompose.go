package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/llm"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
	"github.com/borderdesk/borderdesk/internal/retrieval"
)

// HistoryTurn is one prior exchange fed to the decomposition prompt.
type HistoryTurn struct {
	UserQuery         string
	AssistantResponse string
}

// Metadata describes what the decomposer did for one request.
type Metadata struct {
	Decomposed        bool
	SubQuestions      []string
	SubResults        [][]*retrieval.ScoredNode
	SubAnswers        []string
	SynthesizedAnswer string
}

// Config tunes the decomposer.
type Config struct {
	Enabled             bool
	ComplexityThreshold int // minimum query length in runes
	MinEntities         int
	MaxDepth            int
	MinScore            float64
	MaxEmptyResults     int
	DecompTimeout       time.Duration
	AnswerTimeout       time.Duration
	SynthesisTimeout    time.Duration
	MaxWorkers          int
	HistoryTurns        int
	HistoryMaxTokens    int
}

// Decomposer splits a complex query into sub-questions, retrieves each in
// parallel through the router-chosen retriever, and synthesises the partial
// answers.
type Decomposer struct {
	Cfg     Config
	LLM     *llm.Client
	ModelID string
	Logger  *zap.Logger
}

const decomposePrompt = `将下面的复杂问题拆分为 2-%d 个独立的子问题，每个子问题可以单独检索。
严格输出 JSON 数组，例如 ["子问题1", "子问题2"]，不要输出其他内容。
%s问题：%s`

const miniAnswerPrompt = `根据以下参考资料回答问题，不超过200字。

%s

问题：%s`

const synthesisPrompt = `以下是一个复杂问题的各个子问题及其回答。请综合它们，写出一段连贯的整体解答。

原问题：%s

%s`

const compressPrompt = `将以下对话历史压缩为不超过200字的背景摘要：

%s`

// Retrieve runs the full decomposition pipeline. Any failure, timeout, or
// empty decomposition falls back to a standard retrieve on chosen, recorded in
// the returned metadata.
func (d *Decomposer) Retrieve(ctx context.Context, query string, rerankTopN int, history []HistoryTurn, chosen retrieval.Retriever) ([]*retrieval.ScoredNode, *Metadata, error) {
	ometrics.DecompositionQueries.Inc()
	start := time.Now()
	defer func() { ometrics.DecompositionLatency.Observe(time.Since(start).Seconds()) }()

	if !d.shouldDecompose(query) {
		nodes, err := d.standard(ctx, query, rerankTopN, chosen)
		return nodes, &Metadata{Decomposed: false}, err
	}

	background := d.compressHistory(ctx, history)
	subs, err := d.decompose(ctx, query, background)
	if err != nil || len(subs) == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			ometrics.DecompositionTimeouts.Inc()
		} else if err != nil {
			ometrics.DecompositionErrors.Inc()
		}
		ometrics.DecompositionFallbacks.Inc()
		d.Logger.Warn("Decomposition failed, standard retrieve", zap.Error(err))
		nodes, rerr := d.standard(ctx, query, rerankTopN, chosen)
		return nodes, &Metadata{Decomposed: false}, rerr
	}
	ometrics.DecomposedQueries.Inc()

	subResults := d.parallelRetrieve(ctx, subs, rerankTopN, chosen)

	empty := 0
	for _, r := range subResults {
		if len(r) == 0 {
			empty++
		}
	}
	if empty >= d.Cfg.MaxEmptyResults {
		ometrics.DecompositionEmptyResults.Inc()
		ometrics.DecompositionFallbacks.Inc()
		nodes, rerr := d.standard(ctx, query, rerankTopN, chosen)
		return nodes, &Metadata{Decomposed: false}, rerr
	}

	answers := make([]string, len(subs))
	for i, sub := range subs {
		answers[i] = d.miniAnswer(ctx, sub, subResults[i])
	}

	merged := mergeSubResults(subResults, d.Cfg.MinScore, rerankTopN)
	synth := d.synthesize(ctx, query, subs, answers)

	return merged, &Metadata{
		Decomposed:        true,
		SubQuestions:      subs,
		SubResults:        subResults,
		SubAnswers:        answers,
		SynthesizedAnswer: synth,
	}, nil
}

func (d *Decomposer) standard(ctx context.Context, query string, rerankTopN int, chosen retrieval.Retriever) ([]*retrieval.ScoredNode, error) {
	nodes, err := chosen.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	if rerankTopN > 0 && len(nodes) > rerankTopN {
		nodes = nodes[:rerankTopN]
	}
	return nodes, nil
}

// shouldDecompose is the cheap gate: long enough and mentioning at least
// MinEntities distinct multi-rune tokens.
func (d *Decomposer) shouldDecompose(query string) bool {
	if !d.Cfg.Enabled {
		return false
	}
	if len([]rune(query)) < d.Cfg.ComplexityThreshold {
		return false
	}
	entities := make(map[string]struct{})
	for _, tok := range retrieval.Tokenize(query) {
		if len([]rune(tok)) >= 2 {
			entities[tok] = struct{}{}
		}
	}
	return len(entities) >= d.Cfg.MinEntities
}

// compressHistory summarises recent turns into a short background line for
// the decomposition prompt. Empty history or failures yield "".
func (d *Decomposer) compressHistory(ctx context.Context, history []HistoryTurn) string {
	if len(history) == 0 {
		return ""
	}
	turns := history
	if len(turns) > d.Cfg.HistoryTurns {
		turns = turns[len(turns)-d.Cfg.HistoryTurns:]
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString("用户：" + t.UserQuery + "\n")
		b.WriteString("助手：" + t.AssistantResponse + "\n")
	}
	text := b.String()
	// Approximate tokens as runes/2; truncate from the front to keep the
	// newest turns.
	if maxRunes := d.Cfg.HistoryMaxTokens * 2; maxRunes > 0 {
		r := []rune(text)
		if len(r) > maxRunes {
			text = string(r[len(r)-maxRunes:])
		}
	}

	cctx, cancel := context.WithTimeout(ctx, d.Cfg.DecompTimeout)
	defer cancel()
	summary, err := d.LLM.Complete(cctx, d.ModelID, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(compressPrompt, text)},
	}, llm.Options{Temperature: llm.TempDeterministic(), MaxTokens: 256})
	if err != nil {
		d.Logger.Debug("History compression failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(summary)
}

func (d *Decomposer) decompose(ctx context.Context, query, background string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, d.Cfg.DecompTimeout)
	defer cancel()

	bg := ""
	if background != "" {
		bg = "背景：" + background + "\n"
	}
	reply, err := d.LLM.Complete(cctx, d.ModelID, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(decomposePrompt, d.Cfg.MaxDepth, bg, query)},
	}, llm.Options{Temperature: llm.TempDeterministic(), MaxTokens: 512})
	if err != nil {
		return nil, err
	}
	subs, err := parseSubQuestions(reply)
	if err != nil {
		return nil, err
	}
	if len(subs) > d.Cfg.MaxDepth {
		subs = subs[:d.Cfg.MaxDepth]
	}
	return subs, nil
}

// parseSubQuestions reads a JSON-ish string list, tolerating code fences and
// surrounding prose.
func parseSubQuestions(reply string) ([]string, error) {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if i := strings.Index(s, "["); i >= 0 {
		if j := strings.LastIndex(s, "]"); j > i {
			s = s[i : j+1]
		}
	}
	var subs []string
	if err := json.Unmarshal([]byte(s), &subs); err != nil {
		return nil, fmt.Errorf("decompose: parse sub-questions: %w", err)
	}
	out := subs[:0]
	for _, q := range subs {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out, nil
}

// parallelRetrieve fans the sub-questions out to a bounded worker pool. Each
// sub-result is truncated to rerankTopN; failed branches come back empty.
func (d *Decomposer) parallelRetrieve(ctx context.Context, subs []string, rerankTopN int, chosen retrieval.Retriever) [][]*retrieval.ScoredNode {
	results := make([][]*retrieval.ScoredNode, len(subs))
	workers := d.Cfg.MaxWorkers
	if workers <= 0 {
		workers = 3
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		d.Logger.Warn("Sub-retrieval pool failed, running serially", zap.Error(err))
		for i, sub := range subs {
			nodes, _ := d.standard(ctx, sub, rerankTopN, chosen)
			results[i] = nodes
		}
		return results
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, sub := range subs {
		i, sub := i, sub
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			nodes, err := d.standard(ctx, sub, rerankTopN, chosen)
			if err != nil {
				d.Logger.Debug("Sub-question retrieval failed",
					zap.String("sub", sub), zap.Error(err))
				return
			}
			results[i] = nodes
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()
	return results
}

// miniAnswer answers one sub-question from its top-3 nodes. On failure it
// falls back to the first 200 runes of the best node.
func (d *Decomposer) miniAnswer(ctx context.Context, sub string, nodes []*retrieval.ScoredNode) string {
	if len(nodes) == 0 {
		return ""
	}
	top := nodes
	if len(top) > 3 {
		top = top[:3]
	}
	var refs strings.Builder
	for i, sn := range top {
		fmt.Fprintf(&refs, "[ref %d] %s\n", i+1, sn.Node.Text)
	}

	cctx, cancel := context.WithTimeout(ctx, d.Cfg.AnswerTimeout)
	defer cancel()
	answer, err := d.LLM.Complete(cctx, d.ModelID, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(miniAnswerPrompt, refs.String(), sub)},
	}, llm.Options{Temperature: llm.TempConversational(), MaxTokens: 256})
	if err != nil {
		r := []rune(top[0].Node.Text)
		if len(r) > 200 {
			r = r[:200]
		}
		return string(r)
	}
	return strings.TrimSpace(answer)
}

func (d *Decomposer) synthesize(ctx context.Context, query string, subs, answers []string) string {
	var b strings.Builder
	for i := range subs {
		fmt.Fprintf(&b, "子问题%d：%s\n回答：%s\n\n", i+1, subs[i], answers[i])
	}

	cctx, cancel := context.WithTimeout(ctx, d.Cfg.SynthesisTimeout)
	defer cancel()
	out, err := d.LLM.Complete(cctx, d.ModelID, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(synthesisPrompt, query, b.String())},
	}, llm.Options{Temperature: llm.TempConversational(), MaxTokens: 1024})
	if err != nil {
		d.Logger.Debug("Synthesis failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(out)
}

// mergeSubResults unions the sub-result lists, dropping duplicates by node id
// and nodes under minScore, ordered by score desc.
func mergeSubResults(subResults [][]*retrieval.ScoredNode, minScore float64, topN int) []*retrieval.ScoredNode {
	seen := make(map[string]struct{})
	var out []*retrieval.ScoredNode
	for _, nodes := range subResults {
		for _, sn := range nodes {
			if sn.Score < minScore {
				continue
			}
			if _, dup := seen[sn.Node.ID]; dup {
				continue
			}
			seen[sn.Node.ID] = struct{}{}
			out = append(out, sn)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].Node.ID < out[b].Node.ID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
