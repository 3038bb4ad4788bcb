package insertblock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/llm"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
	"github.com/borderdesk/borderdesk/internal/retrieval"
)

// ErrTooManyFailures marks the >50% timeout/error short-circuit. The caller
// surfaces a warning and continues with unfiltered nodes.
var ErrTooManyFailures = errors.New("insertblock: more than half of node verdicts failed")

const verdictPrompt = `根据用户问题判断下面的资料段落。严格输出一个 JSON 对象，不要输出其他内容：
{"is_relevant": true/false, "can_answer": true/false, "key_passage": "不超过200字的关键原文", "reasoning": "简要说明"}

用户问题：%s

资料段落：
%s`

type verdict struct {
	IsRelevant bool   `json:"is_relevant"`
	CanAnswer  bool   `json:"can_answer"`
	KeyPassage string `json:"key_passage"`
	Reasoning  string `json:"reasoning"`
}

// Filter asks an LLM, per candidate node, whether that node can answer the
// query, and keeps only the nodes that can.
type Filter struct {
	LLM         *llm.Client
	ModelID     string
	MaxWorkers  int
	CallTimeout time.Duration
	Deadline    time.Duration
	Logger      *zap.Logger
}

func New(client *llm.Client, modelID string, maxWorkers int, callTimeout, deadline time.Duration, logger *zap.Logger) *Filter {
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	return &Filter{
		LLM:         client,
		ModelID:     modelID,
		MaxWorkers:  maxWorkers,
		CallTimeout: callTimeout,
		Deadline:    deadline,
		Logger:      logger,
	}
}

// Run filters the candidates, preserving input order among the accepted
// nodes. Per-node failures drop that node; when more than half of the calls
// time out or error, ErrTooManyFailures is returned instead. An empty modelID
// uses the filter's default model.
func (f *Filter) Run(ctx context.Context, query string, nodes []*retrieval.ScoredNode, modelID string) ([]*retrieval.ScoredNode, error) {
	if modelID == "" {
		modelID = f.ModelID
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { ometrics.InsertBlockLatency.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, f.Deadline)
	defer cancel()

	pool, err := ants.NewPool(f.MaxWorkers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("insertblock: pool: %w", err)
	}
	defer pool.Release()

	verdicts := make([]*verdict, len(nodes))
	var timeouts, failures int64
	var wg sync.WaitGroup

	for i, sn := range nodes {
		i, sn := i, sn
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			v, err := f.judgeNode(ctx, query, sn, modelID)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					atomic.AddInt64(&timeouts, 1)
					ometrics.InsertBlockCalls.WithLabelValues("timeout").Inc()
				} else {
					atomic.AddInt64(&failures, 1)
					ometrics.InsertBlockCalls.WithLabelValues("error").Inc()
				}
				f.Logger.Debug("InsertBlock verdict failed",
					zap.String("node", sn.Node.ID), zap.Error(err))
				return
			}
			ometrics.InsertBlockCalls.WithLabelValues("ok").Inc()
			verdicts[i] = v
		})
		if submitErr != nil {
			wg.Done()
			atomic.AddInt64(&failures, 1)
		}
	}
	wg.Wait()

	n := int64(len(nodes))
	if timeouts*2 > n || failures*2 > n {
		ometrics.InsertBlockShortCircuits.Inc()
		return nil, fmt.Errorf("%w: %d timeouts, %d errors of %d nodes",
			ErrTooManyFailures, timeouts, failures, n)
	}

	kept := make([]*retrieval.ScoredNode, 0, len(nodes))
	for i, sn := range nodes {
		v := verdicts[i]
		if v == nil || !v.CanAnswer {
			continue
		}
		can := true
		sn.CanAnswer = &can
		sn.KeyPassage = v.KeyPassage
		sn.Reasoning = v.Reasoning
		kept = append(kept, sn)
	}
	return kept, nil
}

// judgeNode makes one LLM call under its own timeout. The call runs in a
// goroutine with a buffered result channel so a hung call can be abandoned
// without holding the pool slot past the timeout.
func (f *Filter) judgeNode(ctx context.Context, query string, sn *retrieval.ScoredNode, modelID string) (*verdict, error) {
	cctx, cancel := context.WithTimeout(ctx, f.CallTimeout)
	defer cancel()

	type result struct {
		reply string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		reply, err := f.LLM.Complete(cctx, modelID, []llm.Message{
			{Role: "user", Content: fmt.Sprintf(verdictPrompt, query, sn.Node.Text)},
		}, llm.Options{Temperature: llm.TempDeterministic(), MaxTokens: 512})
		ch <- result{reply, err}
	}()

	select {
	case <-cctx.Done():
		return nil, cctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return parseVerdict(res.reply)
	}
}

// parseVerdict decodes the strict-JSON reply, tolerating surrounding
// whitespace and code fences. Unparseable replies mean not-answerable.
func parseVerdict(reply string) (*verdict, error) {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	// Some models wrap the object in prose; cut to the outermost braces.
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}

	var v verdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return &verdict{}, nil
	}
	return &v, nil
}
