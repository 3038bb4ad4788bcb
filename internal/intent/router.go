package intent

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/llm"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
	"github.com/borderdesk/borderdesk/internal/retrieval"
)

const systemPrompt = `你是边检咨询问题的分类器。将用户问题归入以下四类之一：
- general：一般出入境、证件、边检问题。例：如何办理护照？
- visa_free：免签政策、过境免签、停留期限。例：去泰国需要签证吗？
- airline：机组人员、航司勤务、机组签证。例：机组人员入境有什么要求？
- airline_visa_free：同时涉及机组与免签政策。例：执行飞往泰国航班的机组需要签证吗？

只输出一行，格式为：
分类: <general|visa_free|airline|airline_visa_free>`

// Router classifies a query into a retrieval strategy with one LLM call.
// Failures and timeouts fall back to general; results are LRU-cached on the
// raw query string.
type Router struct {
	Enabled bool
	LLM     *llm.Client
	ModelID string
	Timeout time.Duration
	Logger  *zap.Logger

	mu    sync.Mutex
	cap   int
	order *list.List
	cache map[string]*list.Element
}

type cacheEntry struct {
	query    string
	strategy retrieval.Strategy
}

func NewRouter(enabled bool, client *llm.Client, modelID string, timeout time.Duration, cacheSize int, logger *zap.Logger) *Router {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		Enabled: enabled,
		LLM:     client,
		ModelID: modelID,
		Timeout: timeout,
		Logger:  logger,
		cap:     cacheSize,
		order:   list.New(),
		cache:   make(map[string]*list.Element, cacheSize),
	}
}

// Classify returns the strategy for a query. Never fails: any problem yields
// general.
func (r *Router) Classify(ctx context.Context, query string) retrieval.Strategy {
	if r == nil || !r.Enabled {
		return retrieval.StrategyGeneral
	}

	if s, ok := r.cacheGet(query); ok {
		ometrics.IntentClassifications.WithLabelValues(string(s), "cache_hit").Inc()
		return s
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	reply, err := r.LLM.Complete(cctx, r.ModelID, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}, llm.Options{Temperature: llm.TempDeterministic(), MaxTokens: 64})
	ometrics.IntentLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		if cctx.Err() == context.DeadlineExceeded {
			outcome = "timeout"
		}
		ometrics.IntentClassifications.WithLabelValues(string(retrieval.StrategyGeneral), outcome).Inc()
		r.Logger.Warn("Intent classification failed, using general", zap.Error(err))
		return retrieval.StrategyGeneral
	}

	s := ParseReply(reply)
	r.cacheSet(query, s)
	ometrics.IntentClassifications.WithLabelValues(string(s), "ok").Inc()
	return s
}

// ParseReply extracts the strategy from a classifier reply. It first looks for
// the labeled line, then falls back to keyword presence, then to general.
func ParseReply(reply string) retrieval.Strategy {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		for _, label := range []string{"分类:", "分类：", "category:"} {
			if rest, ok := cutPrefixFold(line, label); ok {
				if s := retrieval.Strategy(strings.TrimSpace(rest)); s.Valid() {
					return s
				}
			}
		}
	}

	lower := strings.ToLower(reply)
	hasAirline := strings.Contains(lower, "airline")
	hasVisaFree := strings.Contains(lower, "visa_free")
	switch {
	case hasAirline && hasVisaFree:
		return retrieval.StrategyAirlineVisaFree
	case hasAirline:
		return retrieval.StrategyAirline
	case hasVisaFree:
		return retrieval.StrategyVisaFree
	}
	return retrieval.StrategyGeneral
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

func (r *Router) cacheGet(query string) (retrieval.Strategy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.cache[query]; ok {
		r.order.MoveToFront(el)
		return el.Value.(cacheEntry).strategy, true
	}
	return "", false
}

func (r *Router) cacheSet(query string, s retrieval.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.cache[query]; ok {
		el.Value = cacheEntry{query: query, strategy: s}
		r.order.MoveToFront(el)
		return
	}
	el := r.order.PushFront(cacheEntry{query: query, strategy: s})
	r.cache[query] = el
	if r.order.Len() > r.cap {
		back := r.order.Back()
		if back != nil {
			delete(r.cache, back.Value.(cacheEntry).query)
			r.order.Remove(back)
		}
	}
}
