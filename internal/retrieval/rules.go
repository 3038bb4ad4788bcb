package retrieval

import (
	"context"

	"go.uber.org/zap"
)

// RuleInjector pulls meta-rules from the rules KB and prepends the ones that
// clear a tiered score threshold. High-scoring rules (>= HighThreshold) are
// always injected; mid-tier rules (>= Threshold) only when there is room.
type RuleInjector struct {
	Rules         Retriever
	Threshold     float64
	HighThreshold float64
	TopN          int
	Logger        *zap.Logger
}

// Inject returns the matching rule nodes to prepend to the knowledge context.
// Failures degrade to no rules.
func (ri *RuleInjector) Inject(ctx context.Context, query string) []*ScoredNode {
	if ri == nil || ri.Rules == nil {
		return nil
	}
	nodes, err := ri.Rules.Retrieve(ctx, query)
	if err != nil {
		ri.Logger.Warn("Rules retrieval failed", zap.Error(err))
		return nil
	}

	var high, mid []*ScoredNode
	for _, sn := range nodes {
		switch {
		case sn.InitialScore >= ri.HighThreshold:
			high = append(high, sn)
		case sn.InitialScore >= ri.Threshold:
			mid = append(mid, sn)
		}
	}

	out := high
	for _, sn := range mid {
		if len(out) >= ri.TopN {
			break
		}
		out = append(out, sn)
	}
	if len(out) > ri.TopN && ri.TopN > 0 {
		out = out[:ri.TopN]
	}
	return out
}
