package retrieval

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Per-KB slot size in the merge templates.
const kbSlotSize = 5

// StrategyCounts fixes the total return count per multi-KB strategy. The
// general strategy alone follows the caller's rerank_top_n.
type StrategyCounts struct {
	VisaFree        int
	Airline         int
	AirlineVisaFree int
}

// MultiKB composes per-KB hybrid retrievers into strategy retrievers. Every
// non-general strategy includes the general KB as a safety net.
type MultiKB struct {
	General  Retriever
	VisaFree Retriever
	Airline  Retriever
	Counts   StrategyCounts
	Logger   *zap.Logger
}

// ForStrategy returns the retriever for a routing strategy. rerankTopN is
// only consulted for the general strategy; the others have fixed counts.
// Strategies whose KBs are not loaded degrade to general.
func (m *MultiKB) ForStrategy(s Strategy, rerankTopN int) Retriever {
	switch s {
	case StrategyVisaFree:
		if m.VisaFree != nil {
			return retrieverFunc(func(ctx context.Context, q string) ([]*ScoredNode, error) {
				return m.merge(ctx, q, m.Counts.VisaFree, m.VisaFree, m.General)
			})
		}
	case StrategyAirline:
		if m.Airline != nil {
			return retrieverFunc(func(ctx context.Context, q string) ([]*ScoredNode, error) {
				return m.merge(ctx, q, m.Counts.Airline, m.Airline, m.General)
			})
		}
	case StrategyAirlineVisaFree:
		if m.Airline != nil && m.VisaFree != nil {
			return retrieverFunc(func(ctx context.Context, q string) ([]*ScoredNode, error) {
				return m.merge(ctx, q, m.Counts.AirlineVisaFree, m.Airline, m.VisaFree, m.General)
			})
		}
	}
	return retrieverFunc(func(ctx context.Context, q string) ([]*ScoredNode, error) {
		nodes, err := m.General.Retrieve(ctx, q)
		if err != nil {
			return nil, err
		}
		if rerankTopN > 0 && len(nodes) > rerankTopN {
			nodes = nodes[:rerankTopN]
		}
		return nodes, nil
	})
}

type retrieverFunc func(ctx context.Context, query string) ([]*ScoredNode, error)

func (f retrieverFunc) Retrieve(ctx context.Context, query string) ([]*ScoredNode, error) {
	return f(ctx, query)
}

// merge queries every listed retriever and fills per-KB slots of five, then a
// comparative remainder pooled across all of them, up to total. Duplicate node
// ids are dropped, first occurrence wins; output is ordered by initial score.
func (m *MultiKB) merge(ctx context.Context, query string, total int, retrievers ...Retriever) ([]*ScoredNode, error) {
	perKB := make([][]*ScoredNode, len(retrievers))
	for i, r := range retrievers {
		nodes, err := r.Retrieve(ctx, query)
		if err != nil {
			m.Logger.Warn("KB branch failed during merge", zap.Int("branch", i), zap.Error(err))
			continue
		}
		perKB[i] = nodes
	}

	taken := make(map[string]struct{})
	var accepted []*ScoredNode

	take := func(sn *ScoredNode) bool {
		if _, dup := taken[sn.Node.ID]; dup {
			return false
		}
		taken[sn.Node.ID] = struct{}{}
		accepted = append(accepted, sn)
		return true
	}

	// Per-KB slots first.
	for _, nodes := range perKB {
		count := 0
		for _, sn := range nodes {
			if count >= kbSlotSize {
				break
			}
			if take(sn) {
				count++
			}
		}
	}

	// Comparative remainder: pool what's left from all consulted KBs.
	var pool []*ScoredNode
	for _, nodes := range perKB {
		for _, sn := range nodes {
			if _, used := taken[sn.Node.ID]; !used {
				pool = append(pool, sn)
			}
		}
	}
	sort.Slice(pool, func(a, b int) bool {
		if pool[a].InitialScore != pool[b].InitialScore {
			return pool[a].InitialScore > pool[b].InitialScore
		}
		return pool[a].Node.ID < pool[b].Node.ID
	})
	for _, sn := range pool {
		if len(accepted) >= total {
			break
		}
		take(sn)
	}

	sort.Slice(accepted, func(a, b int) bool {
		if accepted[a].InitialScore != accepted[b].InitialScore {
			return accepted[a].InitialScore > accepted[b].InitialScore
		}
		return accepted[a].Node.ID < accepted[b].Node.ID
	})
	if len(accepted) > total {
		accepted = accepted[:total]
	}
	return accepted, nil
}
