package retrieval

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/embeddings"
)

// Reranker rescores candidates with the cross-encoder model. The retrieval
// metadata on each node is kept; only Score is replaced.
type Reranker struct {
	Svc        *embeddings.Service
	InputTopN  int
	Threshold  float64
	Logger     *zap.Logger
}

// Rerank submits up to InputTopN highest-scored candidates, keeps those at or
// above the threshold, and truncates to topN. On rerank RPC failure the error
// is propagated; the caller decides how to degrade.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []*ScoredNode, topN int) ([]*ScoredNode, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	input := candidates
	if r.InputTopN > 0 && len(input) > r.InputTopN {
		input = input[:r.InputTopN]
	}

	passages := make([]string, len(input))
	for i, sn := range input {
		passages[i] = sn.Node.Text
	}
	scores, err := r.Svc.Rerank(ctx, query, passages)
	if err != nil {
		return nil, err
	}

	kept := make([]*ScoredNode, 0, len(input))
	for i, sn := range input {
		s := scores[i]
		if s < r.Threshold {
			continue
		}
		rs := s
		sn.RerankScore = &rs
		sn.Score = s
		kept = append(kept, sn)
	}

	sort.Slice(kept, func(a, b int) bool {
		if kept[a].Score != kept[b].Score {
			return kept[a].Score > kept[b].Score
		}
		return kept[a].Node.ID < kept[b].Node.ID
	})
	if topN > 0 && len(kept) > topN {
		kept = kept[:topN]
	}

	r.Logger.Debug("Rerank done",
		zap.Int("in", len(input)),
		zap.Int("kept", len(kept)),
		zap.Float64("threshold", r.Threshold))
	return kept, nil
}
