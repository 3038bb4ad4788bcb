package retrieval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/embeddings"
	"github.com/borderdesk/borderdesk/internal/kb"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
	"github.com/borderdesk/borderdesk/internal/vectordb"
)

// Dense scores at or below this are treated as uninformative for fusion.
const lowVectorScore = 0.01

// FusionParams tune the weighted reciprocal-rank fusion.
type FusionParams struct {
	K            float64
	VectorWeight float64
	BM25Weight   float64
	TopKVector   int
	TopKBM25     int
	TopKMerged   int
}

// Hybrid retrieves from one knowledge base by fusing a dense branch and a
// BM25 branch.
type Hybrid struct {
	KB       *kb.KnowledgeBase
	BM25     *BM25Index
	VDB      *vectordb.Client
	Embedder *embeddings.Service
	Params   FusionParams
	Logger   *zap.Logger
}

func NewHybrid(base *kb.KnowledgeBase, vdb *vectordb.Client, embedder *embeddings.Service, params FusionParams, logger *zap.Logger) *Hybrid {
	return &Hybrid{
		KB:       base,
		BM25:     BuildBM25(base.Nodes, logger),
		VDB:      vdb,
		Embedder: embedder,
		Params:   params,
		Logger:   logger,
	}
}

type denseHit struct {
	node  *kb.Node
	score float64
	rank  int
}

func (h *Hybrid) denseSearch(ctx context.Context, query string) ([]denseHit, error) {
	vec, err := h.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	points, err := h.VDB.Search(ctx, h.KB.Collection, vec, h.Params.TopKVector, 0, nil)
	if err != nil {
		return nil, err
	}
	hits := make([]denseHit, 0, len(points))
	for _, p := range points {
		node, ok := h.KB.Node(p.ID)
		if !ok {
			// Point not in the in-memory set; hydrate from its payload so
			// metadata and excluded-keys lists survive.
			n, err := kb.NodeFromPoint(p)
			if err != nil {
				continue
			}
			node = n
		}
		hits = append(hits, denseHit{node: node, score: p.Score, rank: len(hits) + 1})
	}
	return hits, nil
}

// fuse merges the dense and lexical branches with weighted reciprocal-rank
// fusion. Nodes whose dense evidence is missing or uninformative but that BM25
// found are scored by the raw BM25 magnitude times the BM25 weight.
func fuse(dense []denseHit, lexical []BM25Result, queryKeywords []string, p FusionParams, kbName string) []*ScoredNode {
	merged := make(map[string]*ScoredNode)
	for _, d := range dense {
		merged[d.node.ID] = &ScoredNode{
			Node:        d.node,
			KBName:      kbName,
			SourceTags:  []string{SourceVector},
			VectorScore: d.score,
			VectorRank:  d.rank,
		}
	}
	for rank, l := range lexical {
		sn, ok := merged[l.Node.ID]
		if !ok {
			sn = &ScoredNode{Node: l.Node, KBName: kbName}
			merged[l.Node.ID] = sn
		}
		sn.SourceTags = append(sn.SourceTags, SourceKeyword)
		sn.BM25Score = l.Score
		sn.BM25Rank = rank + 1
		sn.MatchedKeywords = l.MatchedKeywords
		sn.QueryKeywords = queryKeywords
	}

	out := make([]*ScoredNode, 0, len(merged))
	for _, sn := range merged {
		vectorValid := sn.VectorRank > 0 && sn.VectorScore > lowVectorScore
		bm25Valid := sn.BM25Rank > 0

		var score float64
		if !vectorValid && bm25Valid {
			score = p.BM25Weight * sn.BM25Score
			ometrics.BM25BypassHits.Inc()
		} else {
			if vectorValid {
				score += p.VectorWeight / (p.K + float64(sn.VectorRank))
			}
			if bm25Valid {
				score += p.BM25Weight / (p.K + float64(sn.BM25Rank))
			}
		}
		sn.InitialScore = score
		sn.Score = score
		out = append(out, sn)
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].InitialScore != out[b].InitialScore {
			return out[a].InitialScore > out[b].InitialScore
		}
		return out[a].Node.ID < out[b].Node.ID
	})
	if p.TopKMerged > 0 && len(out) > p.TopKMerged {
		out = out[:p.TopKMerged]
	}
	return out
}

// Retrieve runs both branches and fuses them with weighted RRF. When the dense
// branch is uninformative for a node (absent or score <= 0.01) but BM25 found
// it, the raw BM25 magnitude is used instead so lexical ordering survives.
func (h *Hybrid) Retrieve(ctx context.Context, query string) ([]*ScoredNode, error) {
	start := time.Now()
	p := h.Params

	dense, err := h.denseSearch(ctx, query)
	if err != nil {
		h.Logger.Warn("Dense branch failed, continuing with BM25 only",
			zap.String("kb", h.KB.Name), zap.Error(err))
		dense = nil
	}
	lexical := h.BM25.Search(query, p.TopKBM25)
	out := fuse(dense, lexical, Tokenize(query), p, h.KB.Name)

	ometrics.HybridRetrievals.WithLabelValues(h.KB.Name, "ok").Inc()
	h.Logger.Debug("Hybrid retrieval done",
		zap.String("kb", h.KB.Name),
		zap.Int("dense", len(dense)),
		zap.Int("bm25", len(lexical)),
		zap.Int("merged", len(out)),
		zap.Duration("took", time.Since(start)))
	return out, nil
}
