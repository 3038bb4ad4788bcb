package retrieval

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/kb"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// BM25Index is an in-memory lexical index over a knowledge base. Immutable
// after Build.
type BM25Index struct {
	nodes     []*kb.Node
	docTokens []map[string]int // term -> frequency per doc
	docLens   []int
	avgDocLen float64
	docFreq   map[string]int
	skipped   int
}

// BM25Result is one lexical match.
type BM25Result struct {
	Node            *kb.Node
	Score           float64
	MatchedKeywords []string
}

// BuildBM25 indexes the nodes of a knowledge base. Nodes whose text yields no
// tokens are skipped and counted.
func BuildBM25(nodes []*kb.Node, logger *zap.Logger) *BM25Index {
	idx := &BM25Index{docFreq: make(map[string]int)}
	totalLen := 0
	for _, n := range nodes {
		tokens := Tokenize(n.Text)
		if len(tokens) == 0 {
			idx.skipped++
			continue
		}
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			idx.docFreq[t]++
		}
		idx.nodes = append(idx.nodes, n)
		idx.docTokens = append(idx.docTokens, tf)
		idx.docLens = append(idx.docLens, len(tokens))
		totalLen += len(tokens)
	}
	if len(idx.nodes) > 0 {
		idx.avgDocLen = float64(totalLen) / float64(len(idx.nodes))
	}
	if idx.skipped > 0 && logger != nil {
		logger.Warn("Skipped untokenizable nodes at index build", zap.Int("count", idx.skipped))
	}
	return idx
}

// Skipped returns how many nodes were dropped at build time.
func (idx *BM25Index) Skipped() int { return idx.skipped }

func (idx *BM25Index) idf(term string) float64 {
	n := float64(len(idx.nodes))
	df := float64(idx.docFreq[term])
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// Search scores every document against the query tokens and returns the top-k
// matches with their matched keywords (query tokens of length >= 2 runes that
// occur in the document).
func (idx *BM25Index) Search(query string, topK int) []BM25Result {
	qTokens := Tokenize(query)
	if len(qTokens) == 0 || len(idx.nodes) == 0 {
		return nil
	}

	scores := make([]float64, len(idx.nodes))
	for _, term := range qTokens {
		if idx.docFreq[term] == 0 {
			continue
		}
		idf := idx.idf(term)
		for i, tf := range idx.docTokens {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			dl := float64(idx.docLens[i])
			scores[i] += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*dl/idx.avgDocLen))
		}
	}

	type hit struct {
		i     int
		score float64
	}
	hits := make([]hit, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			hits = append(hits, hit{i, s})
		}
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return idx.nodes[hits[a].i].ID < idx.nodes[hits[b].i].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]BM25Result, 0, len(hits))
	for _, h := range hits {
		var matched []string
		seen := make(map[string]struct{})
		for _, t := range qTokens {
			if len([]rune(t)) < 2 {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			if idx.docTokens[h.i][t] > 0 {
				matched = append(matched, t)
				seen[t] = struct{}{}
			}
		}
		out = append(out, BM25Result{
			Node:            idx.nodes[h.i],
			Score:           h.score,
			MatchedKeywords: matched,
		})
	}
	return out
}
