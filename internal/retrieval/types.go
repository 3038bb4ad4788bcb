package retrieval

import (
	"context"

	"github.com/borderdesk/borderdesk/internal/kb"
)

// Strategy names the set of knowledge bases consulted for a query.
type Strategy string

const (
	StrategyGeneral         Strategy = "general"
	StrategyVisaFree        Strategy = "visa_free"
	StrategyAirline         Strategy = "airline"
	StrategyAirlineVisaFree Strategy = "airline_visa_free"
)

// Valid reports whether s is one of the four routing strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyGeneral, StrategyVisaFree, StrategyAirline, StrategyAirlineVisaFree:
		return true
	}
	return false
}

// Source tags attached by the hybrid retriever.
const (
	SourceVector  = "vector"
	SourceKeyword = "keyword"
)

// ScoredNode is a per-request retrieval result. Score holds the current
// pipeline score; InitialScore keeps the fusion score so the rerank stage can
// replace Score without losing it.
type ScoredNode struct {
	Node         *kb.Node
	Score        float64
	InitialScore float64
	RerankScore  *float64

	// Which branches found the node, with per-branch bookkeeping.
	SourceTags  []string
	VectorScore float64
	BM25Score   float64
	VectorRank  int // 1-based, 0 when absent
	BM25Rank    int // 1-based, 0 when absent

	// Set only when the keyword branch matched.
	MatchedKeywords []string
	QueryKeywords   []string

	// KB the node came from; set by the multi-KB merger.
	KBName string

	// InsertBlock verdict, when the filter ran.
	CanAnswer  *bool
	KeyPassage string
	Reasoning  string
}

// FoundBy reports whether the given source tag is attached.
func (s *ScoredNode) FoundBy(tag string) bool {
	for _, t := range s.SourceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Retriever produces an ordered candidate list for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]*ScoredNode, error)
}
