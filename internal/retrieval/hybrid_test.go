package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFusion = FusionParams{
	K:            10,
	VectorWeight: 0.7,
	BM25Weight:   0.3,
	TopKVector:   30,
	TopKBM25:     30,
	TopKMerged:   30,
}

func TestFuseWeightedRRF(t *testing.T) {
	dense := []denseHit{
		{node: node("a", "甲"), score: 0.92, rank: 1},
		{node: node("b", "乙"), score: 0.85, rank: 2},
	}
	lexical := []BM25Result{
		{Node: node("b", "乙"), Score: 8.4},
		{Node: node("a", "甲"), Score: 7.1},
	}

	out := fuse(dense, lexical, []string{"免", "签"}, testFusion, "general")
	require.Len(t, out, 2)

	byID := map[string]*ScoredNode{}
	for _, sn := range out {
		byID[sn.Node.ID] = sn
	}
	// a: vector rank 1 + bm25 rank 2; b: vector rank 2 + bm25 rank 1.
	assert.InDelta(t, 0.7/11+0.3/12, byID["a"].InitialScore, 1e-9)
	assert.InDelta(t, 0.7/12+0.3/11, byID["b"].InitialScore, 1e-9)
	assert.Equal(t, "a", out[0].Node.ID)
}

func TestFuseLowVectorBypassUsesRawBM25(t *testing.T) {
	// Dense branch found the node but with an uninformative score; BM25
	// magnitude takes over so lexical ordering survives.
	dense := []denseHit{{node: node("a", "甲"), score: 0.009, rank: 1}}
	lexical := []BM25Result{
		{Node: node("a", "甲"), Score: 14.88},
		{Node: node("b", "乙"), Score: 14.64},
	}

	out := fuse(dense, lexical, nil, testFusion, "general")
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Node.ID)
	assert.InDelta(t, 0.3*14.88, out[0].InitialScore, 1e-9)
	assert.Equal(t, "b", out[1].Node.ID)
	assert.InDelta(t, 0.3*14.64, out[1].InitialScore, 1e-9)
}

func TestFuseVectorAbsentBM25Present(t *testing.T) {
	lexical := []BM25Result{{Node: node("a", "甲"), Score: 5.0}}
	out := fuse(nil, lexical, nil, testFusion, "general")
	require.Len(t, out, 1)
	assert.InDelta(t, 0.3*5.0, out[0].InitialScore, 1e-9)
	assert.True(t, out[0].FoundBy(SourceKeyword))
	assert.False(t, out[0].FoundBy(SourceVector))
}

func TestFuseVectorOnlyNode(t *testing.T) {
	dense := []denseHit{{node: node("a", "甲"), score: 0.88, rank: 1}}
	out := fuse(dense, nil, nil, testFusion, "general")
	require.Len(t, out, 1)
	assert.InDelta(t, 0.7/11, out[0].InitialScore, 1e-9)
	assert.True(t, out[0].FoundBy(SourceVector))
	assert.Equal(t, 1, out[0].VectorRank)
	assert.Equal(t, 0, out[0].BM25Rank)
}

func TestFuseSourceTagsAndBookkeeping(t *testing.T) {
	dense := []denseHit{{node: node("a", "甲"), score: 0.9, rank: 1}}
	lexical := []BM25Result{{Node: node("a", "甲"), Score: 6.2, MatchedKeywords: []string{"ca985"}}}

	out := fuse(dense, lexical, []string{"ca985", "航"}, testFusion, "airline")
	require.Len(t, out, 1)
	sn := out[0]
	assert.True(t, sn.FoundBy(SourceVector))
	assert.True(t, sn.FoundBy(SourceKeyword))
	assert.Equal(t, "airline", sn.KBName)
	assert.Equal(t, 0.9, sn.VectorScore)
	assert.Equal(t, 6.2, sn.BM25Score)
	assert.Equal(t, 1, sn.VectorRank)
	assert.Equal(t, 1, sn.BM25Rank)
	assert.Equal(t, []string{"ca985"}, sn.MatchedKeywords)
	assert.Equal(t, []string{"ca985", "航"}, sn.QueryKeywords)
	assert.Equal(t, sn.InitialScore, sn.Score)
}

func TestFuseTruncatesToTopKMerged(t *testing.T) {
	p := testFusion
	p.TopKMerged = 3
	var dense []denseHit
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		dense = append(dense, denseHit{node: node(id, id), score: 0.9 - float64(i)*0.1, rank: i + 1})
	}
	out := fuse(dense, nil, nil, p, "general")
	assert.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Node.ID)
}
