package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/kb"
)

func node(id, text string) *kb.Node {
	return &kb.Node{
		ID:       id,
		Text:     text,
		Metadata: map[string]interface{}{"file_name": id + ".txt"},
	}
}

func TestBM25RanksTermMatchesFirst(t *testing.T) {
	idx := BuildBM25([]*kb.Node{
		node("a", "东京羽田机场过境免签政策说明"),
		node("b", "上海浦东机场餐饮指南"),
		node("c", "羽田机场行李寄存服务"),
	}, zap.NewNop())

	results := idx.Search("羽田机场过境免签", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].Node.ID)
	for _, r := range results {
		assert.Greater(t, r.Score, 0.0)
	}
}

func TestBM25NoMatchReturnsEmpty(t *testing.T) {
	idx := BuildBM25([]*kb.Node{node("a", "东京机场指南")}, zap.NewNop())
	assert.Empty(t, idx.Search("xyzzy", 10))
	assert.Empty(t, idx.Search("", 10))
}

func TestBM25TopKTruncation(t *testing.T) {
	nodes := []*kb.Node{
		node("a", "机场免签政策一"),
		node("b", "机场免签政策二"),
		node("c", "机场免签政策三"),
		node("d", "机场免签政策四"),
	}
	idx := BuildBM25(nodes, zap.NewNop())
	assert.Len(t, idx.Search("机场免签", 2), 2)
}

func TestBM25SkipsUntokenizableNodes(t *testing.T) {
	idx := BuildBM25([]*kb.Node{
		node("a", "正常文本内容"),
		node("b", "..."),
		node("c", "!!!"),
	}, zap.NewNop())
	assert.Equal(t, 2, idx.Skipped())

	results := idx.Search("正常文本", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Node.ID)
}

func TestBM25MatchedKeywordsMinTwoRunes(t *testing.T) {
	idx := BuildBM25([]*kb.Node{
		node("a", "Air China CA985 航班经停首尔"),
	}, zap.NewNop())

	results := idx.Search("乘坐 CA985 航班", 10)
	require.Len(t, results, 1)
	// Single-rune Han tokens are never surfaced as matched keywords.
	assert.Contains(t, results[0].MatchedKeywords, "ca985")
	for _, kw := range results[0].MatchedKeywords {
		assert.GreaterOrEqual(t, len([]rune(kw)), 2)
	}
}

func TestBM25TieBreakByNodeID(t *testing.T) {
	// Identical texts score identically; order must be deterministic.
	idx := BuildBM25([]*kb.Node{
		node("b", "免签政策"),
		node("a", "免签政策"),
	}, zap.NewNop())

	results := idx.Search("免签", 10)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Node.ID)
	assert.Equal(t, "b", results[1].Node.ID)
}

func TestBM25EmptyIndex(t *testing.T) {
	idx := BuildBM25(nil, zap.NewNop())
	assert.Empty(t, idx.Search("免签", 10))
}
