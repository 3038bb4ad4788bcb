package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embedBackend serves /embeddings/ with one fixed vector per text and counts
// how many texts it was actually asked to embed.
type embedBackend struct {
	texts int32
	calls int32
}

func (b *embedBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		atomic.AddInt32(&b.calls, 1)
		atomic.AddInt32(&b.texts, int32(len(req.Texts)))
		vecs := make([][]float64, len(req.Texts))
		for i, text := range req.Texts {
			vecs[i] = []float64{float64(len([]rune(text))), 0.5}
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vecs, Dimensions: 2})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedCachesInLRU(t *testing.T) {
	b := &embedBackend{}
	srv := b.server(t)
	Initialize(Config{BaseURL: srv.URL}, nil)
	svc := Get()

	ctx := context.Background()
	v1, err := svc.Embed(ctx, "过境免签")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 0.5}, v1)

	v2, err := svc.Embed(ctx, "过境免签")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.calls))
}

func TestEmbedWritesThroughToRedis(t *testing.T) {
	b := &embedBackend{}
	srv := b.server(t)
	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(mr.Addr())
	require.NoError(t, err)
	Initialize(Config{BaseURL: srv.URL}, rc)
	svc := Get()

	ctx := context.Background()
	_, err = svc.Embed(ctx, "航司预审")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&b.calls))

	// A fresh service with an empty LRU but the same Redis never hits HTTP.
	Initialize(Config{BaseURL: srv.URL}, rc)
	v, err := Get().Embed(ctx, "航司预审")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 0.5}, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.calls))
}

func TestEmbedBatchFetchesOnlyMisses(t *testing.T) {
	b := &embedBackend{}
	srv := b.server(t)
	Initialize(Config{BaseURL: srv.URL}, nil)
	svc := Get()

	ctx := context.Background()
	_, err := svc.Embed(ctx, "甲")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&b.texts))

	out, err := svc.EmbedBatch(ctx, []string{"甲", "乙乙", "丙丙丙"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []float32{1, 0.5}, out[0])
	assert.Equal(t, []float32{2, 0.5}, out[1])
	assert.Equal(t, []float32{3, 0.5}, out[2])
	// Only the two misses went over the wire.
	assert.Equal(t, int32(3), atomic.LoadInt32(&b.texts))

	// Fully cached batch makes no request at all.
	calls := atomic.LoadInt32(&b.calls)
	_, err = svc.EmbedBatch(ctx, []string{"乙乙", "丙丙丙"})
	require.NoError(t, err)
	assert.Equal(t, calls, atomic.LoadInt32(&b.calls))
}

func TestEmbedBatchEmpty(t *testing.T) {
	Initialize(Config{BaseURL: "http://unused.invalid"}, nil)
	out, err := Get().EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{}})
	}))
	defer srv.Close()
	Initialize(Config{BaseURL: srv.URL}, nil)

	_, err := Get().Embed(context.Background(), "文本")
	assert.Error(t, err)
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()
	Initialize(Config{BaseURL: srv.URL, Timeout: time.Second}, nil)

	_, err := Get().Embed(context.Background(), "文本")
	assert.Error(t, err)
}

func TestRerankScoresInPassageOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bge-reranker-large", req.Model)
		scores := make([]float64, len(req.Passages))
		for i := range scores {
			scores[i] = 0.9 - float64(i)*0.1
		}
		json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer srv.Close()
	Initialize(Config{BaseURL: srv.URL}, nil)

	scores, err := Get().Rerank(context.Background(), "停留时限", []string{"甲", "乙", "丙"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.8, 0.7}, scores)

	scores, err = Get().Rerank(context.Background(), "停留时限", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestNilServiceErrors(t *testing.T) {
	var s *Service
	_, err := s.Embed(context.Background(), "x")
	assert.Error(t, err)
	_, err = s.EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
	_, err = s.Rerank(context.Background(), "q", []string{"x"})
	assert.Error(t, err)
}
