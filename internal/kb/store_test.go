package kb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/embeddings"
	"github.com/borderdesk/borderdesk/internal/vectordb"
)

func TestNewDedupsNodeIDs(t *testing.T) {
	k := New("general", "knowledge_base", []*Node{
		{ID: "a", Text: "第一份"},
		{ID: "a", Text: "重复的"},
		{ID: "b", Text: "第二份"},
	})
	assert.Len(t, k.Nodes, 2)
	n, ok := k.Node("a")
	require.True(t, ok)
	assert.Equal(t, "第一份", n.Text)
	_, ok = k.Node("missing")
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add(New("general", "knowledge_base", nil))
	r.Add(New("airline", "airline", nil))

	_, ok := r.Get("general")
	assert.True(t, ok)
	_, ok = r.Get("rules")
	assert.False(t, ok)
	assert.Equal(t, []string{"airline", "general"}, r.Names())
}

func TestChunkDirSeparators(t *testing.T) {
	dir := t.TempDir()
	content := "第一节内容\n--- 切分点 ---\n条目甲|||条目乙\n--- 切分点 ---\n\n  \n最后一节"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.txt"), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.json"), []byte("{}"), 0o644))

	l := &Loader{Logger: zap.NewNop()}
	nodes, err := l.chunkDir(dir)
	require.NoError(t, err)
	require.Len(t, nodes, 4)

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Text
	}
	assert.ElementsMatch(t, []string{"第一节内容", "条目甲", "条目乙", "最后一节"}, texts)

	for _, n := range nodes {
		assert.Equal(t, "policy.txt", n.FileName())
		assert.Equal(t, []string{"file_path", "doc_id"}, n.ExcludedEmbedKeys)
		assert.NotEmpty(t, n.Metadata["doc_id"])
	}

	// Chunk ids are derived from path and text, so re-chunking is stable.
	again, err := l.chunkDir(dir)
	require.NoError(t, err)
	for i := range nodes {
		assert.Equal(t, nodes[i].ID, again[i].ID)
	}
}

func TestSourceHashesChangeWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("版本一"), 0o644))

	l := &Loader{Logger: zap.NewNop()}
	h1, err := l.sourceHashes(dir)
	require.NoError(t, err)
	require.Len(t, h1, 1)

	require.NoError(t, os.WriteFile(path, []byte("版本二"), 0o644))
	h2, err := l.sourceHashes(dir)
	require.NoError(t, err)

	assert.False(t, hashesEqual(h1, h2))
	assert.True(t, hashesEqual(h2, h2))
	assert.False(t, hashesEqual(h1, map[string]string{}))
}

func TestReadHashFileCorruptForcesReindex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb_hashes.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	l := &Loader{HashFile: path, Logger: zap.NewNop()}
	assert.Empty(t, l.readHashFile())

	l.writeHashFile(hashRecord{"general": {"a.txt": "deadbeef"}})
	rec := l.readHashFile()
	assert.Equal(t, "deadbeef", rec["general"]["a.txt"])
}

// fakeCollections is the minimal collection/points surface LoadOrReindex
// touches: existence check, create, drop, upsert, scroll.
type fakeCollections struct {
	mu          sync.Mutex
	collections map[string][]map[string]interface{} // name -> payloads
	upserts     int
}

func (f *fakeCollections) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 2 || parts[0] != "collections" {
			http.NotFound(w, r)
			return
		}
		name := parts[1]
		switch {
		case len(parts) == 2 && r.Method == http.MethodGet:
			if _, ok := f.collections[name]; !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
		case len(parts) == 2 && r.Method == http.MethodPut:
			f.collections[name] = nil
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
		case len(parts) == 2 && r.Method == http.MethodDelete:
			delete(f.collections, name)
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
		case len(parts) == 3 && parts[2] == "points" && r.Method == http.MethodPut:
			var req struct {
				Points []struct {
					ID      interface{}            `json:"id"`
					Payload map[string]interface{} `json:"payload"`
				} `json:"points"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			for _, p := range req.Points {
				f.collections[name] = append(f.collections[name], p.Payload)
			}
			f.upserts++
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
		case len(parts) == 4 && parts[3] == "scroll":
			var out []map[string]interface{}
			for i, p := range f.collections[name] {
				out = append(out, map[string]interface{}{"id": strconv.Itoa(i), "payload": p})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{"points": out, "next_page_offset": nil},
				"status": "ok",
			})
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestLoader(t *testing.T) (*Loader, *fakeCollections) {
	t.Helper()
	fc := &fakeCollections{collections: make(map[string][]map[string]interface{})}
	qsrv := httptest.NewServer(fc.handler())
	t.Cleanup(qsrv.Close)

	esrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vecs := make([][]float64, len(req.Texts))
		for i := range vecs {
			vecs[i] = []float64{0.5, 0.5}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": vecs})
	}))
	t.Cleanup(esrv.Close)

	u, err := url.Parse(qsrv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	vdb := vectordb.Initialize(vectordb.Config{Host: u.Hostname(), Port: port}, zap.NewNop())
	embeddings.Initialize(embeddings.Config{BaseURL: esrv.URL}, nil)

	return &Loader{
		VDB:      vdb,
		Embedder: embeddings.Get(),
		HashFile: filepath.Join(t.TempDir(), "kb_hashes.json"),
		Dim:      2,
		Logger:   zap.NewNop(),
	}, fc
}

func TestLoadOrReindexIndexesThenHydrates(t *testing.T) {
	l, fc := newTestLoader(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"),
		[]byte("条目甲\n--- 切分点 ---\n条目乙"), 0o644))

	ctx := context.Background()
	k, err := l.LoadOrReindex(ctx, "general", dir, "knowledge_base")
	require.NoError(t, err)
	assert.Len(t, k.Nodes, 2)
	assert.Equal(t, 1, fc.upserts)

	// Unchanged sources: the second load hydrates without reindexing.
	k, err = l.LoadOrReindex(ctx, "general", dir, "knowledge_base")
	require.NoError(t, err)
	assert.Len(t, k.Nodes, 2)
	assert.Equal(t, 1, fc.upserts)

	// Changed sources force a rebuild.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"),
		[]byte("条目甲\n--- 切分点 ---\n条目乙\n--- 切分点 ---\n条目丙"), 0o644))
	k, err = l.LoadOrReindex(ctx, "general", dir, "knowledge_base")
	require.NoError(t, err)
	assert.Len(t, k.Nodes, 3)
	assert.Equal(t, 2, fc.upserts)
}

func TestLoadOrReindexMissingCollectionRebuilds(t *testing.T) {
	l, fc := newTestLoader(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("条目"), 0o644))

	ctx := context.Background()
	_, err := l.LoadOrReindex(ctx, "general", dir, "knowledge_base")
	require.NoError(t, err)
	require.Equal(t, 1, fc.upserts)

	// Hash file says up to date, but the collection is gone: rebuild anyway.
	fc.mu.Lock()
	delete(fc.collections, "knowledge_base")
	fc.mu.Unlock()

	k, err := l.LoadOrReindex(ctx, "general", dir, "knowledge_base")
	require.NoError(t, err)
	assert.Len(t, k.Nodes, 1)
	assert.Equal(t, 2, fc.upserts)
}
