package kb

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/embeddings"
	"github.com/borderdesk/borderdesk/internal/vectordb"
)

// Chunk separators recognized in source documents. Primary splits sections,
// secondary splits entries within a section.
const (
	chunkSeparatorPrimary   = "--- 切分点 ---"
	chunkSeparatorSecondary = "|||"
)

// KnowledgeBase is a named, independently indexed set of nodes. Read-only
// after load.
type KnowledgeBase struct {
	Name       string
	Collection string
	Nodes      []*Node
	byID       map[string]*Node
}

// New builds a knowledge base from an in-memory node set, dropping duplicate
// ids (first occurrence wins).
func New(name, collection string, nodes []*Node) *KnowledgeBase {
	k := &KnowledgeBase{
		Name:       name,
		Collection: collection,
		byID:       make(map[string]*Node, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := k.byID[n.ID]; dup {
			continue
		}
		k.Nodes = append(k.Nodes, n)
		k.byID[n.ID] = n
	}
	return k
}

func (k *KnowledgeBase) Node(id string) (*Node, bool) {
	n, ok := k.byID[id]
	return n, ok
}

// Registry holds all loaded knowledge bases keyed by name.
type Registry struct {
	mu  sync.RWMutex
	kbs map[string]*KnowledgeBase
}

func NewRegistry() *Registry {
	return &Registry{kbs: make(map[string]*KnowledgeBase)}
}

func (r *Registry) Add(k *KnowledgeBase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kbs[k.Name] = k
}

func (r *Registry) Get(name string) (*KnowledgeBase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kbs[name]
	return k, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kbs))
	for n := range r.kbs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Loader ingests source directories into vector store collections and hydrates
// knowledge bases from them. A per-file MD5 hash file decides whether a
// collection must be rebuilt.
type Loader struct {
	VDB       *vectordb.Client
	Embedder  *embeddings.Service
	HashFile  string
	Dim       int
	BatchSize int
	Logger    *zap.Logger
}

type hashRecord map[string]map[string]string // kb name -> file path -> md5

func (l *Loader) batchSize() int {
	if l.BatchSize > 0 {
		return l.BatchSize
	}
	return 32
}

// LoadOrReindex returns the knowledge base for a source directory, rebuilding
// the collection when any source file hash changed or no hash record exists.
func (l *Loader) LoadOrReindex(ctx context.Context, name, dir, collection string) (*KnowledgeBase, error) {
	hashes, err := l.sourceHashes(dir)
	if err != nil {
		return nil, fmt.Errorf("kb %s: hash sources: %w", name, err)
	}

	recorded := l.readHashFile()
	exists, err := l.VDB.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("kb %s: collection check: %w", name, err)
	}

	if !exists || !hashesEqual(recorded[name], hashes) {
		l.Logger.Info("Reindexing knowledge base",
			zap.String("kb", name),
			zap.String("collection", collection),
			zap.Int("files", len(hashes)))
		if err := l.reindex(ctx, name, dir, collection); err != nil {
			return nil, err
		}
		recorded[name] = hashes
		l.writeHashFile(recorded)
	}

	return l.hydrate(ctx, name, collection)
}

func (l *Loader) sourceHashes(dir string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".txt") && !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := md5.Sum(b)
		out[path] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) readHashFile() hashRecord {
	rec := make(hashRecord)
	b, err := os.ReadFile(l.HashFile)
	if err != nil {
		return rec
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		l.Logger.Warn("Corrupt hash file, forcing reindex", zap.String("path", l.HashFile), zap.Error(err))
		return make(hashRecord)
	}
	return rec
}

func (l *Loader) writeHashFile(rec hashRecord) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(l.HashFile, b, 0o644); err != nil {
		l.Logger.Warn("Failed to write hash file", zap.String("path", l.HashFile), zap.Error(err))
	}
}

func hashesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// reindex drops and rebuilds the collection from the source directory.
func (l *Loader) reindex(ctx context.Context, name, dir, collection string) error {
	if err := l.VDB.DropCollection(ctx, collection); err != nil {
		return fmt.Errorf("kb %s: drop collection: %w", name, err)
	}
	if err := l.VDB.CreateCollection(ctx, collection, l.Dim); err != nil {
		return fmt.Errorf("kb %s: create collection: %w", name, err)
	}

	nodes, err := l.chunkDir(dir)
	if err != nil {
		return fmt.Errorf("kb %s: chunk sources: %w", name, err)
	}
	if len(nodes) == 0 {
		l.Logger.Warn("Knowledge base has no source chunks", zap.String("kb", name))
		return nil
	}

	bs := l.batchSize()
	for i := 0; i < len(nodes); i += bs {
		end := i + bs
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[i:end]
		texts := make([]string, len(batch))
		for j, n := range batch {
			texts[j] = n.Text
		}
		vecs, err := l.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("kb %s: embed batch: %w", name, err)
		}
		items := make([]vectordb.UpsertItem, len(batch))
		for j, n := range batch {
			items[j] = vectordb.UpsertItem{
				ID:      n.ID,
				Vector:  vecs[j],
				Payload: n.Payload(),
			}
		}
		if _, err := l.VDB.Upsert(ctx, collection, items); err != nil {
			return fmt.Errorf("kb %s: upsert batch: %w", name, err)
		}
	}
	l.Logger.Info("Knowledge base indexed", zap.String("kb", name), zap.Int("nodes", len(nodes)))
	return nil
}

// chunkDir splits each source file on the primary separator, then each
// section on the secondary separator.
func (l *Loader) chunkDir(dir string) ([]*Node, error) {
	var nodes []*Node
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".txt") && !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String()
		for _, section := range strings.Split(string(b), chunkSeparatorPrimary) {
			for _, piece := range strings.Split(section, chunkSeparatorSecondary) {
				text := strings.TrimSpace(piece)
				if text == "" {
					continue
				}
				nodes = append(nodes, &Node{
					ID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(path+"|"+text)).String(),
					Text: text,
					Metadata: map[string]interface{}{
						"file_name": d.Name(),
						"file_path": path,
						"doc_id":    docID,
					},
					ExcludedEmbedKeys: []string{"file_path", "doc_id"},
					ExcludedLLMKeys:   []string{"file_path", "doc_id"},
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// hydrate scrolls the whole collection and rebuilds the in-memory node set.
func (l *Loader) hydrate(ctx context.Context, name, collection string) (*KnowledgeBase, error) {
	points, err := l.VDB.Scroll(ctx, collection, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("kb %s: scroll: %w", name, err)
	}
	var nodes []*Node
	bad := 0
	for _, p := range points {
		n, err := NodeFromPoint(p)
		if err != nil {
			bad++
			continue
		}
		nodes = append(nodes, n)
	}
	k := New(name, collection, nodes)
	if bad > 0 {
		l.Logger.Warn("Skipped unhydratable points", zap.String("kb", name), zap.Int("count", bad))
	}
	l.Logger.Info("Knowledge base loaded", zap.String("kb", name), zap.Int("nodes", len(k.Nodes)))
	return k, nil
}
