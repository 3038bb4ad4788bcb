package kb

import (
	"fmt"

	"github.com/borderdesk/borderdesk/internal/vectordb"
)

// Payload keys with this prefix are internal bookkeeping and are not part of
// node metadata.
const (
	payloadText          = "_text"
	payloadExcludedEmbed = "_excluded_embed_metadata_keys"
	payloadExcludedLLM   = "_excluded_llm_metadata_keys"
)

// Node is one indexed text chunk. Nodes are immutable after ingestion.
type Node struct {
	ID       string
	Text     string
	Metadata map[string]interface{}
	// Metadata keys hidden from the embedding text and the LLM context,
	// respectively. Lost lists degrade rerank quality, so they round-trip
	// through the vector store payload.
	ExcludedEmbedKeys []string
	ExcludedLLMKeys   []string
}

// FileName returns the source file name from metadata, or "".
func (n *Node) FileName() string {
	if v, ok := n.Metadata["file_name"].(string); ok {
		return v
	}
	return ""
}

// Payload flattens the node for vector store storage. Metadata keys are stored
// at the top level; internal fields carry the sentinel prefix.
func (n *Node) Payload() map[string]interface{} {
	p := make(map[string]interface{}, len(n.Metadata)+3)
	for k, v := range n.Metadata {
		p[k] = v
	}
	p[payloadText] = n.Text
	if len(n.ExcludedEmbedKeys) > 0 {
		p[payloadExcludedEmbed] = n.ExcludedEmbedKeys
	}
	if len(n.ExcludedLLMKeys) > 0 {
		p[payloadExcludedLLM] = n.ExcludedLLMKeys
	}
	return p
}

// NodeFromPoint hydrates a node from a stored point. Every payload key that
// does not carry the sentinel prefix is restored into metadata, and both
// excluded-keys lists are restored.
func NodeFromPoint(p vectordb.Point) (*Node, error) {
	text, _ := p.Payload[payloadText].(string)
	if text == "" {
		return nil, fmt.Errorf("kb: point %s has no text", p.ID)
	}
	n := &Node{
		ID:       p.ID,
		Text:     text,
		Metadata: make(map[string]interface{}),
	}
	for k, v := range p.Payload {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		n.Metadata[k] = v
	}
	n.ExcludedEmbedKeys = toStringSlice(p.Payload[payloadExcludedEmbed])
	n.ExcludedLLMKeys = toStringSlice(p.Payload[payloadExcludedLLM])
	return n, nil
}

func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
