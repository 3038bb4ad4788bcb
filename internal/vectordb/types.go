package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	Host string
	Port int
	// Search params
	Timeout time.Duration
	// Retry policy for idempotent requests
	MaxRetries   int
	RetryBackoff time.Duration
	// Validation
	ExpectedEmbeddingDim int // Expected embedding dimension (e.g., 1024 for bge-large)
}

// Point is a scored Qdrant point with its payload
type Point struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertItem represents a single point to insert into Qdrant
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures basic Qdrant upsert response
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// Filter is a Qdrant payload filter. Build with MustMatch.
type Filter map[string]interface{}

// MustMatch builds a filter requiring exact matches on the given payload keys.
func MustMatch(pairs map[string]interface{}) Filter {
	must := make([]map[string]interface{}, 0, len(pairs))
	for k, v := range pairs {
		must = append(must, map[string]interface{}{
			"key":   k,
			"match": map[string]interface{}{"value": v},
		})
	}
	return Filter{"must": must}
}

// RangeLT adds a "field < value" clause to the filter.
func (f Filter) RangeLT(key string, value float64) Filter {
	must, _ := f["must"].([]map[string]interface{})
	must = append(must, map[string]interface{}{
		"key":   key,
		"range": map[string]interface{}{"lt": value},
	})
	f["must"] = must
	return f
}
