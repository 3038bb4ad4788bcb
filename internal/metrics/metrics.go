package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "borderdesk_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "borderdesk_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Rerank metrics
	RerankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_rerank_requests_total",
			Help: "Total number of rerank requests",
		},
		[]string{"status"},
	)

	RerankLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "borderdesk_rerank_latency_seconds",
			Help:    "Rerank scoring latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Retrieval metrics
	HybridRetrievals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_hybrid_retrievals_total",
			Help: "Total number of hybrid retrievals per knowledge base",
		},
		[]string{"kb", "status"},
	)

	BM25BypassHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_bm25_bypass_total",
			Help: "Nodes scored via the low-vector BM25 bypass",
		},
	)

	// Intent router metrics
	IntentClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_intent_classifications_total",
			Help: "Total number of intent classifications",
		},
		[]string{"strategy", "outcome"},
	)

	IntentLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "borderdesk_intent_latency_seconds",
			Help:    "Intent classification latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Decomposition metrics
	DecompositionQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_decomposition_queries_total",
			Help: "Total queries evaluated by the sub-question decomposer",
		},
	)

	DecomposedQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_decomposed_queries_total",
			Help: "Queries actually split into sub-questions",
		},
	)

	DecompositionFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_decomposition_fallbacks_total",
			Help: "Decompositions that fell back to standard retrieval",
		},
	)

	DecompositionEmptyResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_decomposition_empty_results_total",
			Help: "Sub-questions that retrieved zero nodes",
		},
	)

	DecompositionTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_decomposition_timeouts_total",
			Help: "Decomposition LLM calls that timed out",
		},
	)

	DecompositionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_decomposition_errors_total",
			Help: "Total number of decomposition errors",
		},
	)

	DecompositionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "borderdesk_decomposition_latency_seconds",
			Help:    "Sub-question decomposition latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// InsertBlock filter metrics
	InsertBlockCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_insertblock_calls_total",
			Help: "Per-node InsertBlock LLM calls",
		},
		[]string{"status"},
	)

	InsertBlockShortCircuits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_insertblock_short_circuits_total",
			Help: "InsertBlock runs aborted by the failure-rate short circuit",
		},
	)

	InsertBlockLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "borderdesk_insertblock_latency_seconds",
			Help:    "Whole-request InsertBlock filter latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
		},
	)

	// Conversation metrics
	ConversationTurnsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_conversation_turns_written_total",
			Help: "Conversation turns persisted to the vector store",
		},
	)

	ConversationWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_conversation_write_failures_total",
			Help: "Conversation turn writes dropped after failure",
		},
	)

	ConversationTurnsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_conversation_turns_expired_total",
			Help: "Conversation turns removed by GC",
		},
	)

	RecentCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_recent_cache_hits_total",
			Help: "Recent-turns cache hits",
		},
	)

	RecentCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "borderdesk_recent_cache_misses_total",
			Help: "Recent-turns cache misses",
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_llm_requests_total",
			Help: "Total number of LLM requests",
		},
		[]string{"model", "status"},
	)

	LLMStreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "borderdesk_llm_stream_latency_seconds",
			Help:    "LLM streaming request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)

	// SSE metrics
	SSEEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_sse_events_total",
			Help: "SSE frames emitted by tag",
		},
		[]string{"tag"},
	)

	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_chat_requests_total",
			Help: "Chat requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	ChatRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "borderdesk_chat_request_duration_seconds",
			Help:    "End-to-end chat request duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"endpoint"},
	)

	// Auth metrics
	TokenValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borderdesk_token_validations_total",
			Help: "Auth token validations by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordRerankMetrics records rerank metrics
func RecordRerankMetrics(status string, durationSeconds float64) {
	RerankRequests.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		RerankLatency.Observe(durationSeconds)
	}
}

// RecordLLMMetrics records LLM request metrics
func RecordLLMMetrics(model, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		LLMStreamLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
