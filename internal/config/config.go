package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// LLMEndpoint describes one OpenAI-compatible chat endpoint
type LLMEndpoint struct {
	BaseURL     string `mapstructure:"base_url" json:"base_url"`
	AccessToken string `mapstructure:"access_token" json:"access_token"`
	ModelName   string `mapstructure:"model_name" json:"model_name"`
}

// Settings holds every runtime knob of the QA pipeline. All fields can be set
// by environment variable (names match the mapstructure keys, upper-cased) and
// optionally by a YAML file pointed at by CONFIG_PATH.
type Settings struct {
	// Server
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Feature switches
	EnableIntentClassifier         bool `mapstructure:"enable_intent_classifier"`
	EnableSubquestionDecomposition bool `mapstructure:"enable_subquestion_decomposition"`
	EnableVisaFreeFeature          bool `mapstructure:"enable_visa_free_feature"`
	EnableAirlineFeature           bool `mapstructure:"enable_airline_feature"`
	EnableHiddenKBFeature          bool `mapstructure:"enable_hidden_kb_feature"`
	EnableRulesFeature             bool `mapstructure:"enable_rules_feature"`

	// Fusion parameters
	RRFK            float64 `mapstructure:"rrf_k"`
	RRFVectorWeight float64 `mapstructure:"rrf_vector_weight"`
	RRFBM25Weight   float64 `mapstructure:"rrf_bm25_weight"`

	// Pipeline sizes and thresholds
	RetrievalTopK        int     `mapstructure:"retrieval_top_k"`
	RetrievalTopKBM25    int     `mapstructure:"retrieval_top_k_bm25"`
	TopKMerged           int     `mapstructure:"top_k_merged"`
	RerankerInputTopN    int     `mapstructure:"reranker_input_top_n"`
	RerankTopN           int     `mapstructure:"rerank_top_n"`
	RerankScoreThreshold float64 `mapstructure:"rerank_score_threshold"`

	// Fixed per-strategy return counts
	VisaFreeStrategyReturnCount        int `mapstructure:"visa_free_strategy_return_count"`
	AirlineStrategyReturnCount         int `mapstructure:"airline_strategy_return_count"`
	AirlineVisaFreeStrategyReturnCount int `mapstructure:"airline_visa_free_strategy_return_count"`

	// Intent router
	IntentTimeout   time.Duration `mapstructure:"intent_classifier_timeout"`
	IntentCacheSize int           `mapstructure:"intent_cache_size"`
	IntentLLMID     string        `mapstructure:"intent_classifier_llm_id"`

	// Sub-question decomposer
	SubquestionComplexityThreshold int           `mapstructure:"subquestion_complexity_threshold"`
	SubquestionMinEntities         int           `mapstructure:"subquestion_min_entities"`
	SubquestionMaxDepth            int           `mapstructure:"subquestion_max_depth"`
	SubquestionMinScore            float64       `mapstructure:"subquestion_min_score"`
	SubquestionMaxEmptyResults     int           `mapstructure:"subquestion_max_empty_results"`
	SubquestionDecompTimeout       time.Duration `mapstructure:"subquestion_decomp_timeout"`
	SubquestionAnswerTimeout       time.Duration `mapstructure:"subquestion_answer_timeout"`
	SubquestionSynthesisTimeout    time.Duration `mapstructure:"subquestion_synthesis_timeout"`
	SubquestionMaxWorkers          int           `mapstructure:"subquestion_max_workers"`
	HistoryCompressTurns           int           `mapstructure:"subquestion_history_compress_turns"`
	HistoryMaxTokens               int           `mapstructure:"subquestion_history_max_tokens"`

	// InsertBlock filter
	InsertBlockMaxWorkers int           `mapstructure:"insertblock_max_workers"`
	InsertBlockTimeout    time.Duration `mapstructure:"insertblock_timeout"`
	InsertBlockDeadline   time.Duration `mapstructure:"insertblock_deadline"`

	// Conversation policy
	ConversationExpireDays int           `mapstructure:"conversation_expire_days"`
	MaxRecentTurns         int           `mapstructure:"max_recent_turns"`
	MaxRelevantTurns       int           `mapstructure:"max_relevant_turns"`
	RecentCacheTTL         time.Duration `mapstructure:"recent_cache_ttl"`

	// Rules KB injection
	RulesScoreThreshold     float64 `mapstructure:"rules_score_threshold"`
	RulesHighScoreThreshold float64 `mapstructure:"rules_high_score_threshold"`
	RulesTopN               int     `mapstructure:"rules_top_n"`

	// LLM policy
	LLMRequestTimeout time.Duration          `mapstructure:"llm_request_timeout"`
	LLMMaxTokens      int                    `mapstructure:"llm_max_tokens"`
	LLMMaxRetries     int                    `mapstructure:"llm_max_retries"`
	DefaultLLMID      string                 `mapstructure:"default_llm_id"`
	LLMEndpoints      map[string]LLMEndpoint `mapstructure:"llm_endpoints"`

	// Vector store
	QdrantHost             string        `mapstructure:"qdrant_host"`
	QdrantPort             int           `mapstructure:"qdrant_port"`
	QdrantTimeout          time.Duration `mapstructure:"qdrant_timeout"`
	EmbeddingDim           int           `mapstructure:"embedding_dim"`
	GeneralCollection      string        `mapstructure:"qdrant_collection"`
	VisaFreeCollection     string        `mapstructure:"visa_free_collection"`
	AirlineCollection      string        `mapstructure:"airline_collection"`
	RulesCollection        string        `mapstructure:"rules_collection"`
	HiddenCollection       string        `mapstructure:"hidden_collection"`
	ConversationCollection string        `mapstructure:"conversation_collection"`

	// Knowledge base source directories (hash-checked for reindex)
	KnowledgeBaseDir string `mapstructure:"knowledge_base_dir"`
	VisaFreeKBDir    string `mapstructure:"visa_free_kb_dir"`
	AirlineKBDir     string `mapstructure:"airline_kb_dir"`
	RulesKBDir       string `mapstructure:"rules_kb_dir"`
	HiddenKBDir      string `mapstructure:"hidden_kb_dir"`
	KBHashFile       string `mapstructure:"kb_hash_file"`

	// Model server (embeddings + reranker)
	ModelServerURL   string        `mapstructure:"model_server_url"`
	EmbeddingModel   string        `mapstructure:"embedding_model"`
	RerankerModel    string        `mapstructure:"reranker_model"`
	EmbeddingTimeout time.Duration `mapstructure:"embedding_timeout"`

	// Caches
	RedisAddr         string        `mapstructure:"redis_addr"`
	EmbeddingCacheTTL time.Duration `mapstructure:"embedding_cache_ttl"`

	// Auth
	AuthServiceURL string        `mapstructure:"auth_service_url"`
	AuthCacheTTL   time.Duration `mapstructure:"auth_cache_ttl"`
	DevAuthSecret  string        `mapstructure:"dev_auth_secret"`

	// Transcript store (optional)
	TranscriptDSN string `mapstructure:"transcript_dsn"`

	// Rate limiting
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	// Observability
	MetricsPort    int    `mapstructure:"metrics_port"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	LogLevel       string `mapstructure:"log_level"`

	// Request deadline for the whole pipeline
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "127.0.0.1")
	v.SetDefault("server_port", 5000)

	v.SetDefault("enable_intent_classifier", false)
	v.SetDefault("enable_subquestion_decomposition", false)
	v.SetDefault("enable_visa_free_feature", false)
	v.SetDefault("enable_airline_feature", false)
	v.SetDefault("enable_hidden_kb_feature", false)
	v.SetDefault("enable_rules_feature", false)

	v.SetDefault("rrf_k", 10.0)
	v.SetDefault("rrf_vector_weight", 0.7)
	v.SetDefault("rrf_bm25_weight", 0.3)

	v.SetDefault("retrieval_top_k", 30)
	v.SetDefault("retrieval_top_k_bm25", 30)
	v.SetDefault("top_k_merged", 30)
	v.SetDefault("reranker_input_top_n", 30)
	v.SetDefault("rerank_top_n", 15)
	v.SetDefault("rerank_score_threshold", 0.3)

	v.SetDefault("visa_free_strategy_return_count", 15)
	v.SetDefault("airline_strategy_return_count", 15)
	v.SetDefault("airline_visa_free_strategy_return_count", 20)

	v.SetDefault("intent_classifier_timeout", 5*time.Second)
	v.SetDefault("intent_cache_size", 1000)
	v.SetDefault("intent_classifier_llm_id", "")

	v.SetDefault("subquestion_complexity_threshold", 60)
	v.SetDefault("subquestion_min_entities", 2)
	v.SetDefault("subquestion_max_depth", 3)
	v.SetDefault("subquestion_min_score", 0.3)
	v.SetDefault("subquestion_max_empty_results", 2)
	v.SetDefault("subquestion_decomp_timeout", 10*time.Second)
	v.SetDefault("subquestion_answer_timeout", 15*time.Second)
	v.SetDefault("subquestion_synthesis_timeout", 30*time.Second)
	v.SetDefault("subquestion_max_workers", 3)
	v.SetDefault("subquestion_history_compress_turns", 5)
	v.SetDefault("subquestion_history_max_tokens", 500)

	v.SetDefault("insertblock_max_workers", 5)
	v.SetDefault("insertblock_timeout", 15*time.Second)
	v.SetDefault("insertblock_deadline", 60*time.Second)

	v.SetDefault("conversation_expire_days", 7)
	v.SetDefault("max_recent_turns", 6)
	v.SetDefault("max_relevant_turns", 3)
	v.SetDefault("recent_cache_ttl", 5*time.Minute)

	v.SetDefault("rules_score_threshold", 0.5)
	v.SetDefault("rules_high_score_threshold", 0.7)
	v.SetDefault("rules_top_n", 3)

	v.SetDefault("llm_request_timeout", 30*time.Minute)
	v.SetDefault("llm_max_tokens", 8192)
	v.SetDefault("llm_max_retries", 2)
	v.SetDefault("default_llm_id", "qwen3-32b")

	v.SetDefault("qdrant_host", "localhost")
	v.SetDefault("qdrant_port", 6333)
	v.SetDefault("qdrant_timeout", 5*time.Second)
	v.SetDefault("embedding_dim", 1024)
	v.SetDefault("qdrant_collection", "knowledge_base")
	v.SetDefault("visa_free_collection", "visa_free")
	v.SetDefault("airline_collection", "airline")
	v.SetDefault("rules_collection", "rules")
	v.SetDefault("hidden_collection", "hidden")
	v.SetDefault("conversation_collection", "conversations")

	v.SetDefault("knowledge_base_dir", "")
	v.SetDefault("visa_free_kb_dir", "")
	v.SetDefault("airline_kb_dir", "")
	v.SetDefault("rules_kb_dir", "")
	v.SetDefault("hidden_kb_dir", "")
	v.SetDefault("kb_hash_file", "kb_hashes.json")

	v.SetDefault("model_server_url", "http://localhost:8000")
	v.SetDefault("embedding_model", "bge-large-zh-v1.5")
	v.SetDefault("reranker_model", "bge-reranker-large")
	v.SetDefault("embedding_timeout", 10*time.Second)

	v.SetDefault("redis_addr", "")
	v.SetDefault("embedding_cache_ttl", time.Hour)

	v.SetDefault("auth_service_url", "")
	v.SetDefault("auth_cache_ttl", 5*time.Minute)
	v.SetDefault("dev_auth_secret", "")

	v.SetDefault("transcript_dsn", "")

	v.SetDefault("rate_limit_rps", 5.0)
	v.SetDefault("rate_limit_burst", 10)

	v.SetDefault("metrics_port", 2112)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("otlp_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")

	v.SetDefault("request_deadline", 10*time.Minute)
}

var (
	mu      sync.RWMutex
	current *Settings
)

// Load reads settings from environment variables and, when CONFIG_PATH points
// at a YAML file, from that file. Environment wins over file values.
func Load() (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = &s
	mu.Unlock()
	return &s, nil
}

// Get returns the most recently loaded settings. Panics if Load was never called;
// startup must fail fast on config errors rather than serve with defaults.
func Get() *Settings {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		panic("config: Get called before Load")
	}
	return current
}

// Validate rejects configurations the pipeline cannot serve with.
func (s *Settings) Validate() error {
	if s.RRFVectorWeight < 0 || s.RRFBM25Weight < 0 {
		return fmt.Errorf("config: RRF weights must be non-negative")
	}
	if s.RRFK <= 0 {
		return fmt.Errorf("config: RRF_K must be positive")
	}
	if s.RetrievalTopK <= 0 || s.RetrievalTopKBM25 <= 0 {
		return fmt.Errorf("config: retrieval top-k values must be positive")
	}
	if s.RerankTopN <= 0 || s.RerankerInputTopN <= 0 {
		return fmt.Errorf("config: rerank sizes must be positive")
	}
	if s.ConversationExpireDays <= 0 {
		return fmt.Errorf("config: CONVERSATION_EXPIRE_DAYS must be positive")
	}
	if s.InsertBlockMaxWorkers <= 0 {
		return fmt.Errorf("config: INSERTBLOCK_MAX_WORKERS must be positive")
	}
	return nil
}

// StrategyReturnCount returns the fixed merge size for a multi-KB strategy name.
func (s *Settings) StrategyReturnCount(strategy string) int {
	switch strategy {
	case "visa_free":
		return s.VisaFreeStrategyReturnCount
	case "airline":
		return s.AirlineStrategyReturnCount
	case "airline_visa_free":
		return s.AirlineVisaFreeStrategyReturnCount
	default:
		return s.RerankTopN
	}
}
