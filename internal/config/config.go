package config

import (
	"log/slog"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration for the server and ingester processes.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes

	// Store
	DBURL string `env:"DB_URL"`
	// VectorIndexLists controls the ivfflat index (lists parameter).
	// 0 disables index creation so searches run as exact scans.
	VectorIndexLists int `env:"VECTOR_INDEX_LISTS" envDefault:"100"`
	// SearchProbes sets ivfflat.probes per search; 0 leaves the server default.
	SearchProbes int `env:"SEARCH_PROBES" envDefault:"0"`

	// Queue
	QueueURL string `env:"QUEUE_URL"`

	// Cache. Redis is optional; an unset addr falls back to a no-op cache.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	CacheTTL      int    `env:"CACHE_TTL" envDefault:"300"` // seconds

	// Providers. One variant serves both embeddings and completions:
	// "openai" (hosted API), "local" (OpenAI-compatible server at
	// LocalServerURL), or "huggingface" (inference API).
	Provider        string `env:"MODEL_PROVIDER" envDefault:"openai"`
	OpenAIKey       string `env:"OPENAI_API_KEY"`
	LocalServerURL  string `env:"LOCAL_SERVER_URL"`
	HuggingFaceKey  string `env:"HUGGINGFACE_API_KEY"`
	EmbeddingModel  string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	CompletionModel string `env:"COMPLETION_MODEL" envDefault:"gpt-4o-mini"`

	// EmbeddingDimension must match what the active embedding model returns;
	// verified once at startup with a probe call.
	EmbeddingDimension int `env:"EMBEDDING_DIMENSION" envDefault:"1536"`

	// Chunking policy
	ChunkSize    int `env:"CHUNK_SIZE" envDefault:"400"`
	ChunkOverlap int `env:"CHUNK_OVERLAP" envDefault:"80"`

	// Retrieval policy
	TopKDefault      int `env:"TOP_K_DEFAULT" envDefault:"4"`
	TopKMax          int `env:"TOP_K_MAX" envDefault:"20"`
	MaxContextTokens int `env:"MAX_CONTEXT_TOKENS" envDefault:"3000"`

	// Provider call budget
	ProviderAttempts  int `env:"PROVIDER_ATTEMPTS" envDefault:"3"`
	ProviderTimeoutMS int `env:"PROVIDER_TIMEOUT_MS" envDefault:"30000"`

	// Whole-pipeline retry budget (queue re-enqueue)
	IngestMaxAttempts int `env:"INGEST_MAX_ATTEMPTS" envDefault:"5"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
