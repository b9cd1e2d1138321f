package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"docquery/internal/cache"
	"docquery/internal/config"
	"docquery/internal/embeddings"
	"docquery/internal/llm"
	"docquery/internal/logger"
	"docquery/internal/queue"
	"docquery/internal/store"
)

// Deps bundles common runtime dependencies for the server and ingester.
type Deps struct {
	Config   config.Config
	Log      *slog.Logger
	Store    store.Store
	Queue    queue.Queue
	Cache    cache.Cache
	Embedder embeddings.Embedder
	LLM      llm.Client
}

// Build loads env, config, and shared components, then probes the embedding
// provider so a dimension misconfiguration aborts startup instead of
// corrupting the index later.
func Build(ctx context.Context, service string) (Deps, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Deps{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, service)

	st, err := buildStore(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize store: %w", err)
	}
	q, err := buildQueue(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize queue: %w", err)
	}
	c, err := buildCache(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize cache: %w", err)
	}
	embedder, err := buildEmbedder(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	llmClient, err := buildLLM(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := embeddings.Probe(probeCtx, embedder, cfg.EmbeddingDimension); err != nil {
		return Deps{}, err
	}
	log.Info("embedding provider verified", "provider", cfg.Provider, "model", cfg.EmbeddingModel, "dimension", cfg.EmbeddingDimension)

	return Deps{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Queue:    q,
		Cache:    c,
		Embedder: embedder,
		LLM:      llmClient,
	}, nil
}

func buildStore(cfg config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.DBURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}
	db, err := store.NewPostgres(cfg.DBURL, store.Options{
		Dimension: cfg.EmbeddingDimension,
		Lists:     cfg.VectorIndexLists,
		Probes:    cfg.SearchProbes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
	}
	log.Info("using Postgres store", "index_lists", cfg.VectorIndexLists)
	return db, nil
}

func buildQueue(cfg config.Config, log *slog.Logger) (queue.Queue, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("QUEUE_URL is required")
	}
	nc, err := nats.Connect(cfg.QueueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("using NATS queue", "max_attempts", cfg.IngestMaxAttempts)
	return queue.NewNATS(log, nc, cfg.IngestMaxAttempts), nil
}

func buildCache(cfg config.Config, log *slog.Logger) (cache.Cache, error) {
	if cfg.RedisAddr == "" {
		log.Info("REDIS_ADDR not set; answer caching disabled")
		return cache.NewNoOpCache(), nil
	}
	c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info("using Redis answer cache", "ttl_seconds", cfg.CacheTTL)
	return c, nil
}

func buildEmbedder(cfg config.Config, log *slog.Logger) (embeddings.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when MODEL_PROVIDER=openai")
		}
		return embeddings.NewOpenAIEmbedder(cfg.OpenAIKey, openai.EmbeddingModel(cfg.EmbeddingModel))
	case "local":
		if cfg.LocalServerURL == "" {
			return nil, fmt.Errorf("LOCAL_SERVER_URL is required when MODEL_PROVIDER=local")
		}
		return embeddings.NewLocalEmbedder(cfg.LocalServerURL, cfg.EmbeddingModel)
	case "huggingface":
		if cfg.HuggingFaceKey == "" {
			return nil, fmt.Errorf("HUGGINGFACE_API_KEY is required when MODEL_PROVIDER=huggingface")
		}
		return embeddings.NewHuggingFaceEmbedder(cfg.HuggingFaceKey, cfg.EmbeddingModel)
	default:
		return nil, fmt.Errorf("invalid MODEL_PROVIDER: %s (valid options: openai, local, huggingface)", cfg.Provider)
	}
}

func buildLLM(cfg config.Config, log *slog.Logger) (llm.Client, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when MODEL_PROVIDER=openai")
		}
		return llm.NewOpenAIClient(cfg.OpenAIKey, openai.ChatModel(cfg.CompletionModel))
	case "local":
		if cfg.LocalServerURL == "" {
			return nil, fmt.Errorf("LOCAL_SERVER_URL is required when MODEL_PROVIDER=local")
		}
		return llm.NewLocalClient(cfg.LocalServerURL, cfg.CompletionModel)
	case "huggingface":
		if cfg.HuggingFaceKey == "" {
			return nil, fmt.Errorf("HUGGINGFACE_API_KEY is required when MODEL_PROVIDER=huggingface")
		}
		return llm.NewHuggingFaceClient(cfg.HuggingFaceKey, cfg.CompletionModel)
	default:
		return nil, fmt.Errorf("invalid MODEL_PROVIDER: %s (valid options: openai, local, huggingface)", cfg.Provider)
	}
}
