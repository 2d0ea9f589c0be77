// Package config loads groundgen configuration from defaults, an optional
// .env file, and GROUNDGEN_* environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	OpenAI     OpenAIConfig
	Index      IndexConfig
	Chunking   ChunkingConfig
	Generation GenerationConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	EmbedModel string
	ChatModel  string
	Timeout    time.Duration
}

// IndexConfig describes the vector index. Dimension and metric are
// configuration rather than constants so the pipeline is not tied to a
// single embedding provider.
type IndexConfig struct {
	Namespace string
	Dimension int
	Metric    string
	BatchSize int
}

type ChunkingConfig struct {
	Encoding string
	Size     int
	Overlap  int
}

type GenerationConfig struct {
	TopK             int
	MaxContextTokens int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4-turbo-preview",
			Timeout:    60 * time.Second,
		},
		Index: IndexConfig{
			Namespace: "default",
			Dimension: 1536,
			Metric:    "cosine",
			BatchSize: 50,
		},
		Chunking: ChunkingConfig{
			Encoding: "cl100k_base",
			Size:     1000,
			Overlap:  200,
		},
		Generation: GenerationConfig{
			TopK:             5,
			MaxContextTokens: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".groundgen"
	}
	return filepath.Join(home, ".groundgen")
}

// Load builds the configuration. A .env file in the working directory is
// read if present; explicit environment variables win over it.
func Load() (Config, error) {
	// Missing .env is fine; godotenv never overrides variables that are
	// already set.
	_ = godotenv.Load()

	cfg := defaults()
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := setInt(&cfg.Server.Port, "GROUNDGEN_PORT"); err != nil {
		return err
	}
	setString(&cfg.Server.Token, "GROUNDGEN_API_TOKEN")
	setString(&cfg.Storage.DataDir, "GROUNDGEN_DATA_DIR")

	setString(&cfg.OpenAI.BaseURL, "GROUNDGEN_OPENAI_BASE_URL")
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.EmbedModel, "GROUNDGEN_EMBED_MODEL")
	setString(&cfg.OpenAI.ChatModel, "GROUNDGEN_CHAT_MODEL")

	setString(&cfg.Index.Namespace, "GROUNDGEN_NAMESPACE")
	if err := setInt(&cfg.Index.Dimension, "GROUNDGEN_DIMENSION"); err != nil {
		return err
	}
	setString(&cfg.Index.Metric, "GROUNDGEN_METRIC")
	if err := setInt(&cfg.Index.BatchSize, "GROUNDGEN_UPSERT_BATCH"); err != nil {
		return err
	}

	setString(&cfg.Chunking.Encoding, "GROUNDGEN_CHUNK_ENCODING")
	if err := setInt(&cfg.Chunking.Size, "GROUNDGEN_CHUNK_SIZE"); err != nil {
		return err
	}
	if err := setInt(&cfg.Chunking.Overlap, "GROUNDGEN_CHUNK_OVERLAP"); err != nil {
		return err
	}

	if err := setInt(&cfg.Generation.TopK, "GROUNDGEN_TOP_K"); err != nil {
		return err
	}
	if err := setInt(&cfg.Generation.MaxContextTokens, "GROUNDGEN_MAX_CONTEXT_TOKENS"); err != nil {
		return err
	}

	setString(&cfg.Log.Level, "GROUNDGEN_LOG_LEVEL")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

// Validate reports configuration combinations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunk overlap %d must be in [0, %d)", c.Chunking.Overlap, c.Chunking.Size)
	}
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("index dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("upsert batch size must be positive, got %d", c.Index.BatchSize)
	}
	return nil
}
