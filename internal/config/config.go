package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable via BOOKFORGE_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseURL"`
	LogLevel    string `yaml:"logLevel"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	QueueStream   string `yaml:"queueStream"`
	QueueGroup    string `yaml:"queueGroup"`
	WorkerCount   int    `yaml:"workerCount"`

	// GenerationRateLimit caps generation starts per user per minute.
	// Zero disables rate limiting.
	GenerationRateLimit int `yaml:"generationRateLimit"`

	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	GeminiAPIKey  string `yaml:"geminiAPIKey"`
	OllamaBaseURL string `yaml:"ollamaBaseURL"`
	OpenAIBaseURL string `yaml:"openaiBaseURL"`
	OpenAIAPIKey  string `yaml:"openaiAPIKey"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	QueueSigningKey     string `yaml:"queueSigningKey"`
	QueueSigningKeyNext string `yaml:"queueSigningKeyNext"`
	PaymentWebhookKey   string `yaml:"paymentWebhookKey"`

	CreditsPerBook    int `yaml:"creditsPerBook"`
	FreeSignupCredits int `yaml:"freeSignupCredits"`
	MaxChapters       int `yaml:"maxChapters"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
		if v := os.Getenv("BOOKFORGE_CONFIG"); v != "" {
			path = v
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.OllamaBaseURL = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("BOOKFORGE_QUEUE_SIGNING_KEY"); v != "" {
		cfg.QueueSigningKey = v
	}
	if v := os.Getenv("BOOKFORGE_QUEUE_SIGNING_KEY_NEXT"); v != "" {
		cfg.QueueSigningKeyNext = v
	}
	if v := os.Getenv("BOOKFORGE_PAYMENT_WEBHOOK_KEY"); v != "" {
		cfg.PaymentWebhookKey = v
	}
	if v := os.Getenv("BOOKFORGE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerCount = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.QueueStream == "" {
		cfg.QueueStream = "bookforge:generation"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "generation-workers"
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.Provider == "" {
		cfg.Provider = "gemini"
	}
	if cfg.CreditsPerBook <= 0 {
		cfg.CreditsPerBook = 4
	}
	if cfg.FreeSignupCredits < 0 {
		cfg.FreeSignupCredits = 0
	}
	if cfg.MaxChapters <= 0 {
		cfg.MaxChapters = 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.Provider == "gemini" && cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required for the gemini provider (set in config.yaml or GEMINI_API_KEY)")
	}
	if cfg.Provider == "ollama" && cfg.OllamaBaseURL == "" {
		return errors.New("config: ollamaBaseURL is required for the ollama provider (set in config.yaml or OLLAMA_BASE_URL)")
	}
	if (cfg.Provider == "openai" || cfg.Provider == "openai-compat") && cfg.OpenAIBaseURL == "" {
		return errors.New("config: openaiBaseURL is required for the openai provider (set in config.yaml or OPENAI_BASE_URL)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml or MINIO_ENDPOINT)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml or MINIO_ACCESS_KEY)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml or MINIO_SECRET_KEY)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml or MINIO_BUCKET)")
	}
	if cfg.QueueSigningKey == "" {
		return errors.New("config: queueSigningKey is required (set in config.yaml or BOOKFORGE_QUEUE_SIGNING_KEY)")
	}
	if cfg.PaymentWebhookKey == "" {
		return errors.New("config: paymentWebhookKey is required (set in config.yaml or BOOKFORGE_PAYMENT_WEBHOOK_KEY)")
	}
	return nil
}
