package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Redis   RedisConfig   `mapstructure:"redis" validate:"required"`
	Worker  WorkerConfig  `mapstructure:"worker" validate:"required"`
	LLM     LLMConfig     `mapstructure:"llm" validate:"required"`
	Tools   ToolsConfig   `mapstructure:"tools"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// RedisConfig contains the queue backend settings.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// WorkerConfig contains worker pool and supervisor settings.
type WorkerConfig struct {
	Count                  int `mapstructure:"count" validate:"required,gt=0,lte=64"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" validate:"required,gt=0"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures" validate:"required,gt=0"`
	HealthPort             int `mapstructure:"health_port" validate:"required,gt=0,lt=65536"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	Provider     string `mapstructure:"provider" validate:"required,oneof=ollama gemini"`
	OllamaURL    string `mapstructure:"ollama_url" validate:"required_if=Provider ollama"`
	ModelName    string `mapstructure:"model_name" validate:"required"`
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required_if=Provider gemini"`
}

// ToolsConfig lists the external tool servers available to the pipeline.
type ToolsConfig struct {
	Servers []ToolServerConfig `mapstructure:"servers" validate:"dive"`
}

// ToolServerConfig describes one tool server endpoint.
type ToolServerConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	URL         string `mapstructure:"url" validate:"required,url"`
	Description string `mapstructure:"description"`
}

// ArchiveConfig contains the optional terminal-job archive settings.
// When DatabaseURL is empty, archiving is disabled.
type ArchiveConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}
