// Package config provides the configuration schema, loader, and provider
// registry for the xiaozhi-server voice session engine.
package config

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Store      StoreConfig      `yaml:"store"`
	Chat       ChatConfig       `yaml:"chat"`
	VAD        VADConfig        `yaml:"vad"`
	LLM        LLMConfig        `yaml:"llm"`
	Activation ActivationConfig `yaml:"activation"`
}

// ServerConfig holds network and logging settings for the HTTP/WS front door.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is the logging verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognized log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Name is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "anyllm", "whisper", "elevenlabs"). Empty means this slot is unconfigured.
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "memory" (default, in-process) or "postgres".
	Backend string `yaml:"backend"`

	// PostgresDSN is the connection string used when Backend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions sizes the chat_history.embedding column when an
	// embeddings provider is configured. Must match Providers.Embeddings'
	// model output dimension.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ChatConfig holds the idle-timeout/standby behavior the Session Loop
// recognizes (spec.md §6).
type ChatConfig struct {
	// MaxIdleDurationMs is the idle-timeout duration in milliseconds before
	// the session enters standby. Default 30000.
	MaxIdleDurationMs int `yaml:"max_idle_duration_ms"`

	// StandbyPrompt is the text synthesized once before closing an idle
	// session.
	StandbyPrompt string `yaml:"standby_prompt"`
}

// VADConfig holds speech-recognition silence-detection tuning.
type VADConfig struct {
	// SilenceDurationMs is the sustained-silence threshold the recognizer
	// uses to emit EndOfUtterance. Default 2500.
	SilenceDurationMs int `yaml:"silence_duration_ms"`
}

// LLMConfig holds Turn Processor tuning not tied to a specific provider.
type LLMConfig struct {
	// HistoryLimit is the number of recent chat-history messages fetched per
	// turn. Default 5.
	HistoryLimit int `yaml:"history_limit"`
}

// ActivationConfig holds the OTA enrollment endpoint's connection info and
// shared secret.
type ActivationConfig struct {
	// WebsocketURL is advertised to devices as the URL to dial for their
	// session handshake.
	WebsocketURL string `yaml:"websocket_url"`

	// SignatureKey is the shared HMAC-SHA256 secret used to verify a
	// device's signed activation challenge response.
	SignatureKey string `yaml:"signature_key"`

	// FirmwareVersion is reported back to devices checking for updates.
	FirmwareVersion string `yaml:"firmware_version"`
}
