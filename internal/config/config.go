package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the totem kiosk service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	HeyGenAPIKey     string
	HeyGenAPIBaseURL string
	HeyGenWSBaseURL  string

	VoiceflowAPIKey    string
	VoiceflowBaseURL   string
	VoiceflowVersionID string
	// ConversationID is the shared identity used by the plain /api/chat route
	// when the caller carries none. Fine for a single kiosk, wrong for more;
	// the in-process controller always generates its own per-session id.
	ConversationID string

	AvatarID      string
	AvatarQuality string
	Language      string
	VoiceRate     float64
	VoiceEmotion  string
	STTProvider   string
	Transport     string

	TokenTimeout       time.Duration
	SessionOpenTimeout time.Duration
	RelayTimeout       time.Duration
	IdleTimeout        time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "totem"),

		HeyGenAPIKey:     envTrimmed("HEYGEN_API_KEY"),
		HeyGenAPIBaseURL: envOrDefault("HEYGEN_API_BASE_URL", "https://api.heygen.com"),
		HeyGenWSBaseURL:  envOrDefault("HEYGEN_WS_BASE_URL", "wss://api.heygen.com"),

		VoiceflowAPIKey:    envTrimmed("VOICEFLOW_API_KEY"),
		VoiceflowBaseURL:   envOrDefault("VOICEFLOW_BASE_URL", "https://general-runtime.voiceflow.com"),
		VoiceflowVersionID: envOrDefault("VOICEFLOW_VERSION_ID", "production"),
		ConversationID:     envOrDefault("VOICEFLOW_CONVERSATION_ID", "totem-kiosk"),

		// Deployment profile for the streaming avatar. Static per deployment,
		// not user-configurable at runtime.
		AvatarID:      envOrDefault("AVATAR_ID", "19deca1e52b6457d82412bd5fd5216c3"),
		AvatarQuality: envOrDefault("AVATAR_QUALITY", "high"),
		Language:      envOrDefault("AVATAR_LANGUAGE", "it"),
		VoiceRate:     1.0,
		VoiceEmotion:  envOrDefault("AVATAR_VOICE_EMOTION", "friendly"),
		STTProvider:   envOrDefault("AVATAR_STT_PROVIDER", "deepgram"),
		Transport:     envOrDefault("AVATAR_TRANSPORT", "websocket"),

		TokenTimeout:       10 * time.Second,
		SessionOpenTimeout: 20 * time.Second,
		RelayTimeout:       8 * time.Second,
		IdleTimeout:        5 * time.Minute,
		ShutdownTimeout:    15 * time.Second,

		DatabaseURL: envTrimmed("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTimeout, err = durationFromEnv("APP_TOKEN_TIMEOUT", cfg.TokenTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionOpenTimeout, err = durationFromEnv("APP_SESSION_OPEN_TIMEOUT", cfg.SessionOpenTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayTimeout, err = durationFromEnv("APP_RELAY_TIMEOUT", cfg.RelayTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleTimeout, err = durationFromEnv("APP_KIOSK_IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceRate, err = floatFromEnv("AVATAR_VOICE_RATE", cfg.VoiceRate)
	if err != nil {
		return Config{}, err
	}

	if cfg.TokenTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_TOKEN_TIMEOUT must be positive")
	}
	if cfg.RelayTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_RELAY_TIMEOUT must be positive")
	}
	if cfg.IdleTimeout < 30*time.Second {
		return Config{}, fmt.Errorf("APP_KIOSK_IDLE_TIMEOUT must be at least 30s")
	}
	if cfg.VoiceRate < 0.5 || cfg.VoiceRate > 1.5 {
		return Config{}, fmt.Errorf("AVATAR_VOICE_RATE must be between 0.5 and 1.5")
	}
	if strings.TrimSpace(cfg.AvatarID) == "" {
		return Config{}, fmt.Errorf("AVATAR_ID must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
