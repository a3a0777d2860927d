package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice relay service.
type Config struct {
	BindAddr         string
	PublicHost       string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string
	LogFile   string

	RealtimeEndpoint   string
	RealtimeAPIKey     string
	RealtimeDeployment string
	RealtimeAPIVersion string
	RealtimeVoice      string
	RealtimeTemp       float64
	Instructions       string

	PhoneAudioFormat string
	WebAudioFormat   string
	PendingAudioCap  int

	ActionBaseURL  string
	ActionAPIToken string

	TrackerURL       string
	TrackerAccountID string
	TrackerInboxID   string
	TrackerAPIToken  string

	SummaryDeployment string
	SummaryAPIVersion string
	SummaryAPIKey     string

	EscalationNumber string

	DatabaseURL        string
	ConversationLogDir string

	SessionInactivityTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicHost:         trimmedEnv("APP_PUBLIC_HOST"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		LogLevel:           envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("APP_LOG_FORMAT", "json"),
		LogFile:            trimmedEnv("APP_LOG_FILE"),
		RealtimeEndpoint:   trimmedEnv("AZURE_OPENAI_ENDPOINT"),
		RealtimeAPIKey:     trimmedEnv("AZURE_OPENAI_API_KEY"),
		RealtimeDeployment: trimmedEnv("AZURE_OPENAI_DEPLOYMENT"),
		RealtimeAPIVersion: envOrDefault("AZURE_OPENAI_API_VERSION", "2024-10-01-preview"),
		RealtimeVoice:      envOrDefault("REALTIME_VOICE", "alloy"),
		RealtimeTemp:       0.8,
		Instructions:       trimmedEnv("REALTIME_INSTRUCTIONS"),
		// Twilio media streams carry G.711 mu-law; browser clients stream PCM16.
		PhoneAudioFormat:         envOrDefault("PHONE_AUDIO_FORMAT", "g711_ulaw"),
		WebAudioFormat:           envOrDefault("WEB_AUDIO_FORMAT", "pcm16"),
		PendingAudioCap:          512,
		ActionBaseURL:            envOrDefault("N8N_WEBHOOK_URL", "https://your-n8n-instance.com/webhook"),
		ActionAPIToken:           trimmedEnv("N8N_API_KEY"),
		TrackerURL:               trimmedEnv("CHATWOOT_URL"),
		TrackerAccountID:         trimmedEnv("CHATWOOT_ACCOUNT_ID"),
		TrackerInboxID:           trimmedEnv("CHATWOOT_INBOX_ID"),
		TrackerAPIToken:          trimmedEnv("CHATWOOT_API_TOKEN"),
		SummaryDeployment:        envOrDefault("AZURE_OPENAI_CHAT_DEPLOYMENT", "gpt-4o-mini"),
		SummaryAPIVersion:        envOrDefault("AZURE_OPENAI_CHAT_API_VERSION", "2024-12-01-preview"),
		SummaryAPIKey:            trimmedEnv("AZURE_OPENAI_CHAT_API_KEY"),
		EscalationNumber:         trimmedEnv("ESCALATION_FORWARD_NUMBER"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		ConversationLogDir:       envOrDefault("CONVERSATION_LOG_DIR", "logs/conversations"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
	}
	if cfg.SummaryAPIKey == "" {
		cfg.SummaryAPIKey = cfg.RealtimeAPIKey
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PendingAudioCap, err = intFromEnv("PENDING_AUDIO_CAP", cfg.PendingAudioCap)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeTemp, err = floatFromEnv("REALTIME_TEMPERATURE", cfg.RealtimeTemp)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.PendingAudioCap <= 0 {
		return Config{}, fmt.Errorf("PENDING_AUDIO_CAP must be positive")
	}
	if cfg.RealtimeTemp < 0 || cfg.RealtimeTemp > 2 {
		return Config{}, fmt.Errorf("REALTIME_TEMPERATURE must be between 0 and 2")
	}

	return cfg, nil
}

// RealtimeWSURL builds the realtime websocket address from the configured
// endpoint, deployment and API version.
func (c Config) RealtimeWSURL() string {
	host := strings.TrimPrefix(strings.TrimPrefix(c.RealtimeEndpoint, "https://"), "wss://")
	host = strings.TrimRight(host, "/")
	return fmt.Sprintf("wss://%s/openai/realtime?api-version=%s&deployment=%s",
		host, c.RealtimeAPIVersion, c.RealtimeDeployment)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
