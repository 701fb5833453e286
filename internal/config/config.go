// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/satriahrh/callbridge/domain/entities"
)

// Model providers
const (
	ProviderNovaSonic = "novasonic"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// Barge-in detectors
const (
	DetectorEnergy = "energy"
	DetectorGoogle = "google"
	DetectorOff    = "off"
)

const (
	defaultPort            = "8080"
	defaultRegion          = "us-east-1"
	defaultSystemPrompt    = "You are a friendly phone assistant. Keep responses short and conversational."
	defaultLanguage        = "en-US"
	defaultNovaSonicVoice  = "tiffany"
	defaultGeminiVoice     = "Puck"
	defaultMaxTokens       = 1024
	defaultTopP            = 0.9
	defaultTemperature     = 0.7
	defaultMaxCallDuration = time.Hour
)

// Config is the complete service configuration
type Config struct {
	Port   string
	AppEnv string

	Provider          string
	AWSRegion         string
	NovaSonicModelID  string
	GeminiAPIKey      string
	GeminiLiveModel   string
	MockFramesPerTurn int

	Session entities.SessionConfig

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	OutboundQueue    int
	MaxCallDuration  time.Duration

	BargeInDetector        string
	BargeInEnergyThreshold float64

	ConnectionTokenSecret string

	MongoDBURI      string
	MongoDBDatabase string
}

// NewConfigFromEnv creates a Config from environment variables. Malformed
// values are reported rather than silently replaced.
func NewConfigFromEnv() (Config, error) {
	p := &parser{}

	provider := strings.ToLower(getEnv("MODEL_PROVIDER", ProviderNovaSonic))
	voice := os.Getenv("VOICE_ID")
	if voice == "" {
		voice = defaultNovaSonicVoice
		if provider == ProviderGemini {
			voice = defaultGeminiVoice
		}
	}

	config := Config{
		Port:   getEnv("PORT", defaultPort),
		AppEnv: getEnv("APP_ENV", "production"),

		Provider:          provider,
		AWSRegion:         firstEnv("AWS_REGION", "AWS_DEFAULT_REGION", defaultRegion),
		NovaSonicModelID:  os.Getenv("NOVA_SONIC_MODEL_ID"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiLiveModel:   os.Getenv("GEMINI_LIVE_MODEL"),
		MockFramesPerTurn: p.intVar("MOCK_FRAMES_PER_TURN", 0),

		Session: entities.SessionConfig{
			VoiceID:      voice,
			SystemPrompt: getEnv("SYSTEM_PROMPT", defaultSystemPrompt),
			Language:     getEnv("SPEECH_LANGUAGE", defaultLanguage),
			SampleRate:   entities.DefaultSampleRate,
			BitDepth:     entities.DefaultBitDepth,
			Channels:     entities.DefaultChannels,
			MaxTokens:    p.intVar("MAX_TOKENS", defaultMaxTokens),
			TopP:         p.floatVar("TOP_P", defaultTopP),
			Temperature:  p.floatVar("TEMPERATURE", defaultTemperature),
		},

		HandshakeTimeout: p.durationVar("HANDSHAKE_TIMEOUT", 0),
		ReadTimeout:      p.durationVar("WS_READ_TIMEOUT", 0),
		WriteTimeout:     p.durationVar("WS_WRITE_TIMEOUT", 0),
		OutboundQueue:    p.intVar("OUTBOUND_QUEUE_FRAMES", 0),
		MaxCallDuration:  p.durationVar("MAX_CALL_DURATION", defaultMaxCallDuration),

		BargeInDetector:        strings.ToLower(getEnv("BARGE_IN_DETECTOR", DetectorEnergy)),
		BargeInEnergyThreshold: p.floatVar("BARGE_IN_ENERGY_THRESHOLD", 0),

		ConnectionTokenSecret: os.Getenv("CONNECTION_TOKEN_SECRET"),

		MongoDBURI:      os.Getenv("MONGODB_URI"),
		MongoDBDatabase: os.Getenv("MONGODB_DATABASE"),
	}

	if p.err != nil {
		return Config{}, p.err
	}
	return config, nil
}

// IsDevelopment reports whether the service runs in development mode
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Validate validates the Config
func Validate(config Config) error {
	switch config.Provider {
	case ProviderNovaSonic, ProviderMock:
	case ProviderGemini:
		if config.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown model provider %q", config.Provider)
	}

	switch config.BargeInDetector {
	case DetectorEnergy, DetectorGoogle, DetectorOff:
	default:
		return fmt.Errorf("unknown barge-in detector %q", config.BargeInDetector)
	}

	if err := config.Session.Validate(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}
	if config.OutboundQueue < 0 {
		return fmt.Errorf("outbound queue must not be negative, got %d", config.OutboundQueue)
	}
	if config.BargeInEnergyThreshold < 0 {
		return fmt.Errorf("energy threshold must not be negative, got %f", config.BargeInEnergyThreshold)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// firstEnv returns the first set variable among keys, or the last argument
func firstEnv(keysAndFallback ...string) string {
	last := len(keysAndFallback) - 1
	for _, key := range keysAndFallback[:last] {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return keysAndFallback[last]
}

// parser keeps the first parse error
type parser struct {
	err error
}

func (p *parser) intVar(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) floatVar(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) durationVar(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
}
