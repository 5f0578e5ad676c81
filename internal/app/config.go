package app

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	LogLevel string

	// Voice AI providers
	DeepgramAPIKey string
	GeminiAPIKey   string
	OpenAIAPIKey   string

	// LLM settings
	LLMProvider       string // "gemini" or "openai"
	LLMModel          string // empty = provider default
	LLMThinkingBudget int    // Gemini thinking budget, -1 = dynamic

	// STT settings (Deepgram listen)
	STTModel          string
	STTLanguage       string
	STTEndpointingMs  int // silence before a segment is finalized
	STTUtteranceEndMs int // hard timeout after last speech, regardless of noise

	// TTS settings (Deepgram speak)
	TTSModel      string
	TTSSampleRate int

	// Response timing
	TTSDrainPoll    time.Duration // quiescence poll interval
	TTSDrainCeiling time.Duration // hard ceiling on waiting for synthesized audio
	TTSJoinTimeout  time.Duration // bound on joining the TTS receiver
	WSCloseGrace    time.Duration // grace for in-flight responses after the client leaves

	// Optional integrations
	DatabaseURL string
	JWTSecret   string
	SentryDSN   string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8000"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		DeepgramAPIKey: getenv("DEEPGRAM_API_KEY", ""),
		GeminiAPIKey:   getenv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:   getenv("OPENAI_API_KEY", ""),

		LLMProvider:       strings.ToLower(getenv("LLM_PROVIDER", "gemini")),
		LLMModel:          getenv("LLM_MODEL", ""),
		LLMThinkingBudget: getenvIntClamped("LLM_THINKING_BUDGET", -1, -1, 24576),

		STTModel:          getenv("STT_MODEL", "nova-3"),
		STTLanguage:       getenv("STT_LANGUAGE", "en-US"),
		STTEndpointingMs:  getenvIntClamped("STT_ENDPOINTING_MS", 300, 10, 5000),
		STTUtteranceEndMs: getenvIntClamped("STT_UTTERANCE_END_MS", 1000, 1000, 5000),

		TTSModel:      getenv("TTS_MODEL", "aura-2-thalia-en"),
		TTSSampleRate: getenvIntClamped("TTS_SAMPLE_RATE", 48000, 8000, 48000),

		TTSDrainPoll:    getenvDuration("TTS_DRAIN_POLL", 500*time.Millisecond),
		TTSDrainCeiling: getenvDuration("TTS_DRAIN_CEILING", 10*time.Second),
		TTSJoinTimeout:  getenvDuration("TTS_JOIN_TIMEOUT", 3*time.Second),
		WSCloseGrace:    getenvDuration("WS_CLOSE_GRACE", 2*time.Second),

		DatabaseURL: getenv("DATABASE_URL", ""),
		JWTSecret:   os.Getenv("JWT_SECRET"), // empty disables auth
		SentryDSN:   getenv("SENTRY_DSN", ""),
	}
}

// Validate reports configuration that makes the relay unusable. Provider keys
// are only checked here, at startup; the request path assumes they exist.
func (c Config) Validate() error {
	var errs []error
	if c.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}
	switch c.LLMProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for LLM_PROVIDER=gemini"))
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for LLM_PROVIDER=openai"))
		}
	default:
		errs = append(errs, errors.New("LLM_PROVIDER must be gemini or openai, got "+strconv.Quote(c.LLMProvider)))
	}
	if c.TTSDrainPoll <= 0 || c.TTSDrainCeiling < c.TTSDrainPoll {
		errs = append(errs, errors.New("TTS_DRAIN_POLL must be positive and not exceed TTS_DRAIN_CEILING"))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses an int env var, falling back to def when unset or
// invalid and clamping the result into [min, max].
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// getenvDuration accepts Go durations ("750ms") or a bare number of milliseconds.
func getenvDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
