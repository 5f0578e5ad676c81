package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/voicerelay/internal/agent"
	"github.com/lukasbauer/voicerelay/internal/eventlog"
	"github.com/lukasbauer/voicerelay/internal/httpapi"
	"github.com/lukasbauer/voicerelay/internal/llm"
	"github.com/lukasbauer/voicerelay/internal/store"
	"github.com/lukasbauer/voicerelay/internal/stt"
	"github.com/lukasbauer/voicerelay/internal/tts"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool // nil without DATABASE_URL
	store    *store.Store
	eventLog *eventlog.Logger

	sttDialer *stt.DeepgramDialer
	ttsDialer *tts.DeepgramDialer
	llm       llm.Client
	agent     *agent.Orchestrator
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := store.Migrate(ctx, db, logger); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.store = store.New(db)
	} else {
		logger.Printf("DATABASE_URL not set, conversation history disabled")
	}
	a.eventLog = eventlog.New(a.db)

	client, err := NewLLMClient(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.llm = client

	a.sttDialer = stt.NewDeepgramDialer(stt.DeepgramConfig{
		APIKey: cfg.DeepgramAPIKey,
	}, logger)
	a.ttsDialer = NewTTSDialer(cfg, logger)
	a.agent = agent.New(a.ttsDialer, a.llm, agent.Config{
		PollInterval: cfg.TTSDrainPoll,
		DrainCeiling: cfg.TTSDrainCeiling,
	}, logger)

	logger.Printf("voice pipeline: stt=deepgram/%s llm=%s tts=deepgram/%s", cfg.STTModel, cfg.LLMProvider, cfg.TTSModel)
	return a, nil
}

// NewLLMClient builds the client for cfg.LLMProvider.
func NewLLMClient(ctx context.Context, cfg Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "gemini":
		c, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:         cfg.GeminiAPIKey,
			Model:          cfg.LLMModel,
			SystemPrompt:   llm.SystemPromptVoiceAgent,
			ThinkingBudget: int32(cfg.LLMThinkingBudget),
			WebSearch:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return c, nil
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.LLMModel,
			SystemPrompt: llm.SystemPromptVoiceAgent,
			MaxRetries:   2,
		}), nil
	}
	return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
}

// NewTTSDialer builds the Deepgram speak dialer from cfg.
func NewTTSDialer(cfg Config, logger *log.Logger) *tts.DeepgramDialer {
	return tts.NewDeepgramDialer(cfg.TTSConfig(), logger)
}

func (c Config) TTSConfig() tts.DeepgramConfig {
	return tts.DeepgramConfig{
		APIKey:      c.DeepgramAPIKey,
		Model:       c.TTSModel,
		Encoding:    "linear16",
		SampleRate:  c.TTSSampleRate,
		JoinTimeout: c.TTSJoinTimeout,
	}
}

// STTOptions returns the recognizer options for browser clients.
func (c Config) STTOptions() stt.Options {
	opts := stt.DefaultOptions()
	opts.Model = c.STTModel
	opts.Language = c.STTLanguage
	opts.Endpointing = c.STTEndpointingMs
	opts.UtteranceEndMs = c.STTUtteranceEndMs
	return opts
}

// Agent exposes the orchestrator for the standalone commands.
func (a *App) Agent() *agent.Orchestrator { return a.agent }

func (a *App) Router(conns *httpapi.ConnRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		STTDialer:  a.sttDialer,
		STTOptions: a.cfg.STTOptions(),
		Agent:      a.agent,
		CloseGrace: a.cfg.WSCloseGrace,
		JWTSecret:  a.cfg.JWTSecret,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.eventLog, conns)
}

// Close waits for pending event writes and releases the database pool.
func (a *App) Close() error {
	a.eventLog.Wait()
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
