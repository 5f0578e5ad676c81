package app

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/lukasbauer/voicerelay/internal/llm"
	"github.com/lukasbauer/voicerelay/internal/stt"
)

func TestConfigSTTOptions(t *testing.T) {
	cfg := Config{
		STTModel:          "nova-2",
		STTLanguage:       "cs",
		STTEndpointingMs:  500,
		STTUtteranceEndMs: 2000,
	}
	opts := cfg.STTOptions()

	want := stt.DefaultOptions()
	want.Model = "nova-2"
	want.Language = "cs"
	want.Endpointing = 500
	want.UtteranceEndMs = 2000
	if opts != want {
		t.Errorf("STTOptions() = %+v, want %+v", opts, want)
	}
}

func TestNewLLMClient(t *testing.T) {
	c, err := NewLLMClient(context.Background(), Config{LLMProvider: "openai", OpenAIAPIKey: "sk-test"})
	if err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, ok := c.(*llm.OpenAIClient); !ok {
		t.Errorf("client = %T, want *llm.OpenAIClient", c)
	}

	if _, err := NewLLMClient(context.Background(), Config{LLMProvider: "llama"}); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestNewTTSDialer(t *testing.T) {
	d := NewTTSDialer(Config{DeepgramAPIKey: "k", TTSModel: "aura-2-thalia-en", TTSSampleRate: 24000, TTSJoinTimeout: time.Second}, log.New(io.Discard, "", 0))
	if got, want := d.MIMEType(), "audio/linear16; rate=24000; channels=1"; got != want {
		t.Errorf("MIMEType() = %q, want %q", got, want)
	}
}
