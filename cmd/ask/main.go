// Command ask sends one question through the voice agent and plays the
// spoken answer on the default sound card.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/lukasbauer/voicerelay/internal/agent"
	"github.com/lukasbauer/voicerelay/internal/app"
	"github.com/lukasbauer/voicerelay/internal/playback"
	"github.com/lukasbauer/voicerelay/internal/playback/device"
	"github.com/lukasbauer/voicerelay/internal/tts"
)

func main() {
	envFile := pflag.String("env", ".env", "path to an optional .env file")
	mute := pflag.Bool("mute", false, "print the answer without playing audio")
	timeout := pflag.Duration("timeout", 60*time.Second, "overall timeout")
	pflag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	question := strings.TrimSpace(strings.Join(pflag.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: ask [flags] <question>")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.Printf("load %s: %v", *envFile, err)
	}
	cfg := app.LoadConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := app.NewLLMClient(ctx, cfg)
	if err != nil {
		logger.Fatalf("llm: %v", err)
	}

	ttsCfg := cfg.TTSConfig()

	var sink *playback.Sink
	if !*mute {
		speaker, err := device.Open(float64(ttsCfg.SampleRate), 1, 1024)
		if err != nil {
			logger.Fatalf("audio device: %v", err)
		}
		sink = playback.NewSink(speaker, playback.DefaultQueueSize, logger)
		if err := sink.Start(); err != nil {
			logger.Fatalf("playback: %v", err)
		}
		defer sink.Stop()

		// Play audio as it is synthesized instead of after the answer completes.
		ttsCfg.OnAudio = func(chunk []byte) {
			if err := sink.Play(chunk); err != nil {
				logger.Printf("playback: %v", err)
			}
		}
	}

	orchestrator := agent.New(tts.NewDeepgramDialer(ttsCfg, logger), client, agent.Config{
		PollInterval: cfg.TTSDrainPoll,
		DrainCeiling: cfg.TTSDrainCeiling,
	}, logger)

	resp := orchestrator.Generate(ctx, question)
	fmt.Println(resp.Text)

	if sink == nil {
		return
	}
	if !resp.HasAudio() {
		logger.Printf("no audio (%s)", resp.MIMEType)
		return
	}
	if err := sink.Drain(); err != nil {
		logger.Printf("playback: %v", err)
	}
}
