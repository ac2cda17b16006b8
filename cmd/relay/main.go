package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/interviewkit/transcript-relay/internal/config"
	"github.com/interviewkit/transcript-relay/internal/relay"
	"github.com/interviewkit/transcript-relay/internal/server"
	"github.com/interviewkit/transcript-relay/internal/store"
	"github.com/interviewkit/transcript-relay/internal/transcriber"
)

func main() {
	var configFile, envFile string
	pflag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	pflag.StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")
	pflag.Parse()

	if err := godotenv.Load(envFile); err != nil {
		log.Printf("No %s file found, using the process environment", envFile)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		log.Fatalf("Failed to create transcription provider: %v", err)
	}

	var opts []relay.Option
	var history server.HistoryStore
	if cfg.Redis.Enabled {
		rs := store.NewRedis(store.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Channel:   cfg.Redis.Channel,
			TTL:       cfg.Redis.TTL,
		})
		defer rs.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rs.Ping(ctx); err != nil {
			log.Printf("Redis unreachable at %s, transcripts will not be stored until it is: %v", cfg.Redis.Addr, err)
		}
		cancel()

		opts = append(opts, relay.WithSink(rs))
		history = rs
	}

	r := relay.New(provider, relay.Config{
		SampleRate:      cfg.Provider.SampleRate,
		FormatTurns:     cfg.Provider.FormatTurns,
		OpenTimeout:     cfg.Provider.OpenTimeout,
		MaxPendingAudio: cfg.Relay.MaxPendingAudio,
		ForwardPartials: cfg.Relay.ForwardPartials,
		OutputDir:       cfg.Transcription.OutputDir,
		SessionLogs:     cfg.Transcription.SessionLogs,
		SaveTranscripts: cfg.Transcription.SaveTranscripts,
	}, opts...)

	srvConfig := server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		SocketPath: cfg.Server.SocketPath,
	}
	if cfg.AudioSocket.Enabled {
		srvConfig.AudioSocket = &server.AudioSocketConfig{
			Host:       cfg.AudioSocket.Host,
			Port:       cfg.AudioSocket.Port,
			SampleRate: cfg.AudioSocket.SampleRate,
		}
	}
	srv := server.New(srvConfig, r, history)

	log.Printf("Transcription provider: %s", provider.Name())

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("Shutdown incomplete: %v", err)
	}
}

func newProvider(cfg *config.Config) (transcriber.Provider, error) {
	switch cfg.Provider.Name {
	case config.ProviderAssemblyAI:
		return transcriber.NewAssemblyAI(cfg.Provider.AssemblyAI.APIKey,
			transcriber.WithAssemblyAIURL(cfg.Provider.AssemblyAI.URL),
			transcriber.WithAssemblyAICloseTimeout(cfg.Provider.CloseTimeout),
		)
	case config.ProviderVosk:
		return transcriber.NewVosk(cfg.Provider.Vosk.ServerURL, cfg.Provider.CloseTimeout)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider.Name)
	}
}
