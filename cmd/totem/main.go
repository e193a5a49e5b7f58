package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/villaggiolabs/totem/internal/avatar"
	"github.com/villaggiolabs/totem/internal/config"
	"github.com/villaggiolabs/totem/internal/dialogue"
	"github.com/villaggiolabs/totem/internal/httpapi"
	"github.com/villaggiolabs/totem/internal/kiosk"
	"github.com/villaggiolabs/totem/internal/observability"
	"github.com/villaggiolabs/totem/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	transcripts, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer transcripts.Close()

	heygen := avatar.NewClient(avatar.ClientConfig{
		APIKey:     cfg.HeyGenAPIKey,
		APIBaseURL: cfg.HeyGenAPIBaseURL,
		WSBaseURL:  cfg.HeyGenWSBaseURL,
		Timeout:    cfg.TokenTimeout,
	})

	responder := dialogue.NewVoiceflowClient(dialogue.VoiceflowConfig{
		APIKey:    cfg.VoiceflowAPIKey,
		BaseURL:   cfg.VoiceflowBaseURL,
		VersionID: cfg.VoiceflowVersionID,
		Timeout:   cfg.RelayTimeout,
	})

	controller := kiosk.New(kiosk.Options{
		Tokens:      heygen,
		Dialer:      heygen,
		Responder:   responder,
		Transcripts: transcripts,
		Metrics:     metrics,
		Profile: avatar.SessionConfig{
			AvatarID:     cfg.AvatarID,
			Quality:      cfg.AvatarQuality,
			Language:     cfg.Language,
			VoiceRate:    cfg.VoiceRate,
			VoiceEmotion: cfg.VoiceEmotion,
			STTProvider:  cfg.STTProvider,
			Transport:    cfg.Transport,
		},
		TokenTimeout: cfg.TokenTimeout,
		OpenTimeout:  cfg.SessionOpenTimeout,
		RelayTimeout: cfg.RelayTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})

	api := httpapi.New(cfg, heygen, responder, controller, transcripts, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	controller.StartIdleWatcher(runCtx, 15*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	controller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
