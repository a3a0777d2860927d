package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wattzhub/voicerelay/internal/config"
	"github.com/wattzhub/voicerelay/internal/httpapi"
	"github.com/wattzhub/voicerelay/internal/logging"
	"github.com/wattzhub/voicerelay/internal/observability"
	"github.com/wattzhub/voicerelay/internal/realtime"
	"github.com/wattzhub/voicerelay/internal/session"
	"github.com/wattzhub/voicerelay/internal/summarize"
	"github.com/wattzhub/voicerelay/internal/tools"
	"github.com/wattzhub/voicerelay/internal/tracker"
	"github.com/wattzhub/voicerelay/internal/transcript"
)

func main() {
	// A local .env is a convenience for development; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(logging.Config{})
		bootLog.Fatal().Err(err).Msg("config error")
	}

	log := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	if cfg.RealtimeEndpoint == "" || cfg.RealtimeAPIKey == "" {
		log.Warn().Msg("realtime backend credentials missing, calls will fail until configured")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("transcript store init failed")
	}
	defer store.Close(context.Background())

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Call) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	dialer := realtime.NewDialer(cfg.RealtimeWSURL(), cfg.RealtimeAPIKey, log)
	invoker := tools.NewInvoker(cfg.ActionBaseURL, cfg.ActionAPIToken, metrics, log)
	trackerClient := tracker.New(cfg.TrackerURL, cfg.TrackerAccountID, cfg.TrackerInboxID, cfg.TrackerAPIToken, log)
	summarizer := summarize.New(summarize.Config{
		Endpoint:   cfg.RealtimeEndpoint,
		APIKey:     cfg.SummaryAPIKey,
		Deployment: cfg.SummaryDeployment,
		APIVersion: cfg.SummaryAPIVersion,
	}, log)

	api := httpapi.New(cfg, sessions, dialer, invoker, store, trackerClient, summarizer, metrics, log)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 30*time.Second)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
