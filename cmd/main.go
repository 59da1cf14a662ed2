package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/config"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/engine"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/handler"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/hub"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/lifecycle"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/provision"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/registry"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/streamkey"
	pkgconfig "github.com/weiawesome/wes-io-live/stream-status-service/pkg/config"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/pubsub"
)

var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.LoadFrom(pkgconfig.GetEnv("CONFIG_DIR", "./config"))
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}

	log.Init(cfg.Log)
	logger := log.L()
	logger.Info().Str("version", version).Str("addr", cfg.Server.Address()).Msg("starting stream status service")

	m := metrics.New(prometheus.NewRegistry())
	issuer := streamkey.NewIssuer(cfg.StreamKey)
	sessions := registry.New()

	// Initialize lifecycle event publisher
	publisher, err := pubsub.NewPublisher(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to initialize event publisher")
	}
	logger.Info().Str("driver", cfg.PubSub.Driver).Msg("event publisher ready")

	// Status push hub, fed by every registry change
	statusHub := hub.New(cfg.WebSocket, sessions.Snapshot, m)
	sessions.SetListener(statusHub.Publish)

	provisioner := provision.New(cfg.Provision, sessions.Touch, logger)
	hooks := bridge.New(cfg.Ingest, sessions, issuer, provisioner, publisher, m, logger)

	var coordinator *lifecycle.Coordinator
	mediaEngine := engine.NewManaged(cfg.Engine, logger, func(err error) {
		m.EngineUp.Set(0)
		coordinator.ReportFault(err)
	})
	mediaEngine.Register(hooks)

	coordinator = lifecycle.New(cfg.Lifecycle, sessions, m, logger,
		lifecycle.WithEngineStatus(mediaEngine.Running),
		lifecycle.WithPruner(issuer.Prune),
	)

	// Auth is optional: without a secret, key owners come from the request body
	var validator middleware.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator = jwt.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}
	authMiddleware := middleware.NewAuthMiddleware(validator)

	// Setup HTTP server
	if log.ParseLevel(cfg.Log.Level) > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), log.GinMiddleware(logger))

	handler.NewHandler(sessions, issuer, authMiddleware, m, handler.Options{
		IngestBaseURL: cfg.Server.IngestBaseURL,
		RateWindow:    cfg.StreamKey.RateWindow,
		Version:       version,
		EngineUp:      mediaEngine.Running,
	}).RegisterRoutes(router)
	handler.NewWSHandler(statusHub).RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	coordinator.AddStage("status channels", statusHub.Stop)
	coordinator.AddStage("media engine", mediaEngine.Stop)
	coordinator.AddStage("listener", server.Shutdown)
	coordinator.AddStage("event publisher", func(context.Context) error {
		hooks.Wait()
		provisioner.StopAll()
		return publisher.Close()
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator.Go("status hub", func() error {
		statusHub.Run(context.Background())
		return nil
	})

	if err := mediaEngine.Start(ctx); err != nil {
		if coordinator.ReportFault(err) == lifecycle.FaultFatal {
			logger.Fatal().Err(err).Msg("failed to start media engine integration")
		}
	} else {
		m.EngineUp.Set(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("stream status service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return coordinator.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("stream status service stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("stream status service stopped")
}
