package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"campusattend/internal/app"
	"campusattend/internal/config"
	"campusattend/internal/connectivity"
	"campusattend/internal/device"
	"campusattend/internal/faceclient"
	"campusattend/internal/handler"
	"campusattend/internal/liveness"
	"campusattend/internal/logging"
	"campusattend/internal/offline"
	"campusattend/internal/qr"
	"campusattend/internal/scanlock"
	"campusattend/internal/security"
)

var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := logging.Setup(logging.Options{
		Debug: cfg.LogDebug, JSON: cfg.LogJSON, Service: "attendance-api", Version: version,
	})
	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.Build(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer core.Close()

	spool, err := offline.OpenSQLite(cfg.OfflineSpoolPath)
	if err != nil {
		return fmt.Errorf("offline spool: %w", err)
	}
	defer spool.Close()

	conn := connectivity.NewMonitor(core.KV, cfg.ProbeInterval, logger)
	mgr := offline.NewManager(offline.Config{
		MaxRetries:    cfg.OfflineMaxRetries,
		DrainInterval: cfg.OfflineDrainInterval,
	}, spool, core.Writer, core.Stay, conn, core.Trail, logger, core.Metrics)

	var qrKey []byte
	if cfg.QRSigningKey != "" {
		qrKey = []byte(cfg.QRSigningKey)
	}

	devices := device.NewService(core.KV, core.Trail, logger, core.Metrics, cfg.DeviceStrict)
	pipeline := security.New(security.Deps{
		Locks:    scanlock.New(),
		QR:       qr.NewChecker(core.Lectures, qrKey, cfg.QRRequireSigned),
		Devices:  devices,
		Lectures: core.Lectures,
		Liveness: detector(ctx, cfg, logger),
		Writer:   core.Writer,
		Stay:     core.Stay,
		Offline:  mgr,
		Conn:     conn,
		Trail:    core.Trail,
		Log:      logger,
		Metrics:  core.Metrics,
	}, security.Options{
		LockTTL:        cfg.ScanLockTTL,
		LockSweep:      cfg.ScanLockSweep,
		LivenessBudget: cfg.LivenessBudget,
		MaxAccuracy:    cfg.MaxGPSAccuracy,
		TeacherRadius:  cfg.TeacherRadius,
		TeacherMaxAge:  cfg.TeacherMaxAge,
		RejectVeryLow:  cfg.RejectVeryLow,
		// Stay checks are polled here only when nothing else shares the queue.
		RunStayLoop: cfg.DelayQueueBackend == "memory",
	})

	h := &handler.Handler{
		Pipeline:      pipeline,
		Stay:          core.Stay,
		Heartbeats:    core.Heartbeats,
		Lectures:      core.Lectures,
		Devices:       devices,
		Writer:        core.Writer,
		Offline:       mgr,
		Store:         core.KV,
		Online:        conn.Online,
		Log:           logger,
		TeacherRadius: cfg.TeacherRadius,
	}
	r := handler.Router(h, handler.Config{
		SigningKey:      cfg.JWTSigningKey,
		Issuer:          cfg.JWTIssuer,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AllowOrigins:    splitList(cfg.CORSOrigins),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	pipeline.Initialize(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", slog.String("addr", srv.Addr), slog.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server forced shutdown", slog.Any("error", err))
		}
		return pipeline.Cleanup(shutdownCtx)
	})
	return g.Wait()
}

func detector(ctx context.Context, cfg config.App, logger *slog.Logger) liveness.Detector {
	if cfg.LivenessBackend != "remote" {
		return liveness.NewHeuristic(logger, cfg.LivenessStrict)
	}
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, logger)
	face.Strict = cfg.LivenessStrict
	if err := face.Health(ctx); err != nil {
		logger.Warn("face service not available", slog.Any("error", err))
	}
	return face
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
