package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/livedesk/internal/config"
	"github.com/xiaot623/gogo/livedesk/internal/hub"
	"github.com/xiaot623/gogo/livedesk/internal/logging"
	"github.com/xiaot623/gogo/livedesk/internal/policy"
	store "github.com/xiaot623/gogo/livedesk/internal/repository"
	"github.com/xiaot623/gogo/livedesk/internal/resilience"
	"github.com/xiaot623/gogo/livedesk/internal/service"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
	"github.com/xiaot623/gogo/livedesk/internal/transport"
	internalhttp "github.com/xiaot623/gogo/livedesk/internal/transport/http"
	"github.com/xiaot623/gogo/livedesk/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the livedesk service",
		Long: `Run the HTTP query surface, the realtime WebSocket endpoint and the idle
session reaper. Configuration comes from the environment, an optional .env
file and the YAML file named by LIVEDESK_CONFIG.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, info)
		},
	}
}

// serve is the composition root. It blocks until ctx is cancelled or the
// listener fails.
func serve(ctx context.Context, cfg *config.Config, info BuildInfo) error {
	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.TraceFile, info.Version, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer shutdownTracing()

	metrics := telemetry.NewMetrics()

	sqlite, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer sqlite.Close()

	retrier := resilience.NewRetrier(resilience.RetryPolicy{
		Attempts:  cfg.StoreRetries,
		BaseDelay: cfg.StoreRetryBase,
		MaxDelay:  resilience.DefaultRetryPolicy.MaxDelay,
	}, logger, metrics)
	st := resilience.NewStore(sqlite, retrier)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connectionHub := hub.NewHub(logger, metrics)
	go connectionHub.Run(runCtx)

	svc := service.New(st, connectionHub, logger, metrics, service.WithMaxPageSize(cfg.MaxPageSize))

	guard, err := newGuard(runCtx, cfg, metrics, logger)
	if err != nil {
		return err
	}

	if cfg.ReaperCron != "" {
		reaper, err := service.NewReaper(svc, cfg.ReaperCron, cfg.ReaperIdle)
		if err != nil {
			return err
		}
		go reaper.Run(runCtx)
	}

	wsServer := ws.NewServer(cfg, connectionHub, svc, guard, logger)
	httpServer := internalhttp.NewServer(internalhttp.Deps{
		Service: svc,
		Hub:     connectionHub,
		WS:      wsServer,
		Guard:   guard,
		Metrics: metrics,
		Logger:  logger,
		Version: info.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("livedesk started",
		"version", info.Version,
		"addr", cfg.Addr(),
		"database", cfg.DatabaseURL,
		"ws_max_message", humanize.IBytes(uint64(cfg.MaxMessageSize)),
		"rate_read", fmt.Sprintf("%d/%s", cfg.RateReadMax, cfg.RateWindow),
		"rate_write", fmt.Sprintf("%d/%s", cfg.RateWriteMax, cfg.RateWindow),
		"reaper", cfg.ReaperCron,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		return err
	}

	logger.Info("shutting down livedesk")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down http server gracefully", "error", err)
	}
	cancel()

	logger.Info("livedesk stopped")
	return nil
}

// newGuard loads the tier policy and starts the sweepers for both limiters.
func newGuard(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*transport.Guard, error) {
	content := policy.DefaultPolicy
	if cfg.RatePolicyFile != "" {
		b, err := os.ReadFile(cfg.RatePolicyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read rate policy: %w", err)
		}
		content = string(b)
	}
	engine, err := policy.NewEngine(ctx, content)
	if err != nil {
		return nil, err
	}

	read := resilience.NewSlidingWindowLimiter(cfg.RateWindow, cfg.RateReadMax)
	write := resilience.NewSlidingWindowLimiter(cfg.RateWindow, cfg.RateWriteMax)
	go read.Run(ctx, cfg.RateWindow)
	go write.Run(ctx, cfg.RateWindow)

	return transport.NewGuard(engine, read, write, metrics, logger), nil
}
