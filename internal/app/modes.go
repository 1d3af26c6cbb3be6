package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/optionmarket/internal/keeper"
	"github.com/alanyoungcy/optionmarket/internal/server"
	"github.com/alanyoungcy/optionmarket/internal/server/handler"
	"github.com/alanyoungcy/optionmarket/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and WebSocket events and keeps prices warm.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPricePoller(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the background sweep and the archive schedule.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPricePoller(ctx, g, deps)
	if err := a.startKeeper(ctx, g, deps); err != nil {
		return fmt.Errorf("keeper mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the server and the keeper in one process. It is the only
// mode in which in-memory stores are shared between the two.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPricePoller(ctx, g, deps)
	if err := a.startKeeper(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

func (a *App) startPricePoller(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Oracle.PollInterval.Duration
	assets := deps.Market.Assets
	if interval <= 0 || len(assets) == 0 {
		a.logger.InfoContext(ctx, "price poller disabled", slog.Int("assets", len(assets)))
		return
	}
	g.Go(func() error {
		return deps.Market.Oracle.Poll(ctx, assets, interval)
	})
}

func newKeeper(cfg keeper.Config, deps *Dependencies, logger *slog.Logger) *keeper.Keeper {
	opts := []keeper.Option{keeper.WithRecorder(deps.Metrics)}
	if deps.Solvency != nil {
		opts = append(opts, keeper.WithSolvency(deps.Solvency))
	}
	if deps.Archiver != nil {
		opts = append(opts, keeper.WithArchiver(deps.Archiver))
	}
	return keeper.New(cfg, deps.Market.Service, deps.Market.Validator, deps.LockManager, logger, opts...)
}

func (a *App) keeperConfig() keeper.Config {
	k := a.cfg.Keeper
	cfg := keeper.Config{
		Interval:            k.Interval.Duration,
		LockTTL:             k.LockTTL.Duration,
		MaxPriceMovementBps: k.MaxPriceMovementBps,
		SlippageBps:         k.SlippageBps,
		ArchiveAfter:        k.ArchiveAfter.Duration,
	}
	if k.Liquidator != "" {
		cfg.Liquidator = common.HexToAddress(k.Liquidator)
	}
	if k.QuoteToken != "" {
		cfg.QuoteToken = common.HexToAddress(k.QuoteToken)
	}
	return cfg
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	k := newKeeper(a.keeperConfig(), deps, a.logger)
	g.Go(func() error {
		return k.Run(ctx)
	})

	if deps.Archiver == nil || a.cfg.Keeper.ArchiveCron == "" {
		return nil
	}
	schedule, err := keeper.ParseSchedule(a.cfg.Keeper.ArchiveCron)
	if err != nil {
		return fmt.Errorf("archive_cron: %w", err)
	}
	g.Go(func() error {
		return k.RunArchive(ctx, schedule)
	})
	return nil
}

// startHTTPServer adds the API server and the WebSocket hub to g. The
// server shuts down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	svc := deps.Market.Service

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		PublicReads:     a.cfg.Server.PublicReads,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(a.cfg.Mode, deps.Health),
		Commitments: handler.NewCommitmentHandler(svc, a.logger),
		Options:     handler.NewOptionHandler(svc, a.logger),
		Settlement:  handler.NewSettlementHandler(svc, a.logger),
		Metrics:     deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
