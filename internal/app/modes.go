package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stablefi/yieldagent/internal/scheduler"
	"github.com/stablefi/yieldagent/internal/server"
	"github.com/stablefi/yieldagent/internal/server/handler"
	"github.com/stablefi/yieldagent/internal/server/ws"
)

// monitorScanInterval is how often monitor mode refreshes the opportunity
// snapshot and re-checks market safety.
const monitorScanInterval = 5 * time.Minute

// AgentMode runs the autonomous optimization loop on a cron schedule,
// plus the periodic action archival job.
func (a *App) AgentMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting agent mode",
		slog.String("cron", a.cfg.Scheduler.Cron),
		slog.Bool("simulation", a.cfg.Scheduler.Simulation),
	)

	g, ctx := errgroup.WithContext(ctx)

	if err := a.startAgentCron(ctx, g, deps); err != nil {
		return fmt.Errorf("agent mode: %w", err)
	}

	return g.Wait()
}

// ServerMode runs the HTTP/WebSocket API without the cron loop. Batches still
// run when an operator hits the trigger endpoint.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode",
		slog.Int("port", a.cfg.Server.Port),
	)

	g, ctx := errgroup.WithContext(ctx)

	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// MonitorMode runs read-only observation: it refreshes the cached opportunity
// snapshot, re-checks the safety gate, and serves the public API surface. No
// keys are loaded and nothing is signed in this mode.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.runMonitorLoop(ctx, deps)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// FullMode runs everything: the cron loop, archival, and the API server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	if err := a.startAgentCron(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// startAgentCron schedules the optimization batch and, when configured, the
// action archival job. The cron stops when ctx is cancelled.
func (a *App) startAgentCron(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	cr := scheduler.NewCron(ctx, a.logger)

	if a.cfg.Scheduler.Enabled {
		if _, err := cr.Add(a.cfg.Scheduler.Cron, func(jobCtx context.Context) {
			a.runBatch(jobCtx, deps)
		}); err != nil {
			return fmt.Errorf("schedule batch: %w", err)
		}
	} else {
		a.logger.WarnContext(ctx, "scheduler disabled, batches run only via the trigger endpoint")
	}

	if deps.Archiver != nil && a.cfg.Scheduler.ArchiveCron != "" {
		retention := a.cfg.Scheduler.RetentionDays
		if _, err := cr.Add(a.cfg.Scheduler.ArchiveCron, func(jobCtx context.Context) {
			cutoff := time.Now().UTC().AddDate(0, 0, -retention)
			if _, err := deps.Archiver.ArchiveActions(jobCtx, cutoff); err != nil {
				a.logger.ErrorContext(jobCtx, "action archival failed",
					slog.String("error", err.Error()),
				)
			}
		}); err != nil {
			return fmt.Errorf("schedule archival: %w", err)
		}
	}

	cr.Start()
	g.Go(func() error {
		<-ctx.Done()
		cr.Stop()
		return ctx.Err()
	})
	return nil
}

// runBatch executes one optimization batch and refreshes the opportunity
// snapshot the API serves from. Overlap with a still-running batch is
// rejected inside the runner, not here.
func (a *App) runBatch(ctx context.Context, deps *Dependencies) {
	summary, err := deps.Runner.RunBatch(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "batch run failed",
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "batch run complete",
		slog.Int("processed", summary.Processed),
		slog.Int("rebalanced", summary.Rebalanced),
		slog.Int("skipped", summary.Skipped),
		slog.Int("errors", summary.Errors),
		slog.Duration("duration", summary.Duration),
	)

	a.refreshOpportunities(ctx, deps)
}

// runMonitorLoop periodically refreshes the opportunity snapshot and alerts
// when the market turns unsafe. Transitions are edge-triggered so a sustained
// outage produces one notification, not one per tick.
func (a *App) runMonitorLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(monitorScanInterval)
	defer ticker.Stop()

	wasSafe := true
	check := func() {
		a.refreshOpportunities(ctx, deps)

		report, err := deps.Gate.Check(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "safety check failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if !report.Safe && wasSafe && deps.Notifier != nil {
			deps.Notifier.MarketUnsafe(ctx, report.Reason)
		}
		if report.Safe && !wasSafe {
			a.logger.InfoContext(ctx, "market safe again")
		}
		wasSafe = report.Safe
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}

// refreshOpportunities scans current vault yields and writes the snapshot the
// opportunities endpoint serves from.
func (a *App) refreshOpportunities(ctx context.Context, deps *Dependencies) {
	if deps.Registry == nil || deps.OppCache == nil {
		return
	}
	opps := deps.Registry.Opportunities(ctx)
	if len(opps) == 0 {
		return
	}
	if err := deps.OppCache.Set(ctx, opps, time.Now().UTC()); err != nil {
		a.logger.WarnContext(ctx, "opportunity snapshot write failed",
			slog.String("error", err.Error()),
		)
	}
}

// startHTTPServer builds the handler set, starts the WebSocket hub, and runs
// the API server until the context is cancelled. Handlers that need execution
// wiring are left nil in monitor mode; the router skips their routes.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(a.cfg.Scheduler.Simulation, a.logger),
		Opportunities: handler.NewOpportunityHandler(deps.Registry, deps.OppCache, a.logger),
	}
	if deps.Actions != nil {
		handlers.Actions = handler.NewActionHandler(deps.Actions, a.logger)
	}
	if deps.Prefs != nil {
		handlers.Prefs = handler.NewPrefsHandler(deps.Prefs, a.logger)
	}
	if deps.SessionManager != nil {
		handlers.Sessions = handler.NewSessionHandler(deps.SessionManager, deps.Prefs, a.logger)
	}
	if deps.Transfers != nil {
		handlers.Transfers = handler.NewTransferHandler(deps.Transfers, a.logger)
	}
	if deps.Runner != nil {
		handlers.Agent = handler.NewAgentHandler(
			deps.Runner, a.cfg.Scheduler.TriggerSecret, 10*time.Minute, a.logger,
		)
	}

	hub := ws.NewHub(deps.Bus, a.cfg.Scheduler.Simulation, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		JWTSecret:       a.cfg.Server.JWTSecret,
		RateLimitRPS:    a.cfg.Server.RateLimitRPS,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RequestLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
