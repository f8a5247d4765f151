package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/server"
	"github.com/alanyoungcy/trustbond/internal/server/handler"
	"github.com/alanyoungcy/trustbond/internal/server/ws"
)

// API rate limit applied per client IP.
const (
	apiRateLimit  = 120
	apiRateWindow = time.Minute
)

// ServerMode runs the HTTP + WebSocket API without background jobs.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// MonitorMode runs without key material or an API: it follows the event bus
// and mirrors every lifecycle event into the log and the notifier.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.watchEvents(ctx, deps) })
	return g.Wait()
}

// FullMode runs the API server plus the background archive loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}
	return g.Wait()
}

// startServer wires the handlers, the WebSocket hub, and the HTTP server into
// the errgroup, including graceful shutdown on context cancellation.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.Warn("server disabled by configuration")
		return
	}

	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("app: ws hub: %w", err)
		}
		return nil
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIToken:    a.cfg.Server.APIToken,
		RateLimit:   apiRateLimit,
		RateWindow:  apiRateWindow,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(a.logger),
		Bonds:    handler.NewBondHandler(deps.Bonds, a.logger),
		Treasury: handler.NewTreasuryHandler(deps.Bonds, a.logger),
		Loans:    handler.NewLoanHandler(deps.Loans, a.logger),
		Audit:    handler.NewAuditHandler(deps.AuditStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// watchEvents subscribes to every lifecycle channel and logs each event.
// Defections and liquidations are additionally forwarded to the notifier.
func (a *App) watchEvents(ctx context.Context, deps *Dependencies) error {
	channels := []string{
		domain.EventBondCreated,
		domain.EventBondActive,
		domain.EventBondExited,
		domain.EventBondDefected,
		domain.EventBondsFrozen,
		domain.EventYieldClaimed,
		domain.EventLoanOpened,
		domain.EventLoanRepaid,
		domain.EventLoanLiquidated,
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		g.Go(func() error {
			msgCh, err := deps.EventBus.Subscribe(ctx, channel)
			if err != nil {
				return fmt.Errorf("app: subscribe %s: %w", channel, err)
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case data, ok := <-msgCh:
					if !ok {
						return nil
					}
					a.handleEvent(ctx, deps, channel, data)
				}
			}
		})
	}
	return g.Wait()
}

func (a *App) handleEvent(ctx context.Context, deps *Dependencies, channel string, data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		a.logger.WarnContext(ctx, "malformed event payload",
			slog.String("channel", channel),
		)
		return
	}
	a.logger.InfoContext(ctx, "event",
		slog.String("channel", channel),
		slog.Any("payload", payload),
	)

	// Defections and liquidations map onto the same notify events the
	// services use, so one events list in config covers both paths.
	var event string
	switch channel {
	case domain.EventBondDefected:
		event = "bond.defected"
	case domain.EventLoanLiquidated:
		event = "loan.liquidated"
	}
	if event != "" {
		if err := deps.Notifier.Notify(ctx, event, "Event: "+channel, string(data)); err != nil {
			a.logger.WarnContext(ctx, "event notification failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}
}

// archiveLoop periodically exports settled bonds, settled loans, and old
// audit entries to object storage. The cutoff trails now by the configured
// retention window.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("archive loop started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.runArchive(ctx, deps)
		}
	}
}

func (a *App) runArchive(ctx context.Context, deps *Dependencies) {
	// One archive cycle at a time across replicas.
	unlock, err := deps.LockManager.Acquire(ctx, "archive", a.cfg.Archive.Interval.Duration)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive cycle skipped, lock held elsewhere")
		} else {
			a.logger.ErrorContext(ctx, "archive lock failed", slog.String("error", err.Error()))
		}
		return
	}
	defer unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	bonds, err := deps.Archiver.ArchiveBonds(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "bond archive failed", slog.String("error", err.Error()))
	}
	loans, err := deps.Archiver.ArchiveLoans(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "loan archive failed", slog.String("error", err.Error()))
	}
	entries, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit archive failed", slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "archive cycle complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("bonds", bonds),
		slog.Int64("loans", loans),
		slog.Int64("audit_entries", entries),
	)
}
