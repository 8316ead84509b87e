package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/autofollow/internal/core/config"
	"github.com/vietddude/autofollow/internal/infra/sessioncache"
	"github.com/vietddude/autofollow/internal/infra/storage"
)

// Pruner deletes old batch reports and expired cached sessions.
type Pruner struct {
	cfg      config.RetentionConfig
	reports  storage.ReportRepository
	sessions sessioncache.Pruner
	log      *slog.Logger
	now      func() time.Time
}

// NewPruner creates a new Pruner worker. sessions may be nil.
func NewPruner(
	cfg config.RetentionConfig,
	reports storage.ReportRepository,
	sessions sessioncache.Pruner,
) *Pruner {
	return &Pruner{
		cfg:      cfg,
		reports:  reports,
		sessions: sessions,
		log:      slog.Default().With("component", "pruner"),
		now:      time.Now,
	}
}

// Enabled reports whether there is anything to prune.
func (p *Pruner) Enabled() bool {
	return p.cfg.Reports > 0 || p.sessions != nil
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if !p.Enabled() {
		return
	}

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

// interval is 10% of the retention period, between one minute and one hour.
func (p *Pruner) interval() time.Duration {
	if p.cfg.Interval > 0 {
		return p.cfg.Interval
	}
	if p.cfg.Reports <= 0 {
		return time.Hour
	}
	interval := min(p.cfg.Reports/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

func (p *Pruner) prune(ctx context.Context) (reports, sessions int) {
	if p.cfg.Reports > 0 {
		n, err := p.reports.DeleteOlderThan(ctx, p.now().Add(-p.cfg.Reports))
		if err != nil {
			p.log.Error("Failed to prune reports", "error", err)
		}
		reports = n
	}

	if p.sessions != nil {
		n, err := p.sessions.Prune(ctx)
		if err != nil {
			p.log.Error("Failed to prune session states", "error", err)
		}
		sessions = n
	}

	if reports > 0 || sessions > 0 {
		p.log.Info("Pruned", "reports", reports, "sessions", sessions)
	}
	return reports, sessions
}
