package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/health"
	"github.com/vietddude/autofollow/internal/infra/storage"
	"github.com/vietddude/autofollow/internal/orchestrator"
)

// Submit validates req and runs the batch in the background.
func (a *App) Submit(_ context.Context, req health.RunRequest) (string, error) {
	accounts, err := a.Accounts(req.Accounts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", health.ErrInvalidRun, err)
	}
	opts := orchestrator.Options{
		BatchID:          uuid.NewString(),
		ConcurrencyLimit: req.Concurrency,
		BatchSize:        req.BatchSize,
		SkipVerification: req.SkipVerification,
		DryRun:           req.DryRun,
		OrderID:          req.OrderID,
	}
	if err := CheckOrder(accounts, opts); err != nil {
		return "", fmt.Errorf("%w: %v", health.ErrInvalidRun, err)
	}

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return "", health.ErrShuttingDown
	}
	a.active[opts.BatchID] = struct{}{}
	a.runs.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.runs.Done()
		defer func() {
			a.mu.Lock()
			delete(a.active, opts.BatchID)
			a.mu.Unlock()
		}()

		if _, err := a.Run(a.runCtx, accounts, opts); err != nil {
			a.log.Error("Background run failed", "batch_id", opts.BatchID, "error", err)
		}
	}()

	a.log.Info("Run submitted", "batch_id", opts.BatchID, "accounts", len(accounts), "dry_run", req.DryRun)
	return opts.BatchID, nil
}

// Report returns the stored report for id, or running while it is in flight.
func (a *App) Report(ctx context.Context, id string) (*domain.BatchReport, bool, error) {
	a.mu.Lock()
	_, running := a.active[id]
	a.mu.Unlock()
	if running {
		return nil, true, nil
	}

	report, err := a.reports.Get(ctx, id)
	if errors.Is(err, storage.ErrReportNotFound) {
		return nil, false, fmt.Errorf("%w: %s", health.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, false, err
	}
	return report, false, nil
}

// Recent lists stored reports, newest first.
func (a *App) Recent(ctx context.Context, limit int) ([]*domain.BatchReport, error) {
	return a.reports.ListRecent(ctx, limit)
}

// Active is the number of background runs in flight.
func (a *App) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}
