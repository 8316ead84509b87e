// Package health exposes the process over HTTP: liveness, metrics and the
// run trigger used by the serve command.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
)

// SystemStatus represents the overall health state of the process or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

var (
	// ErrInvalidRun marks a run request the service refused to start.
	ErrInvalidRun = errors.New("invalid run request")

	// ErrRunNotFound is returned by RunService.Report for unknown ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrShuttingDown is returned by RunService.Submit once the service stops
	// accepting work.
	ErrShuttingDown = errors.New("shutting down")
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// ComponentHealth is the result of one Checker.
type ComponentHealth struct {
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	ActiveRuns   int                        `json:"active_runs"`
}

// RunRequest is the body of POST /runs.
type RunRequest struct {
	OrderID          string   `json:"order_id"`
	DryRun           bool     `json:"dry_run"`
	SkipVerification bool     `json:"skip_verification"`
	Concurrency      int      `json:"concurrency,omitempty"`
	BatchSize        int      `json:"batch_size,omitempty"`
	Accounts         []string `json:"accounts,omitempty"` // subset by name; all when empty
}

// RunService starts batches and reads their reports.
type RunService interface {
	// Submit starts a batch in the background and returns its id.
	Submit(ctx context.Context, req RunRequest) (string, error)
	// Report returns a finished report, or running=true while the batch is
	// still in flight.
	Report(ctx context.Context, id string) (report *domain.BatchReport, running bool, err error)
	Recent(ctx context.Context, limit int) ([]*domain.BatchReport, error)
	Active() int
}

// Monitor runs the registered checks and caches the result briefly.
type Monitor struct {
	checks   map[string]Checker
	timeout  time.Duration
	cacheFor time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport map[string]ComponentHealth
}

// NewMonitor creates a monitor over checks. A nil map is allowed.
func NewMonitor(checks map[string]Checker) *Monitor {
	return &Monitor{
		checks:   checks,
		timeout:  2 * time.Second,
		cacheFor: 5 * time.Second,
	}
}

// CheckHealth runs every check, at most once per cache window.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ComponentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	report := make(map[string]ComponentHealth, len(m.checks))
	for name, check := range m.checks {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := check(cctx)
		cancel()
		if err != nil {
			report[name] = ComponentHealth{Status: StatusDegraded, Error: err.Error()}
			continue
		}
		report[name] = ComponentHealth{Status: StatusHealthy}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

// Aggregate returns the worst status in report.
func Aggregate(report map[string]ComponentHealth) SystemStatus {
	status := StatusHealthy
	for _, c := range report {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
