package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/autofollow/internal/core/config"
	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/core/faults"
	"github.com/vietddude/autofollow/internal/core/retry"
	"github.com/vietddude/autofollow/internal/core/worker"
	"github.com/vietddude/autofollow/internal/driver"
	"github.com/vietddude/autofollow/internal/driver/browser"
	"github.com/vietddude/autofollow/internal/driver/fake"
	"github.com/vietddude/autofollow/internal/health"
	"github.com/vietddude/autofollow/internal/infra/diagnostics"
	redisclient "github.com/vietddude/autofollow/internal/infra/redis"
	"github.com/vietddude/autofollow/internal/infra/sessioncache"
	"github.com/vietddude/autofollow/internal/infra/storage"
	"github.com/vietddude/autofollow/internal/infra/storage/memory"
	"github.com/vietddude/autofollow/internal/infra/storage/postgres"
	"github.com/vietddude/autofollow/internal/orchestrator"
	"github.com/vietddude/autofollow/internal/workflow"
)

// ErrMissingOrder is returned when a live run has accounts without an order id.
var ErrMissingOrder = errors.New("order id required")

// App is the main application struct. It owns every long-lived dependency
// built from the configuration.
type App struct {
	cfg          *config.AppConfig
	driver       driver.Driver
	orchestrator *orchestrator.Orchestrator
	reports      storage.ReportRepository
	cache        sessioncache.Store
	db           *postgres.DB
	redisClient  *redisclient.Client
	checks       map[string]health.Checker
	healthServer *health.Server
	log          *slog.Logger

	// background runs started through Submit
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
	mu        sync.Mutex
	active    map[string]struct{}
	stopping  bool
}

// Options overrides parts of the wiring.
type Options struct {
	// Driver replaces the driver selected by browser.driver.
	Driver driver.Driver
}

// NewApp creates an App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts Options) (*App, error) {
	a := &App{
		cfg:    cfg,
		checks: make(map[string]health.Checker),
		active: make(map[string]struct{}),
		log:    slog.Default().With("component", "app"),
	}
	a.runCtx, a.cancelRun = context.WithCancel(context.Background())

	ok := false
	defer func() {
		if !ok {
			a.closeStores()
		}
	}()

	// 1. Driver
	a.driver = opts.Driver
	if a.driver == nil {
		switch cfg.Browser.Driver {
		case "fake":
			a.driver = fake.New(fake.NewSite(cfg.Site, cfg.Selectors))
			a.log.Warn("Using the fake driver, nothing is sent to the site")
		default:
			a.driver = browser.New()
		}
	}

	// 2. Session cache
	if cfg.SessionCache.Enabled {
		switch cfg.SessionCache.Backend {
		case "redis":
			client, err := a.redis()
			if err != nil {
				return nil, err
			}
			a.cache = sessioncache.NewRedis(client, cfg.SessionCache.TTL)
		default:
			store, err := sessioncache.NewFile(cfg.SessionCache.Dir, cfg.SessionCache.TTL)
			if err != nil {
				return nil, fmt.Errorf("failed to init session cache: %w", err)
			}
			a.cache = store
		}
		a.log.Info("Session cache enabled", "backend", cfg.SessionCache.Backend)
	}

	// 3. Diagnostics
	var sink diagnostics.Sink = diagnostics.Discard{}
	if cfg.Diagnostics.Enabled {
		switch cfg.Diagnostics.Backend {
		case "minio":
			store, err := diagnostics.NewMinIO(ctx, cfg.Diagnostics.MinIO)
			if err != nil {
				return nil, fmt.Errorf("failed to init diagnostics store: %w", err)
			}
			a.checks["diagnostics"] = store.Ping
			sink = store
		default:
			sink = diagnostics.NewDir(cfg.Diagnostics.Dir)
		}
	}

	// 4. Report storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		a.reports = postgres.NewReportRepo(db)
		a.checks["database"] = db.Health
		a.log.Info("Using PostgreSQL storage")
	} else {
		a.reports = memory.NewReportRepo(memory.NewMemoryStorage())
		a.log.Info("Using Memory storage")
	}

	// 5. Engines
	engine := workflow.NewEngine(workflow.ConfigFrom(cfg, classifierFor(cfg.Site)), a.cache, sink)
	a.orchestrator = orchestrator.New(orchestrator.ConfigFrom(cfg), a.driver, engine, a.cache)

	a.healthServer = health.NewServer(health.NewMonitor(a.checks), a, cfg.Server.Port)

	ok = true
	return a, nil
}

func (a *App) redis() (*redisclient.Client, error) {
	if a.redisClient != nil {
		return a.redisClient, nil
	}
	client, err := redisclient.NewClient(a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}
	a.redisClient = client
	a.checks["redis"] = client.Ping
	return client, nil
}

// classifierFor adds the site's rejection markers in front of the defaults.
func classifierFor(site config.SiteConfig) *faults.Classifier {
	c := faults.Default()
	if len(site.RejectionMarkers) == 0 {
		return c
	}
	return c.With(faults.Rule{
		Name:     "site-rejection",
		Kind:     faults.Permanent,
		Category: faults.CategoryRejection,
		Match:    faults.RejectionMatches(site.RejectionMarkers...),
	})
}

// Accounts loads the accounts file and keeps the named ones, in file order.
// No names selects every account.
func (a *App) Accounts(names ...string) ([]domain.Account, error) {
	accounts, err := config.LoadAccounts(a.cfg.AccountsFile)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts in %s and %s/%s not set",
			a.cfg.AccountsFile, config.EnvUsername, config.EnvPassword)
	}
	if len(names) == 0 {
		return accounts, nil
	}

	selected := make([]domain.Account, 0, len(names))
	for _, acc := range accounts {
		if slices.Contains(names, acc.Name) {
			selected = append(selected, acc)
		}
	}
	if len(selected) != len(names) {
		return nil, fmt.Errorf("unknown account in %v", names)
	}
	return selected, nil
}

// Run executes one batch in the foreground and persists its report. The
// report is returned even when err is non-nil.
func (a *App) Run(ctx context.Context, accounts []domain.Account, opts orchestrator.Options) (*domain.BatchReport, error) {
	if err := CheckOrder(accounts, opts); err != nil {
		return nil, err
	}
	if opts.ConcurrencyLimit == 0 {
		opts.ConcurrencyLimit = a.cfg.Orchestrator.Concurrency
	}
	opts.ConcurrencyLimit = config.ClampConcurrency(opts.ConcurrencyLimit)
	if opts.BatchSize == 0 {
		opts.BatchSize = a.cfg.Orchestrator.BatchSize
	}

	start := time.Now()
	report, runErr := a.orchestrator.RunBatch(ctx, accounts, opts)
	if p := a.cfg.Pacing; p.PerExecution && p.MinRun > 0 {
		_ = retry.Pad(ctx, start, p.MinRun)
	}
	if report != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.reports.Save(sctx, report); err != nil {
			a.log.Error("Failed to save report", "batch_id", report.ID, "error", err)
		}
	}
	return report, runErr
}

// CheckOrder rejects live runs where some account would have no order id.
func CheckOrder(accounts []domain.Account, opts orchestrator.Options) error {
	if opts.LoginOnly || opts.OrderID != "" {
		return nil
	}
	for _, acc := range accounts {
		if acc.OrderFor("") == "" {
			return fmt.Errorf("%w: account %s has no order_id and none was given", ErrMissingOrder, acc.Name)
		}
	}
	return nil
}

// Start starts the HTTP server and background collectors. It does not block.
func (a *App) Start(ctx context.Context) error {
	a.log.Info("Starting server", "port", a.cfg.Server.Port)
	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	sessions, _ := a.cache.(sessioncache.Pruner)
	if pruner := worker.NewPruner(a.cfg.Retention, a.reports, sessions); pruner.Enabled() {
		a.log.Info("Starting pruner", "report_retention", a.cfg.Retention.Reports)
		go pruner.Start(ctx)
	}
	return nil
}

// Stop stops the server, waits for background runs and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping...")

	err := a.healthServer.Stop(ctx)

	a.stopRuns()
	done := make(chan struct{})
	go func() {
		a.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("Background runs still in flight at shutdown", "active", a.Active())
	}

	a.closeStores()
	return err
}

// Close releases resources without touching the server; used by the
// one-shot commands.
func (a *App) Close() {
	a.stopRuns()
	a.runs.Wait()
	a.closeStores()
}

// stopRuns refuses further submits and cancels the ones in flight. After it
// returns no new run can join a.runs.
func (a *App) stopRuns() {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()
	a.cancelRun()
}

func (a *App) closeStores() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
		a.db = nil
	}
}
