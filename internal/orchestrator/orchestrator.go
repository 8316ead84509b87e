// Package orchestrator fans a list of accounts out over bounded sessions,
// one engine per batch, and assembles the batch report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vietddude/autofollow/internal/core/config"
	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/core/faults"
	"github.com/vietddude/autofollow/internal/core/retry"
	"github.com/vietddude/autofollow/internal/driver"
	"github.com/vietddude/autofollow/internal/infra/sessioncache"
	"github.com/vietddude/autofollow/internal/metrics"
	"github.com/vietddude/autofollow/internal/workflow"
)

var (
	// ErrEngineLaunch is returned when the shared engine could not be started.
	ErrEngineLaunch = errors.New("engine launch failed")

	// ErrNoSessions is returned when no account in a batch got a session.
	ErrNoSessions = errors.New("no session could be opened")
)

// Options are the caller-facing knobs of one invocation.
type Options struct {
	// BatchID names the report; a fresh uuid is used when empty.
	BatchID          string
	ConcurrencyLimit int
	BatchSize        int // <= 0 runs everything in one batch
	SkipVerification bool
	DryRun           bool
	OrderID          string
	// LoginOnly runs just the Login step with a fresh login, to warm the
	// session cache.
	LoginOnly bool
}

// Config is the immutable configuration of an Orchestrator.
type Config struct {
	Launch       driver.LaunchOptions
	Blocking     driver.ResourcePolicy
	UserAgent    string
	SessionTTL   time.Duration
	LaunchPolicy retry.Policy
	Teardown     time.Duration
}

// ConfigFrom derives the orchestrator configuration from the application config.
func ConfigFrom(cfg *config.AppConfig) Config {
	b := cfg.Browser
	return Config{
		Launch: driver.LaunchOptions{Headless: b.Headless, Args: b.LaunchArgs()},
		Blocking: driver.ResourcePolicy{
			Enabled:       b.BlockResources,
			ResourceTypes: b.BlockedTypes,
			HostPatterns:  b.BlockedHosts,
		},
		UserAgent:  b.UserAgent,
		SessionTTL: cfg.Timeouts.Default,
		LaunchPolicy: retry.Policy{
			MaxAttempts: cfg.Retry.LaunchAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Teardown: cfg.Timeouts.Teardown,
	}
}

// Runner executes the workflow for one account on an open session.
type Runner interface {
	Execute(ctx context.Context, account domain.Account, sess driver.Session, opts workflow.RunOptions) *domain.RunReport
}

// Orchestrator owns engines and sessions; the workflow owns everything that
// happens inside a session.
type Orchestrator struct {
	cfg        Config
	drv        driver.Driver
	runner     Runner
	cache      sessioncache.Store
	classifier *faults.Classifier
	log        *slog.Logger
	now        func() time.Time
}

// New creates an orchestrator. cache may be nil.
func New(cfg Config, drv driver.Driver, runner Runner, cache sessioncache.Store) *Orchestrator {
	if cfg.Teardown <= 0 {
		cfg.Teardown = 10 * time.Second
	}
	if cfg.LaunchPolicy.MaxAttempts < 1 {
		cfg.LaunchPolicy.MaxAttempts = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		drv:        drv,
		runner:     runner,
		cache:      cache,
		classifier: faults.Default(),
		log:        slog.Default().With("component", "orchestrator"),
		now:        time.Now,
	}
}

// Partition splits accounts into consecutive batches of at most size. The
// last batch may be smaller.
func Partition(accounts []domain.Account, size int) [][]domain.Account {
	if len(accounts) == 0 {
		return nil
	}
	if size <= 0 || size > len(accounts) {
		size = len(accounts)
	}
	batches := make([][]domain.Account, 0, (len(accounts)+size-1)/size)
	for start := 0; start < len(accounts); start += size {
		end := min(start+size, len(accounts))
		batches = append(batches, accounts[start:end])
	}
	return batches
}

// RunBatch runs the workflow for every account and returns a report with
// exactly one RunReport per account, in input order. The error is non-nil
// only for catastrophic failures (ErrEngineLaunch, ErrNoSessions); the
// report is still returned and accounts that never ran are Cancelled.
func (o *Orchestrator) RunBatch(ctx context.Context, accounts []domain.Account, opts Options) (*domain.BatchReport, error) {
	if opts.ConcurrencyLimit < 1 {
		opts.ConcurrencyLimit = 1
	}

	if opts.BatchID == "" {
		opts.BatchID = uuid.NewString()
	}

	report := &domain.BatchReport{
		ID:        opts.BatchID,
		OrderID:   opts.OrderID,
		DryRun:    opts.DryRun,
		Counts:    domain.Counts{Requested: len(accounts)},
		Runs:      make([]*domain.RunReport, 0, len(accounts)),
		StartedAt: o.now(),
	}
	log := o.log.With("batch_id", report.ID)
	log.Info("Starting run",
		"accounts", len(accounts), "concurrency", opts.ConcurrencyLimit, "batch_size", opts.BatchSize,
		"dry_run", opts.DryRun, "skip_verification", opts.SkipVerification)

	var runErr error
	batches := Partition(accounts, opts.BatchSize)
	for i, batch := range batches {
		if runErr != nil || ctx.Err() != nil {
			reason := "run cancelled"
			if runErr != nil {
				reason = "batch aborted: " + runErr.Error()
			}
			for _, acc := range batch {
				report.Runs = append(report.Runs, o.cancelledReport(acc, opts, reason))
			}
			continue
		}

		log.Info("Starting batch", "batch", i+1, "of", len(batches), "accounts", len(batch))
		runs, launched, err := o.runBatch(ctx, batch, opts)
		if launched {
			report.EngineCycles++
		}
		report.Runs = append(report.Runs, runs...)
		if err != nil {
			runErr = err
			report.Aborted = err.Error()
			log.Error("Batch aborted", "batch", i+1, "error", err)
		}
	}

	report.Tally()
	report.Finish(o.now())
	metrics.BatchDuration.Observe(report.Duration.Seconds())
	log.Info("Run finished",
		"requested", report.Counts.Requested, "succeeded", report.Counts.Succeeded,
		"failed", report.Counts.Failed, "cancelled", report.Counts.Cancelled,
		"engine_cycles", report.EngineCycles, "duration", report.Duration)
	return report, runErr
}

// runBatch launches one engine, runs every account of the batch on it and
// tears it down. It returns one report per account, in order.
func (o *Orchestrator) runBatch(ctx context.Context, batch []domain.Account, opts Options) ([]*domain.RunReport, bool, error) {
	eng, err := o.launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelAll(batch, opts, "run cancelled"), false, nil
		}
		err = fmt.Errorf("%w: %v", ErrEngineLaunch, err)
		return o.cancelAll(batch, opts, err.Error()), false, err
	}
	defer o.closeEngine(ctx, eng)

	gate := semaphore.NewWeighted(int64(opts.ConcurrencyLimit))
	results := make([]*domain.RunReport, len(batch))
	var tally sessionTally

	// Every task writes only its own slot and never returns an error, so
	// Wait is the single join point for the whole batch.
	var g errgroup.Group
	for i, acc := range batch {
		g.Go(func() error {
			results[i] = o.runAccount(ctx, eng, gate, acc, opts, &tally)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if r == nil {
			results[i] = o.failedReport(batch[i], opts, domain.StepOpenSession,
				faults.Classification{Kind: faults.Unknown, Category: faults.CategoryUnclassified},
				errors.New("task finished without a report"))
		}
	}

	if tally.catastrophic(len(batch)) {
		return results, true, fmt.Errorf("%w: %d of %d sessions failed", ErrNoSessions, len(batch), len(batch))
	}
	return results, true, nil
}

// sessionTally records how session opens went across one batch.
type sessionTally struct {
	opened     atomic.Int64
	openFailed atomic.Int64
	engineLost atomic.Bool

	mu         sync.Mutex
	categories map[string]int
}

func (t *sessionTally) failed(err error, c faults.Classification) {
	t.openFailed.Add(1)
	if errors.Is(err, driver.ErrSessionClosed) {
		t.engineLost.Store(true)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.categories == nil {
		t.categories = make(map[string]int)
	}
	t.categories[c.Category]++
}

// catastrophic reports whether every open failed for a reason that does not
// depend on the account: the engine itself went away, or at least two
// accounts failed with the same browser error.
func (t *sessionTally) catastrophic(size int) bool {
	if t.opened.Load() != 0 || t.openFailed.Load() != int64(size) {
		return false
	}
	if t.engineLost.Load() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return size >= 2 && t.categories[faults.CategoryBrowser] == size
}

func (o *Orchestrator) launch(ctx context.Context) (driver.Engine, error) {
	var eng driver.Engine
	_, err := retry.Do(ctx, o.cfg.LaunchPolicy, func(ctx context.Context) error {
		e, err := o.drv.Launch(ctx, o.cfg.Launch)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			metrics.EngineLaunches.WithLabelValues("failed").Inc()
			o.log.Warn("Engine launch failed", "error", err)
			return faults.AsTransient(faults.CategoryBrowser, err)
		}
		eng = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EngineLaunches.WithLabelValues("ok").Inc()
	return eng, nil
}

func (o *Orchestrator) closeEngine(ctx context.Context, eng driver.Engine) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Teardown)
	defer cancel()
	if err := eng.Close(cctx); err != nil {
		o.log.Warn("Failed to close engine", "error", err)
	}
}

// runAccount is the body of one task. It never panics and always returns a
// report.
func (o *Orchestrator) runAccount(
	ctx context.Context,
	eng driver.Engine,
	gate *semaphore.Weighted,
	acc domain.Account,
	opts Options,
	tally *sessionTally,
) (rep *domain.RunReport) {
	log := o.log.With("account", acc.Name)
	defer func() {
		if p := recover(); p != nil {
			log.Error("Account task panicked", "panic", p)
			rep = o.failedReport(acc, opts, "",
				faults.Classification{Kind: faults.Unknown, Category: "panic"},
				fmt.Errorf("panic: %v", p))
		}
	}()

	if err := gate.Acquire(ctx, 1); err != nil {
		return o.cancelledReport(acc, opts, "run cancelled before start")
	}
	defer gate.Release(1)

	state := o.cachedState(ctx, acc, opts)
	sess, class, err := o.openSession(ctx, eng, driver.SessionOptions{
		Account:   acc,
		Blocking:  o.cfg.Blocking,
		State:     state,
		Timeout:   o.cfg.SessionTTL,
		UserAgent: o.cfg.UserAgent,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelledReport(acc, opts, "run cancelled before start")
		}
		tally.failed(err, class)
		log.Error("Failed to open session", "error", err)
		return o.failedReport(acc, opts, domain.StepOpenSession, class, err)
	}
	tally.opened.Add(1)

	metrics.SessionsOpen.Inc()
	defer metrics.SessionsOpen.Dec()

	guarded := &onceSession{Session: sess}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Teardown)
		defer cancel()
		if err := guarded.Close(cctx); err != nil {
			log.Warn("Failed to close session", "error", err)
		}
	}()

	return o.runner.Execute(ctx, acc, guarded, workflow.RunOptions{
		OrderID:          acc.OrderFor(opts.OrderID),
		State:            state,
		DryRun:           opts.DryRun,
		SkipVerification: opts.SkipVerification,
		LoginOnly:        opts.LoginOnly,
	})
}

// openSession opens a session under the launch retry policy. A closed engine
// is not retried since no later attempt can succeed on it.
func (o *Orchestrator) openSession(ctx context.Context, eng driver.Engine, opts driver.SessionOptions) (driver.Session, faults.Classification, error) {
	policy := o.cfg.LaunchPolicy
	policy.Classifier = o.classifier

	var sess driver.Session
	outcome, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		s, err := eng.OpenSession(ctx, opts)
		if err != nil {
			if errors.Is(err, driver.ErrSessionClosed) {
				return faults.AsPermanent(faults.CategoryBrowser, err)
			}
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, outcome.Final, err
	}
	return sess, faults.Classification{}, nil
}

func (o *Orchestrator) cachedState(ctx context.Context, acc domain.Account, opts Options) []byte {
	if o.cache == nil || opts.LoginOnly {
		return nil
	}
	state, found, err := o.cache.Load(ctx, acc.Name)
	if err != nil {
		o.log.Warn("Failed to load cached session", "account", acc.Name, "error", err)
		return nil
	}
	if !found {
		metrics.SessionCacheHits.WithLabelValues("miss").Inc()
		return nil
	}
	return state
}

func (o *Orchestrator) cancelAll(batch []domain.Account, opts Options, reason string) []*domain.RunReport {
	out := make([]*domain.RunReport, len(batch))
	for i, acc := range batch {
		out[i] = o.cancelledReport(acc, opts, reason)
	}
	return out
}

func (o *Orchestrator) baseReport(acc domain.Account, opts Options) *domain.RunReport {
	now := o.now()
	return &domain.RunReport{
		Account:      acc.Name,
		OrderID:      acc.OrderFor(opts.OrderID),
		FinalState:   domain.StateInit,
		Verification: domain.VerificationSkipped,
		DryRun:       opts.DryRun,
		Steps:        []domain.StepResult{},
		StartedAt:    now,
	}
}

func (o *Orchestrator) cancelledReport(acc domain.Account, opts Options, reason string) *domain.RunReport {
	rep := o.baseReport(acc, opts)
	rep.Status = domain.RunCancelled
	rep.Error = &domain.StepError{
		Kind:     faults.Permanent.String(),
		Category: faults.CategoryCancelled,
		Message:  reason,
	}
	rep.Finish(rep.StartedAt)
	metrics.RunsTotal.WithLabelValues(string(rep.Status)).Inc()
	return rep
}

func (o *Orchestrator) failedReport(acc domain.Account, opts Options, step domain.StepName, c faults.Classification, err error) *domain.RunReport {
	rep := o.baseReport(acc, opts)
	rep.Status = domain.RunFailure
	rep.FinalState = domain.StateAborted
	rep.FailedStep = step
	rep.Error = &domain.StepError{Kind: c.Kind.String(), Category: c.Category, Message: err.Error()}
	rep.Finish(o.now())
	metrics.RunsTotal.WithLabelValues(string(rep.Status)).Inc()
	return rep
}
