// Package workflow drives one account through the follow-up state machine
// on a single session.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/autofollow/internal/core/config"
	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/core/faults"
	"github.com/vietddude/autofollow/internal/core/retry"
	"github.com/vietddude/autofollow/internal/driver"
	"github.com/vietddude/autofollow/internal/infra/diagnostics"
	"github.com/vietddude/autofollow/internal/infra/sessioncache"
	"github.com/vietddude/autofollow/internal/metrics"
)

// Config is the immutable configuration of an Engine.
type Config struct {
	Site                config.SiteConfig
	Selectors           config.SelectorConfig
	Timeouts            config.TimeoutConfig
	Retry               retry.Policy
	FollowClickAttempts int
	PollInterval        time.Duration // location polling while waiting for the login redirect
	// MinRun holds each finished run until it has lasted this long. The
	// session is closed before the wait.
	MinRun time.Duration
}

// ConfigFrom derives the workflow configuration from the application config.
func ConfigFrom(cfg *config.AppConfig, classifier *faults.Classifier) Config {
	return Config{
		Site:      cfg.Site,
		Selectors: cfg.Selectors,
		Timeouts:  cfg.Timeouts,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Classifier:  classifier,
		},
		FollowClickAttempts: cfg.FollowClickAttempts,
		MinRun:              accountPacing(cfg.Pacing),
	}
}

func accountPacing(p config.PacingConfig) time.Duration {
	if !p.PerAccount {
		return 0
	}
	return p.MinRun
}

// RunOptions are the per-run inputs.
type RunOptions struct {
	OrderID string
	// State is the cached session state the session was opened with, if any.
	State            []byte
	DryRun           bool
	SkipVerification bool
	// LoginOnly stops after Login; used to warm the session cache.
	LoginOnly bool
}

// Engine executes the workflow. It is safe for concurrent use; all per-run
// state lives in the run value.
type Engine struct {
	cfg   Config
	cache sessioncache.Store
	sink  diagnostics.Sink
	log   *slog.Logger
	now   func() time.Time
}

// NewEngine creates a workflow engine. cache and sink may be nil.
func NewEngine(cfg Config, cache sessioncache.Store, sink diagnostics.Sink) *Engine {
	if cfg.FollowClickAttempts < 1 {
		cfg.FollowClickAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Timeouts.Teardown <= 0 {
		cfg.Timeouts.Teardown = 10 * time.Second
	}
	if sink == nil {
		sink = diagnostics.Discard{}
	}
	return &Engine{
		cfg:   cfg,
		cache: cache,
		sink:  sink,
		log:   slog.Default().With("component", "workflow"),
		now:   time.Now,
	}
}

// step is one transition of the state machine.
type step struct {
	name    domain.StepName
	to      domain.State
	timeout time.Duration
	skip    bool
	run     func(ctx context.Context, r *run) (detail string, err error)
}

// run is the mutable state of one Execute call.
type run struct {
	account      domain.Account
	session      driver.Session
	opts         RunOptions
	report       *domain.RunReport
	log          *slog.Logger
	restoreTried bool
}

// Execute runs the state machine for account on sess and always returns a
// report. The session is closed before Execute returns.
func (e *Engine) Execute(ctx context.Context, account domain.Account, sess driver.Session, opts RunOptions) *domain.RunReport {
	report := &domain.RunReport{
		Account:      account.Name,
		OrderID:      opts.OrderID,
		FinalState:   domain.StateInit,
		Verification: domain.VerificationSkipped,
		DryRun:       opts.DryRun,
		StartedAt:    e.now(),
		Steps:        []domain.StepResult{},
	}
	r := &run{
		account: account,
		session: sess,
		opts:    opts,
		report:  report,
		log:     e.log.With("account", account.Name),
	}

	defer func() {
		e.closeSession(ctx, r)
		if e.cfg.MinRun > 0 {
			_ = retry.Pad(ctx, report.StartedAt, e.cfg.MinRun)
		}
		report.Finish(e.now())
		// Status is still empty when a step panicked; the caller reports that.
		if report.Status != "" {
			metrics.RunsTotal.WithLabelValues(string(report.Status)).Inc()
		}
	}()

	for _, s := range e.plan(opts) {
		if err := ctx.Err(); err != nil {
			e.cancel(report, "", err)
			return report
		}
		if s.skip {
			report.Steps = append(report.Steps, domain.StepResult{
				Name:   s.name,
				Status: domain.StepSkipped,
				Detail: "dry run",
			})
			metrics.StepsTotal.WithLabelValues(string(s.name), string(domain.StepSkipped)).Inc()
			r.log.Info("Step skipped", "step", s.name, "reason", "dry run")
			continue
		}

		result, outcome, err := e.execStep(ctx, r, s)
		report.Steps = append(report.Steps, result)
		if err != nil {
			if outcome.Final.Category == faults.CategoryCancelled && ctx.Err() != nil {
				e.cancel(report, s.name, err)
			} else {
				e.abort(ctx, r, s.name, result.Error)
			}
			return report
		}
		report.FinalState = s.to
	}

	report.FinalState = domain.StateDone
	report.Status = domain.RunSuccess
	if report.Verification == domain.VerificationNotFound {
		report.Status = domain.RunPartialSuccess
	}
	r.log.Info("Run finished", "status", report.Status, "verification", report.Verification)
	return report
}

func (e *Engine) plan(opts RunOptions) []step {
	t := e.cfg.Timeouts
	steps := []step{
		{name: domain.StepLogin, to: domain.StateLoggedIn, timeout: t.Login, run: e.login},
	}
	if opts.LoginOnly {
		return steps
	}
	steps = append(steps,
		step{name: domain.StepNavigateToTradingSurface, to: domain.StateOnTradingSurface, timeout: t.Navigate, run: e.navigateToTrading},
		step{name: domain.StepNavigateToCopySurface, to: domain.StateOnCopySurface, timeout: t.CopySurface, run: e.navigateToCopy},
		step{name: domain.StepEnterOrderNumber, to: domain.StateOrderEntered, timeout: t.OrderEntry, run: e.enterOrderNumber},
		step{name: domain.StepExecuteFollowUp, to: domain.StateFollowUpExecuted, timeout: t.FollowUp, skip: opts.DryRun, run: e.executeFollowUp},
	)
	if !opts.SkipVerification && !opts.DryRun {
		steps = append(steps, step{
			name:    domain.StepVerifyInHistory,
			to:      domain.StateVerified,
			timeout: t.Navigate + t.Verify,
			run:     e.verifyInHistory,
		})
	}
	return steps
}

func (e *Engine) execStep(ctx context.Context, r *run, s step) (domain.StepResult, retry.Outcome, error) {
	policy := e.cfg.Retry
	policy.AttemptTimeout = s.timeout

	r.log.Debug("Step started", "step", s.name)
	var detail string
	start := e.now()
	outcome, err := retry.Do(ctx, policy, func(actx context.Context) error {
		d, err := s.run(actx, r)
		detail = d
		return err
	})

	result := domain.StepResult{
		Name:     s.name,
		Attempts: outcome.Count(),
		Duration: e.now().Sub(start),
		Detail:   detail,
		History:  make([]domain.Attempt, 0, len(outcome.Attempts)),
		Status:   domain.StepSucceeded,
	}
	result.DurationMS = result.Duration.Milliseconds()
	for _, a := range outcome.Attempts {
		h := domain.Attempt{
			Number:     a.Number,
			Duration:   a.Duration,
			DurationMS: a.Duration.Milliseconds(),
			Delay:      a.Delay,
			DelayMS:    a.Delay.Milliseconds(),
		}
		if a.Err != nil {
			h.Error = stepError(a.Class, a.Err)
			metrics.StepAttemptFailures.WithLabelValues(string(s.name), a.Class.Kind.String(), a.Class.Category).Inc()
			r.log.Warn("Step attempt failed",
				"step", s.name, "attempt", a.Number, "kind", a.Class.Kind, "category", a.Class.Category, "error", a.Err)
		}
		result.History = append(result.History, h)
	}

	if err != nil {
		result.Status = domain.StepFailed
		result.Detail = ""
		result.Error = stepError(outcome.Final, err)
	}
	metrics.StepsTotal.WithLabelValues(string(s.name), string(result.Status)).Inc()
	metrics.StepDuration.WithLabelValues(string(s.name)).Observe(result.Duration.Seconds())
	return result, outcome, err
}

// abort moves the run to Aborted and captures diagnostics best-effort.
func (e *Engine) abort(ctx context.Context, r *run, failed domain.StepName, stepErr *domain.StepError) {
	report := r.report
	report.Status = domain.RunFailure
	report.FinalState = domain.StateAborted
	report.FailedStep = failed
	report.Error = stepErr

	r.log.Error("Run aborted", "step", failed, "kind", stepErr.Kind, "category", stepErr.Category, "error", stepErr.Message)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeouts.Teardown)
	defer cancel()
	snap := r.session.CaptureDiagnostics(dctx)
	ref, err := e.sink.Store(dctx, r.account.Name, failed, snap)
	if err != nil {
		r.log.Warn("Failed to store diagnostics", "error", err)
	}
	report.Diagnostics = &ref
}

func (e *Engine) cancel(report *domain.RunReport, step domain.StepName, err error) {
	report.Status = domain.RunCancelled
	report.FinalState = domain.StateAborted
	report.FailedStep = step
	report.Error = stepError(faults.Classification{Kind: faults.Permanent, Category: faults.CategoryCancelled}, err)
	e.log.Info("Run cancelled", "account", report.Account, "step", step)
}

func (e *Engine) closeSession(ctx context.Context, r *run) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeouts.Teardown)
	defer cancel()
	if err := r.session.Close(cctx); err != nil && !errors.Is(err, driver.ErrSessionClosed) {
		r.log.Warn("Failed to close session", "error", err)
	}
}

func stepError(c faults.Classification, err error) *domain.StepError {
	return &domain.StepError{
		Kind:     c.Kind.String(),
		Category: c.Category,
		Message:  err.Error(),
	}
}

// saveState writes the session state to the cache. Failure only costs the
// next run a full login, so it is logged and ignored.
func (e *Engine) saveState(ctx context.Context, r *run) {
	if e.cache == nil {
		return
	}
	state, err := r.session.ExportState(ctx)
	if err != nil {
		r.log.Warn("Failed to export session state", "error", err)
		return
	}
	if err := e.cache.Save(ctx, r.account.Name, state); err != nil {
		r.log.Warn("Failed to save session state", "error", fmt.Errorf("cache: %w", err))
		return
	}
	r.log.Debug("Session state saved")
}
