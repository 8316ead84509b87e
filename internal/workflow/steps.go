package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/core/faults"
	"github.com/vietddude/autofollow/internal/driver"
	"github.com/vietddude/autofollow/internal/metrics"
)

const orderPlaceholder = "{order_id}"

func (e *Engine) login(ctx context.Context, r *run) (string, error) {
	if r.opts.State != nil && !r.restoreTried {
		r.restoreTried = true
		if e.restore(ctx, r) {
			r.report.SessionRestored = true
			metrics.SessionCacheHits.WithLabelValues("restored").Inc()
			r.log.Info("Session restored from cache")
			return "session restored", nil
		}
		metrics.SessionCacheHits.WithLabelValues("stale").Inc()
		r.log.Info("Cached session rejected, logging in")
	}

	sel := e.cfg.Selectors
	t := e.cfg.Timeouts
	s := r.session

	if err := s.Navigate(ctx, e.cfg.Site.LoginURL()); err != nil {
		return "", err
	}
	if _, err := s.WaitFor(ctx, driver.Condition{Selector: sel.LoginUsername}, t.Default); err != nil {
		return "", fmt.Errorf("login form: %w", err)
	}
	if err := s.Fill(ctx, sel.LoginUsername, r.account.Username); err != nil {
		return "", err
	}
	if err := s.Fill(ctx, sel.LoginPassword, r.account.Password.Reveal()); err != nil {
		return "", err
	}
	if err := s.Click(ctx, sel.LoginSubmit); err != nil {
		return "", err
	}

	loc, err := e.awaitRedirect(ctx, s)
	if err != nil {
		return "", err
	}
	if _, err := s.WaitFor(ctx, driver.Condition{Selector: sel.PostLogin}, t.Default); err != nil {
		return "", fmt.Errorf("post-login marker at %s: %w", loc, err)
	}

	e.saveState(ctx, r)
	return "", nil
}

// restore checks whether the cached state still carries a live login.
func (e *Engine) restore(ctx context.Context, r *run) bool {
	s := r.session
	if err := s.Navigate(ctx, e.cfg.Site.BaseURL); err != nil {
		r.log.Debug("Restore navigation failed", "error", err)
		return false
	}
	if _, err := s.WaitFor(ctx, driver.Condition{Selector: e.cfg.Selectors.PostLogin}, e.cfg.Timeouts.Default); err != nil {
		return false
	}
	loc, err := s.CurrentLocation(ctx)
	return err == nil && !e.onLoginSurface(loc)
}

// awaitRedirect polls the location until it leaves the login surface. A
// submit that leaves us on the login surface is a transient failure, never
// a success.
func (e *Engine) awaitRedirect(ctx context.Context, s driver.Session) (string, error) {
	deadline := time.NewTimer(e.cfg.Timeouts.Redirect)
	defer deadline.Stop()
	tick := time.NewTicker(e.cfg.PollInterval)
	defer tick.Stop()

	for {
		loc, err := s.CurrentLocation(ctx)
		if err != nil {
			return "", err
		}
		if !e.onLoginSurface(loc) {
			return loc, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", faults.AsTransient(faults.CategoryNavigation,
				fmt.Errorf("still on login surface after %s: %s", e.cfg.Timeouts.Redirect, loc))
		case <-tick.C:
		}
	}
}

func (e *Engine) onLoginSurface(loc string) bool {
	marker := e.cfg.Site.LoginPath
	if i := strings.IndexByte(marker, '?'); i >= 0 {
		marker = marker[:i]
	}
	if marker == "" || marker == "/" {
		return loc == e.cfg.Site.LoginURL()
	}
	return strings.Contains(loc, marker)
}

func (e *Engine) navigateToTrading(ctx context.Context, r *run) (string, error) {
	s := r.session
	if err := s.Navigate(ctx, e.cfg.Site.TradingURL()); err != nil {
		return "", err
	}
	if loc, err := s.CurrentLocation(ctx); err == nil && e.onLoginSurface(loc) {
		return "", faults.AsTransient(faults.CategoryNavigation, fmt.Errorf("redirected to login: %s", loc))
	}
	if _, err := s.WaitFor(ctx, driver.Condition{Selector: e.cfg.Selectors.TradingMarker}, e.cfg.Timeouts.Navigate); err != nil {
		return "", fmt.Errorf("trading surface: %w", err)
	}
	return "", nil
}

func (e *Engine) navigateToCopy(ctx context.Context, r *run) (string, error) {
	sel := e.cfg.Selectors
	t := e.cfg.Timeouts
	s := r.session
	if _, err := s.WaitFor(ctx, driver.Condition{Selector: sel.CopyTrading}, t.Default); err != nil {
		return "", fmt.Errorf("copy trading entry: %w", err)
	}
	if err := s.Click(ctx, sel.CopyTrading); err != nil {
		return "", err
	}
	if _, err := s.WaitFor(ctx, driver.Condition{Selector: sel.OrderInput}, t.CopySurface); err != nil {
		return "", fmt.Errorf("copy surface: %w", err)
	}
	return "", nil
}

func (e *Engine) enterOrderNumber(ctx context.Context, r *run) (string, error) {
	orderID := r.opts.OrderID
	if orderID == "" {
		return "", faults.AsPermanent(faults.CategoryAccount, errors.New("no order id supplied"))
	}
	sel := e.cfg.Selectors.OrderInput
	s := r.session
	if err := s.Fill(ctx, sel, orderID); err != nil {
		return "", err
	}
	got, err := s.Value(ctx, sel)
	if err != nil {
		return "", err
	}
	if got != orderID {
		return "", faults.AsTransient(faults.CategoryVerification,
			fmt.Errorf("order input reads %q, want %q", got, orderID))
	}
	return "", nil
}

func (e *Engine) executeFollowUp(ctx context.Context, r *run) (string, error) {
	sel := e.cfg.Selectors
	t := e.cfg.Timeouts
	s := r.session

	if err := e.dismissOverlay(ctx, r); err != nil {
		return "", err
	}
	for i := 0; i < e.cfg.FollowClickAttempts; i++ {
		if err := s.Click(ctx, sel.FollowButton); err != nil {
			return "", err
		}
	}

	el, err := s.WaitFor(ctx, driver.Condition{Selector: sel.Acknowledgment}, t.Acknowledgment)
	if err != nil {
		return "", fmt.Errorf("acknowledgment: %w", err)
	}
	text := strings.TrimSpace(el.Text)
	if text == "" {
		return "", faults.AsTransient(faults.CategoryVerification, errors.New("acknowledgment carried no text"))
	}
	if !e.acknowledged(text) {
		return "", faults.Reject(text)
	}
	return text, nil
}

// dismissOverlay clears a blocking modal if one is showing.
func (e *Engine) dismissOverlay(ctx context.Context, r *run) error {
	sel := e.cfg.Selectors
	if sel.Overlay == "" {
		return nil
	}
	s := r.session
	_, err := s.WaitFor(ctx, driver.Condition{Selector: sel.Overlay}, e.cfg.Timeouts.Overlay)
	if errors.Is(err, driver.ErrTimeout) {
		return nil
	}
	if err != nil {
		return err
	}

	r.log.Debug("Dismissing overlay")
	if err := s.Click(ctx, sel.OverlayDismiss); err != nil {
		return faults.AsTransient(faults.CategoryNavigation, fmt.Errorf("dismiss overlay: %w", err))
	}
	cond := driver.Condition{Selector: sel.Overlay, State: driver.Hidden}
	if _, err := s.WaitFor(ctx, cond, e.cfg.Timeouts.Default); err != nil {
		return faults.AsTransient(faults.CategoryNavigation, fmt.Errorf("overlay still showing: %w", err))
	}
	return nil
}

func (e *Engine) acknowledged(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range e.cfg.Site.SuccessMarkers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// verifyInHistory never fails on absence: a missing record is a report
// detail, not an error.
func (e *Engine) verifyInHistory(ctx context.Context, r *run) (string, error) {
	s := r.session
	if err := s.Navigate(ctx, e.cfg.Site.HistoryURL()); err != nil {
		return "", err
	}
	item := strings.ReplaceAll(e.cfg.Selectors.HistoryItem, orderPlaceholder, r.opts.OrderID)
	_, err := s.WaitFor(ctx, driver.Condition{Selector: item}, e.cfg.Timeouts.Verify)
	switch {
	case err == nil:
		r.report.Verification = domain.VerificationFound
		return "found", nil
	case errors.Is(err, driver.ErrTimeout):
		r.report.Verification = domain.VerificationNotFound
		r.log.Warn("Order not found in history", "order_id", r.opts.OrderID)
		return "not found", nil
	default:
		return "", err
	}
}
