package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/vietddude/autofollow/internal/driver"
)

type session struct {
	ctx       context.Context // chromedp context of the tab
	cancel    context.CancelFunc
	opTimeout time.Duration
	log       *slog.Logger

	mu     sync.Mutex
	closed bool
}

// run executes actions on the tab bounded by the caller's context. Without
// a caller deadline the session's operation timeout applies.
func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return driver.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.opTimeout)
	}
	tctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(tctx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", driver.ErrSessionClosed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", driver.ErrTimeout, err)
	}
	return err
}

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *session) Fill(ctx context.Context, selector, value string) error {
	err := s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.BySearch),
		chromedp.Clear(selector, chromedp.BySearch),
		chromedp.SendKeys(selector, value, chromedp.BySearch),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (s *session) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.Click(selector, chromedp.BySearch, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (s *session) Value(ctx context.Context, selector string) (string, error) {
	var v string
	if err := s.run(ctx, chromedp.Value(selector, &v, chromedp.BySearch)); err != nil {
		return "", fmt.Errorf("value %s: %w", selector, err)
	}
	return v, nil
}

func (s *session) WaitFor(ctx context.Context, cond driver.Condition, timeout time.Duration) (driver.Element, error) {
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	el := driver.Element{Selector: cond.Selector}
	var err error
	switch cond.State {
	case driver.Hidden:
		var hidden bool
		err = s.run(wctx, chromedp.Poll(hiddenExpr(cond.Selector), &hidden,
			chromedp.WithPollingInterval(100*time.Millisecond)))
	default:
		err = s.run(wctx,
			chromedp.WaitVisible(cond.Selector, chromedp.BySearch),
			chromedp.Text(cond.Selector, &el.Text, chromedp.BySearch, chromedp.NodeVisible),
		)
	}

	if err != nil {
		// Our own timeout ran out while the caller is still waiting.
		if ctx.Err() == nil && wctx.Err() != nil {
			return driver.Element{}, fmt.Errorf("wait for %s: %w", cond.Selector, driver.ErrTimeout)
		}
		return driver.Element{}, fmt.Errorf("wait for %s: %w", cond.Selector, err)
	}
	return el, nil
}

func (s *session) CurrentLocation(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// CaptureDiagnostics grabs whatever it can within a short budget.
func (s *session) CaptureDiagnostics(ctx context.Context) driver.Diagnostics {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagTimeout)
	defer cancel()

	var d driver.Diagnostics
	if err := s.run(dctx, chromedp.Location(&d.Location)); err != nil {
		s.log.Debug("Diagnostics: location unavailable", "error", err)
	}
	if err := s.run(dctx, chromedp.FullScreenshot(&d.Screenshot, 80)); err != nil {
		s.log.Debug("Diagnostics: screenshot unavailable", "error", err)
	}
	if err := s.run(dctx, chromedp.OuterHTML("html", &d.DOM, chromedp.ByQuery)); err != nil {
		s.log.Debug("Diagnostics: DOM unavailable", "error", err)
	}
	return d
}

func (s *session) ExportState(ctx context.Context) ([]byte, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("export cookies: %w", err)
	}
	return encodeState(cookies)
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()
	defer s.cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("close session: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hiddenExpr evaluates to true once selector matches nothing visible.
// Selectors starting with '/' or '(' are treated as XPath.
func hiddenExpr(selector string) string {
	return fmt.Sprintf(`(() => {
  const s = %q;
  let el = null;
  if (s.startsWith('/') || s.startsWith('(')) {
    el = document.evaluate(s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  } else {
    try { el = document.querySelector(s); } catch (e) { el = null; }
  }
  if (!el) return true;
  const r = el.getBoundingClientRect();
  const st = window.getComputedStyle(el);
  return r.width === 0 || r.height === 0 || st.visibility === 'hidden' || st.display === 'none';
})()`, selector)
}
