package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/autofollow/internal/driver"
)

type session struct {
	d        *Driver
	site     Site
	username string
	password string
	behavior Behavior

	mu          sync.Mutex
	closed      bool
	location    string
	loggedIn    bool
	copySurface bool
	overlay     bool
	toast       string
	followed    string
	fields      map[string]string
	failures    map[string]int
}

func (s *session) pause(ctx context.Context) error {
	if s.behavior.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.behavior.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// begin applies latency and scripted failures; the caller holds no lock.
func (s *session) begin(ctx context.Context, selector string) error {
	if err := s.pause(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return driver.ErrSessionClosed
	}
	if selector != "" && s.failures[selector] > 0 {
		s.failures[selector]--
		return fmt.Errorf("%s: %w", selector, driver.ErrStaleElement)
	}
	return nil
}

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.begin(ctx, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.copySurface = false
	s.overlay = false
	s.toast = ""
	if !s.loggedIn && url != s.site.LoginURL {
		s.location = s.site.LoginURL
		return nil
	}
	s.location = url
	return nil
}

func (s *session) Fill(ctx context.Context, selector, value string) error {
	if err := s.begin(ctx, selector); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.visible(selector) {
		return fmt.Errorf("fill %s: %w", selector, driver.ErrElementNotFound)
	}
	s.fields[selector] = value
	return nil
}

func (s *session) Click(ctx context.Context, selector string) error {
	if err := s.begin(ctx, selector); err != nil {
		return err
	}
	if s.behavior.PanicOn != "" && s.behavior.PanicOn == selector {
		panic("fake: scripted panic on " + selector)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.site.Selectors
	if !s.visible(selector) {
		return fmt.Errorf("click %s: %w", selector, driver.ErrElementNotFound)
	}

	switch selector {
	case sel.LoginSubmit:
		s.d.mu.Lock()
		s.d.submits[s.username]++
		s.d.mu.Unlock()
		ok := s.fields[sel.LoginUsername] == s.username &&
			s.fields[sel.LoginPassword] == s.password &&
			!s.behavior.WrongPassword
		if ok {
			s.loggedIn = true
			if !s.behavior.LoginNeverRedirects {
				s.location = s.site.HomeURL
			}
		}
	case sel.CopyTrading:
		// The copy surface opens with a modal on top when scripted.
		s.copySurface = true
		s.overlay = s.behavior.Overlay
	case sel.OverlayDismiss:
		s.overlay = false
	case sel.FollowButton:
		if s.overlay {
			return fmt.Errorf("click %s: element click intercepted by overlay: %w", selector, driver.ErrStaleElement)
		}
		order := s.fields[sel.OrderInput]
		s.followed = order
		s.d.mu.Lock()
		s.d.follows[s.username] = append(s.d.follows[s.username], order)
		s.d.mu.Unlock()
		s.toast = s.site.SuccessAck
		if s.behavior.Acknowledgment != "" {
			s.toast = s.behavior.Acknowledgment
		}
	}
	return nil
}

func (s *session) Value(ctx context.Context, selector string) (string, error) {
	if err := s.begin(ctx, selector); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.visible(selector) {
		return "", fmt.Errorf("value %s: %w", selector, driver.ErrElementNotFound)
	}
	v := s.fields[selector]
	if s.behavior.ReadBackMismatch && selector == s.site.Selectors.OrderInput && v != "" {
		v = v[:len(v)-1]
	}
	return v, nil
}

func (s *session) WaitFor(ctx context.Context, cond driver.Condition, timeout time.Duration) (driver.Element, error) {
	if err := s.begin(ctx, ""); err != nil {
		return driver.Element{}, err
	}
	if el, ok := s.check(cond); ok {
		return el, nil
	}

	// Nothing changes the page while we wait, so the wait always runs out.
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return driver.Element{}, ctx.Err()
	case <-t.C:
		return driver.Element{}, fmt.Errorf("wait for %s: %w", cond.Selector, driver.ErrTimeout)
	}
}

func (s *session) check(cond driver.Condition) (driver.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vis := s.visible(cond.Selector)
	if (cond.State == driver.Visible) != vis {
		return driver.Element{}, false
	}
	el := driver.Element{Selector: cond.Selector}
	if cond.Selector == s.site.Selectors.Acknowledgment {
		el.Text = s.toast
	}
	return el, true
}

// visible reports whether selector matches something on the current surface.
func (s *session) visible(selector string) bool {
	sel := s.site.Selectors
	onLogin := s.location == s.site.LoginURL
	onTrading := s.location == s.site.TradingURL

	switch selector {
	case sel.LoginUsername, sel.LoginPassword, sel.LoginSubmit:
		return onLogin
	case sel.PostLogin:
		return s.loggedIn && !onLogin && s.location != "about:blank"
	case sel.TradingMarker, sel.CopyTrading:
		return onTrading
	case sel.Overlay, sel.OverlayDismiss:
		return onTrading && s.overlay
	case sel.OrderInput, sel.FollowButton:
		return onTrading && s.copySurface
	case sel.Acknowledgment:
		return s.toast != ""
	}
	if s.location == s.site.HistoryURL && s.followed != "" && !s.behavior.HistoryMissing {
		return selector == strings.ReplaceAll(sel.HistoryItem, "{order_id}", s.followed)
	}
	return false
}

func (s *session) CurrentLocation(ctx context.Context) (string, error) {
	if err := s.begin(ctx, ""); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, nil
}

func (s *session) CaptureDiagnostics(context.Context) driver.Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return driver.Diagnostics{
		Screenshot: []byte("fake-png"),
		DOM:        fmt.Sprintf("<html><!-- %s --></html>", s.location),
		Location:   s.location,
	}
}

func (s *session) ExportState(ctx context.Context) ([]byte, error) {
	if err := s.begin(ctx, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn {
		return nil, fmt.Errorf("export state: not logged in")
	}
	return []byte(stateFor(s.username)), nil
}

func (s *session) Close(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.d.mu.Lock()
	s.d.open--
	s.d.mu.Unlock()
	return nil
}
