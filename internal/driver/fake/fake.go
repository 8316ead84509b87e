// Package fake is a scripted in-process driver. It models the remote site as
// a small state machine keyed by the configured selectors so the workflow
// and the orchestrator can run without a browser.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/autofollow/internal/core/config"
	"github.com/vietddude/autofollow/internal/driver"
)

// Behavior scripts how the site treats one account.
type Behavior struct {
	WrongPassword       bool          // login submit is silently ignored
	LoginNeverRedirects bool          // credentials accepted but location stays on login
	Overlay             bool          // modal covers the trading surface
	Acknowledgment      string        // toast text after follow; empty means success
	ReadBackMismatch    bool          // order input drops the last character
	HistoryMissing      bool          // follow never shows up in history
	StaleCache          bool          // cached state is refused
	Delay               time.Duration // latency added to every action
	OpenErr             error         // OpenSession fails with this
	OpenFailures        int           // with OpenErr, only the first N opens fail
	PanicOn             string        // panic when this selector is clicked
	// FailFirst makes the first N actions on a selector fail with a stale
	// element error.
	FailFirst map[string]int
}

// Site is the fake remote application.
type Site struct {
	LoginURL   string
	HomeURL    string
	TradingURL string
	HistoryURL string
	Selectors  config.SelectorConfig
	SuccessAck string
}

// NewSite builds a fake site from configuration.
func NewSite(site config.SiteConfig, sel config.SelectorConfig) Site {
	ack := "Successfully followed"
	if len(site.SuccessMarkers) > 0 {
		ack = site.SuccessMarkers[0]
	}
	return Site{
		LoginURL:   site.LoginURL(),
		HomeURL:    site.BaseURL,
		TradingURL: site.TradingURL(),
		HistoryURL: site.HistoryURL(),
		Selectors:  sel,
		SuccessAck: ack,
	}
}

// Driver implements driver.Driver and records what happened across engines.
type Driver struct {
	site Site

	mu           sync.Mutex
	behaviors    map[string]Behavior
	launchErrs   int
	launches     int
	engineCloses int
	open         int
	maxOpen      int
	opened       int
	submits      map[string]int
	follows      map[string][]string
	openErrs     map[string]int
}

// New creates a driver for site.
func New(site Site) *Driver {
	return &Driver{
		site:      site,
		behaviors: make(map[string]Behavior),
		submits:   make(map[string]int),
		follows:   make(map[string][]string),
		openErrs:  make(map[string]int),
	}
}

// Script sets the behavior for an account username.
func (d *Driver) Script(username string, b Behavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behaviors[username] = b
}

// FailLaunches makes the next n launches fail.
func (d *Driver) FailLaunches(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launchErrs = n
}

// Stats is a snapshot of driver counters.
type Stats struct {
	Launches     int
	EngineCloses int
	Open         int
	MaxOpen      int
	Opened       int
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Launches:     d.launches,
		EngineCloses: d.engineCloses,
		Open:         d.open,
		MaxOpen:      d.maxOpen,
		Opened:       d.opened,
	}
}

// LoginSubmits returns how many times the login form was submitted for username.
func (d *Driver) LoginSubmits(username string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits[username]
}

// Follows returns the order ids followed by username, one per click.
func (d *Driver) Follows(username string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.follows[username]...)
}

func (d *Driver) Launch(ctx context.Context, _ driver.LaunchOptions) (driver.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if d.launchErrs > 0 {
		d.launchErrs--
		return nil, errors.New("fake: browser process exited during startup")
	}
	return &engine{d: d}, nil
}

type engine struct {
	d      *Driver
	mu     sync.Mutex
	closed bool
}

func (e *engine) OpenSession(ctx context.Context, opts driver.SessionOptions) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, driver.ErrSessionClosed
	}

	d := e.d
	d.mu.Lock()
	b := d.behaviors[opts.Account.Username]
	if b.OpenErr != nil && (b.OpenFailures == 0 || d.openErrs[opts.Account.Username] < b.OpenFailures) {
		d.openErrs[opts.Account.Username]++
		d.mu.Unlock()
		return nil, b.OpenErr
	}
	d.open++
	d.opened++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.mu.Unlock()

	s := &session{
		d:        d,
		site:     d.site,
		username: opts.Account.Username,
		password: opts.Account.Password.Reveal(),
		behavior: b,
		location: "about:blank",
		fields:   make(map[string]string),
		failures: make(map[string]int),
	}
	for sel, n := range b.FailFirst {
		s.failures[sel] = n
	}
	if opts.State != nil && string(opts.State) == stateFor(opts.Account.Username) && !b.StaleCache {
		s.loggedIn = true
	}
	return s, nil
}

func (e *engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.d.mu.Lock()
	e.d.engineCloses++
	e.d.mu.Unlock()
	return nil
}

func stateFor(username string) string {
	return fmt.Sprintf(`{"fake_session":%q}`, username)
}
