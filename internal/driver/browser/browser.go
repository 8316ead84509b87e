// Package browser implements the session driver on top of a headless
// Chromium controlled through chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/vietddude/autofollow/internal/driver"
)

const (
	defaultOpTimeout = 30 * time.Second
	diagTimeout      = 5 * time.Second
)

// Driver launches Chromium engines.
type Driver struct {
	log *slog.Logger
}

// New creates a chromedp driver.
func New() *Driver {
	return &Driver{log: slog.Default().With("component", "browser")}
}

// Launch starts one browser process. Sessions opened on the engine get
// their own browser context, so cookies never leak between accounts.
func (d *Driver) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Engine, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	for _, arg := range opts.Args {
		name, value := parseFlag(arg)
		if name == "" {
			continue
		}
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}

	// The engine outlives the launch call, so it must not inherit its cancellation.
	base := context.WithoutCancel(ctx)
	allocCtx, allocCancel := chromedp.NewExecAllocator(base, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}

	d.log.Debug("Browser launched", "headless", opts.Headless, "args", len(opts.Args))
	return &engine{
		log:           d.log,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type engine struct {
	log           *slog.Logger
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (e *engine) OpenSession(ctx context.Context, opts driver.SessionOptions) (driver.Session, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, driver.ErrSessionClosed
	}

	sctx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
	s := &session{
		ctx:       sctx,
		cancel:    cancel,
		opTimeout: opts.Timeout,
		log:       e.log.With("account", opts.Account.Name),
	}
	if s.opTimeout <= 0 {
		s.opTimeout = defaultOpTimeout
	}

	setup := []chromedp.Action{network.Enable()}
	if patterns := blockedPatterns(opts.Blocking); len(patterns) > 0 {
		setup = append(setup, network.SetBlockedURLs(patterns))
	}
	if opts.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(opts.UserAgent))
	}
	if len(opts.State) > 0 {
		cookies, err := decodeState(opts.State)
		if err != nil {
			s.log.Warn("Ignoring unreadable session state", "error", err)
		} else if len(cookies) > 0 {
			setup = append(setup, network.SetCookies(cookies))
		}
	}

	if err := s.run(ctx, setup...); err != nil {
		_ = chromedp.Cancel(sctx)
		cancel()
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

func (e *engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(e.browserCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.browserCancel()
	e.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// parseFlag turns "--name=value" into a chromedp flag.
func parseFlag(arg string) (string, any) {
	arg = strings.TrimLeft(arg, "-")
	if arg == "" {
		return "", nil
	}
	if name, value, ok := strings.Cut(arg, "="); ok {
		return name, value
	}
	return arg, true
}

var typePatterns = map[string][]string{
	"image":      {"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.bmp"},
	"font":       {"*.woff", "*.woff2", "*.ttf", "*.otf", "*.eot"},
	"media":      {"*.mp4", "*.webm", "*.mp3", "*.ogg", "*.wav", "*.m3u8"},
	"stylesheet": {"*.css"},
}

func blockedPatterns(p driver.ResourcePolicy) []string {
	if !p.Enabled {
		return nil
	}
	var out []string
	for _, t := range p.ResourceTypes {
		out = append(out, typePatterns[strings.ToLower(t)]...)
	}
	for _, h := range p.HostPatterns {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, "*"+h+"*")
		}
	}
	return out
}
