// Package driver defines the capability surface the workflow needs from a
// remote session implementation. The core only talks to these interfaces.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
)

var (
	// ErrTimeout is returned when a wait condition was not met in time.
	ErrTimeout = errors.New("wait condition timed out")

	// ErrElementNotFound is returned when a required element does not exist
	// on the current surface at all.
	ErrElementNotFound = errors.New("element not found")

	// ErrStaleElement is returned when an element detached between lookup and use.
	ErrStaleElement = errors.New("stale element")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// LaunchOptions configures the shared engine.
type LaunchOptions struct {
	Headless bool
	Args     []string
}

// ResourcePolicy decides which requests a session refuses to load.
type ResourcePolicy struct {
	Enabled       bool
	ResourceTypes []string
	HostPatterns  []string
}

// SessionOptions configures one isolated session.
type SessionOptions struct {
	Account   domain.Account
	Blocking  ResourcePolicy
	State     []byte // cached session state, nil for a fresh login
	Timeout   time.Duration
	UserAgent string
}

// Visibility is the element state a Condition waits for.
type Visibility int

const (
	Visible Visibility = iota
	Hidden
)

// Condition is something to wait for on the current surface.
type Condition struct {
	Selector string
	State    Visibility
}

// Element is the element matched by a wait.
type Element struct {
	Selector string
	Text     string
}

// Diagnostics is a best-effort snapshot of a session.
type Diagnostics struct {
	Screenshot []byte
	DOM        string
	Location   string
}

// Driver launches engines.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Engine, error)
}

// Engine is the shared, read-mostly handle used to spawn sessions.
// OpenSession must be safe for concurrent use.
type Engine interface {
	OpenSession(ctx context.Context, opts SessionOptions) (Session, error)
	Close(ctx context.Context) error
}

// Session is one isolated remote-interaction context bound to one account.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Value(ctx context.Context, selector string) (string, error)
	WaitFor(ctx context.Context, cond Condition, timeout time.Duration) (Element, error)
	CurrentLocation(ctx context.Context) (string, error)
	// CaptureDiagnostics never fails; missing parts are left empty.
	CaptureDiagnostics(ctx context.Context) Diagnostics
	// ExportState serialises cookies/storage for the session cache.
	ExportState(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}
