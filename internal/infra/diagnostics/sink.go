// Package diagnostics stores failure snapshots captured from a session.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/driver"
	"github.com/vietddude/autofollow/internal/infra/sessioncache"
)

// Sink persists a snapshot and returns where its parts ended up.
type Sink interface {
	Store(ctx context.Context, account string, step domain.StepName, d driver.Diagnostics) (domain.DiagnosticsRef, error)
}

// Discard drops every snapshot but keeps the location.
type Discard struct{}

func (Discard) Store(_ context.Context, _ string, _ domain.StepName, d driver.Diagnostics) (domain.DiagnosticsRef, error) {
	return domain.DiagnosticsRef{Location: d.Location}, nil
}

// Dir writes snapshots under <root>/<account>/.
type Dir struct {
	root string
	now  func() time.Time
}

// NewDir creates a directory sink.
func NewDir(root string) *Dir {
	return &Dir{root: root, now: time.Now}
}

func (s *Dir) Store(_ context.Context, account string, step domain.StepName, d driver.Diagnostics) (domain.DiagnosticsRef, error) {
	ref := domain.DiagnosticsRef{Location: d.Location}
	dir := filepath.Join(s.root, sessioncache.SafeName(account))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ref, fmt.Errorf("create diagnostics dir: %w", err)
	}

	base := objectBase(s.now(), step)
	if len(d.Screenshot) > 0 {
		p := filepath.Join(dir, base+".png")
		if err := os.WriteFile(p, d.Screenshot, 0o644); err != nil {
			return ref, fmt.Errorf("write screenshot: %w", err)
		}
		ref.Screenshot = p
	}
	if d.DOM != "" {
		p := filepath.Join(dir, base+".html")
		if err := os.WriteFile(p, []byte(d.DOM), 0o644); err != nil {
			return ref, fmt.Errorf("write dom: %w", err)
		}
		ref.DOM = p
	}
	return ref, nil
}

func objectBase(t time.Time, step domain.StepName) string {
	return fmt.Sprintf("%s_%s", t.UTC().Format("20060102T150405.000Z"), strings.ToLower(string(step)))
}
