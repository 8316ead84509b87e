package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File stores one state file per account under a directory.
type File struct {
	dir string
	ttl time.Duration
}

// NewFile creates a directory-backed store. Entries older than ttl are
// treated as missing; ttl 0 disables expiry.
func NewFile(dir string, ttl time.Duration) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &File{dir: dir, ttl: ttl}, nil
}

func (f *File) path(account string) string {
	return filepath.Join(f.dir, SafeName(account)+"_state.json")
}

func (f *File) Load(_ context.Context, account string) ([]byte, bool, error) {
	p := f.path(account)
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat session %s: %w", account, err)
	}
	if f.ttl > 0 && time.Since(info.ModTime()) > f.ttl {
		return nil, false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false, fmt.Errorf("read session %s: %w", account, err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// Save writes through a temp file so a crash never leaves a torn state file.
func (f *File) Save(_ context.Context, account string, state []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("save session %s: %w", account, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(state); err != nil {
		tmp.Close()
		return fmt.Errorf("save session %s: %w", account, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save session %s: %w", account, err)
	}
	if err := os.Rename(tmp.Name(), f.path(account)); err != nil {
		return fmt.Errorf("save session %s: %w", account, err)
	}
	return nil
}

func (f *File) Delete(_ context.Context, account string) error {
	err := os.Remove(f.path(account))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Prune removes state files older than the TTL and returns how many went.
func (f *File) Prune(_ context.Context) (int, error) {
	if f.ttl <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("read session dir: %w", err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_state.json") {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) <= f.ttl {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}
