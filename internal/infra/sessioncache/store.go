// Package sessioncache persists per-account browser state so that a later
// run can skip the credential flow.
package sessioncache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	redisclient "github.com/vietddude/autofollow/internal/infra/redis"
)

// Store persists opaque session state keyed by account name.
type Store interface {
	// Load returns found=false when nothing is cached for the account.
	Load(ctx context.Context, account string) (state []byte, found bool, err error)
	Save(ctx context.Context, account string, state []byte) error
	Delete(ctx context.Context, account string) error
}

// Pruner is implemented by stores whose entries do not expire on their own.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	hashSuffix  = regexp.MustCompile(`-[0-9a-f]{8}$`)
)

// SafeName maps an account name to something usable as a file name or key.
// Names that are already safe are kept as is. Any other name gets a short
// hash of the raw name appended, so two distinct accounts never share a key.
func SafeName(account string) string {
	if account != "" && account != "." && account != ".." &&
		!unsafeChars.MatchString(account) && !hashSuffix.MatchString(account) {
		return account
	}
	name := unsafeChars.ReplaceAllString(account, "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	sum := sha256.Sum256([]byte(account))
	return name + "-" + hex.EncodeToString(sum[:4])
}

// Memory is an in-process Store, used when caching is disabled for
// persistence but a run still wants the round trip.
type Memory struct {
	mu    sync.RWMutex
	state map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, account string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.state[account]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), s...), true, nil
}

func (m *Memory) Save(_ context.Context, account string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[account] = append([]byte(nil), state...)
	return nil
}

func (m *Memory) Delete(_ context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, account)
	return nil
}

// Redis stores state in Redis with an optional TTL.
type Redis struct {
	client *redisclient.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed store.
func NewRedis(client *redisclient.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Load(ctx context.Context, account string) ([]byte, bool, error) {
	state, found, err := r.client.GetSession(ctx, SafeName(account))
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", account, err)
	}
	return state, found, nil
}

func (r *Redis) Save(ctx context.Context, account string, state []byte) error {
	if err := r.client.SetSession(ctx, SafeName(account), state, r.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", account, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, account string) error {
	return r.client.DeleteSession(ctx, SafeName(account))
}
