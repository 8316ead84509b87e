package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/infra/storage"
)

// MemoryStorage keeps reports in process. Reports are stored as encoded
// snapshots so callers can't mutate what was saved.
type MemoryStorage struct {
	reports map[string][]byte
	started map[string]int64
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		reports: make(map[string][]byte),
		started: make(map[string]int64),
	}
}

// -----------------------------------------------------------------------------
// Report Repository
// -----------------------------------------------------------------------------

type ReportRepo struct {
	store *MemoryStorage
}

var _ storage.ReportRepository = (*ReportRepo)(nil)

func NewReportRepo(store *MemoryStorage) *ReportRepo {
	return &ReportRepo{store: store}
}

func (r *ReportRepo) Save(ctx context.Context, report *domain.BatchReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.reports[report.ID] = data
	r.store.started[report.ID] = report.StartedAt.UnixNano()
	return nil
}

func (r *ReportRepo) Get(ctx context.Context, id string) (*domain.BatchReport, error) {
	r.store.mu.RLock()
	data, ok := r.store.reports[id]
	r.store.mu.RUnlock()
	if !ok {
		return nil, storage.ErrReportNotFound
	}
	return decode(data)
}

func (r *ReportRepo) ListRecent(ctx context.Context, limit int) ([]*domain.BatchReport, error) {
	r.store.mu.RLock()
	ids := make([]string, 0, len(r.store.reports))
	for id := range r.store.reports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.store.started[ids[i]], r.store.started[ids[j]]
		if a != b {
			return a > b
		}
		return ids[i] > ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	blobs := make([][]byte, len(ids))
	for i, id := range ids {
		blobs[i] = r.store.reports[id]
	}
	r.store.mu.RUnlock()

	out := make([]*domain.BatchReport, 0, len(blobs))
	for _, data := range blobs {
		rep, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

func (r *ReportRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	threshold := before.UnixNano()
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	n := 0
	for id, started := range r.store.started {
		if started < threshold {
			delete(r.store.started, id)
			delete(r.store.reports, id)
			n++
		}
	}
	return n, nil
}

func decode(data []byte) (*domain.BatchReport, error) {
	var rep domain.BatchReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}
