package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/infra/storage"
)

func TestReportRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewReportRepo(NewMemoryStorage())

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rep := &domain.BatchReport{
			ID:        id,
			OrderID:   "ORD",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Counts:    domain.Counts{Requested: 1, Succeeded: 1},
			Runs:      []*domain.RunReport{{Account: "acc-" + id, Status: domain.RunSuccess}},
		}
		if err := repo.Save(ctx, rep); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}

	got, err := repo.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Runs[0].Account != "acc-b" {
		t.Errorf("unexpected run account %q", got.Runs[0].Account)
	}

	// Mutating the returned copy must not change what is stored.
	got.Runs[0].Account = "changed"
	again, _ := repo.Get(ctx, "b")
	if again.Runs[0].Account != "acc-b" {
		t.Error("stored report was mutated through a returned copy")
	}

	recent, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		ids := make([]string, len(recent))
		for i, r := range recent {
			ids[i] = r.ID
		}
		t.Errorf("ListRecent order = %v, want [c b]", ids)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, storage.ErrReportNotFound) {
		t.Errorf("expected ErrReportNotFound, got %v", err)
	}
}
