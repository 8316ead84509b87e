package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
)

var (
	// ErrReportNotFound is returned when a batch report doesn't exist
	ErrReportNotFound = errors.New("report not found")
)

// ReportRepository persists batch reports.
type ReportRepository interface {
	// Save inserts or replaces a batch report
	Save(ctx context.Context, report *domain.BatchReport) error

	// Get retrieves a batch report by id
	Get(ctx context.Context, id string) (*domain.BatchReport, error)

	// ListRecent returns up to limit reports, newest first
	ListRecent(ctx context.Context, limit int) ([]*domain.BatchReport, error)

	// DeleteOlderThan removes reports started before the threshold
	DeleteOlderThan(ctx context.Context, before time.Time) (int, error)
}
