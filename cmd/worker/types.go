package main

import (
	"context"
	"time"

	"github.com/partstream/catalog-sync/internal/catalog"
	"github.com/partstream/catalog-sync/internal/outbox"
	"github.com/partstream/catalog-sync/internal/snapshot"
)

// JobQueue is the slice of the outbox store the processor drives.
type JobQueue interface {
	Enqueue(ctx context.Context, kind outbox.ResourceKind, primaryKey, secondaryKey string, priority int, lastKnownUpdatedAt int64) (*outbox.RefreshJob, bool, error)
	Get(ctx context.Context, jobID string) (*outbox.RefreshJob, error)
	DuePending(ctx context.Context, now time.Time, limit int) ([]outbox.RefreshJob, error)
	Claim(ctx context.Context, job *outbox.RefreshJob) error
	MarkSucceeded(ctx context.Context, job *outbox.RefreshJob) error
	MarkFailed(ctx context.Context, job *outbox.RefreshJob, cause error) error
	ReclaimStale(ctx context.Context, now time.Time) (int, error)
}

// Catalog is the slice of the catalog store the processor writes through.
type Catalog interface {
	MergePart(ctx context.Context, snap *snapshot.PartSnapshot, now time.Time) (*catalog.Part, error)
	MergeColor(ctx context.Context, snap *snapshot.ColorSnapshot, now time.Time) (*catalog.Color, error)
	MergeCategory(ctx context.Context, snap *snapshot.CategorySnapshot, now time.Time) (*catalog.Category, error)
	MergePrice(ctx context.Context, snap *snapshot.PriceSnapshot, now time.Time) (*catalog.PartPrice, error)
	AcquireRefreshLock(ctx context.Context, partNo string) error
	ReleaseRefreshLock(ctx context.Context, partNo string) error
	ScanExpiredParts(ctx context.Context, cutoffMs int64, limit int32) ([]string, error)
}

// Fetcher is the slice of the snapshot aggregator the processor calls.
type Fetcher interface {
	FetchPart(ctx context.Context, partNo string) (*snapshot.PartSnapshot, error)
	FetchColor(ctx context.Context, colorID string) (*snapshot.ColorSnapshot, error)
	FetchCategory(ctx context.Context, categoryID string) (*snapshot.CategorySnapshot, error)
	FetchPartPrices(ctx context.Context, partNo, colorID, condition, guideType string) (*snapshot.PriceSnapshot, error)
}
