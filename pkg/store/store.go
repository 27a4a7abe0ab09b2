// Package store provides durable storage of raw snapshots and tracked
// positions behind a single contract shared by the ingest controller and the
// read side.
package store

import (
	"context"
	"time"

	"github.com/stratowatch/constellation/pkg/model"
)

// SnapshotInfo is a lightweight listing entry for a stored snapshot.
type SnapshotInfo struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// Store is the persistence contract. All writes are idempotent upserts under
// the stated primary keys: snapshots by hour, tracked positions by
// (balloon_id, timestamp). Implementations propagate failures to the caller;
// retry and degradation policy live with the ingest controller.
type Store interface {
	// PutSnapshot upserts the raw snapshot for its hour.
	PutSnapshot(ctx context.Context, snap model.Snapshot) error

	// GetSnapshot returns the snapshot at the given hour, or nil when absent.
	GetSnapshot(ctx context.Context, hour time.Time) (*model.Snapshot, error)

	// LatestSnapshotTime returns the newest stored snapshot hour, or nil when
	// the store holds no snapshots.
	LatestSnapshotTime(ctx context.Context) (*time.Time, error)

	// ListSnapshots returns hour and observation count for every stored
	// snapshot, newest first.
	ListSnapshots(ctx context.Context) ([]SnapshotInfo, error)

	// PutTracked upserts a batch of tracked positions.
	PutTracked(ctx context.Context, batch []model.TrackedPosition) error

	// TrackedAt returns every tracked position at exactly the given hour.
	TrackedAt(ctx context.Context, hour time.Time) ([]model.TrackedPosition, error)

	// Trajectory returns the full retained history for one balloon, oldest
	// first. An unknown id yields an empty slice, not an error.
	Trajectory(ctx context.Context, balloonID string) ([]model.TrackedPosition, error)

	// AllTrajectories returns the retained history for every balloon, each
	// oldest first.
	AllTrajectories(ctx context.Context) (map[string][]model.TrackedPosition, error)

	// MaxNumericID returns the largest numeric suffix among stored balloon
	// ids, or -1 when there are none. Rows whose id does not parse are
	// ignored.
	MaxNumericID(ctx context.Context) (int64, error)

	// Cleanup removes every snapshot and tracked position strictly older
	// than the cutoff in one logical pass, returning the deleted row counts
	// (tracked, snapshots).
	Cleanup(ctx context.Context, olderThan time.Time) (int64, int64, error)

	// ClearAll removes everything.
	ClearAll(ctx context.Context) error

	// Close releases the underlying resources.
	Close()
}
