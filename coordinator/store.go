package coordinator

import (
	"context"
	"time"
)

// Store is the durable allocation state. Implementations must make each
// method a single atomic unit: concurrent AcquireLease calls may never
// observe the same reclaim candidate or overlapping cursor cuts.
type Store interface {
	// AcquireLease reclaims the stale lease with the oldest heartbeat
	// (lastHeartbeat < staleBefore), rewriting its owner and resetting
	// the heartbeat while keeping the range fixed. If no stale lease
	// exists it cuts a fresh range of the given size from the global
	// cursor and advances the cursor, all in the same transaction.
	// The bool reports whether the lease was reclaimed.
	AcquireLease(ctx context.Context, ownerID string, size int64, staleBefore time.Time) (Lease, bool, error)

	// RenewLease updates the heartbeat of the lease matching both
	// leaseID and ownerID. False means no row matched.
	RenewLease(ctx context.Context, leaseID int64, ownerID string) (bool, error)

	// SubmitAndRelease inserts each valid id into the results, ignoring
	// duplicates, then deletes the lease row, atomically. False means
	// the lease row was already gone; the inserts still commit.
	SubmitAndRelease(ctx context.Context, leaseID int64, validIDs []int64) (bool, error)

	// Counts returns the aggregate allocation state.
	Counts(ctx context.Context) (Counts, error)

	// SetCursor force-sets the global cursor. Operator tool.
	SetCursor(ctx context.Context, nextStartID int64) error

	// ResetLeases deletes all leases, keeping results. Returns the
	// number of leases removed.
	ResetLeases(ctx context.Context) (int64, error)

	// Clear removes all leases and results and rewinds the cursor to
	// zero. Destructive operator tool.
	Clear(ctx context.Context) error
}
