// Package coordinator owns the durable allocation state of the scan: the
// global cursor over the identifier space, the in-flight leases, and the
// accumulated results. All cross-request coordination is delegated to the
// store's transaction isolation; the coordinator itself is stateless and
// may be replicated behind the same store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Defaults for the allocator tunables. These are configuration, not
// hidden constants; Config overrides any of them.
const (
	DefaultLeaseTimeout     = 60 * time.Second
	DefaultTargetScanWindow = 30 * time.Second
	DefaultMinBatch         = 1000
	DefaultMaxBatch         = 50000
)

// ErrInvalidRequest marks caller mistakes such as a missing owner id.
// Handlers answer these with a client error; retrying them verbatim can
// never succeed.
var ErrInvalidRequest = errors.New("invalid request")

// Lease is one worker's claim on a contiguous identifier range. The
// range is half-open: [StartID, EndID). A lease exists from grant until
// a successful submit deletes it; reclamation reassigns OwnerID in
// place and keeps the range fixed.
type Lease struct {
	LeaseID       int64
	StartID       int64
	EndID         int64
	OwnerID       string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Counts is the aggregate state reported to operators.
type Counts struct {
	NextStartID   int64
	Leases        int64
	RunningLeases int64
	Results       int64
}

// Clock provides time functions for deterministic tests.
type Clock struct {
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Config holds the allocator tunables.
type Config struct {
	// LeaseTimeout is how long a lease may go without a heartbeat
	// before it becomes eligible for reclamation.
	LeaseTimeout time.Duration
	// TargetScanWindow is the scan duration each fresh cut aims for.
	// Batch size is reportedThroughput * TargetScanWindow, clamped.
	TargetScanWindow time.Duration
	// MinBatch and MaxBatch bound the fresh-cut range size. MinBatch is
	// also the bootstrap size for workers with no throughput hint.
	MinBatch int64
	MaxBatch int64
}

func (c Config) withDefaults() Config {
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.TargetScanWindow == 0 {
		c.TargetScanWindow = DefaultTargetScanWindow
	}
	if c.MinBatch == 0 {
		c.MinBatch = DefaultMinBatch
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	return c
}

// BatchSize computes the range size for a reported throughput in ids
// per second. A throughput of zero or less means no measurement and
// yields the bootstrap size MinBatch.
func (c Config) BatchSize(reportedThroughput float64) int64 {
	c = c.withDefaults()
	if reportedThroughput <= 0 {
		return c.MinBatch
	}
	size := int64(reportedThroughput * c.TargetScanWindow.Seconds())
	if size < c.MinBatch {
		return c.MinBatch
	}
	if size > c.MaxBatch {
		return c.MaxBatch
	}
	return size
}

// Allocator decides, per acquire, whether to hand out a reclaimed
// expired lease or cut a fresh range from the global cursor.
type Allocator struct {
	store Store
	cfg   Config
	clock Clock
}

// NewAllocator constructs an Allocator over the given store.
func NewAllocator(store Store, cfg Config, clock Clock) (*Allocator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	cfg = cfg.withDefaults()
	if cfg.LeaseTimeout <= 0 {
		return nil, errors.New("lease timeout must be positive")
	}
	if cfg.MinBatch <= 0 || cfg.MaxBatch < cfg.MinBatch {
		return nil, errors.New("batch bounds must satisfy 0 < min <= max")
	}
	if clock.Now == nil {
		clock.Now = time.Now
	}
	if clock.After == nil {
		clock.After = time.After
	}
	return &Allocator{store: store, cfg: cfg, clock: clock}, nil
}

// Config returns the effective tunables.
func (a *Allocator) Config() Config {
	return a.cfg
}

// Acquire grants a lease to ownerID. Reclaiming a stale lease always
// takes priority over cutting a fresh range, so recovery work drains
// before new work is created. The returned bool reports whether the
// lease was reclaimed rather than fresh-cut.
func (a *Allocator) Acquire(ctx context.Context, ownerID string, reportedThroughput float64) (Lease, bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Lease{}, false, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}

	size := a.cfg.BatchSize(reportedThroughput)
	staleBefore := a.clock.Now().Add(-a.cfg.LeaseTimeout)

	lease, reclaimed, err := a.store.AcquireLease(ctx, ownerID, size, staleBefore)
	if err != nil {
		return Lease{}, false, err
	}
	if lease.StartID >= lease.EndID {
		// The store's transaction discipline makes this unreachable;
		// if it fires, it is a bug, not a recoverable condition.
		log.Printf("invariant violation leaseId=%d startId=%d endId=%d ownerId=%q", lease.LeaseID, lease.StartID, lease.EndID, ownerID)
		return Lease{}, false, fmt.Errorf("invariant violation: lease %d has range [%d, %d)", lease.LeaseID, lease.StartID, lease.EndID)
	}
	return lease, reclaimed, nil
}

// Renew extends the heartbeat of the lease matching both leaseID and
// ownerID. A false return means no live lease matched: it was reclaimed
// by someone else or already closed. Never a domain error.
func (a *Allocator) Renew(ctx context.Context, leaseID int64, ownerID string) (bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return false, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	return a.store.RenewLease(ctx, leaseID, ownerID)
}

// SubmitAndRelease persists the found ids and deletes the lease in one
// transaction. Idempotent: re-submitting after the lease was deleted
// inserts nothing new and reports released=false, which is benign.
func (a *Allocator) SubmitAndRelease(ctx context.Context, leaseID int64, validIDs []int64) (bool, error) {
	return a.store.SubmitAndRelease(ctx, leaseID, validIDs)
}
