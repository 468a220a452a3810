package coordinator

import (
	"context"
	"sync"
	"time"
)

// MemStore implements Store in memory. A single mutex serializes every
// operation, so the atomicity the Store contract demands holds
// trivially. Used by tests and by `-store memory` development runs;
// state does not survive a restart.
type MemStore struct {
	now func() time.Time

	mu          sync.Mutex
	nextStartID int64
	nextLeaseID int64
	leases      map[int64]Lease
	results     map[int64]time.Time
}

// NewMemStore builds an empty in-memory store. now may be nil, in which
// case time.Now is used.
func NewMemStore(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{
		now:         now,
		nextLeaseID: 1,
		leases:      make(map[int64]Lease),
		results:     make(map[int64]time.Time),
	}
}

func (m *MemStore) AcquireLease(ctx context.Context, ownerID string, size int64, staleBefore time.Time) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.oldestStaleLocked(staleBefore); ok {
		lease.OwnerID = ownerID
		lease.LastHeartbeat = m.now()
		m.leases[lease.LeaseID] = lease
		return lease, true, nil
	}

	now := m.now()
	lease := Lease{
		LeaseID:       m.nextLeaseID,
		StartID:       m.nextStartID,
		EndID:         m.nextStartID + size,
		OwnerID:       ownerID,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	m.nextLeaseID++
	m.nextStartID = lease.EndID
	m.leases[lease.LeaseID] = lease
	return lease, false, nil
}

func (m *MemStore) oldestStaleLocked(staleBefore time.Time) (Lease, bool) {
	var oldest Lease
	found := false
	for _, lease := range m.leases {
		if !lease.LastHeartbeat.Before(staleBefore) {
			continue
		}
		if !found || lease.LastHeartbeat.Before(oldest.LastHeartbeat) {
			oldest = lease
			found = true
		}
	}
	return oldest, found
}

func (m *MemStore) RenewLease(ctx context.Context, leaseID int64, ownerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[leaseID]
	if !ok || lease.OwnerID != ownerID {
		return false, nil
	}
	lease.LastHeartbeat = m.now()
	m.leases[leaseID] = lease
	return true, nil
}

func (m *MemStore) SubmitAndRelease(ctx context.Context, leaseID int64, validIDs []int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, id := range validIDs {
		if _, exists := m.results[id]; !exists {
			m.results[id] = now
		}
	}
	_, existed := m.leases[leaseID]
	delete(m.leases, leaseID)
	return existed, nil
}

func (m *MemStore) Counts(ctx context.Context) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return Counts{
		NextStartID:   m.nextStartID,
		Leases:        int64(len(m.leases)),
		RunningLeases: int64(len(m.leases)),
		Results:       int64(len(m.results)),
	}, nil
}

func (m *MemStore) SetCursor(ctx context.Context, nextStartID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStartID = nextStartID
	return nil
}

func (m *MemStore) ResetLeases(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := int64(len(m.leases))
	m.leases = make(map[int64]Lease)
	return removed, nil
}

func (m *MemStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases = make(map[int64]Lease)
	m.results = make(map[int64]time.Time)
	m.nextStartID = 0
	return nil
}

// LeaseByID returns a copy of the lease, if present.
func (m *MemStore) LeaseByID(leaseID int64) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[leaseID]
	return lease, ok
}

// ResultIDs returns the recorded valid ids in no particular order.
func (m *MemStore) ResultIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.results))
	for id := range m.results {
		ids = append(ids, id)
	}
	return ids
}
