package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idscan/api"
)

// stubCoordinator lets each test script the coordinator's behavior with
// plain funcs. Nil funcs answer with benign defaults.
type stubCoordinator struct {
	acquire func(ctx context.Context, workerID string, reportedThroughput float64) (api.AcquireResponse, error)
	renew   func(ctx context.Context, leaseID int64, workerID string) (bool, error)
	submit  func(ctx context.Context, leaseID int64, validIDs []int64) error
}

func (s *stubCoordinator) Acquire(ctx context.Context, workerID string, reportedThroughput float64) (api.AcquireResponse, error) {
	if s.acquire == nil {
		return api.AcquireResponse{LeaseID: 1, StartID: 0, EndID: 100}, nil
	}
	return s.acquire(ctx, workerID, reportedThroughput)
}

func (s *stubCoordinator) Renew(ctx context.Context, leaseID int64, workerID string) (bool, error) {
	if s.renew == nil {
		return true, nil
	}
	return s.renew(ctx, leaseID, workerID)
}

func (s *stubCoordinator) Submit(ctx context.Context, leaseID int64, validIDs []int64) error {
	if s.submit == nil {
		return nil
	}
	return s.submit(ctx, leaseID, validIDs)
}

func newTestWorker(t *testing.T, coord Coordinator, probe ProbeFunc, cfg Config) *Worker {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	w, err := New("worker-a", coord, probe, cfg)
	require.NoError(t, err)
	return w
}

func TestRunCycleScansAndSubmits(t *testing.T) {
	var mu sync.Mutex
	var submitted []int64
	var submittedLease int64
	coord := &stubCoordinator{
		acquire: func(ctx context.Context, workerID string, reportedThroughput float64) (api.AcquireResponse, error) {
			assert.Equal(t, "worker-a", workerID)
			assert.Equal(t, 0.0, reportedThroughput, "first cycle has no throughput hint")
			return api.AcquireResponse{LeaseID: 9, StartID: 100, EndID: 200}, nil
		},
		submit: func(ctx context.Context, leaseID int64, validIDs []int64) error {
			mu.Lock()
			submittedLease = leaseID
			submitted = append([]int64(nil), validIDs...)
			mu.Unlock()
			return nil
		},
	}
	probe := func(ctx context.Context, id int64) (bool, error) {
		return id%10 == 0, nil
	}

	w := newTestWorker(t, coord, probe, Config{Concurrency: 4})
	require.NoError(t, w.runCycle(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(9), submittedLease)
	sort.Slice(submitted, func(i, j int) bool { return submitted[i] < submitted[j] })
	assert.Equal(t, []int64{100, 110, 120, 130, 140, 150, 160, 170, 180, 190}, submitted)
	assert.Greater(t, w.Throughput(), 0.0)
}

func TestRunCycleReportsThroughputOnNextAcquire(t *testing.T) {
	coord := &stubCoordinator{}
	probe := func(ctx context.Context, id int64) (bool, error) { return false, nil }

	w := newTestWorker(t, coord, probe, Config{Concurrency: 8})
	require.NoError(t, w.runCycle(context.Background()))
	measured := w.Throughput()
	require.Greater(t, measured, 0.0)

	var reported atomic.Value
	coord.acquire = func(ctx context.Context, workerID string, reportedThroughput float64) (api.AcquireResponse, error) {
		reported.Store(reportedThroughput)
		return api.AcquireResponse{LeaseID: 2, StartID: 100, EndID: 200}, nil
	}
	require.NoError(t, w.runCycle(context.Background()))
	assert.Equal(t, measured, reported.Load())
}

func TestScanBoundsConcurrency(t *testing.T) {
	const limit = 5
	var inFlight atomic.Int64
	var peak atomic.Int64
	probe := func(ctx context.Context, id int64) (bool, error) {
		current := inFlight.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return false, nil
	}

	w := newTestWorker(t, &stubCoordinator{}, probe, Config{Concurrency: limit})
	w.scan(context.Background(), api.AcquireResponse{LeaseID: 1, StartID: 0, EndID: 200})

	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Greater(t, peak.Load(), int64(1), "the pool should actually run probes in parallel")
}

func TestProbeTransientFailureIsRetriedOnce(t *testing.T) {
	var calls atomic.Int64
	probe := func(ctx context.Context, id int64) (bool, error) {
		if calls.Add(1) == 1 {
			return false, ErrTransientProbe
		}
		return true, nil
	}

	w := newTestWorker(t, &stubCoordinator{}, probe, Config{Concurrency: 1})
	assert.True(t, w.probeOne(context.Background(), 7))
	assert.Equal(t, int64(2), calls.Load())
}

func TestProbePermanentFailureCountsAsNotValid(t *testing.T) {
	var calls atomic.Int64
	probe := func(ctx context.Context, id int64) (bool, error) {
		calls.Add(1)
		return true, errors.New("oracle status 400")
	}

	w := newTestWorker(t, &stubCoordinator{}, probe, Config{Concurrency: 1})
	assert.False(t, w.probeOne(context.Background(), 7))
	assert.Equal(t, int64(1), calls.Load(), "permanent failures get no retry")
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int64
	coord := &stubCoordinator{
		submit: func(ctx context.Context, leaseID int64, validIDs []int64) error {
			if attempts.Add(1) < 3 {
				return api.ErrUnavailable
			}
			return nil
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{SubmitRetries: 2})
	require.NoError(t, w.submit(context.Background(), 1, []int64{5}))
	assert.Equal(t, int64(3), attempts.Load())
}

func TestSubmitGivesUpAfterRetryBudget(t *testing.T) {
	var attempts atomic.Int64
	coord := &stubCoordinator{
		submit: func(ctx context.Context, leaseID int64, validIDs []int64) error {
			attempts.Add(1)
			return api.ErrUnavailable
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{SubmitRetries: 2})
	err := w.submit(context.Background(), 1, []int64{5})
	assert.ErrorIs(t, err, api.ErrUnavailable)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestSubmitLeaseNotFoundStopsRetrying(t *testing.T) {
	var attempts atomic.Int64
	coord := &stubCoordinator{
		submit: func(ctx context.Context, leaseID int64, validIDs []int64) error {
			attempts.Add(1)
			return api.ErrLeaseNotFound
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{SubmitRetries: 2})
	err := w.submit(context.Background(), 1, []int64{5})
	assert.ErrorIs(t, err, api.ErrLeaseNotFound)
	assert.Equal(t, int64(1), attempts.Load(), "a conflict is final; results are already persisted")
}

func TestSubmitSurvivesShutdown(t *testing.T) {
	coord := &stubCoordinator{
		submit: func(ctx context.Context, leaseID int64, validIDs []int64) error {
			assert.NoError(t, ctx.Err(), "submit must run detached from the cancelled run context")
			return nil
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.submit(ctx, 1, []int64{5}))
}

func TestRenewalStaysAliveThroughSubmit(t *testing.T) {
	var renews atomic.Int64
	submitEntered := make(chan struct{})
	releaseSubmit := make(chan struct{})
	coord := &stubCoordinator{
		renew: func(ctx context.Context, leaseID int64, workerID string) (bool, error) {
			renews.Add(1)
			return true, nil
		},
		submit: func(ctx context.Context, leaseID int64, validIDs []int64) error {
			close(submitEntered)
			<-releaseSubmit
			return nil
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{HeartbeatInterval: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() {
		done <- w.runCycle(context.Background())
	}()

	// The lease is only released by the submit, so heartbeats must keep
	// flowing while the submit is in flight.
	<-submitEntered
	during := renews.Load()
	require.Eventually(t, func() bool { return renews.Load() > during }, time.Second, time.Millisecond)

	close(releaseSubmit)
	require.NoError(t, <-done)

	// Once the cycle is over the renewal goroutine is gone.
	after := renews.Load()
	assert.Never(t, func() bool { return renews.Load() != after }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRenewLoopHeartbeatsUntilCancelled(t *testing.T) {
	var renews atomic.Int64
	coord := &stubCoordinator{
		renew: func(ctx context.Context, leaseID int64, workerID string) (bool, error) {
			assert.Equal(t, int64(3), leaseID)
			assert.Equal(t, "worker-a", workerID)
			renews.Add(1)
			return true, nil
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{HeartbeatInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.renewLoop(ctx, 3)
	}()

	require.Eventually(t, func() bool { return renews.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRenewLoopKeepsGoingAfterMissAndError(t *testing.T) {
	var renews atomic.Int64
	coord := &stubCoordinator{
		renew: func(ctx context.Context, leaseID int64, workerID string) (bool, error) {
			switch renews.Add(1) {
			case 1:
				return false, api.ErrUnavailable
			case 2:
				return false, nil
			default:
				return true, nil
			}
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{HeartbeatInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.renewLoop(ctx, 3)
	}()

	require.Eventually(t, func() bool { return renews.Load() >= 4 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRunCycleRejectsEmptyRange(t *testing.T) {
	coord := &stubCoordinator{
		acquire: func(ctx context.Context, workerID string, reportedThroughput float64) (api.AcquireResponse, error) {
			return api.AcquireResponse{LeaseID: 1, StartID: 500, EndID: 500}, nil
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{})
	err := w.runCycle(context.Background())
	assert.ErrorContains(t, err, "invariant violation")
}

func TestRunStopsOnCancelAndSurvivesFailures(t *testing.T) {
	var acquires atomic.Int64
	coord := &stubCoordinator{
		acquire: func(ctx context.Context, workerID string, reportedThroughput float64) (api.AcquireResponse, error) {
			acquires.Add(1)
			return api.AcquireResponse{}, api.ErrUnavailable
		},
	}

	w := newTestWorker(t, coord, func(ctx context.Context, id int64) (bool, error) { return false, nil }, Config{RetryBackoff: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool { return acquires.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestNewWorkerValidation(t *testing.T) {
	probe := func(ctx context.Context, id int64) (bool, error) { return false, nil }

	_, err := New("  ", &stubCoordinator{}, probe, Config{})
	assert.Error(t, err)

	_, err = New("worker-a", nil, probe, Config{})
	assert.Error(t, err)

	_, err = New("worker-a", &stubCoordinator{}, nil, Config{})
	assert.Error(t, err)

	_, err = New("worker-a", &stubCoordinator{}, probe, Config{Concurrency: -1})
	assert.Error(t, err)
}
