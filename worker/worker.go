// Package worker implements the scanning agent: an indefinitely looping
// lease lifecycle of acquire, background renewal, bounded-concurrency
// probing, and submit. Remote failures never terminate the worker; it
// backs off and retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"idscan/api"
)

// Defaults for the worker tunables.
const (
	DefaultConcurrency       = 50
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultRetryBackoff      = 5 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
	DefaultSubmitRetries     = 2
)

// Coordinator is the narrow protocol surface the worker depends on.
// *api.Client satisfies it.
type Coordinator interface {
	Acquire(ctx context.Context, workerID string, reportedThroughput float64) (api.AcquireResponse, error)
	Renew(ctx context.Context, leaseID int64, workerID string) (bool, error)
	Submit(ctx context.Context, leaseID int64, validIDs []int64) error
}

// ProbeFunc is the external oracle deciding whether an identifier is
// valid. Errors wrapping ErrTransientProbe earn the id one local retry;
// any other error counts the id as not valid.
type ProbeFunc func(ctx context.Context, id int64) (bool, error)

// ErrTransientProbe marks an oracle failure worth a single retry.
var ErrTransientProbe = errors.New("transient probe failure")

// Config holds the worker tunables.
type Config struct {
	// Concurrency bounds the number of in-flight probes per lease.
	Concurrency int
	// HeartbeatInterval is the renew period while a lease is held.
	HeartbeatInterval time.Duration
	// RetryBackoff is the sleep after any failed cycle.
	RetryBackoff time.Duration
	// RequestTimeout bounds each coordinator call.
	RequestTimeout time.Duration
	// SubmitRetries is how many times a transient submit failure is
	// retried before the cycle is abandoned. Retrying the same submit
	// is safe: the coordinator's submit is idempotent.
	SubmitRetries int
}

func (c Config) withDefaults() Config {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SubmitRetries == 0 {
		c.SubmitRetries = DefaultSubmitRetries
	}
	return c
}

// Worker runs the lease lifecycle against one coordinator.
type Worker struct {
	id    string
	coord Coordinator
	probe ProbeFunc
	cfg   Config
	now   func() time.Time

	mu         sync.Mutex
	throughput float64 // last measured scan rate, ids per second
}

// New constructs a Worker. id is the opaque owner identity sent to the
// coordinator.
func New(id string, coord Coordinator, probe ProbeFunc, cfg Config) (*Worker, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("worker id is required")
	}
	if coord == nil {
		return nil, errors.New("coordinator client is required")
	}
	if probe == nil {
		return nil, errors.New("probe oracle is required")
	}
	cfg = cfg.withDefaults()
	if cfg.Concurrency < 1 {
		return nil, errors.New("concurrency must be at least 1")
	}
	return &Worker{
		id:    id,
		coord: coord,
		probe: probe,
		cfg:   cfg,
		now:   time.Now,
	}, nil
}

// Throughput returns the last measured scan rate in ids per second.
// Zero until the first cycle completes.
func (w *Worker) Throughput() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.throughput
}

// Run loops cycles until ctx is cancelled. An in-flight submit is
// allowed to finish during shutdown; renewals and probes stop promptly.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("worker_started workerId=%q concurrency=%d heartbeatInterval=%s", w.id, w.cfg.Concurrency, w.cfg.HeartbeatInterval)
	for {
		if ctx.Err() != nil {
			log.Printf("worker_stopped workerId=%q", w.id)
			return
		}
		if err := w.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				log.Printf("worker_stopped workerId=%q", w.id)
				return
			}
			log.Printf("cycle_failed workerId=%q err=%v backoff=%s", w.id, err, w.cfg.RetryBackoff)
			if !sleepWithContext(ctx, w.cfg.RetryBackoff) {
				log.Printf("worker_stopped workerId=%q", w.id)
				return
			}
		}
	}
}

// runCycle executes one acquire/scan/submit pass.
func (w *Worker) runCycle(ctx context.Context) error {
	acquireCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	lease, err := w.coord.Acquire(acquireCtx, w.id, w.Throughput())
	cancel()
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	if lease.StartID >= lease.EndID {
		log.Printf("invariant violation workerId=%q leaseId=%d startId=%d endId=%d", w.id, lease.LeaseID, lease.StartID, lease.EndID)
		return fmt.Errorf("invariant violation: lease %d has range [%d, %d)", lease.LeaseID, lease.StartID, lease.EndID)
	}
	log.Printf("lease_acquired workerId=%q leaseId=%d startId=%d endId=%d", w.id, lease.LeaseID, lease.StartID, lease.EndID)

	// The renewal goroutine lives for exactly as long as the lease is
	// open: through scanning and the submit, cancelled the instant the
	// cycle leaves those states. A late renew racing a reassigned lease
	// is harmless because renew matches on ownerID as well.
	leaseCtx, closeLease := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLoop(leaseCtx, lease.LeaseID)
	}()
	defer func() {
		closeLease()
		<-renewDone
	}()

	started := w.now()
	validIDs := w.scan(leaseCtx, lease)
	elapsed := w.now().Sub(started)
	if leaseCtx.Err() != nil {
		return leaseCtx.Err()
	}

	total := lease.EndID - lease.StartID
	throughput := float64(total)
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(total) / secs
	}
	w.mu.Lock()
	w.throughput = throughput
	w.mu.Unlock()
	log.Printf("scan_complete workerId=%q leaseId=%d scanned=%d valid=%d elapsed=%.2fs throughput=%.1f", w.id, lease.LeaseID, total, len(validIDs), elapsed.Seconds(), throughput)

	if err := w.submit(ctx, lease.LeaseID, validIDs); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	log.Printf("lease_released workerId=%q leaseId=%d valid=%d", w.id, lease.LeaseID, len(validIDs))
	return nil
}

// renewLoop heartbeats the lease on a fixed period until cancelled.
// A renew that matches nothing is silent at the protocol level; the
// worker keeps heartbeating and lets the submit discover the loss.
func (w *Worker) renewLoop(ctx context.Context, leaseID int64) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
			renewed, err := w.coord.Renew(renewCtx, leaseID, w.id)
			cancel()
			if err != nil {
				log.Printf("heartbeat_failed workerId=%q leaseId=%d err=%v", w.id, leaseID, err)
				continue
			}
			if !renewed {
				log.Printf("heartbeat_missed workerId=%q leaseId=%d", w.id, leaseID)
				continue
			}
			log.Printf("heartbeat_sent workerId=%q leaseId=%d", w.id, leaseID)
		}
	}
}

// scan probes every id in [StartID, EndID) with a bounded pool and
// returns the subset confirmed valid. Ordering among probes is
// irrelevant; only membership in the returned set matters.
func (w *Worker) scan(ctx context.Context, lease api.AcquireResponse) []int64 {
	ids := make(chan int64)
	go func() {
		defer close(ids)
		for id := lease.StartID; id < lease.EndID; id++ {
			select {
			case ids <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	var mu sync.Mutex
	var validIDs []int64
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				if ctx.Err() != nil {
					return
				}
				if w.probeOne(ctx, id) {
					log.Printf("valid_id workerId=%q leaseId=%d id=%d", w.id, lease.LeaseID, id)
					mu.Lock()
					validIDs = append(validIDs, id)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return validIDs
}

// probeOne consults the oracle for one id, retrying once on a transient
// failure. Probe errors count as not valid; they never fail the range.
func (w *Worker) probeOne(ctx context.Context, id int64) bool {
	valid, err := w.probe(ctx, id)
	if err != nil && errors.Is(err, ErrTransientProbe) && ctx.Err() == nil {
		valid, err = w.probe(ctx, id)
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("probe_failed workerId=%q id=%d err=%v", w.id, id, err)
		}
		return false
	}
	return valid
}

// submit delivers the results, retrying transient failures. It runs on
// a context detached from shutdown so already-collected results are not
// abandoned mid-flight; each attempt still carries the request timeout.
func (w *Worker) submit(ctx context.Context, leaseID int64, validIDs []int64) error {
	detached := context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt <= w.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			log.Printf("submit_retry workerId=%q leaseId=%d attempt=%d err=%v", w.id, leaseID, attempt, err)
			if !sleepWithContext(detached, w.cfg.RetryBackoff) {
				break
			}
		}
		submitCtx, cancel := context.WithTimeout(detached, w.cfg.RequestTimeout)
		err = w.coord.Submit(submitCtx, leaseID, validIDs)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, api.ErrLeaseNotFound) {
			// Conflict: the lease was reclaimed or closed by someone
			// else. The coordinator persisted the results anyway.
			return err
		}
		if !errors.Is(err, api.ErrUnavailable) {
			return err
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
