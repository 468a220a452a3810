package metrics

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// Registry tracks coordinator scheduling metrics.
type Registry struct {
	mu sync.Mutex

	acquiresTotal     uint64
	acquiresReclaimed uint64
	acquiresFresh     uint64
	acquireFailures   uint64

	renewsTotal  uint64
	renewsMissed uint64

	submitsTotal    uint64
	submitsReleased uint64
	submitsNotFound uint64
	submitFailures  uint64

	resultsInserted uint64

	acquireDuration histogram
	submitDuration  histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	count   uint64
	sum     float64
}

// New constructs a Registry with the given histogram bucket set.
func New(buckets []time.Duration) *Registry {
	bucketSeconds := make([]float64, len(buckets))
	for i, b := range buckets {
		bucketSeconds[i] = b.Seconds()
	}
	return &Registry{
		acquireDuration: newHistogram(bucketSeconds),
		submitDuration:  newHistogram(bucketSeconds),
	}
}

// ObserveAcquire records an acquire outcome and its duration.
func (r *Registry) ObserveAcquire(reclaimed bool, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.acquiresTotal++
	r.acquireDuration.observe(duration.Seconds())
	switch {
	case err != nil:
		r.acquireFailures++
	case reclaimed:
		r.acquiresReclaimed++
	default:
		r.acquiresFresh++
	}
}

// ObserveRenew records a heartbeat. A miss is a renew that matched no
// live lease.
func (r *Registry) ObserveRenew(renewed bool, err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.renewsTotal++
	if err == nil && !renewed {
		r.renewsMissed++
	}
}

// ObserveSubmit records a submit outcome, the number of results
// inserted, and the duration.
func (r *Registry) ObserveSubmit(released bool, resultCount int, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.submitsTotal++
	r.submitDuration.observe(duration.Seconds())
	if err != nil {
		r.submitFailures++
		return
	}
	if released {
		r.submitsReleased++
	} else {
		r.submitsNotFound++
	}
	r.resultsInserted += uint64(resultCount)
}

// WritePrometheus writes current metrics in Prometheus exposition format.
func (r *Registry) WritePrometheus(w io.Writer) {
	if r == nil {
		return
	}

	// Snapshot under lock so we do not hold the mutex while writing to the output writer.
	r.mu.Lock()
	acquiresTotal := r.acquiresTotal
	acquiresReclaimed := r.acquiresReclaimed
	acquiresFresh := r.acquiresFresh
	acquireFailures := r.acquireFailures
	renewsTotal := r.renewsTotal
	renewsMissed := r.renewsMissed
	submitsTotal := r.submitsTotal
	submitsReleased := r.submitsReleased
	submitsNotFound := r.submitsNotFound
	submitFailures := r.submitFailures
	resultsInserted := r.resultsInserted
	acquireDuration := r.acquireDuration.snapshot()
	submitDuration := r.submitDuration.snapshot()
	r.mu.Unlock()

	fmt.Fprintf(w, "# HELP idscan_acquires_total Total acquire requests.\n")
	fmt.Fprintf(w, "# TYPE idscan_acquires_total counter\n")
	fmt.Fprintf(w, "idscan_acquires_total %d\n", acquiresTotal)

	fmt.Fprintf(w, "# HELP idscan_acquire_outcomes_total Acquire outcomes by allocation path.\n")
	fmt.Fprintf(w, "# TYPE idscan_acquire_outcomes_total counter\n")
	fmt.Fprintf(w, "idscan_acquire_outcomes_total{path=%q} %d\n", "reclaimed", acquiresReclaimed)
	fmt.Fprintf(w, "idscan_acquire_outcomes_total{path=%q} %d\n", "fresh", acquiresFresh)
	fmt.Fprintf(w, "idscan_acquire_outcomes_total{path=%q} %d\n", "failed", acquireFailures)

	fmt.Fprintf(w, "# HELP idscan_renews_total Total heartbeat requests.\n")
	fmt.Fprintf(w, "# TYPE idscan_renews_total counter\n")
	fmt.Fprintf(w, "idscan_renews_total %d\n", renewsTotal)

	fmt.Fprintf(w, "# HELP idscan_renews_missed_total Heartbeats that matched no live lease.\n")
	fmt.Fprintf(w, "# TYPE idscan_renews_missed_total counter\n")
	fmt.Fprintf(w, "idscan_renews_missed_total %d\n", renewsMissed)

	fmt.Fprintf(w, "# HELP idscan_submits_total Total submit requests.\n")
	fmt.Fprintf(w, "# TYPE idscan_submits_total counter\n")
	fmt.Fprintf(w, "idscan_submits_total %d\n", submitsTotal)

	fmt.Fprintf(w, "# HELP idscan_submit_outcomes_total Submit outcomes.\n")
	fmt.Fprintf(w, "# TYPE idscan_submit_outcomes_total counter\n")
	fmt.Fprintf(w, "idscan_submit_outcomes_total{outcome=%q} %d\n", "released", submitsReleased)
	fmt.Fprintf(w, "idscan_submit_outcomes_total{outcome=%q} %d\n", "lease_not_found", submitsNotFound)
	fmt.Fprintf(w, "idscan_submit_outcomes_total{outcome=%q} %d\n", "failed", submitFailures)

	fmt.Fprintf(w, "# HELP idscan_results_inserted_total Valid ids recorded by submits.\n")
	fmt.Fprintf(w, "# TYPE idscan_results_inserted_total counter\n")
	fmt.Fprintf(w, "idscan_results_inserted_total %d\n", resultsInserted)

	writeHistogram(w, "idscan_acquire_duration_seconds", "Acquire request duration in seconds.", acquireDuration)
	writeHistogram(w, "idscan_submit_duration_seconds", "Submit request duration in seconds.", submitDuration)
}

func newHistogram(buckets []float64) histogram {
	return histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) snapshot() histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		count:   h.count,
		sum:     h.sum,
	}
}

func writeHistogram(w io.Writer, name, help string, h histogram) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, formatFloat(bound), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, "+Inf", h.count)
	fmt.Fprintf(w, "%s_sum %s\n", name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n", name, h.count)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
