package api

import "encoding/json"

// AcquireRequest asks the coordinator for a lease on an identifier range.
type AcquireRequest struct {
	WorkerID string `json:"workerId"`
	// ReportedThroughput is the worker's last measured scan rate in ids
	// per second. Zero means no measurement yet; the coordinator falls
	// back to its bootstrap batch size.
	ReportedThroughput float64 `json:"reportedThroughput,omitempty"`
}

// AcquireResponse carries the granted lease. The range is half-open:
// the worker scans [StartID, EndID).
type AcquireResponse struct {
	LeaseID int64 `json:"leaseId"`
	StartID int64 `json:"startId"`
	EndID   int64 `json:"endId"`
}

// RenewRequest extends the heartbeat on a held lease.
type RenewRequest struct {
	LeaseID  int64  `json:"leaseId"`
	WorkerID string `json:"workerId"`
}

// RenewResponse reports whether the heartbeat matched a live lease.
// Renewed=false is not an error; it tells the worker the lease may have
// been reclaimed and a later submit may fail.
type RenewResponse struct {
	Renewed bool `json:"renewed"`
}

// SubmitRequest delivers the valid ids found in a leased range and
// releases the lease.
type SubmitRequest struct {
	LeaseID  int64   `json:"leaseId"`
	ValidIDs []int64 `json:"validIds"`
}

// SubmitResponse acknowledges a submit. Released=false means the lease
// row was already gone; the results are still persisted.
type SubmitResponse struct {
	Released bool `json:"released"`
}

// StatusResponse is the coordinator's aggregate view for operators.
type StatusResponse struct {
	NextStartID   int64 `json:"nextStartId"`
	Leases        int64 `json:"leases"`
	RunningLeases int64 `json:"runningLeases"`
	Results       int64 `json:"results"`
}

// Envelope is the wire wrapper on every coordinator response.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}
