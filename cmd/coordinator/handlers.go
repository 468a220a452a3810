package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"idscan/api"
	"idscan/coordinator"
	"idscan/metrics"
)

const maxBodyBytes = 1 << 20

func newMux(alloc *coordinator.Allocator, store coordinator.Store, registry *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(store))
	mux.HandleFunc("/task/acquire", handleAcquire(alloc, registry))
	mux.HandleFunc("/task/renew", handleRenew(alloc, registry))
	mux.HandleFunc("/task/submit", handleSubmit(alloc, registry))
	mux.HandleFunc("/statusz", handleStatusz(store))
	mux.HandleFunc("/metrics", handleMetrics(registry))
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReadyz(store coordinator.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if _, err := store.Counts(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func handleAcquire(alloc *coordinator.Allocator, registry *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req api.AcquireRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		lease, reclaimed, err := alloc.Acquire(r.Context(), req.WorkerID, req.ReportedThroughput)
		registry.ObserveAcquire(reclaimed, err, time.Since(start))
		if err != nil {
			log.Printf("acquire_failed workerId=%q err=%v", req.WorkerID, err)
			if errors.Is(err, coordinator.ErrInvalidRequest) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		path := "fresh"
		if reclaimed {
			path = "reclaimed"
		}
		log.Printf("acquire workerId=%q leaseId=%d startId=%d endId=%d path=%s", req.WorkerID, lease.LeaseID, lease.StartID, lease.EndID, path)
		writeData(w, http.StatusOK, api.AcquireResponse{
			LeaseID: lease.LeaseID,
			StartID: lease.StartID,
			EndID:   lease.EndID,
		})
	}
}

func handleRenew(alloc *coordinator.Allocator, registry *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.RenewRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		renewed, err := alloc.Renew(r.Context(), req.LeaseID, req.WorkerID)
		registry.ObserveRenew(renewed, err)
		if err != nil {
			log.Printf("renew_failed workerId=%q leaseId=%d err=%v", req.WorkerID, req.LeaseID, err)
			if errors.Is(err, coordinator.ErrInvalidRequest) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		if !renewed {
			// Not a domain error: the lease was reclaimed or closed.
			log.Printf("renew_missed workerId=%q leaseId=%d", req.WorkerID, req.LeaseID)
		}
		writeData(w, http.StatusOK, api.RenewResponse{Renewed: renewed})
	}
}

func handleSubmit(alloc *coordinator.Allocator, registry *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req api.SubmitRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		released, err := alloc.SubmitAndRelease(r.Context(), req.LeaseID, req.ValidIDs)
		registry.ObserveSubmit(released, len(req.ValidIDs), err, time.Since(start))
		if err != nil {
			log.Printf("submit_failed leaseId=%d err=%v", req.LeaseID, err)
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		if !released {
			// Results are committed; only the lease row was gone.
			log.Printf("submit_lease_not_found leaseId=%d valid=%d", req.LeaseID, len(req.ValidIDs))
			writeError(w, http.StatusNotFound, "lease not found")
			return
		}
		log.Printf("submit leaseId=%d valid=%d", req.LeaseID, len(req.ValidIDs))
		writeData(w, http.StatusOK, api.SubmitResponse{Released: true})
	}
}

func handleStatusz(store coordinator.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		counts, err := store.Counts(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeData(w, http.StatusOK, api.StatusResponse{
			NextStartID:   counts.NextStartID,
			Leases:        counts.Leases,
			RunningLeases: counts.RunningLeases,
			Results:       counts.Results,
		})
	}
}

func handleMetrics(registry *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if registry == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		registry.WritePrometheus(w)
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "request has trailing data")
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, status int, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("encode response: %v", err)
		writeError(w, http.StatusInternalServerError, "encode error")
		return
	}
	writeEnvelope(w, status, api.Envelope{Success: true, Data: payload})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, api.Envelope{Success: false, Error: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env api.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Printf("encode response: %v", err)
	}
}
