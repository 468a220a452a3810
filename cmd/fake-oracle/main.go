// fake-oracle is a stand-in probing oracle for local end-to-end runs:
// an id is valid when it is divisible by the configured modulus.
// Optional latency and failure injection exercise the worker's
// transient-retry path.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"
)

const maxBodyBytes = 16 << 10

var addr = flag.String("addr", ":9090", "HTTP listen address")
var modulus = flag.Int64("modulus", 1000, "ids divisible by this are valid")
var latency = flag.Duration("latency", 0, "artificial delay per probe")
var failureRate = flag.Float64("failure-rate", 0, "fraction of probes answered with HTTP 503")

type probeRequest struct {
	ID int64 `json:"id"`
}

type probeResponse struct {
	Valid bool `json:"valid"`
}

func main() {
	flag.Parse()
	if *modulus < 1 {
		log.Fatal("modulus must be at least 1")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/probe", handleProbe)

	log.Printf("listening on %s modulus=%d latency=%s failureRate=%.2f", *addr, *modulus, *latency, *failureRate)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

func handleProbe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	var req probeRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if *latency > 0 {
		time.Sleep(*latency)
	}
	if *failureRate > 0 && rand.Float64() < *failureRate {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	writeProbeResponse(w, probeResponse{Valid: req.ID%*modulus == 0})
}

func writeProbeResponse(w http.ResponseWriter, resp probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("encode response: %v", err)
	}
}
