package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable marks transient failures: the coordinator or its store
// was unreachable and the call may be retried with backoff.
var ErrUnavailable = errors.New("coordinator unavailable")

// ErrLeaseNotFound marks a submit against a lease that was already
// reclaimed or closed. The results were still persisted by the
// coordinator; the caller abandons the cycle and re-acquires.
var ErrLeaseNotFound = errors.New("lease not found")

// Client is the worker-side HTTP client for the coordinator protocol.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a Client for the coordinator at baseURL. The connect
// timeout bounds dial time only; per-call deadlines come from the
// caller's context.
func NewClient(baseURL string, connectTimeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("coordinator url is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Transport: transport},
	}, nil
}

// Acquire requests a lease. reportedThroughput <= 0 means no hint.
func (c *Client) Acquire(ctx context.Context, workerID string, reportedThroughput float64) (AcquireResponse, error) {
	req := AcquireRequest{WorkerID: workerID}
	if reportedThroughput > 0 {
		req.ReportedThroughput = reportedThroughput
	}
	var resp AcquireResponse
	if err := c.post(ctx, "/task/acquire", req, &resp); err != nil {
		return AcquireResponse{}, err
	}
	return resp, nil
}

// Renew sends a heartbeat for the lease. Renewed=false is silent at the
// protocol level; it only warns the worker that the lease may be gone.
func (c *Client) Renew(ctx context.Context, leaseID int64, workerID string) (bool, error) {
	var resp RenewResponse
	if err := c.post(ctx, "/task/renew", RenewRequest{LeaseID: leaseID, WorkerID: workerID}, &resp); err != nil {
		return false, err
	}
	return resp.Renewed, nil
}

// Submit delivers the valid ids for a lease and releases it. Returns
// ErrLeaseNotFound when the lease was already reclaimed or closed.
func (c *Client) Submit(ctx context.Context, leaseID int64, validIDs []int64) error {
	if validIDs == nil {
		validIDs = []int64{}
	}
	var resp SubmitResponse
	return c.post(ctx, "/task/submit", SubmitRequest{LeaseID: leaseID, ValidIDs: validIDs}, &resp)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var env Envelope
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&env); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: response has trailing data", ErrUnavailable)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrLeaseNotFound, env.Error)
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUnavailable, env.Error)
	default:
		return fmt.Errorf("coordinator status %d: %s", resp.StatusCode, env.Error)
	}
	if !env.Success {
		return fmt.Errorf("coordinator error: %s", env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %v", err)
		}
	}
	return nil
}
