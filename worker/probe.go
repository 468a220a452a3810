package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

type probeRequestBody struct {
	ID int64 `json:"id"`
}

type probeResponseBody struct {
	Valid bool `json:"valid"`
}

// HTTPProbe builds a ProbeFunc against an HTTP oracle. The oracle
// answers POST {"id": N} with {"valid": bool}. Server errors, network
// failures, and timeouts are classified transient; a 4xx answer is a
// permanent probe failure for that id.
func HTTPProbe(oracleURL string, connectTimeout time.Duration) ProbeFunc {
	if oracleURL == "" {
		return nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	client := &http.Client{
		Transport: transport,
	}
	return func(ctx context.Context, id int64) (bool, error) {
		body, err := json.Marshal(probeRequestBody{ID: id})
		if err != nil {
			return false, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, oracleURL, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrTransientProbe, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var result probeResponseBody
			dec := json.NewDecoder(resp.Body)
			if err := dec.Decode(&result); err != nil {
				return false, fmt.Errorf("%w: decode response: %v", ErrTransientProbe, err)
			}
			if err := dec.Decode(&struct{}{}); err != io.EOF {
				return false, errors.New("oracle response has trailing data")
			}
			return result.Valid, nil
		case resp.StatusCode >= http.StatusInternalServerError:
			return false, fmt.Errorf("%w: oracle status %d", ErrTransientProbe, resp.StatusCode)
		default:
			return false, fmt.Errorf("oracle status %d", resp.StatusCode)
		}
	}
}
