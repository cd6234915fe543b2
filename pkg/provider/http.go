package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single upstream HTTP call.
const DefaultTimeout = 10 * time.Second

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Do sends req and returns the body together with the quota signal read from
// the response headers. Transport failures wrap ErrUnavailable; 429 returns
// ErrRateLimited with the signal filled in.
func Do(client *http.Client, req *http.Request, now time.Time) ([]byte, QuotaSignal, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, NoSignal, err
		}
		return nil, NoSignal, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	sig, err := SignalForStatus(resp.StatusCode, ParseRateLimitHeaders(resp.Header, now))
	if err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, sig, &StatusError{Code: resp.StatusCode, Err: err}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, sig, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}
	return body, sig, nil
}
