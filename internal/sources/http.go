package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single upstream request.
const DefaultTimeout = 20 * time.Second

// maxBodyBytes caps how much of an upstream body is read.
const maxBodyBytes = 32 << 20

// NewHTTPClient creates an HTTP client with the given timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
}

// getJSON performs a GET and decodes the body into dst, mapping every failure
// onto a FetchError for source.
func getJSON(ctx context.Context, client *http.Client, source, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchError{Source: source, Kind: Malformed, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &FetchError{Source: source, Kind: Unavailable, Err: fmt.Errorf("fetch %s: %w", url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &FetchError{Source: source, Kind: Unavailable, Err: fmt.Errorf("%s returned status %d", url, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		// A body cut short by a deadline is a transport problem, not a schema one.
		return &FetchError{Source: source, Kind: Unavailable, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxBodyBytes {
		return &FetchError{Source: source, Kind: Malformed, Err: errors.New("response body too large")}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &FetchError{Source: source, Kind: Malformed, Err: fmt.Errorf("decode body: %w", err)}
	}
	return nil
}
