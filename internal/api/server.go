package api

import (
	"net/http"
	"time"
)

// NewServer wraps h in an http.Server with conservative timeouts. Refresh
// requests can run for the whole refresh timeout, so there is no write
// timeout.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
