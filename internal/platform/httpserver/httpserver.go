// Package httpserver centralizes construction of the process's HTTP server
// so connection timeouts live in one place.
package httpserver

import (
	"net/http"
	"time"
)

// New returns the API server. Every endpoint answers small JSON bodies, so
// the timeouts stay tight to shed slow or stalled clients.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
