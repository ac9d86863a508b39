// Package httpserver builds the process's HTTP listener for the operational
// surface (health and metrics).
package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with bounded read and write deadlines so a
// stalled client cannot pin a connection.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
