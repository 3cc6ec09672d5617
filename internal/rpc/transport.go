// Package rpc implements the JSON-RPC 2.0 HTTP client used to reach domain
// agents and the planner service. It owns the shared connection pool, applies
// per-endpoint circuit breaking and in-flight caps, and optionally consumes
// Server-Sent Events from agents that stream progress.
package rpc

import (
	"net"
	"net/http"
	"time"
)

// Pool defaults. Sockets are shared across all endpoints the client talks to.
const (
	DefaultMaxIdleConns    = 50
	DefaultMaxConnsPerHost = 20
	DefaultIdleConnTTL     = 300 * time.Second
	DefaultConnectTimeout  = 30 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
)

// NewTransport returns a pooled transport for agent traffic. It starts from
// the default transport so proxy environment variables keep working, then
// applies the pool caps.
func NewTransport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		base = &http.Transport{}
	}
	transport := base.Clone()
	transport.MaxIdleConns = DefaultMaxIdleConns
	transport.MaxIdleConnsPerHost = DefaultMaxConnsPerHost
	transport.MaxConnsPerHost = DefaultMaxConnsPerHost
	transport.IdleConnTimeout = DefaultIdleConnTTL
	transport.DialContext = (&net.Dialer{
		Timeout:   DefaultConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	return transport
}

// NewHTTPClient returns an http.Client over the pooled transport. The client
// timeout bounds the whole request including body read; streaming requests
// must use a client without one.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(),
	}
}
