// Package model defines shared types for the relay.
package model

import (
	"context"
	"net/http"
)

// RelayRequest is an inbound request as received on the proxy listener.
type RelayRequest struct {
	Ctx    context.Context
	Method string
	// Host is the authority the caller addressed: the absolute-form URL
	// host when present, otherwise the Host header.
	Host       string
	RequestURI string // path and query, escaped as received
	Header     http.Header
	Body       []byte
}

// RelayResponse is an origin response, fully buffered.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TargetKey is the echo.Context key under which the relay handler stores
// the resolved *url.URL, for middleware that logs or labels by target.
const TargetKey = "relay.target"
