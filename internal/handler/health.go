// Package handler contains the Echo handlers for the proxy and admin listeners.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"open-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// relayStatus describes how the proxy reaches origins.
type relayStatus struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	Listen           string `json:"listen"`
	Config           string `json:"config,omitempty"`
	Timeout          string `json:"timeout"`
	DialTimeout      string `json:"dial_timeout"`
	IdleConnections  int    `json:"idle_connections"`
	HTTP2            bool   `json:"http2"`
	FollowRedirects  bool   `json:"follow_redirects"`
	StripHopByHop    bool   `json:"strip_hop_by_hop"`
	MaxResponseBytes int64  `json:"max_response_bytes"`
}

// Status reports the listen address and the upstream relay settings in effect.
func (h *HealthHandler) Status(c echo.Context) error {
	up := &h.cfg.Upstream
	return c.JSON(http.StatusOK, relayStatus{
		Status:           "ok",
		Version:          string(h.version),
		Listen:           h.cfg.Server.Addr(),
		Config:           h.cfg.FilePath(),
		Timeout:          up.Timeout().String(),
		DialTimeout:      up.DialTimeout().String(),
		IdleConnections:  up.IdleConnections,
		HTTP2:            up.HTTP2Enabled(),
		FollowRedirects:  up.FollowRedirects,
		StripHopByHop:    up.StripHopByHop,
		MaxResponseBytes: up.MaxResponseBytes,
	})
}
