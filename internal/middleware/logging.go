// Package middleware provides Echo middleware for logging, metrics and
// header hygiene on the proxy listener.
package middleware

import (
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"open-proxy/internal/logging"
	"open-proxy/internal/model"
)

// RequestLogger returns an Echo middleware that logs each relayed response
// with slog. The status attribute is colored by the logging text handler.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := res.Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			}

			target := req.Host + req.URL.RequestURI()
			if u, ok := c.Get(model.TargetKey).(*url.URL); ok {
				target = u.String()
			}

			level := slog.LevelInfo
			if status >= 500 {
				level = slog.LevelError
			} else if status >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "relay response",
				"method", req.Method,
				"target", target,
				logging.StatusKey, status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
