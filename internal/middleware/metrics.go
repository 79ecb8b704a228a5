package middleware

import (
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"open-proxy/internal/metrics"
	"open-proxy/internal/model"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError has not been written yet; Echo's error
			// handler does that after the middleware chain returns.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			scheme := ""
			if u, ok := c.Get(model.TargetKey).(*url.URL); ok {
				scheme = u.Scheme
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			label := metrics.NormalizeScheme(scheme)

			m.RequestsTotal.WithLabelValues(method, status, label).Inc()
			m.RequestDuration.WithLabelValues(method, status, label).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
