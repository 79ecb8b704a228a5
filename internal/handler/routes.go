package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"open-proxy/internal/config"
	"open-proxy/internal/metrics"
)

// AdminRouter is the Echo instance behind the admin listener.
type AdminRouter struct {
	*echo.Echo
}

// routedMethods are relayed through the catch-all route. Echo's router
// answers 405 for method tokens it has no route for, so every other method
// is dispatched to the relay before routing.
var routedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodConnect: true,
	http.MethodTrace:   true,
}

// RegisterRoutes wires the single catch-all relay route onto the proxy
// listener. Middleware registered with Pre before this call also wraps
// extension-method requests.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler) {
	e.Pre(dispatchExtensionMethods(relay.Handle))
	e.Any("/*", relay.Handle)
}

func dispatchExtensionMethods(h echo.HandlerFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !routedMethods[c.Request().Method] {
				return h(c)
			}
			return next(c)
		}
	}
}

// RegisterAdminRoutes wires health and metrics endpoints onto the admin listener.
func RegisterAdminRoutes(a *AdminRouter, cfg *config.Config, health *HealthHandler, m *metrics.Metrics) {
	a.GET("/healthz", health.Healthz)
	a.GET("/proxy/status", health.Status)
	a.GET(cfg.Admin.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
