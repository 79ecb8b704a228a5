package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are meaningful only for a single transport connection.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers,
// including any listed in the Connection header, from the inbound request
// before it is relayed. Responses are left untouched.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			removeHopByHop(c.Request().Header)
			return next(c)
		}
	}
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
