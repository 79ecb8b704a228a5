package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"open-proxy/internal/model"
	"open-proxy/internal/service"
)

// RelayHandler serves every method and path on the proxy listener by
// relaying the request to the origin it addresses.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request and writes the origin's response back only once
// it has been received in full. Upstream failures become 5xx responses.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodConnect {
		h.logger.Warn("rejecting CONNECT", "host", req.Host)
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{
			"error": "CONNECT tunneling is not supported",
		})
	}

	body, err := readBody(req)
	if err != nil {
		// BodyLimit reports an oversized body as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Warn("reading request body", "err", err)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "could not read request body",
		})
	}

	rr := &model.RelayRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		Host:       requestHost(req),
		RequestURI: req.URL.RequestURI(),
		Header:     req.Header,
		Body:       body,
	}

	target, err := service.ResolveTarget(rr)
	if err != nil {
		return h.mapError(c, nil, err)
	}
	c.Set(model.TargetKey, target)

	resp, err := h.service.Relay(rr, target)
	if err != nil {
		return h.mapError(c, target, err)
	}

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	// net/http adds these when absent; a nil value suppresses them.
	for _, key := range []string{"Content-Type", "Date"} {
		if _, ok := resp.Header[key]; !ok {
			dst[key] = nil
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The caller may have gone away; there is nobody left to report to.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Debug("writing response body", "err", err, "target", target.String())
	}
	return nil
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	return io.ReadAll(req.Body)
}

// requestHost returns the authority the caller addressed: the absolute-form
// URL host sent by clients configured with http_proxy, else the Host header.
func requestHost(req *http.Request) string {
	if req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

func (h *RelayHandler) mapError(c echo.Context, target *url.URL, err error) error {
	body := map[string]string{}
	if target != nil {
		body["target"] = target.Redacted()
	}

	if errors.Is(err, service.ErrNoTarget) {
		h.logger.Warn("unresolvable target", "err", err, "uri", c.Request().RequestURI)
		body["error"] = "request does not name a target host"
		return c.JSON(http.StatusBadRequest, body)
	}

	h.logger.Error("relay error",
		"err", err,
		"kind", service.Kind(err),
		"method", c.Request().Method,
	)

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, service.ErrUpstreamTimeout):
		status = http.StatusGatewayTimeout
		body["error"] = "upstream request timed out"
	case errors.Is(err, service.ErrUpstreamUnreachable):
		body["error"] = "upstream host unreachable"
	case errors.Is(err, service.ErrMalformedUpstreamResponse):
		body["error"] = "malformed upstream response"
	case errors.Is(err, service.ErrUpstreamInterrupted):
		body["error"] = "upstream transfer interrupted"
	case errors.Is(err, service.ErrUpstreamResponseTooLarge):
		body["error"] = "upstream response too large"
	case errors.Is(err, context.Canceled):
		body["error"] = "client disconnected"
	default:
		body["error"] = "upstream request failed"
	}
	return c.JSON(status, body)
}
