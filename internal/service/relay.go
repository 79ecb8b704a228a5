// Package service implements the core relay logic: resolving the origin a
// request is addressed to, forwarding it, and classifying failures.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"net/url"
	"strings"
	"syscall"

	"open-proxy/internal/client"
	"open-proxy/internal/metrics"
	"open-proxy/internal/model"
)

// HeaderForwardedProto selects the outbound scheme.
const HeaderForwardedProto = "X-Forwarded-Proto"

const defaultScheme = "http"

var (
	// ErrNoTarget is returned when the inbound request names no host.
	ErrNoTarget = errors.New("request has no target host")

	ErrUpstreamUnreachable       = errors.New("upstream unreachable")
	ErrUpstreamTimeout           = errors.New("upstream timed out")
	ErrMalformedUpstreamResponse = errors.New("malformed upstream response")
	ErrUpstreamInterrupted       = errors.New("upstream transfer interrupted")
	ErrUpstreamResponseTooLarge  = errors.New("upstream response too large")
	ErrUpstreamFailed            = errors.New("upstream request failed")
)

// RelayService forwards inbound requests to their origin. It holds no
// per-request state; the pooled client is the only shared resource.
type RelayService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
	}
}

// ResolveTarget builds the absolute origin URL for rr: the scheme comes from
// X-Forwarded-Proto (default "http"), host, path and query from the request
// itself.
func ResolveTarget(rr *model.RelayRequest) (*url.URL, error) {
	if rr.Host == "" {
		return nil, ErrNoTarget
	}
	uri := rr.RequestURI
	if uri == "" {
		uri = "/"
	}

	u, err := url.Parse(ForwardedScheme(rr.Header.Get(HeaderForwardedProto)) + "://" + rr.Host + uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTarget, err)
	}
	if u.Host == "" {
		return nil, ErrNoTarget
	}
	return u, nil
}

// ForwardedScheme returns the scheme named by an X-Forwarded-Proto value.
// Only the first entry of a comma-separated list counts; anything other than
// http or https falls back to http.
func ForwardedScheme(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	switch v = strings.ToLower(strings.TrimSpace(v)); v {
	case "http", "https":
		return v
	}
	return defaultScheme
}

// Relay issues exactly one outbound request for rr against target and
// returns the fully buffered origin response. Failures are wrapped with one
// of the Err* sentinels of this package.
func (s *RelayService) Relay(rr *model.RelayRequest, target *url.URL) (*model.RelayResponse, error) {
	s.logger.Info("relay request",
		"target", target.String(),
		"method", rr.Method,
	)

	ctx := rr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := s.client.Do(ctx, rr.Method, target.String(), rr.Header.Clone(), rr.Body)
	if err != nil {
		err = Classify(err)
		if s.metrics != nil {
			s.metrics.UpstreamErrors.WithLabelValues(Kind(err)).Inc()
		}
		return nil, fmt.Errorf("relay %s %s: %w", rr.Method, target.Redacted(), err)
	}
	return resp, nil
}

// Classify wraps a raw upstream error with the sentinel describing it.
// Caller cancellation is returned unchanged so context.Canceled stays visible.
// A connect that times out counts as unreachable, not as a timeout.
func Classify(err error) error {
	switch {
	case errors.Is(err, client.ErrResponseTooLarge):
		return fmt.Errorf("%w: %w", ErrUpstreamResponseTooLarge, err)
	case errors.Is(err, context.Canceled) && !isTimeout(err):
		return err
	case isUnreachable(err):
		return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	case errors.Is(err, client.ErrReadBody):
		return fmt.Errorf("%w: %w", ErrUpstreamInterrupted, err)
	case isMalformed(err):
		return fmt.Errorf("%w: %w", ErrMalformedUpstreamResponse, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstreamFailed, err)
	}
}

// Kind returns a short, bounded label for a classified error.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamResponseTooLarge):
		return "too_large"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "unreachable"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstreamInterrupted):
		return "interrupted"
	case errors.Is(err, ErrMalformedUpstreamResponse):
		return "malformed"
	case errors.Is(err, ErrUpstreamFailed):
		return "failed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "failed"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// isMalformed matches net/http's errors for unparsable status lines and
// header blocks, which are not exported as types.
func isMalformed(err error) bool {
	var pe textproto.ProtocolError
	if errors.As(err, &pe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") || strings.Contains(msg, "malformed MIME header")
}
