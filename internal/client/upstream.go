// Package client provides the pooled outbound HTTP client used to reach origins.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"open-proxy/internal/config"
	"open-proxy/internal/metrics"
	"open-proxy/internal/model"
)

var (
	// ErrReadBody marks a failure that happened after the origin sent its
	// status line and headers, while the body was being transferred.
	ErrReadBody = errors.New("read upstream body")
	// ErrResponseTooLarge is returned when the origin body exceeds
	// upstream.max_response_bytes.
	ErrResponseTooLarge = errors.New("upstream response body exceeds limit")
)

// UpstreamClient sends relayed requests to origin servers. It is safe for
// concurrent use; idle connections are pooled per destination authority.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxBody    int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	up := cfg.Upstream

	transport := &http.Transport{
		// Never chain to an environment proxy: on hosts that export
		// http_proxy pointing at this process, that would loop.
		Proxy:               nil,
		MaxIdleConns:        up.IdleConnections,
		MaxIdleConnsPerHost: up.IdleConnections,
		IdleConnTimeout:     up.IdleTimeout(),
		TLSHandshakeTimeout: up.DialTimeout(),
		// Bodies and Content-Encoding must reach the caller untouched.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   up.DialTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if up.CAFile != "" {
		pool, err := loadCertPool(up.CAFile)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	if up.HTTP2Enabled() {
		h2, err := http2.ConfigureTransports(transport)
		if err != nil {
			return nil, fmt.Errorf("configure http2 transport: %w", err)
		}
		// Health-check idle h2 connections so a dead pooled
		// connection is dropped instead of stalling a relay.
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	} else {
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   up.Timeout(),
	}
	if !up.FollowRedirects {
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &UpstreamClient{
		httpClient: httpClient,
		transport:  transport,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
		maxBody:    up.MaxResponseBytes,
	}, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upstream ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("upstream ca_file %s: no certificates found", path)
	}
	return pool, nil
}

// Do sends one request to target and returns the origin response with its
// body fully read. The context bounds the whole exchange; when it is
// canceled (e.g. the caller disconnects) the origin request is abandoned.
func (c *UpstreamClient) Do(ctx context.Context, method, target string, header http.Header, body []byte) (*model.RelayResponse, error) {
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: c.recordConn,
	})

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header == nil {
		header = make(http.Header)
	}
	req.Header = header
	// net/http adds its own User-Agent when none is set; an empty value
	// suppresses it so the origin sees exactly what the caller sent.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	label := metrics.NormalizeMethod(method)
	if err != nil {
		c.observeDuration(label, start)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := c.readBody(resp.Body)
	c.observeDuration(label, start)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// readBody buffers the whole origin body, enforcing the configured limit.
func (c *UpstreamClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxBody > 0 {
		r = io.LimitReader(r, c.maxBody+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadBody, err)
	}
	if c.maxBody > 0 && int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, c.maxBody)
	}
	return data, nil
}

func (c *UpstreamClient) recordConn(info httptrace.GotConnInfo) {
	if c.metrics != nil {
		c.metrics.UpstreamConnections.WithLabelValues(strconv.FormatBool(info.Reused)).Inc()
	}
}

func (c *UpstreamClient) observeDuration(method string, start time.Time) {
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// CloseIdleConnections drops every pooled origin connection.
func (c *UpstreamClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}
