package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"

	"open-proxy/internal/metrics"
	"open-proxy/internal/model"
)

// requestLabels returns the label sets recorded on open_proxy_http_requests_total.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "open_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, labels)
		}
	}
	return out
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		c.Set(model.TargetKey, &url.URL{Scheme: "https", Host: "example.org", Path: "/"})
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/anything", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	labels := requestLabels(t, m)
	if len(labels) != 1 {
		t.Fatalf("got %d label sets, want 1", len(labels))
	}
	want := map[string]string{"method": "GET", "status_code": "200", "scheme": "https"}
	for k, v := range want {
		if labels[0][k] != v {
			t.Errorf("label %s = %q, want %q", k, labels[0][k], v)
		}
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "open_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected open_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
	})

	req := httptest.NewRequest(http.MethodPost, "/upload", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	labels := requestLabels(t, m)
	if len(labels) != 1 {
		t.Fatalf("got %d label sets, want 1", len(labels))
	}
	if labels[0]["status_code"] != "413" {
		t.Errorf("status_code = %q, want %q", labels[0]["status_code"], "413")
	}
	if labels[0]["scheme"] != "other" {
		t.Errorf("scheme = %q, want %q when no target was resolved", labels[0]["scheme"], "other")
	}
}

func TestMetricsMiddleware_ExtensionMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("PROPFIND", "/dav", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	labels := requestLabels(t, m)
	if len(labels) != 1 {
		t.Fatalf("got %d label sets, want 1", len(labels))
	}
	if labels[0]["method"] != "other" {
		t.Errorf("method = %q, want %q", labels[0]["method"], "other")
	}
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "open_proxy_http_requests_in_flight" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("in-flight = %v, want 0", v)
			}
		}
	}
}
