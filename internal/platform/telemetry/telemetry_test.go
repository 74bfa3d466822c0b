package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTelemetryConfig_Defaults(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	if tp.cfg.Namespace != "chartkeeper" {
		t.Fatalf("expected default Namespace='chartkeeper', got %q", tp.cfg.Namespace)
	}
	if !tp.cfg.metricsOn() {
		t.Fatal("expected MetricsEnabled=true by default")
	}
}

func TestTransition_Counts(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	tp.Transition("provider_sign", "")
	tp.Transition("provider_sign", "")
	tp.Transition("provider_sign", "InvalidTransition")

	if got := testutil.ToFloat64(tp.transitions.WithLabelValues("provider_sign", "ok")); got != 2 {
		t.Errorf("expected 2 ok transitions, got %v", got)
	}
	if got := testutil.ToFloat64(tp.transitions.WithLabelValues("provider_sign", "InvalidTransition")); got != 1 {
		t.Errorf("expected 1 rejected transition, got %v", got)
	}
}

func TestValidationBlocked_Counts(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	tp.ValidationBlocked("Injectable")
	if got := testutil.ToFloat64(tp.validationBlocked.WithLabelValues("Injectable")); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
}

func TestNoop_WhenDisabled(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{MetricsEnabled: BoolPtr(false)})
	tp.Transition("co_sign", "")
	if got := testutil.CollectAndCount(tp.transitions); got != 0 {
		t.Errorf("expected no series when disabled, got %d", got)
	}

	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if got := testutil.CollectAndCount(tp.requestDuration); got != 0 {
		t.Errorf("expected no request series when disabled, got %d", got)
	}
}

func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/charts/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusConflict, "nope") })

	for _, path := range []string{"/charts/a", "/charts/b", "/boom"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.CollectAndCount(tp.requestDuration); got != 2 {
		t.Errorf("expected 2 series (one per route/status), got %d", got)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := tp.PrometheusHandler()(c); err != nil {
		t.Fatalf("PrometheusHandler() error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `chartkeeper_http_request_duration_seconds_count{method="GET",route="/charts/:id",status="200"} 2`) {
		t.Errorf("expected route-pattern series in exposition, got:\n%s", body)
	}
	if !strings.Contains(body, `status="409"`) {
		t.Errorf("expected error status to be recorded, got:\n%s", body)
	}
}

func TestRegisterPoolStats(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	tp.RegisterPoolStats(func() (int32, int32, int32) { return 10, 4, 6 })

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	tp.PrometheusHandler()(c)
	body := rec.Body.String()
	for _, want := range []string{
		"chartkeeper_db_pool_total_conns 10",
		"chartkeeper_db_pool_idle_conns 4",
		"chartkeeper_db_pool_acquired_conns 6",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.Transition("x", "")
	r.ValidationBlocked("y")
}
