package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestDomainCounters(t *testing.T) {
	m := New()
	m.RxOrderTransition("fulfilled")
	m.RxOrderTransition("fulfilled")
	m.RxOrderTransition("invalidated")
	m.AccountDecision("approved")
	m.TelegramMessage("inbound", "photo")
	m.Notification("email", "failed")

	body := scrape(t, m)
	for _, want := range []string{
		`medflow_rx_order_transitions_total{to="fulfilled"} 2`,
		`medflow_rx_order_transitions_total{to="invalidated"} 1`,
		`medflow_account_decisions_total{decision="approved"} 1`,
		`medflow_telegram_messages_total{direction="inbound",type="photo"} 1`,
		`medflow_notifications_total{channel="email",result="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/patient/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/missing/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	})

	for _, path := range []string{"/api/patient/1", "/api/patient/2", "/api/missing/3"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, m)
	if !strings.Contains(body, `medflow_http_requests_total{method="GET",route="/api/patient/:id",status="200"} 2`) {
		t.Errorf("expected two requests on route pattern, got:\n%s", body)
	}
	if !strings.Contains(body, `medflow_http_requests_total{method="GET",route="/api/missing/:id",status="404"} 1`) {
		t.Error("expected 404 to be labelled from the handler error")
	}
	if !strings.Contains(body, `medflow_http_requests_in_flight 0`) {
		t.Error("expected in-flight gauge back at zero")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RxOrderTransition("fulfilled")
	m.AccountDecision("denied")
	m.TelegramMessage("outbound", "text")
	m.Notification("whatsapp", "sent")
	m.RegisterPool(nil)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := m.Middleware()(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
