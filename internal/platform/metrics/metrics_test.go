package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Transition("PAYMENT_COMPLETED", "PENDING_PAYMENT", "NEW")
	m.Transition("PAYMENT_COMPLETED", "PENDING_PAYMENT", "NEW")
	m.TransitionRejected("ASSIGN_DOCTOR", "SENT_TO_CLIENT")
	m.Payment("COMPLETED", "mock", 300000)
	m.Payment("FAILED", "mock", 300000)
	m.PromoRedemption("EXHAUSTED")
	m.Notification("telegram", "failed")
	m.NotifyQueueDepth(3)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("PAYMENT_COMPLETED", "PENDING_PAYMENT", "NEW")); got != 2 {
		t.Errorf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.paymentAmount.WithLabelValues("mock")); got != 300000 {
		t.Errorf("expected 300000 kopecks, got %v", got)
	}
	if got := testutil.ToFloat64(m.notifyQueueDepth); got != 3 {
		t.Errorf("expected queue depth 3, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Transition("a", "b", "c")
	m.TransitionRejected("a", "b")
	m.Payment("COMPLETED", "mock", 1)
	m.PromoRedemption("ok")
	m.Notification("email", "sent")
	m.NotifyQueueDepth(1)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.PromoRedemption("applied")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	if err := m.Handler()(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `cabinet_promo_redemptions_total{result="applied"} 1`) {
		t.Errorf("metric missing from output:\n%s", rec.Body.String())
	}
}
