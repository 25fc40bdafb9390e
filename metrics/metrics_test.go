package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/richard-shepherd/MessagingMesh/metrics"
)

func TestSubscriptionsGaugeTracksSetValue(t *testing.T) {
	metrics.Subscriptions.WithLabelValues("orders").Set(3)
	got := testutil.ToFloat64(metrics.Subscriptions.WithLabelValues("orders"))
	if got != 3 {
		t.Fatalf("got %v, want 3", got)
	}
}

func TestFanOutCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(metrics.FanOutTotal.WithLabelValues("orders", metrics.RecipientClient))
	metrics.FanOutTotal.WithLabelValues("orders", metrics.RecipientClient).Inc()
	after := testutil.ToFloat64(metrics.FanOutTotal.WithLabelValues("orders", metrics.RecipientClient))
	if after != before+1 {
		t.Fatalf("got delta %v, want 1", after-before)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	if metrics.Handler() == nil {
		t.Fatal("expected a non-nil handler")
	}
	metrics.PublishesTotal.WithLabelValues("orders").Inc()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "mesh_publishes_total") {
		t.Fatalf("expected mesh_publishes_total in the served metrics, got %q", rec.Body.String())
	}
}
