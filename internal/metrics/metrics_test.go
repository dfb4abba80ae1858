package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.DeliveryFailures.Inc()
	a.EventsDelivered.WithLabelValues("typing").Add(3)

	if got := testutil.ToFloat64(a.DeliveryFailures); got != 1 {
		t.Errorf("expected 1 delivery failure, got %v", got)
	}
	if got := testutil.ToFloat64(b.DeliveryFailures); got != 0 {
		t.Errorf("second registry must be untouched, got %v", got)
	}
	if got := testutil.ToFloat64(a.EventsDelivered.WithLabelValues("typing")); got != 3 {
		t.Errorf("expected 3 typing events, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.OnlineUsers.Set(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "collabhub_online_users 2") {
		t.Errorf("expected online gauge in output, got:\n%s", body)
	}
}
