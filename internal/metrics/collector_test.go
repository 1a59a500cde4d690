package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter_SameKeyReturnsSameCounter(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "help", `kind="text"`)
	b := c.Counter("x_total", "help", `kind="text"`)
	a.Inc()
	b.Add(2)
	if a.Value() != 3 {
		t.Fatalf("expected shared counter value 3, got %d", a.Value())
	}
}

func TestHandler_RendersPrometheusText(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("relay_test_total", "Test counter", `status="ok"`).Inc()
	c.Gauge("relay_test_depth", "Test gauge", "").Set(4)
	h := c.Histogram("relay_test_seconds", "Test histogram", "", []float64{1, 5})
	h.Observe(0.5)
	h.Observe(3)

	rr := httptest.NewRecorder()
	c.Handler()(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		"# TYPE relay_test_total counter",
		`relay_test_total{status="ok"} 1`,
		"relay_test_depth 4",
		`relay_test_seconds_bucket{le="1"} 1`,
		`relay_test_seconds_bucket{le="5"} 2`,
		`relay_test_seconds_bucket{le="+Inf"} 2`,
		"relay_test_seconds_count 2",
		"warelay_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestLabeledHelpers(t *testing.T) {
	before := WebhookRequests("ignored").Value()
	WebhookRequests("ignored").Inc()
	if WebhookRequests("ignored").Value() != before+1 {
		t.Fatal("labeled helper should return a stable counter")
	}
}
