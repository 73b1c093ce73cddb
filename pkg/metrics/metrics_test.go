package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("docs_ingested_total", "Documents ingested.")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Fatalf("value = %d, want 5", c.Value())
	}
	// Same name and labels returns the same counter.
	if r.Counter("docs_ingested_total", "") != c {
		t.Fatal("expected identical counter instance")
	}
}

func TestCounter_LabelsAreDistinct(t *testing.T) {
	r := New()
	ok := r.Counter("requests_total", "", "status", "ok")
	fail := r.Counter("requests_total", "", "status", "error")
	if ok == fail {
		t.Fatal("different labels must give different counters")
	}
	ok.Add(2)
	fail.Inc()

	out := r.Render()
	if !strings.Contains(out, `requests_total{status="ok"} 2`) {
		t.Errorf("missing ok series:\n%s", out)
	}
	if !strings.Contains(out, `requests_total{status="error"} 1`) {
		t.Errorf("missing error series:\n%s", out)
	}
	if strings.Count(out, "# TYPE requests_total counter") != 1 {
		t.Errorf("family header should render once:\n%s", out)
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("queue_depth", "")
	g.Set(7)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 6 {
		t.Fatalf("value = %d, want 6", g.Value())
	}
}

func TestHistogram_Render(t *testing.T) {
	r := New()
	h := r.Histogram("op_seconds", "Operation latency.", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(100)

	out := r.Render()
	checks := []string{
		"# TYPE op_seconds histogram",
		`op_seconds_bucket{le="0.1"} 1`,
		`op_seconds_bucket{le="1"} 2`,
		`op_seconds_bucket{le="10"} 2`,
		`op_seconds_bucket{le="+Inf"} 3`,
		"op_seconds_count 3",
	}
	for _, want := range checks {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "op_seconds_sum 100.55") {
		t.Errorf("sum missing or wrong:\n%s", out)
	}
}

func TestRender_HelpAndOrder(t *testing.T) {
	r := New()
	r.Counter("first_total", "First metric.")
	r.Gauge("second", "")

	out := r.Render()
	if !strings.Contains(out, "# HELP first_total First metric.") {
		t.Errorf("missing help line:\n%s", out)
	}
	if strings.Index(out, "first_total") > strings.Index(out, "second") {
		t.Errorf("insertion order not preserved:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("hits_total", "").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
