package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newMetricsTestServer builds a Server backed by a fresh isolated registry so
// tests do not pollute prometheus.DefaultRegisterer.
func newMetricsTestServer(t *testing.T) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := &Server{
		cfg: &Config{
			MetricsRegistry: reg,
			MetricsGatherer: reg,
		},
		metrics: newServerMetrics(reg),
	}
	return s, reg
}

// counterValue walks gathered families for a counter with the given labels.
// Returns -1 when no matching series exists.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func Test_Metrics_EndpointReturns200(t *testing.T) {
	t.Parallel()
	_, reg := newMetricsTestServer(t)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/metrics", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("want 200, got %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
}

func Test_Metrics_RequestCounterUsesRoutePattern(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/outputs/{technique}/{platform}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := s.metricsMiddleware(mux)

	for range 2 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/outputs/T1055/windows", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("want 200, got %d", w.Code)
		}
	}

	v := counterValue(t, reg, "techrag_http_requests_total", map[string]string{
		"method":     "GET",
		labelHandler: "GET /api/outputs/{technique}/{platform}",
		"code":       "200",
	})
	if v != 2 {
		t.Errorf("want counter=2 for matched pattern, got %v", v)
	}
}

func Test_Metrics_UnmatchedRequestsShareOneLabel(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	h := s.metricsMiddleware(http.NewServeMux())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", w.Code)
	}

	v := counterValue(t, reg, "techrag_http_requests_total", map[string]string{
		labelHandler: "unmatched",
		"code":       "404",
	})
	if v != 1 {
		t.Errorf("want counter=1 under unmatched label, got %v", v)
	}
}

func Test_Metrics_TasksEnqueuedCounter(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	s.metrics.tasksEnqueuedTotal.Inc()
	s.metrics.tasksEnqueuedTotal.Inc()

	v := counterValue(t, reg, "techrag_http_tasks_enqueued_total", nil)
	if v != 2 {
		t.Errorf("want tasks_enqueued_total=2, got %v", v)
	}
}
