package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	exporter "github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/registry"
	"github.com/tinytelemetry/dirigera-exporter/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeState struct {
	state atomic.Int32
	ready atomic.Bool
}

func (f *fakeState) State() exporter.ConnState { return exporter.ConnState(f.state.Load()) }
func (f *fakeState) Ready() bool               { return f.ready.Load() }

func newTestServer(t *testing.T, cfg Config) (*Server, *registry.Registry, *fakeState, http.Handler) {
	t.Helper()
	reg := registry.New()
	reg.Update(registry.NewIdentity("dirigera_device_light_level_percent", "id", "lamp1", "name", "Desk", "room", "Office", "type", "light"),
		registry.Gauge(42).WithHelp("Light level in percent."))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(reg.Collector())
	metrics := telemetry.New(promReg, "test", "none")

	state := &fakeState{}
	srv := NewServer(cfg, promReg, reg, state, metrics)
	return srv, reg, state, srv.Handler()
}

func do(h http.Handler, method, target, host string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if host != "" {
		req.Host = host
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, _, h := newTestServer(t, Config{DevMode: true})

	w := do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain", ct)
	}

	parser := expfmt.NewTextParser(model.LegacyValidation)
	families, err := parser.TextToMetricFamilies(strings.NewReader(w.Body.String()))
	if err != nil {
		t.Fatalf("parse exposition: %v", err)
	}
	mf, ok := families["dirigera_device_light_level_percent"]
	if !ok {
		t.Fatalf("device metric missing from scrape")
	}
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 42 {
		t.Errorf("light level = %v, want 42", got)
	}
	if _, ok := families["dirigera_exporter_connection_state"]; !ok {
		t.Errorf("self metrics missing from scrape")
	}
}

func TestMetricsEndpoint_ClosedRegistry(t *testing.T) {
	_, reg, _, h := newTestServer(t, Config{DevMode: true})
	reg.Close()

	w := do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("metrics status after close = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, state, h := newTestServer(t, Config{DevMode: true})

	w := do(h, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health before subscribe = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	state.state.Store(int32(exporter.StateSubscribed))
	state.ready.Store(true)
	w = do(h, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health after subscribe = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" || body["state"] != "subscribed" {
		t.Errorf("health body = %v", body)
	}

	// degraded after a drop is still healthy: samples keep being served
	state.state.Store(int32(exporter.StateDegraded))
	if w = do(h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("health while degraded = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestWebPathPrefix(t *testing.T) {
	_, _, _, h := newTestServer(t, Config{DevMode: true, WebPath: "/dirigera"})

	if w := do(h, http.MethodGet, "/dirigera/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("prefixed metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := do(h, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("unprefixed metrics status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHostEnforcement(t *testing.T) {
	_, _, _, h := newTestServer(t, Config{Hostname: "metrics.example.org"})

	if w := do(h, http.MethodGet, "/robots.txt", "evil.example.org"); w.Code != http.StatusNotFound {
		t.Errorf("wrong host status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := do(h, http.MethodGet, "/robots.txt", "metrics.example.org"); w.Code != http.StatusOK {
		t.Errorf("right host status = %d, want %d", w.Code, http.StatusOK)
	}

	// the proxy's X-Forwarded-Host wins over the upstream Host header
	req := httptest.NewRequest(http.MethodGet, "/robots.txt", nil)
	req.Host = "127.0.0.1:8080"
	req.Header.Set("X-Forwarded-Host", "spoofed.example.org, metrics.example.org")
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 192.0.2.7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("forwarded host status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHostEnforcement_SkipsScrapeRoutes(t *testing.T) {
	_, _, state, h := newTestServer(t, Config{Hostname: "metrics.example.org"})
	state.ready.Store(true)

	if w := do(h, http.MethodGet, "/metrics", "localhost:8080"); w.Code != http.StatusOK {
		t.Errorf("metrics via pod address status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := do(h, http.MethodGet, "/healthz", "10.1.2.3:8080"); w.Code != http.StatusOK {
		t.Errorf("health via pod address status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := do(h, http.MethodGet, "/robots.txt", "localhost:8080"); w.Code != http.StatusNotFound {
		t.Errorf("robots via pod address status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHostEnforcement_DevModeDisabled(t *testing.T) {
	_, _, _, h := newTestServer(t, Config{Hostname: "metrics.example.org", DevMode: true})

	if w := do(h, http.MethodGet, "/robots.txt", "localhost:8080"); w.Code != http.StatusOK {
		t.Errorf("dev mode host status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSecurityHeadersAndStaticRoutes(t *testing.T) {
	_, _, _, h := newTestServer(t, Config{DevMode: true, SecurityContact: "mailto:security@example.org"})

	w := do(h, http.MethodGet, "/robots.txt", "")
	if !strings.Contains(w.Body.String(), "Disallow: /") {
		t.Errorf("robots.txt body = %q", w.Body.String())
	}
	for _, name := range []string{"Content-Security-Policy", "X-Content-Type-Options", "Referrer-Policy", "Permissions-Policy"} {
		if w.Header().Get(name) == "" {
			t.Errorf("missing header %s", name)
		}
	}

	w = do(h, http.MethodGet, "/.well-known/security.txt", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Contact: mailto:security@example.org") {
		t.Errorf("security.txt = %d %q", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Expires: ") {
		t.Errorf("security.txt missing Expires")
	}
}

func TestSecurityTxt_DisabledWithoutContact(t *testing.T) {
	_, _, _, h := newTestServer(t, Config{DevMode: true})
	if w := do(h, http.MethodGet, "/.well-known/security.txt", ""); w.Code != http.StatusNotFound {
		t.Errorf("security.txt without contact = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestStartStop(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Config{Addr: "127.0.0.1:0", DevMode: true})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := srv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if _, err := http.Get("http://" + srv.Addr() + "/metrics"); err == nil {
		t.Errorf("server still answering after Stop")
	}
}

func TestLastValue(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"a"}, "a"},
		{[]string{"a, b"}, "b"},
		{[]string{"a", "b , c "}, "c"},
	}
	for _, tt := range tests {
		if got := lastValue(tt.in); got != tt.want {
			t.Errorf("lastValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
