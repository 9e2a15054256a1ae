package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.SetPoolSize("array_1", "ready", 3)
	m.Event("configure", "ok")
	m.ObserveCommand("subscribe", "ok", 20*time.Millisecond)

	srv := httptest.NewServer(NewMonitoringServer("", m).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`commensal_pool_instances{pool="ready",subarray="array_1"} 3`,
		`commensal_events_total{result="ok",type="configure"} 1`,
		`commensal_command_duration_seconds_count{command="subscribe",result="ok"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}

	m.ForgetSubarray("array_1")
	resp2, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp2.Body.Close()
	body, _ = io.ReadAll(resp2.Body)
	if strings.Contains(string(body), `subarray="array_1"`) {
		t.Fatalf("retired subarray still exported")
	}
}

func TestHealthEndpoint(t *testing.T) {
	ms := NewMonitoringServer("", nil)
	ms.RegisterHealthCheck("store", PingCheck("store", func(context.Context) error { return nil }))
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ms.RegisterHealthCheck("nats", PingCheck("nats", func(context.Context) error { return errors.New("not connected") }))
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != HealthStatusUnhealthy || len(body.Checks) != 3 {
		t.Fatalf("unexpected health body: %+v", body)
	}
	if body.Checks[1].Name != "nats" {
		t.Fatalf("checks not sorted: %+v", body.Checks)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Event("configure", "ok")
	m.SetQuarantined(2)
	m.ForgetSubarray("x")
	if m.Registry() != nil {
		t.Fatal("nil metrics must not expose a registry")
	}
}
