package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "enabled with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-gateway",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "enabled with prometheus",
			config: Config{Enabled: true, Prometheus: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			for _, scope := range []string{"http", "server", "security", "storage", "keystore"} {
				if inst.Meter(scope) == nil {
					t.Errorf("Meter(%q) returned nil", scope)
				}
				if inst.Tracer(scope) == nil {
					t.Errorf("Tracer(%q) returned nil", scope)
				}
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil || inst.MeterProvider() == nil {
				t.Error("providers must not be nil")
			}

			wantHandler := tt.config.Enabled && tt.config.Prometheus
			if (inst.PrometheusHandler() != nil) != wantHandler {
				t.Errorf("PrometheusHandler() present = %v, want %v", inst.PrometheusHandler() != nil, wantHandler)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestShouldLogClientIPs(t *testing.T) {
	for _, want := range []bool{true, false} {
		inst, err := New(Config{LogClientIPs: want})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if got := inst.ShouldLogClientIPs(); got != want {
			t.Errorf("ShouldLogClientIPs() = %v, want %v", got, want)
		}
	}
}

func TestPrometheusHandler_ExposesMetrics(t *testing.T) {
	inst, err := New(Config{Enabled: true, Prometheus: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordHTTPRequest(ctx, http.MethodGet, "/health", http.StatusOK, 1.5)
	inst.Metrics().RecordSignature(ctx, "/keys/rotate", false, "signature")

	if err := inst.RegisterGatewayCallbacks(
		func() int64 { return 42 },
		func() int64 { return 1 },
		func() int64 { return 7 },
	); err != nil {
		t.Fatalf("RegisterGatewayCallbacks() error = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{"edgeguard_http_requests", "edgeguard_signature_verifications", "edgeguard_risk_score"} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		inst, err := New(Config{Enabled: enabled})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		err = inst.RegisterStorageSizeCallbacks(
			func() int64 { return 3 },
			func() int64 { return 10 },
			nil,
		)
		if err != nil {
			t.Errorf("RegisterStorageSizeCallbacks(enabled=%v) error = %v", enabled, err)
		}
		_ = inst.Shutdown(context.Background())
	}
}
