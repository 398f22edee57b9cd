package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =empty,tenant=vault")
	if len(headers) != 2 || headers["api-key"] != "secret" || headers["tenant"] != "vault" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := ConfigFromEnv("lendingd", "dev")
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("exporters must stay off without an endpoint: %+v", cfg)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	cfg = ConfigFromEnv("lendingd", "dev")
	if !cfg.Traces || !cfg.Metrics || cfg.Insecure || cfg.Endpoint != "collector:4318" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected service name to be required")
	}
}

func TestSampleRatio(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	if got := ConfigFromEnv("lendingd", "prod").sampleRatio(); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	for _, ratio := range []float64{0, -1, 2} {
		if got := (Config{SampleRatio: ratio}).sampleRatio(); got != 1 {
			t.Fatalf("ratio %v should keep everything, got %v", ratio, got)
		}
	}
}
