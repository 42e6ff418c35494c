package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.GatewayRequestDuration == nil {
		t.Error("GatewayRequestDuration is nil")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
	if m.ContainerSpawnDuration == nil {
		t.Error("ContainerSpawnDuration is nil")
	}
	if m.ContainersActive == nil {
		t.Error("ContainersActive is nil")
	}
	if m.MessagesProcessed == nil {
		t.Error("MessagesProcessed is nil")
	}
	if m.QueueEnqueues == nil {
		t.Error("QueueEnqueues is nil")
	}
	if m.ChannelSendErrors == nil {
		t.Error("ChannelSendErrors is nil")
	}
	if m.CredentialRefreshes == nil {
		t.Error("CredentialRefreshes is nil")
	}
	if m.ScheduledTaskRuns == nil {
		t.Error("ScheduledTaskRuns is nil")
	}
	if m.QuietTransitions == nil {
		t.Error("QuietTransitions is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
