package core

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"installcore/pkg/domain"
)

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

func TestServiceReportsOperations(t *testing.T) {
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	core, logs := observer.New(zapcore.InfoLevel)
	env := newTestEnv(t, WithAuditRecorder(audit), WithMetricsRecorder(metrics), WithLogger(zap.New(core)))
	env.seedDevice(t, domain.Device{Base: domain.Base{ID: "D1"}})
	ctx := context.Background()

	inst := env.submit(t, installer, "D1")
	if _, err := env.svc.FlagInstallation(ctx, verifier, inst.ID, ""); err == nil {
		t.Fatalf("expected blank reason rejected")
	}
	if _, err := env.svc.VerifyInstallation(ctx, verifier, inst.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if !metrics.has("submit_installation", true) || !metrics.has("flag_installation", false) || !metrics.has("verify_installation", true) {
		t.Fatalf("missing metrics calls: %+v", metrics.calls)
	}
	if !audit.has("submit_installation", AuditStatusSuccess, func(e AuditEntry) bool {
		return e.EntityID == inst.ID && e.Entity == domain.EntityInstallation && e.Action == domain.ActionCreate && e.Actor == installer.UserID
	}) {
		t.Fatalf("expected audit entry for submit, got %+v", audit.entries)
	}
	if !audit.has("flag_installation", AuditStatusError, func(e AuditEntry) bool { return e.Error != "" }) {
		t.Fatalf("expected audit error entry for flag")
	}
	for _, e := range audit.entries {
		if !e.Timestamp.Equal(env.clock.Now()) {
			t.Fatalf("expected audit timestamps from service clock, got %v", e.Timestamp)
		}
	}
	if logs.FilterMessage("operation rejected").Len() != 1 {
		t.Fatalf("expected one rejected log line, got %d", logs.FilterMessage("operation rejected").Len())
	}
	if logs.FilterMessage("operation committed").Len() < 2 {
		t.Fatalf("expected committed log lines")
	}
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)
	rec.Observe(context.Background(), "verify_installation", true, 10*time.Millisecond)
	rec.Observe(context.Background(), "verify_installation", false, time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)

	if got := testutil.ToFloat64(rec.Operations().WithLabelValues("verify_installation", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(rec.Operations().WithLabelValues("verify_installation", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 2 {
		t.Fatalf("expected counter and histogram registered, got %d families", len(families))
	}
}

func TestLogAuditRecorder(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := NewLogAuditRecorder(zap.New(core))
	rec.Record(context.Background(), AuditEntry{Operation: "delete_team", EntityID: "T1", Status: AuditStatusError, Error: "forbidden"})

	entries := logs.FilterMessage("audit").All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "delete_team" || fields["error"] != "forbidden" {
		t.Fatalf("unexpected fields %+v", fields)
	}
	if entries[0].LoggerName != "audit" {
		t.Fatalf("expected audit logger name, got %q", entries[0].LoggerName)
	}
}
