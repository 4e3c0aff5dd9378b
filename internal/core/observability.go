package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"installcore/pkg/domain"
)

// MetricsRecorder observes the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// AuditStatus marks an audit entry as a committed or rejected operation.
type AuditStatus string

// Audit statuses.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records who attempted which operation against which record.
type AuditEntry struct {
	Operation string
	Entity    domain.EntityType
	Action    domain.Action
	EntityID  string
	Actor     string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder persists or forwards audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Clock supplies the time stamped onto workflow fields such as verifiedAt.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// PrometheusRecorder exports operation counters and latency histograms.
type PrometheusRecorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the service collectors with reg. A nil
// registerer keeps them private to the recorder.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "installcore",
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Service operations by name and result.",
		}, []string{"operation", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "installcore",
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(r.operations, r.durations)
	}
	return r
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	r.operations.WithLabelValues(operation, result).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// Operations exposes the operation counter.
func (r *PrometheusRecorder) Operations() *prometheus.CounterVec { return r.operations }

// LogAuditRecorder writes audit entries to a zap logger.
type LogAuditRecorder struct {
	logger *zap.Logger
}

// NewLogAuditRecorder returns a recorder logging under the "audit" name.
func NewLogAuditRecorder(logger *zap.Logger) *LogAuditRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAuditRecorder{logger: logger.Named("audit")}
}

// Record implements AuditRecorder.
func (r *LogAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("entity", string(entry.Entity)),
		zap.String("action", string(entry.Action)),
		zap.String("entity_id", entry.EntityID),
		zap.String("actor", entry.Actor),
		zap.String("status", string(entry.Status)),
		zap.Duration("duration", entry.Duration),
		zap.Time("at", entry.Timestamp),
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	r.logger.Info("audit", fields...)
}
