// Package core implements the installation verification workflow, team and box
// management, and device imports on top of a transactional document store.
package core

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"installcore/pkg/domain"
)

// Service exposes the transactional operations of the installation workflow.
type Service struct {
	store    domain.PersistentStore
	logger   *zap.Logger
	metrics  MetricsRecorder
	audit    AuditRecorder
	clock    Clock
	errorCap int
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the recorder observing every operation.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithAuditRecorder sets the recorder receiving one entry per operation.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithClock overrides the clock used for workflow timestamps.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithImportErrorCap bounds the per-row diagnostics kept by bulk imports.
func WithImportErrorCap(n int) ServiceOption {
	return func(s *Service) { s.errorCap = n }
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
		audit:   noopAudit{},
		clock:   ClockFunc(func() time.Time { return time.Now().UTC() }),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

type operationMeta struct {
	entity domain.EntityType
	action domain.Action
}

var operations = map[string]operationMeta{
	"submit_installation":           {domain.EntityInstallation, domain.ActionCreate},
	"record_system_preverification": {domain.EntityInstallation, domain.ActionUpdate},
	"verify_installation":           {domain.EntityInstallation, domain.ActionUpdate},
	"flag_installation":             {domain.EntityInstallation, domain.ActionUpdate},
	"import_devices":                {domain.EntityDevice, domain.ActionCreate},
	"assign_box_numbers":            {domain.EntityDevice, domain.ActionUpdate},
	"assign_box":                    {domain.EntityDevice, domain.ActionUpdate},
	"open_box":                      {domain.EntityDevice, domain.ActionUpdate},
	"create_team":                   {domain.EntityTeam, domain.ActionCreate},
	"add_team_member":               {domain.EntityTeamMember, domain.ActionCreate},
	"remove_team_member":            {domain.EntityTeamMember, domain.ActionDelete},
	"delete_team":                   {domain.EntityTeam, domain.ActionDelete},
}

// run executes fn in one store transaction and reports the outcome to the
// metrics, audit and log sinks. fn returns the id of the primary record.
func (s *Service) run(ctx context.Context, operation, actor string, fn func(tx domain.Transaction) (string, error)) error {
	started := time.Now()
	var entityID string
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		id, err := fn(tx)
		entityID = id
		return err
	})
	s.observe(ctx, operation, actor, entityID, time.Since(started), err)
	return err
}

func (s *Service) observe(ctx context.Context, operation, actor, entityID string, duration time.Duration, err error) {
	s.metrics.Observe(ctx, operation, err == nil, duration)

	meta, known := operations[operation]
	if known {
		entry := AuditEntry{
			Operation: operation,
			Entity:    meta.entity,
			Action:    meta.action,
			EntityID:  entityID,
			Actor:     actor,
			Status:    AuditStatusSuccess,
			Duration:  duration,
			Timestamp: s.clock.Now(),
		}
		if err != nil {
			entry.Status = AuditStatusError
			entry.Error = err.Error()
		}
		s.audit.Record(ctx, entry)
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("actor", actor),
		zap.String("entity_id", entityID),
		zap.Duration("duration", duration),
	}
	switch {
	case err == nil:
		s.logger.Info("operation committed", fields...)
	case isRejection(err):
		s.logger.Warn("operation rejected", append(fields, zap.Error(err))...)
	default:
		s.logger.Error("operation failed", append(fields, zap.Error(err))...)
	}
}

// isRejection reports whether err is an expected precondition failure rather than a fault.
func isRejection(err error) bool {
	var rv domain.RuleViolationError
	return errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrInstallationInFlight) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.As(err, &rv)
}

func authorize(actor domain.AuthContext) error {
	if !actor.Valid() {
		return domain.Forbidden("caller identity is missing or has no role")
	}
	return nil
}
