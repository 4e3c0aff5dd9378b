package core

import (
	"context"
	"math"
	"strings"

	"installcore/internal/adapters/collections"
	"installcore/pkg/domain"
)

// TransitionOption refines a workflow transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	expected domain.InstallationStatus
}

// WithExpectedStatus makes the transition conditional on the status the caller
// last observed. When the stored status differs at commit time the transition is
// rejected with InvalidTransitionError and the record is left unchanged.
func WithExpectedStatus(status domain.InstallationStatus) TransitionOption {
	return func(o *transitionOptions) { o.expected = status }
}

func collectTransitionOptions(opts []TransitionOption) transitionOptions {
	var o transitionOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o transitionOptions) check(current domain.Installation, to domain.InstallationStatus) error {
	if o.expected == "" || o.expected == current.Status {
		return nil
	}
	return domain.InvalidTransitionError{
		ID:     current.ID,
		From:   current.Status,
		To:     to,
		Reason: "expected status " + string(o.expected),
	}
}

// IsActionable reports whether the installation still awaits a decision.
func IsActionable(inst domain.Installation) bool {
	return inst.Actionable()
}

func findInstallation(tx domain.Transaction, id string) (domain.Installation, error) {
	inst, ok := tx.FindInstallation(id)
	if !ok {
		return domain.Installation{}, domain.NotFoundError{Entity: domain.EntityInstallation, ID: id}
	}
	return inst, nil
}

// syncDevice mirrors an installation transition onto its device. Device ids are
// soft references, so a missing device is skipped.
func syncDevice(tx domain.Transaction, deviceID string, status domain.DeviceStatus) error {
	device, ok := tx.FindDevice(deviceID)
	if !ok || device.Status == status {
		return nil
	}
	_, err := tx.UpdateDevice(deviceID, func(d *domain.Device) error {
		d.Status = status
		return nil
	})
	return err
}

func validReading(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// SubmitInstallation records a new pending installation for the calling installer.
// The device must exist, the reading must be finite and positive, and the
// installer must not have another actionable installation outstanding.
func (s *Service) SubmitInstallation(ctx context.Context, actor domain.AuthContext, inst domain.Installation) (domain.Installation, error) {
	var created domain.Installation
	err := s.run(ctx, "submit_installation", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := authorize(actor); err != nil {
			return "", err
		}
		if !domain.Allows(actor, domain.ActionSubmitInstallation, nil) {
			return "", domain.Forbidden("role %s cannot submit installations", actor.Role)
		}
		inst.DeviceID = strings.TrimSpace(inst.DeviceID)
		if inst.DeviceID == "" {
			return "", domain.InvalidInput("device id is required")
		}
		if !validReading(inst.SensorReading) {
			return "", domain.InvalidInput("sensor reading must be a finite positive number")
		}
		if len(inst.ImageURLs) > domain.MaxInstallationImages {
			return "", domain.InvalidInput("at most %d images may be attached", domain.MaxInstallationImages)
		}
		device, ok := tx.FindDevice(inst.DeviceID)
		if !ok {
			return "", domain.NotFoundError{Entity: domain.EntityDevice, ID: inst.DeviceID}
		}
		for _, existing := range tx.Snapshot().ListInstallations() {
			if existing.InstalledBy == actor.UserID && existing.Actionable() {
				return existing.ID, domain.InstallationInFlightError{InstallerID: actor.UserID, InstallationID: existing.ID}
			}
		}

		inst.Status = domain.InstallationPending
		inst.SystemPreVerified = false
		inst.SystemPreVerifiedAt = nil
		inst.FlaggedReason = ""
		inst.VerifiedBy = ""
		inst.VerifiedAt = nil
		inst.InstalledBy = actor.UserID
		if inst.InstalledByName == "" {
			inst.InstalledByName = actor.DisplayName
		}
		if inst.TeamID == nil && device.AssignedTeamID != nil {
			team := *device.AssignedTeamID
			inst.TeamID = &team
		}

		var err error
		created, err = tx.CreateInstallation(inst)
		if err != nil {
			return "", err
		}
		return created.ID, syncDevice(tx, created.DeviceID, domain.DeviceStatusInstalled)
	})
	return created, err
}

// RecordSystemPreVerification applies the outcome of the automated telemetry
// comparison. A pass sets systemPreVerified once and verifies a pending record; a
// record a human already flagged keeps its flag. A failure changes nothing.
func (s *Service) RecordSystemPreVerification(ctx context.Context, id string, passed bool, opts ...TransitionOption) (domain.Installation, error) {
	o := collectTransitionOptions(opts)
	var updated domain.Installation
	err := s.run(ctx, "record_system_preverification", domain.SystemActorID, func(tx domain.Transaction) (string, error) {
		current, err := findInstallation(tx, id)
		if err != nil {
			return id, err
		}
		if err := o.check(current, domain.InstallationVerified); err != nil {
			return id, err
		}
		updated = current
		if !passed || current.SystemPreVerified {
			return id, nil
		}

		now := s.clock.Now().UTC()
		promote := current.Status == domain.InstallationPending
		updated, err = tx.UpdateInstallation(id, func(i *domain.Installation) error {
			i.SystemPreVerified = true
			i.SystemPreVerifiedAt = &now
			if promote {
				i.Status = domain.InstallationVerified
				i.VerifiedBy = domain.SystemActorID
				i.VerifiedAt = &now
			}
			return nil
		})
		if err != nil || !promote {
			return id, err
		}
		return id, syncDevice(tx, updated.DeviceID, domain.DeviceStatusVerified)
	})
	return updated, err
}

// VerifyInstallation approves a pending installation, or overrides a flag when the
// actor may. Verifying an already verified installation returns it unchanged.
func (s *Service) VerifyInstallation(ctx context.Context, actor domain.AuthContext, id string, opts ...TransitionOption) (domain.Installation, error) {
	o := collectTransitionOptions(opts)
	var updated domain.Installation
	err := s.run(ctx, "verify_installation", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := authorize(actor); err != nil {
			return id, err
		}
		if !actor.CanReview() {
			return id, domain.Forbidden("role %s cannot verify installations", actor.Role)
		}
		current, err := findInstallation(tx, id)
		if err != nil {
			return id, err
		}
		if err := o.check(current, domain.InstallationVerified); err != nil {
			return id, err
		}
		switch current.Status {
		case domain.InstallationVerified:
			updated = current
			return id, nil
		case domain.InstallationFlagged:
			if !actor.CanOverride() {
				return id, domain.Forbidden("overriding a flagged installation requires a manager or admin")
			}
		}

		now := s.clock.Now().UTC()
		updated, err = tx.UpdateInstallation(id, func(i *domain.Installation) error {
			i.Status = domain.InstallationVerified
			i.FlaggedReason = ""
			i.VerifiedBy = actor.UserID
			i.VerifiedAt = &now
			return nil
		})
		if err != nil {
			return id, err
		}
		return id, syncDevice(tx, updated.DeviceID, domain.DeviceStatusVerified)
	})
	return updated, err
}

// FlagInstallation rejects a pending installation with a reason.
func (s *Service) FlagInstallation(ctx context.Context, actor domain.AuthContext, id, reason string, opts ...TransitionOption) (domain.Installation, error) {
	o := collectTransitionOptions(opts)
	reason = strings.TrimSpace(reason)
	var updated domain.Installation
	err := s.run(ctx, "flag_installation", actor.UserID, func(tx domain.Transaction) (string, error) {
		if err := authorize(actor); err != nil {
			return id, err
		}
		if !actor.CanReview() {
			return id, domain.Forbidden("role %s cannot flag installations", actor.Role)
		}
		if reason == "" {
			return id, domain.InvalidInput("a reason is required to flag an installation")
		}
		current, err := findInstallation(tx, id)
		if err != nil {
			return id, err
		}
		if err := o.check(current, domain.InstallationFlagged); err != nil {
			return id, err
		}
		if current.Status != domain.InstallationPending {
			return id, domain.InvalidTransitionError{
				ID:     id,
				From:   current.Status,
				To:     domain.InstallationFlagged,
				Reason: "only pending installations can be flagged",
			}
		}

		now := s.clock.Now().UTC()
		updated, err = tx.UpdateInstallation(id, func(i *domain.Installation) error {
			i.Status = domain.InstallationFlagged
			i.FlaggedReason = reason
			i.VerifiedBy = actor.UserID
			i.VerifiedAt = &now
			return nil
		})
		if err != nil {
			return id, err
		}
		return id, syncDevice(tx, updated.DeviceID, domain.DeviceStatusFlagged)
	})
	return updated, err
}

// ActionableInstallation returns the installer's outstanding installation, if any.
func (s *Service) ActionableInstallation(ctx context.Context, installerID string) (domain.Installation, bool, error) {
	var (
		found domain.Installation
		ok    bool
	)
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		for _, inst := range view.ListInstallations() {
			if inst.InstalledBy != installerID || !inst.Actionable() {
				continue
			}
			if !ok || inst.CreatedAt.After(found.CreatedAt) {
				found, ok = inst, true
			}
		}
		return nil
	})
	return found, ok, err
}

// AwaitDecision follows a single installation until it is no longer actionable
// and returns that state. It replaces periodic re-fetching with the document's
// own change feed.
func AwaitDecision(ctx context.Context, installations *collections.Collection[domain.Installation], id string) (domain.Installation, error) {
	stream := installations.WatchDocument(ctx, id)
	defer stream.Close()
	for {
		select {
		case <-ctx.Done():
			return domain.Installation{}, ctx.Err()
		case doc, ok := <-stream.C():
			if !ok {
				if err := ctx.Err(); err != nil {
					return domain.Installation{}, err
				}
				return domain.Installation{}, collections.ErrWatchClosed
			}
			if doc.Err != nil {
				return domain.Installation{}, doc.Err
			}
			if !doc.Found {
				return domain.Installation{}, domain.NotFoundError{Entity: domain.EntityInstallation, ID: id}
			}
			if !doc.Record.Actionable() {
				return doc.Record, nil
			}
		}
	}
}
