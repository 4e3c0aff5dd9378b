package core

import (
	"context"
	"fmt"
	"math"
	"strings"

	"installcore/pkg/domain"
)

const invariantsRuleName = "installation_invariants"

// InstallationInvariantsRule enforces the record-level invariants of installations:
// flaggedReason is set exactly when flagged, the automated pre-verification flag
// never resets, its timestamp is written once, and at most four images are attached.
func InstallationInvariantsRule() domain.Rule {
	return installationInvariantsRule{}
}

type installationInvariantsRule struct{}

func (installationInvariantsRule) Name() string { return invariantsRuleName }

func (installationInvariantsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityInstallation {
			continue
		}
		after, ok := change.After.(domain.Installation)
		if !ok {
			continue
		}
		block := func(format string, args ...any) {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     invariantsRuleName,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("installation %s: %s", after.ID, fmt.Sprintf(format, args...)),
				Entity:   domain.EntityInstallation,
				EntityID: after.ID,
			})
		}

		flagged := after.Status == domain.InstallationFlagged
		hasReason := strings.TrimSpace(after.FlaggedReason) != ""
		if flagged && !hasReason {
			block("flagged without a reason")
		}
		if !flagged && hasReason {
			block("flagged reason set while status is %s", after.Status)
		}
		if after.SystemPreVerified != (after.SystemPreVerifiedAt != nil) {
			block("system pre-verification flag and timestamp disagree")
		}
		if len(after.ImageURLs) > domain.MaxInstallationImages {
			block("%d images attached, at most %d allowed", len(after.ImageURLs), domain.MaxInstallationImages)
		}
		if change.Action == domain.ActionCreate {
			if math.IsNaN(after.SensorReading) || math.IsInf(after.SensorReading, 0) || after.SensorReading <= 0 {
				block("sensor reading must be a finite positive number")
			}
			continue
		}

		before, ok := change.Before.(domain.Installation)
		if !ok {
			continue
		}
		if before.SystemPreVerified && !after.SystemPreVerified {
			block("system pre-verification cannot be reset")
		}
		if before.SystemPreVerifiedAt != nil && (after.SystemPreVerifiedAt == nil || !after.SystemPreVerifiedAt.Equal(*before.SystemPreVerifiedAt)) {
			block("system pre-verification time is already recorded")
		}
	}
	return res, nil
}
