package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"installcore/pkg/domain"
)

func evaluate(t *testing.T, rule domain.Rule, changes ...domain.Change) domain.Result {
	t.Helper()
	res, err := rule.Evaluate(context.Background(), nil, changes)
	if err != nil {
		t.Fatalf("evaluate %s: %v", rule.Name(), err)
	}
	return res
}

func installationChange(action domain.Action, before, after *domain.Installation) domain.Change {
	change := domain.Change{Entity: domain.EntityInstallation, Action: action}
	if before != nil {
		change.Before = *before
	}
	if after != nil {
		change.After = *after
	}
	return change
}

func TestInstallationTransitionRule(t *testing.T) {
	rule := InstallationTransitionRule()
	if rule.Name() != "installation_transition" {
		t.Fatalf("unexpected rule name %s", rule.Name())
	}
	status := func(s domain.InstallationStatus) *domain.Installation {
		return &domain.Installation{Base: domain.Base{ID: "I1"}, Status: s}
	}

	cases := []struct {
		name    string
		change  domain.Change
		blocked bool
	}{
		{"create pending", installationChange(domain.ActionCreate, nil, status(domain.InstallationPending)), false},
		{"create verified", installationChange(domain.ActionCreate, nil, status(domain.InstallationVerified)), true},
		{"pending to verified", installationChange(domain.ActionUpdate, status(domain.InstallationPending), status(domain.InstallationVerified)), false},
		{"pending to flagged", installationChange(domain.ActionUpdate, status(domain.InstallationPending), status(domain.InstallationFlagged)), false},
		{"flagged to verified", installationChange(domain.ActionUpdate, status(domain.InstallationFlagged), status(domain.InstallationVerified)), false},
		{"flagged to pending", installationChange(domain.ActionUpdate, status(domain.InstallationFlagged), status(domain.InstallationPending)), true},
		{"verified to flagged", installationChange(domain.ActionUpdate, status(domain.InstallationVerified), status(domain.InstallationFlagged)), true},
		{"verified unchanged", installationChange(domain.ActionUpdate, status(domain.InstallationVerified), status(domain.InstallationVerified)), false},
		{"unknown state", installationChange(domain.ActionUpdate, status(domain.InstallationPending), status("archived")), true},
		{"device any valid move", domain.Change{
			Entity: domain.EntityDevice, Action: domain.ActionUpdate,
			Before: domain.Device{Base: domain.Base{ID: "D1"}, Status: domain.DeviceStatusVerified},
			After:  domain.Device{Base: domain.Base{ID: "D1"}, Status: domain.DeviceStatusInstalled},
		}, false},
		{"device invalid status", domain.Change{
			Entity: domain.EntityDevice, Action: domain.ActionUpdate,
			After: domain.Device{Base: domain.Base{ID: "D1"}, Status: "lost"},
		}, true},
		{"other entity ignored", domain.Change{Entity: domain.EntityTeam, Action: domain.ActionCreate, After: domain.Team{}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := evaluate(t, rule, tc.change)
			if res.HasBlocking() != tc.blocked {
				t.Fatalf("expected blocked=%v, got %+v", tc.blocked, res.Violations)
			}
		})
	}
}

func TestInstallationInvariantsRule(t *testing.T) {
	rule := InstallationInvariantsRule()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := at.Add(time.Hour)
	valid := domain.Installation{Base: domain.Base{ID: "I1"}, Status: domain.InstallationPending, SensorReading: 10}

	mutate := func(fn func(*domain.Installation)) *domain.Installation {
		cp := valid
		fn(&cp)
		return &cp
	}

	cases := []struct {
		name   string
		change domain.Change
		want   string
	}{
		{"valid create", installationChange(domain.ActionCreate, nil, &valid), ""},
		{"flagged without reason", installationChange(domain.ActionUpdate, &valid, mutate(func(i *domain.Installation) { i.Status = domain.InstallationFlagged })), "without a reason"},
		{"reason without flag", installationChange(domain.ActionUpdate, &valid, mutate(func(i *domain.Installation) { i.FlaggedReason = "x" })), "reason set"},
		{"flag and time disagree", installationChange(domain.ActionUpdate, &valid, mutate(func(i *domain.Installation) { i.SystemPreVerified = true })), "disagree"},
		{"too many images", installationChange(domain.ActionUpdate, &valid, mutate(func(i *domain.Installation) { i.ImageURLs = []string{"1", "2", "3", "4", "5"} })), "images"},
		{"non-positive reading on create", installationChange(domain.ActionCreate, nil, mutate(func(i *domain.Installation) { i.SensorReading = 0 })), "sensor reading"},
		{
			"pre-verification reset",
			installationChange(domain.ActionUpdate,
				mutate(func(i *domain.Installation) { i.SystemPreVerified, i.SystemPreVerifiedAt = true, &at }),
				&valid),
			"cannot be reset",
		},
		{
			"pre-verification time rewritten",
			installationChange(domain.ActionUpdate,
				mutate(func(i *domain.Installation) { i.SystemPreVerified, i.SystemPreVerifiedAt = true, &at }),
				mutate(func(i *domain.Installation) { i.SystemPreVerified, i.SystemPreVerifiedAt = true, &later })),
			"already recorded",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := evaluate(t, rule, tc.change)
			if tc.want == "" {
				if len(res.Violations) != 0 {
					t.Fatalf("expected no violations, got %+v", res.Violations)
				}
				return
			}
			found := false
			for _, v := range res.Violations {
				if v.Severity == domain.SeverityBlock && strings.Contains(v.Message, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected violation containing %q, got %+v", tc.want, res.Violations)
			}
		})
	}
}

func TestDefaultRulesEngineRegistersBuiltIns(t *testing.T) {
	engine := NewDefaultRulesEngine()
	change := installationChange(domain.ActionCreate, nil, &domain.Installation{Base: domain.Base{ID: "I1"}, Status: domain.InstallationFlagged})
	res, err := engine.Evaluate(context.Background(), nil, []domain.Change{change})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	rules := map[string]bool{}
	for _, v := range res.Violations {
		rules[v.Rule] = true
	}
	if !rules["installation_transition"] || !rules["installation_invariants"] {
		t.Fatalf("expected both built-in rules to fire, got %+v", res.Violations)
	}

	empty, err := NewRulesEngine().Evaluate(context.Background(), nil, []domain.Change{change})
	if err != nil || len(empty.Violations) != 0 {
		t.Fatalf("expected empty engine to pass everything, got %+v %v", empty.Violations, err)
	}
}
