package core

import (
	"context"
	"fmt"

	"installcore/pkg/domain"
)

const transitionRuleName = "installation_transition"

// InstallationTransitionRule blocks illegal status transitions on installations and devices.
func InstallationTransitionRule() domain.Rule {
	return installationTransitionRule{}
}

type installationTransitionRule struct{}

type statusMachine struct {
	entity   domain.EntityType
	label    string
	initial  map[string]struct{}
	terminal map[string]struct{}
	valid    map[string]struct{}
	// edges lists permitted moves; a nil edge set allows any valid target.
	edges     map[string]map[string]struct{}
	extractor func(payload any) (id string, state string, ok bool)
}

var statusMachines = map[domain.EntityType]statusMachine{
	domain.EntityInstallation: {
		entity:   domain.EntityInstallation,
		label:    "installation",
		initial:  toSet(string(domain.InstallationPending)),
		terminal: toSet(string(domain.InstallationVerified)),
		valid: toSet(
			string(domain.InstallationPending),
			string(domain.InstallationVerified),
			string(domain.InstallationFlagged),
		),
		edges: map[string]map[string]struct{}{
			string(domain.InstallationPending): toSet(string(domain.InstallationVerified), string(domain.InstallationFlagged)),
			string(domain.InstallationFlagged): toSet(string(domain.InstallationVerified)),
		},
		extractor: func(payload any) (string, string, bool) {
			inst, ok := payload.(domain.Installation)
			if !ok {
				return "", "", false
			}
			return inst.ID, string(inst.Status), true
		},
	},
	domain.EntityDevice: {
		entity: domain.EntityDevice,
		label:  "device",
		valid: toSet(
			string(domain.DeviceStatusPending),
			string(domain.DeviceStatusInstalled),
			string(domain.DeviceStatusVerified),
			string(domain.DeviceStatusFlagged),
		),
		extractor: func(payload any) (string, string, bool) {
			device, ok := payload.(domain.Device)
			if !ok {
				return "", "", false
			}
			return device.ID, string(device.Status), true
		},
	},
}

func (installationTransitionRule) Name() string { return transitionRuleName }

func (installationTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(machine statusMachine, id, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     transitionRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Entity:   machine.entity,
			EntityID: id,
		})
	}
	for _, change := range changes {
		machine, ok := statusMachines[change.Entity]
		if !ok {
			continue
		}

		afterID, afterState, hasAfter := machine.extractor(change.After)
		if hasAfter {
			if _, valid := machine.valid[afterState]; !valid {
				block(machine, afterID, "%s %s is set to invalid state %s", machine.label, afterID, afterState)
				continue
			}
		}

		if change.Action == domain.ActionCreate && hasAfter && machine.initial != nil {
			if _, ok := machine.initial[afterState]; !ok {
				block(machine, afterID, "%s %s must be created in an initial state, got %s", machine.label, afterID, afterState)
			}
			continue
		}

		beforeID, beforeState, ok := machine.extractor(change.Before)
		if !ok || !hasAfter || beforeState == afterState {
			continue
		}
		if _, terminal := machine.terminal[beforeState]; terminal {
			block(machine, afterID, "cannot move %s %s from terminal state %s to %s", machine.label, beforeID, beforeState, afterState)
			continue
		}
		if machine.edges == nil {
			continue
		}
		if _, allowed := machine.edges[beforeState][afterState]; !allowed {
			block(machine, afterID, "cannot move %s %s from %s to %s", machine.label, beforeID, beforeState, afterState)
		}
	}
	return res, nil
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
