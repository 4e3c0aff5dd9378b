package domain

import "slices"

// Role is the operator role a caller acts under.
type Role string

// Supported roles.
const (
	RoleInstaller Role = "installer"
	RoleVerifier  Role = "verifier"
	RoleManager   Role = "manager"
)

// SystemActorID identifies automated actors such as the telemetry checker.
const SystemActorID = "system"

// AuthContext carries the caller identity explicitly through every operation.
type AuthContext struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	IsAdmin     bool   `json:"is_admin"`
}

// SystemActor returns the context used for automated pre-verification.
func SystemActor() AuthContext {
	return AuthContext{UserID: SystemActorID, DisplayName: "System", Role: RoleVerifier}
}

// Valid reports whether the context names a user and a known role.
func (a AuthContext) Valid() bool {
	if a.UserID == "" {
		return false
	}
	switch a.Role {
	case RoleInstaller, RoleVerifier, RoleManager:
		return true
	}
	return a.IsAdmin
}

// CanReview reports whether the actor may take verification decisions.
func (a AuthContext) CanReview() bool {
	return a.IsAdmin || a.Role == RoleVerifier || a.Role == RoleManager
}

// CanOverride reports whether the actor may verify an installation that was flagged.
func (a AuthContext) CanOverride() bool {
	return a.IsAdmin || a.Role == RoleManager
}

// UserAction names an operation a caller may be offered.
type UserAction string

// Actions surfaced to operators.
const (
	ActionSubmitInstallation UserAction = "submit_installation"
	ActionManageTeams        UserAction = "manage_teams"
	ActionManageBoxes        UserAction = "manage_boxes"
	ActionBulkMatch          UserAction = "bulk_match"
	ActionView               UserAction = "view"
	ActionVerify             UserAction = "verify"
	ActionFlag               UserAction = "flag"
	ActionOverride           UserAction = "override"
)

// VisibleActions computes the actions offered to the caller. With a nil installation the
// result covers global actions; otherwise it covers actions on that record. The
// function is pure: the same inputs always produce the same ordered slice.
func VisibleActions(auth AuthContext, inst *Installation) []UserAction {
	if !auth.Valid() {
		return nil
	}
	if inst == nil {
		actions := []UserAction{ActionManageTeams}
		if auth.IsAdmin || auth.Role == RoleInstaller {
			actions = append(actions, ActionSubmitInstallation)
		}
		if auth.IsAdmin || auth.Role == RoleManager {
			actions = append(actions, ActionManageBoxes, ActionBulkMatch)
		}
		return actions
	}

	var actions []UserAction
	if auth.CanReview() || inst.InstalledBy == auth.UserID {
		actions = append(actions, ActionView)
	}
	if !auth.CanReview() {
		return actions
	}
	switch inst.Status {
	case InstallationPending:
		actions = append(actions, ActionVerify, ActionFlag)
	case InstallationFlagged:
		if auth.CanOverride() {
			actions = append(actions, ActionOverride)
		}
	}
	return actions
}

// Allows reports whether action is among the actions visible to auth for inst.
func Allows(auth AuthContext, action UserAction, inst *Installation) bool {
	return slices.Contains(VisibleActions(auth, inst), action)
}
