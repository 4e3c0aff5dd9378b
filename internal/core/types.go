package core

import "installcore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	Base               = domain.Base
	Device             = domain.Device
	Location           = domain.Location
	Team               = domain.Team
	TeamMember         = domain.TeamMember
	Membership         = domain.Membership
	Installation       = domain.Installation
	ServerData         = domain.ServerData
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	RulesEngine        = domain.RulesEngine
	Rule               = domain.Rule
	AuthContext        = domain.AuthContext
)

const (
	EntityDevice       = domain.EntityDevice
	EntityLocation     = domain.EntityLocation
	EntityTeam         = domain.EntityTeam
	EntityTeamMember   = domain.EntityTeamMember
	EntityMembership   = domain.EntityMembership
	EntityInstallation = domain.EntityInstallation
	EntityServerData   = domain.EntityServerData
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)
