package collections

import (
	"strconv"

	"installcore/pkg/domain"
)

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Devices exposes the devices collection.
func Devices(store domain.PersistentStore) *Collection[domain.Device] {
	return &Collection[domain.Device]{
		store:  store,
		entity: domain.EntityDevice,
		list:   domain.TransactionView.ListDevices,
		find:   domain.TransactionView.FindDevice,
		id:     func(d domain.Device) string { return d.ID },
		fields: map[string]Field[domain.Device]{
			"id":                      func(d domain.Device) string { return d.ID },
			"product_id":              func(d domain.Device) string { return d.ProductID },
			"device_serial_id":        func(d domain.Device) string { return d.DeviceSerialID },
			"device_imei":             func(d domain.Device) string { return d.DeviceIMEI },
			"iccid":                   func(d domain.Device) string { return d.ICCID },
			"box_number":              func(d domain.Device) string { return deref(d.BoxNumber) },
			"status":                  func(d domain.Device) string { return string(d.Status) },
			"assigned_team_id":        func(d domain.Device) string { return deref(d.AssignedTeamID) },
			"box_opened":              func(d domain.Device) string { return strconv.FormatBool(d.BoxOpened) },
			"assigned_installer_name": func(d domain.Device) string { return deref(d.AssignedInstallerName) },
		},
	}
}

// Locations exposes the locations collection.
func Locations(store domain.PersistentStore) *Collection[domain.Location] {
	return &Collection[domain.Location]{
		store:  store,
		entity: domain.EntityLocation,
		list:   domain.TransactionView.ListLocations,
		find:   domain.TransactionView.FindLocation,
		id:     func(l domain.Location) string { return l.ID },
		fields: map[string]Field[domain.Location]{
			"id":          func(l domain.Location) string { return l.ID },
			"location_id": func(l domain.Location) string { return l.LocationID },
		},
	}
}

// Teams exposes the teams collection.
func Teams(store domain.PersistentStore) *Collection[domain.Team] {
	return &Collection[domain.Team]{
		store:  store,
		entity: domain.EntityTeam,
		list:   domain.TransactionView.ListTeams,
		find:   domain.TransactionView.FindTeam,
		id:     func(t domain.Team) string { return t.ID },
		fields: map[string]Field[domain.Team]{
			"id":       func(t domain.Team) string { return t.ID },
			"name":     func(t domain.Team) string { return t.Name },
			"owner_id": func(t domain.Team) string { return t.OwnerID },
		},
	}
}

// TeamMembers exposes the member sub-collection of one team.
func TeamMembers(store domain.PersistentStore, teamID string) *Collection[domain.TeamMember] {
	return &Collection[domain.TeamMember]{
		store:  store,
		entity: domain.EntityTeamMember,
		scope:  teamID,
		list:   domain.TransactionView.ListTeamMembers,
		find:   domain.TransactionView.FindTeamMember,
		id:     func(m domain.TeamMember) string { return m.ID },
		filter: func(m domain.TeamMember) bool { return m.TeamID == teamID },
		fields: map[string]Field[domain.TeamMember]{
			"id":        func(m domain.TeamMember) string { return m.ID },
			"email":     func(m domain.TeamMember) string { return m.Email },
			"name":      func(m domain.TeamMember) string { return m.Name },
			"device_id": func(m domain.TeamMember) string { return m.DeviceID },
		},
	}
}

// AllTeamMembers exposes member rows of every team, as needed by reconciliation.
func AllTeamMembers(store domain.PersistentStore) *Collection[domain.TeamMember] {
	return &Collection[domain.TeamMember]{
		store:  store,
		entity: domain.EntityTeamMember,
		list:   domain.TransactionView.ListTeamMembers,
		find:   domain.TransactionView.FindTeamMember,
		id:     func(m domain.TeamMember) string { return m.ID },
		fields: map[string]Field[domain.TeamMember]{
			"id":      func(m domain.TeamMember) string { return m.ID },
			"team_id": func(m domain.TeamMember) string { return m.TeamID },
			"email":   func(m domain.TeamMember) string { return m.Email },
		},
	}
}

// Memberships exposes the flat membership table used for access checks.
func Memberships(store domain.PersistentStore) *Collection[domain.Membership] {
	return &Collection[domain.Membership]{
		store:  store,
		entity: domain.EntityMembership,
		list:   domain.TransactionView.ListMemberships,
		find:   domain.TransactionView.FindMembership,
		id:     func(m domain.Membership) string { return m.ID },
		fields: map[string]Field[domain.Membership]{
			"id":      func(m domain.Membership) string { return m.ID },
			"team_id": func(m domain.Membership) string { return m.TeamID },
			"email":   func(m domain.Membership) string { return m.Email },
			"role":    func(m domain.Membership) string { return string(m.Role) },
		},
	}
}

// Installations exposes the installations collection.
func Installations(store domain.PersistentStore) *Collection[domain.Installation] {
	return &Collection[domain.Installation]{
		store:  store,
		entity: domain.EntityInstallation,
		list:   domain.TransactionView.ListInstallations,
		find:   domain.TransactionView.FindInstallation,
		id:     func(i domain.Installation) string { return i.ID },
		fields: map[string]Field[domain.Installation]{
			"id":                  func(i domain.Installation) string { return i.ID },
			"device_id":           func(i domain.Installation) string { return i.DeviceID },
			"location_id":         func(i domain.Installation) string { return i.LocationID },
			"status":              func(i domain.Installation) string { return string(i.Status) },
			"installed_by":        func(i domain.Installation) string { return i.InstalledBy },
			"team_id":             func(i domain.Installation) string { return deref(i.TeamID) },
			"system_pre_verified": func(i domain.Installation) string { return strconv.FormatBool(i.SystemPreVerified) },
			"created_at":          func(i domain.Installation) string { return i.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z") },
		},
	}
}

// ServerData exposes the read-only telemetry feed.
func ServerData(store domain.PersistentStore) *Collection[domain.ServerData] {
	return &Collection[domain.ServerData]{
		store:  store,
		entity: domain.EntityServerData,
		list:   domain.TransactionView.ListServerData,
		find:   domain.TransactionView.FindServerData,
		id:     func(d domain.ServerData) string { return d.ID },
		fields: map[string]Field[domain.ServerData]{
			"id":        func(d domain.ServerData) string { return d.ID },
			"device_id": func(d domain.ServerData) string { return d.DeviceID },
		},
	}
}
