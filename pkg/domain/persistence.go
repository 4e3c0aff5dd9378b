package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateDevice(Device) (Device, error)
	UpdateDevice(id string, mutator func(*Device) error) (Device, error)
	CreateLocation(Location) (Location, error)
	CreateTeam(Team) (Team, error)
	UpdateTeam(id string, mutator func(*Team) error) (Team, error)
	DeleteTeam(id string) error
	CreateTeamMember(TeamMember) (TeamMember, error)
	DeleteTeamMember(id string) error
	CreateMembership(Membership) (Membership, error)
	DeleteMembership(id string) error
	CreateInstallation(Installation) (Installation, error)
	UpdateInstallation(id string, mutator func(*Installation) error) (Installation, error)
	PutServerData(ServerData) (ServerData, error)
	FindDevice(id string) (Device, bool)
	FindTeam(id string) (Team, bool)
	FindInstallation(id string) (Installation, bool)
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	ListDevices() []Device
	ListLocations() []Location
	ListTeams() []Team
	ListTeamMembers() []TeamMember
	ListMemberships() []Membership
	ListInstallations() []Installation
	ListServerData() []ServerData
	FindDevice(id string) (Device, bool)
	FindLocation(id string) (Location, bool)
	FindTeam(id string) (Team, bool)
	FindTeamMember(id string) (TeamMember, bool)
	FindMembership(id string) (Membership, bool)
	FindInstallation(id string) (Installation, bool)
	FindServerData(deviceID string) (ServerData, bool)
}

// Notification signals that a collection changed. Seq increases monotonically per store.
type Notification struct {
	Entity EntityType
	Seq    uint64
}

// Watch is a live registration for change notifications on one collection.
// Notifications coalesce: a slow reader observes only the latest pending one.
type Watch interface {
	C() <-chan Notification
	Close()
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Watch(entity EntityType) Watch
}
