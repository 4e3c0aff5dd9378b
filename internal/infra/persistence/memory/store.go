// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments, and as the working set of the
// snapshotting SQL backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"installcore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Device aliases domain.Device for in-memory persistence operations.
	Device = domain.Device
	// Location aliases domain.Location.
	Location = domain.Location
	// Team aliases domain.Team.
	Team = domain.Team
	// TeamMember aliases domain.TeamMember.
	TeamMember = domain.TeamMember
	// Membership aliases domain.Membership.
	Membership = domain.Membership
	// Installation aliases domain.Installation.
	Installation = domain.Installation
	// ServerData aliases domain.ServerData.
	ServerData = domain.ServerData
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	devices       map[string]Device
	locations     map[string]Location
	teams         map[string]Team
	members       map[string]TeamMember
	memberships   map[string]Membership
	installations map[string]Installation
	serverData    map[string]ServerData
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Devices       map[string]Device       `json:"devices"`
	Locations     map[string]Location     `json:"locations"`
	Teams         map[string]Team         `json:"teams"`
	Members       map[string]TeamMember   `json:"members"`
	Memberships   map[string]Membership   `json:"memberships"`
	Installations map[string]Installation `json:"installations"`
	ServerData    map[string]ServerData   `json:"server_data"`
}

func newMemoryState() memoryState {
	return memoryState{
		devices:       make(map[string]Device),
		locations:     make(map[string]Location),
		teams:         make(map[string]Team),
		members:       make(map[string]TeamMember),
		memberships:   make(map[string]Membership),
		installations: make(map[string]Installation),
		serverData:    make(map[string]ServerData),
	}
}

func cloneMap[T any](src map[string]T, clone func(T) T) map[string]T {
	out := make(map[string]T, len(src))
	for k, v := range src {
		out[k] = clone(v)
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	return Snapshot{
		Devices:       cloneMap(state.devices, cloneDevice),
		Locations:     cloneMap(state.locations, identity[Location]),
		Teams:         cloneMap(state.teams, identity[Team]),
		Members:       cloneMap(state.members, identity[TeamMember]),
		Memberships:   cloneMap(state.memberships, identity[Membership]),
		Installations: cloneMap(state.installations, cloneInstallation),
		ServerData:    cloneMap(state.serverData, identity[ServerData]),
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	return memoryState{
		devices:       cloneMap(s.Devices, cloneDevice),
		locations:     cloneMap(s.Locations, identity[Location]),
		teams:         cloneMap(s.Teams, identity[Team]),
		members:       cloneMap(s.Members, identity[TeamMember]),
		memberships:   cloneMap(s.Memberships, identity[Membership]),
		installations: cloneMap(s.Installations, cloneInstallation),
		serverData:    cloneMap(s.ServerData, identity[ServerData]),
	}
}

// migrateSnapshot normalises snapshots written by older builds: missing buckets,
// unset statuses, and server data keyed by something other than the device id.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Devices == nil {
		snapshot.Devices = map[string]Device{}
	}
	if snapshot.Locations == nil {
		snapshot.Locations = map[string]Location{}
	}
	if snapshot.Teams == nil {
		snapshot.Teams = map[string]Team{}
	}
	if snapshot.Members == nil {
		snapshot.Members = map[string]TeamMember{}
	}
	if snapshot.Memberships == nil {
		snapshot.Memberships = map[string]Membership{}
	}
	if snapshot.Installations == nil {
		snapshot.Installations = map[string]Installation{}
	}
	if snapshot.ServerData == nil {
		snapshot.ServerData = map[string]ServerData{}
	}

	for id, device := range snapshot.Devices {
		if device.Status == "" {
			device.Status = domain.DeviceStatusPending
		}
		device.ID = id
		snapshot.Devices[id] = device
	}
	for id, inst := range snapshot.Installations {
		if inst.Status == "" {
			inst.Status = domain.InstallationPending
		}
		inst.ID = id
		snapshot.Installations[id] = inst
	}
	for id, data := range snapshot.ServerData {
		if data.DeviceID == "" {
			data.DeviceID = id
		}
		if data.DeviceID != id {
			delete(snapshot.ServerData, id)
		}
		data.ID = data.DeviceID
		snapshot.ServerData[data.DeviceID] = data
	}
	return snapshot
}

func (s memoryState) clone() memoryState {
	return memoryStateFromSnapshot(snapshotFromMemoryState(s))
}

func identity[T any](v T) T { return v }

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneDevice(d Device) Device {
	cp := d
	cp.BoxNumber = cloneString(d.BoxNumber)
	cp.AssignedTeamID = cloneString(d.AssignedTeamID)
	cp.AssignedInstallerName = cloneString(d.AssignedInstallerName)
	return cp
}

func cloneInstallation(i Installation) Installation {
	cp := i
	cp.Latitude = cloneFloat(i.Latitude)
	cp.Longitude = cloneFloat(i.Longitude)
	cp.TeamID = cloneString(i.TeamID)
	cp.SystemPreVerifiedAt = cloneTime(i.SystemPreVerifiedAt)
	cp.VerifiedAt = cloneTime(i.VerifiedAt)
	if i.ImageURLs != nil {
		cp.ImageURLs = append([]string(nil), i.ImageURLs...)
	}
	return cp
}

func sortedValues[T any](m map[string]T, clone func(T) T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, clone(m[k]))
	}
	return out
}

func find[T any](m map[string]T, id string, clone func(T) T) (T, bool) {
	v, ok := m[id]
	if !ok {
		var zero T
		return zero, false
	}
	return clone(v), true
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	idFn   func() string

	watchMu  sync.Mutex
	watchers map[domain.EntityType]map[*watch]struct{}
	seq      uint64
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithIDGenerator overrides the generator used for records created without an id.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.idFn = fn
		}
	}
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:    newMemoryState(),
		engine:   engine,
		nowFn:    func() time.Time { return time.Now().UTC() },
		idFn:     uuid.NewString,
		watchers: make(map[domain.EntityType]map[*watch]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot and notifies
// every watcher, since any collection may have changed.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
	s.notify(domain.AllEntities)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the committed state only when fn succeeds and the rules
// engine reports no blocking violations; watchers of every touched collection
// are then notified.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	s.notify(tx.touched())
	return result, nil
}

// View executes fn against a read-only snapshot of the store state. Commits
// replace the state wholesale and accessors copy on read, so the committed maps
// are shared rather than cloned.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state
	s.mu.RUnlock()

	view := newTransactionView(&snapshot)
	return fn(view)
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) touched() []domain.EntityType {
	seen := make(map[domain.EntityType]struct{}, len(tx.changes))
	var out []domain.EntityType
	for _, c := range tx.changes {
		if _, ok := seen[c.Entity]; ok {
			continue
		}
		seen[c.Entity] = struct{}{}
		out = append(out, c.Entity)
	}
	return out
}

func (tx *transaction) newID(id string) string {
	if id != "" {
		return id
	}
	return tx.store.idFn()
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindDevice exposes device lookup within the transaction scope.
func (tx *transaction) FindDevice(id string) (Device, bool) {
	return find(tx.state.devices, id, cloneDevice)
}

// FindTeam exposes team lookup within the transaction scope.
func (tx *transaction) FindTeam(id string) (Team, bool) {
	return find(tx.state.teams, id, identity[Team])
}

// FindInstallation exposes installation lookup within the transaction scope.
func (tx *transaction) FindInstallation(id string) (Installation, bool) {
	return find(tx.state.installations, id, cloneInstallation)
}

// CreateDevice stores a new device. Devices are addressed by their manufacturer id.
func (tx *transaction) CreateDevice(d Device) (Device, error) {
	d.ID = tx.newID(d.ID)
	if _, exists := tx.state.devices[d.ID]; exists {
		return Device{}, fmt.Errorf("device %q already exists", d.ID)
	}
	if d.Status == "" {
		d.Status = domain.DeviceStatusPending
	}
	d.CreatedAt = tx.now
	d.UpdatedAt = tx.now
	tx.state.devices[d.ID] = cloneDevice(d)
	tx.recordChange(Change{Entity: domain.EntityDevice, Action: domain.ActionCreate, After: cloneDevice(d)})
	return cloneDevice(d), nil
}

// UpdateDevice mutates a device using the provided mutator function.
func (tx *transaction) UpdateDevice(id string, mutator func(*Device) error) (Device, error) {
	current, ok := tx.state.devices[id]
	if !ok {
		return Device{}, domain.NotFoundError{Entity: domain.EntityDevice, ID: id}
	}
	before := cloneDevice(current)
	current = cloneDevice(current)
	if err := mutator(&current); err != nil {
		return Device{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.devices[id] = cloneDevice(current)
	tx.recordChange(Change{Entity: domain.EntityDevice, Action: domain.ActionUpdate, Before: before, After: cloneDevice(current)})
	return cloneDevice(current), nil
}

// CreateLocation stores a surveyed location. Locations are immutable once created.
func (tx *transaction) CreateLocation(l Location) (Location, error) {
	if l.LocationID == "" {
		return Location{}, domain.InvalidInput("location id is required")
	}
	l.ID = tx.newID(l.ID)
	if _, exists := tx.state.locations[l.ID]; exists {
		return Location{}, fmt.Errorf("location %q already exists", l.ID)
	}
	l.CreatedAt = tx.now
	l.UpdatedAt = tx.now
	tx.state.locations[l.ID] = l
	tx.recordChange(Change{Entity: domain.EntityLocation, Action: domain.ActionCreate, After: l})
	return l, nil
}

// CreateTeam stores a new team.
func (tx *transaction) CreateTeam(t Team) (Team, error) {
	t.ID = tx.newID(t.ID)
	if _, exists := tx.state.teams[t.ID]; exists {
		return Team{}, fmt.Errorf("team %q already exists", t.ID)
	}
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.teams[t.ID] = t
	tx.recordChange(Change{Entity: domain.EntityTeam, Action: domain.ActionCreate, After: t})
	return t, nil
}

// UpdateTeam mutates an existing team.
func (tx *transaction) UpdateTeam(id string, mutator func(*Team) error) (Team, error) {
	current, ok := tx.state.teams[id]
	if !ok {
		return Team{}, domain.NotFoundError{Entity: domain.EntityTeam, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Team{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.teams[id] = current
	tx.recordChange(Change{Entity: domain.EntityTeam, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteTeam removes the team document only; member and membership rows are
// independent documents and are removed by the caller.
func (tx *transaction) DeleteTeam(id string) error {
	current, ok := tx.state.teams[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityTeam, ID: id}
	}
	delete(tx.state.teams, id)
	tx.recordChange(Change{Entity: domain.EntityTeam, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateTeamMember adds a row to a team's member sub-collection.
func (tx *transaction) CreateTeamMember(m TeamMember) (TeamMember, error) {
	if _, ok := tx.state.teams[m.TeamID]; !ok {
		return TeamMember{}, domain.NotFoundError{Entity: domain.EntityTeam, ID: m.TeamID}
	}
	m.ID = tx.newID(m.ID)
	if _, exists := tx.state.members[m.ID]; exists {
		return TeamMember{}, fmt.Errorf("team member %q already exists", m.ID)
	}
	if m.AddedAt.IsZero() {
		m.AddedAt = tx.now
	}
	m.CreatedAt = tx.now
	m.UpdatedAt = tx.now
	tx.state.members[m.ID] = m
	tx.recordChange(Change{Entity: domain.EntityTeamMember, Action: domain.ActionCreate, After: m})
	return m, nil
}

// DeleteTeamMember removes a member sub-collection row.
func (tx *transaction) DeleteTeamMember(id string) error {
	current, ok := tx.state.members[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityTeamMember, ID: id}
	}
	delete(tx.state.members, id)
	tx.recordChange(Change{Entity: domain.EntityTeamMember, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateMembership adds a row to the flat membership table. The team reference is
// not checked: the table is a soft index maintained beside the member rows.
func (tx *transaction) CreateMembership(m Membership) (Membership, error) {
	m.ID = tx.newID(m.ID)
	if _, exists := tx.state.memberships[m.ID]; exists {
		return Membership{}, fmt.Errorf("membership %q already exists", m.ID)
	}
	m.CreatedAt = tx.now
	m.UpdatedAt = tx.now
	tx.state.memberships[m.ID] = m
	tx.recordChange(Change{Entity: domain.EntityMembership, Action: domain.ActionCreate, After: m})
	return m, nil
}

// DeleteMembership removes a flat membership row.
func (tx *transaction) DeleteMembership(id string) error {
	current, ok := tx.state.memberships[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityMembership, ID: id}
	}
	delete(tx.state.memberships, id)
	tx.recordChange(Change{Entity: domain.EntityMembership, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateInstallation stores a new installation record.
func (tx *transaction) CreateInstallation(i Installation) (Installation, error) {
	i.ID = tx.newID(i.ID)
	if _, exists := tx.state.installations[i.ID]; exists {
		return Installation{}, fmt.Errorf("installation %q already exists", i.ID)
	}
	if i.Status == "" {
		i.Status = domain.InstallationPending
	}
	i.CreatedAt = tx.now
	i.UpdatedAt = tx.now
	tx.state.installations[i.ID] = cloneInstallation(i)
	tx.recordChange(Change{Entity: domain.EntityInstallation, Action: domain.ActionCreate, After: cloneInstallation(i)})
	return cloneInstallation(i), nil
}

// UpdateInstallation mutates an existing installation.
func (tx *transaction) UpdateInstallation(id string, mutator func(*Installation) error) (Installation, error) {
	current, ok := tx.state.installations[id]
	if !ok {
		return Installation{}, domain.NotFoundError{Entity: domain.EntityInstallation, ID: id}
	}
	before := cloneInstallation(current)
	current = cloneInstallation(current)
	if err := mutator(&current); err != nil {
		return Installation{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.installations[id] = cloneInstallation(current)
	tx.recordChange(Change{Entity: domain.EntityInstallation, Action: domain.ActionUpdate, Before: before, After: cloneInstallation(current)})
	return cloneInstallation(current), nil
}

// PutServerData upserts the telemetry record for a device.
func (tx *transaction) PutServerData(d ServerData) (ServerData, error) {
	if d.DeviceID == "" {
		return ServerData{}, domain.InvalidInput("server data requires a device id")
	}
	d.ID = d.DeviceID
	if d.RecordedAt.IsZero() {
		d.RecordedAt = tx.now
	}
	action := domain.ActionCreate
	var before any
	if existing, ok := tx.state.serverData[d.ID]; ok {
		action = domain.ActionUpdate
		before = existing
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = tx.now
	}
	d.UpdatedAt = tx.now
	tx.state.serverData[d.ID] = d
	tx.recordChange(Change{Entity: domain.EntityServerData, Action: action, Before: before, After: d})
	return d, nil
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) transactionView {
	return transactionView{state: state}
}

// ListDevices returns all devices ordered by id.
func (v transactionView) ListDevices() []Device {
	return sortedValues(v.state.devices, cloneDevice)
}

// ListLocations returns all locations ordered by document id.
func (v transactionView) ListLocations() []Location {
	return sortedValues(v.state.locations, identity[Location])
}

// ListTeams returns all teams ordered by id.
func (v transactionView) ListTeams() []Team {
	return sortedValues(v.state.teams, identity[Team])
}

// ListTeamMembers returns member rows across all teams.
func (v transactionView) ListTeamMembers() []TeamMember {
	return sortedValues(v.state.members, identity[TeamMember])
}

// ListMemberships returns the flat membership table.
func (v transactionView) ListMemberships() []Membership {
	return sortedValues(v.state.memberships, identity[Membership])
}

// ListInstallations returns all installations ordered by id.
func (v transactionView) ListInstallations() []Installation {
	return sortedValues(v.state.installations, cloneInstallation)
}

// ListServerData returns telemetry records ordered by device id.
func (v transactionView) ListServerData() []ServerData {
	return sortedValues(v.state.serverData, identity[ServerData])
}

func (v transactionView) FindDevice(id string) (Device, bool) {
	return find(v.state.devices, id, cloneDevice)
}

func (v transactionView) FindLocation(id string) (Location, bool) {
	return find(v.state.locations, id, identity[Location])
}

func (v transactionView) FindTeam(id string) (Team, bool) {
	return find(v.state.teams, id, identity[Team])
}

func (v transactionView) FindTeamMember(id string) (TeamMember, bool) {
	return find(v.state.members, id, identity[TeamMember])
}

func (v transactionView) FindMembership(id string) (Membership, bool) {
	return find(v.state.memberships, id, identity[Membership])
}

func (v transactionView) FindInstallation(id string) (Installation, bool) {
	return find(v.state.installations, id, cloneInstallation)
}

func (v transactionView) FindServerData(deviceID string) (ServerData, bool) {
	return find(v.state.serverData, deviceID, identity[ServerData])
}
