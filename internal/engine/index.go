// Package engine joins installations against devices, locations and teams held
// in separate collections and derives the aggregate views consumers render.
// Every function here is pure: output depends only on the input snapshots, and
// inputs are never mutated.
package engine

import (
	"installcore/pkg/domain"
)

// Inputs holds the four snapshots a recomposition works from.
type Inputs struct {
	Installations []domain.Installation
	Devices       []domain.Device
	Locations     []domain.Location
	Teams         []domain.Team
}

// Index holds one hash index per join target plus the active installation per device.
type Index struct {
	devices   map[string]domain.Device
	locations map[string]domain.Location
	teams     map[string]domain.Team
	active    map[string]domain.Installation
	// Superseded counts installations hidden behind a newer one for the same device.
	Superseded int
}

// BuildIndex builds every index in a single pass per collection. Device and team
// keys are document ids, so a snapshot holds each at most once; a repeat keeps the
// first record. Location ids are payload fields and may repeat, in which case the
// record with the lowest document id wins regardless of snapshot order.
func BuildIndex(in Inputs) Index {
	idx := Index{
		devices:   make(map[string]domain.Device, len(in.Devices)),
		locations: make(map[string]domain.Location, len(in.Locations)),
		teams:     make(map[string]domain.Team, len(in.Teams)),
		active:    make(map[string]domain.Installation, len(in.Installations)),
	}
	for _, d := range in.Devices {
		if _, ok := idx.devices[d.ID]; !ok {
			idx.devices[d.ID] = d
		}
	}
	for _, l := range in.Locations {
		if cur, ok := idx.locations[l.LocationID]; !ok || l.ID < cur.ID {
			idx.locations[l.LocationID] = l
		}
	}
	for _, t := range in.Teams {
		idx.teams[t.ID] = t
	}
	for _, inst := range in.Installations {
		key := activeKey(inst)
		cur, ok := idx.active[key]
		if !ok {
			idx.active[key] = inst
			continue
		}
		idx.Superseded++
		if newer(inst, cur) {
			idx.active[key] = inst
		}
	}
	return idx
}

// activeKey groups installations by device. Installations without a device id
// cannot collide with one another and keep their own key.
func activeKey(inst domain.Installation) string {
	if inst.DeviceID == "" {
		return "\x00" + inst.ID
	}
	return inst.DeviceID
}

// newer orders installations by createdAt, breaking ties on the larger id.
func newer(a, b domain.Installation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Device resolves a device id.
func (idx Index) Device(id string) (domain.Device, bool) {
	d, ok := idx.devices[id]
	return d, ok
}

// Location resolves an external location id.
func (idx Index) Location(locationID string) (domain.Location, bool) {
	l, ok := idx.locations[locationID]
	return l, ok
}

// Team resolves a team id.
func (idx Index) Team(id string) (domain.Team, bool) {
	t, ok := idx.teams[id]
	return t, ok
}

// ActiveInstallation returns the installation considered current for a device.
func (idx Index) ActiveInstallation(deviceID string) (domain.Installation, bool) {
	if deviceID == "" {
		return domain.Installation{}, false
	}
	inst, ok := idx.active[deviceID]
	return inst, ok
}

// HasInstallation reports whether any installation references the device.
func (idx Index) HasInstallation(deviceID string) bool {
	_, ok := idx.ActiveInstallation(deviceID)
	return ok
}
