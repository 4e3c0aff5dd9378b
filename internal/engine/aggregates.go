package engine

import (
	"sort"

	"github.com/samber/lo"

	"installcore/pkg/domain"
)

// UnassignedTeamKey buckets installations that carry no team id.
const UnassignedTeamKey = "__unassigned__"

// BoxGroup aggregates the devices shipped in one box for one team.
type BoxGroup struct {
	TeamID         string   `json:"team_id"`
	BoxNumber      string   `json:"box_number"`
	DeviceIDs      []string `json:"device_ids"`
	InstalledCount int      `json:"installed_count"`
	PendingCount   int      `json:"pending_count"`
	Opened         bool     `json:"opened"`
	InstallerName  string   `json:"installer_name,omitempty"`
}

type boxKey struct {
	team string
	box  string
}

// BoxGroups groups devices by (assigned team, box number). Devices missing either
// field do not participate. A device counts as installed when any installation
// references it. Groups are sorted by box number, then team id.
func BoxGroups(devices []domain.Device, idx Index) []BoxGroup {
	groups := make(map[boxKey]*BoxGroup)
	for _, d := range devices {
		if d.AssignedTeamID == nil || *d.AssignedTeamID == "" || d.BoxNumber == nil || *d.BoxNumber == "" {
			continue
		}
		key := boxKey{team: *d.AssignedTeamID, box: *d.BoxNumber}
		g, ok := groups[key]
		if !ok {
			g = &BoxGroup{TeamID: key.team, BoxNumber: key.box}
			groups[key] = g
		}
		g.DeviceIDs = append(g.DeviceIDs, d.ID)
		if idx.HasInstallation(d.ID) {
			g.InstalledCount++
		} else {
			g.PendingCount++
		}
		g.Opened = g.Opened || d.BoxOpened
		if d.AssignedInstallerName != nil && (g.InstallerName == "" || *d.AssignedInstallerName < g.InstallerName) {
			g.InstallerName = *d.AssignedInstallerName
		}
	}
	out := make([]BoxGroup, 0, len(groups))
	for _, g := range groups {
		g.DeviceIDs = lo.Uniq(g.DeviceIDs)
		sort.Strings(g.DeviceIDs)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BoxNumber != out[j].BoxNumber {
			return out[i].BoxNumber < out[j].BoxNumber
		}
		return out[i].TeamID < out[j].TeamID
	})
	return out
}

// TeamRollup counts installations attributed to one team.
type TeamRollup struct {
	TeamID   string `json:"team_id"`
	TeamName string `json:"team_name,omitempty"`
	Found    bool   `json:"found"`
	Total    int    `json:"total"`
	Pending  int    `json:"pending"`
	Verified int    `json:"verified"`
	Flagged  int    `json:"flagged"`
}

// TeamRollups counts enriched installations per team id. Installations without a
// team id go under UnassignedTeamKey, which sorts last; other keys sort by id.
func TeamRollups(enriched []EnrichedInstallation) []TeamRollup {
	rollups := make(map[string]*TeamRollup)
	for _, e := range enriched {
		key := e.TeamID()
		if key == "" {
			key = UnassignedTeamKey
		}
		r, ok := rollups[key]
		if !ok {
			r = &TeamRollup{TeamID: key}
			rollups[key] = r
		}
		if e.Team != nil {
			r.TeamName, r.Found = e.Team.Name, true
		}
		r.Total++
		switch e.Installation.Status {
		case domain.InstallationPending:
			r.Pending++
		case domain.InstallationVerified:
			r.Verified++
		case domain.InstallationFlagged:
			r.Flagged++
		}
	}
	keys := lo.Keys(rollups)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == UnassignedTeamKey || keys[j] == UnassignedTeamKey {
			return keys[j] == UnassignedTeamKey && keys[i] != UnassignedTeamKey
		}
		return keys[i] < keys[j]
	})
	return lo.Map(keys, func(k string, _ int) TeamRollup { return *rollups[k] })
}

// CoordinateSource records where a marker's coordinates came from.
type CoordinateSource string

// Marker coordinate sources.
const (
	SourceLocation     CoordinateSource = "location"
	SourceInstallation CoordinateSource = "installation"
)

// MapMarker is one plotted installation.
type MapMarker struct {
	InstallationID    string                    `json:"installation_id"`
	DeviceID          string                    `json:"device_id"`
	Latitude          float64                   `json:"latitude"`
	Longitude         float64                   `json:"longitude"`
	Source            CoordinateSource          `json:"source"`
	Status            domain.InstallationStatus `json:"status"`
	SystemPreVerified bool                      `json:"system_pre_verified"`
	TeamID            string                    `json:"team_id,omitempty"`
}

// MapMarkers emits one marker per enriched installation with resolvable
// coordinates. A joined location is authoritative; the installation's own
// coordinates are used only when no location joined.
func MapMarkers(enriched []EnrichedInstallation) []MapMarker {
	out := make([]MapMarker, 0, len(enriched))
	for _, e := range enriched {
		m := MapMarker{
			InstallationID:    e.Installation.ID,
			DeviceID:          e.Installation.DeviceID,
			Status:            e.Installation.Status,
			SystemPreVerified: e.Installation.SystemPreVerified,
			TeamID:            e.TeamID(),
		}
		if e.Location != nil {
			m.Latitude, m.Longitude, m.Source = e.Location.Latitude, e.Location.Longitude, SourceLocation
		} else if lat, lng, ok := e.Installation.Coordinates(); ok {
			m.Latitude, m.Longitude, m.Source = lat, lng, SourceInstallation
		} else {
			continue
		}
		out = append(out, m)
	}
	return out
}
