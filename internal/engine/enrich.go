package engine

import (
	"sort"

	"installcore/pkg/domain"
)

// EnrichedInstallation attaches joined records to an installation. A nil partner
// means the soft reference points at nothing and consumers render "not found".
type EnrichedInstallation struct {
	Installation domain.Installation `json:"installation"`
	Device       *domain.Device      `json:"device"`
	Location     *domain.Location    `json:"location"`
	Team         *domain.Team        `json:"team"`
}

// TeamID returns the denormalized team id, or "" when unassigned.
func (e EnrichedInstallation) TeamID() string {
	if e.Installation.TeamID == nil {
		return ""
	}
	return *e.Installation.TeamID
}

// Enrich joins every active installation against the index. Output is ordered by
// createdAt descending, then id, so repeated runs over the same snapshots produce
// identical slices.
func Enrich(idx Index) []EnrichedInstallation {
	out := make([]EnrichedInstallation, 0, len(idx.active))
	for _, inst := range idx.active {
		out = append(out, enrichOne(idx, inst))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Installation, out[j].Installation
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func enrichOne(idx Index, inst domain.Installation) EnrichedInstallation {
	e := EnrichedInstallation{Installation: inst}
	if d, ok := idx.Device(inst.DeviceID); ok {
		e.Device = &d
	}
	if inst.LocationID != "" {
		if l, ok := idx.Location(inst.LocationID); ok {
			e.Location = &l
		}
	}
	if inst.TeamID != nil {
		if t, ok := idx.Team(*inst.TeamID); ok {
			e.Team = &t
		}
	}
	return e
}

// Stats summarises enriched installations for the stats view.
type Stats struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	Verified        int `json:"verified"`
	Flagged         int `json:"flagged"`
	PreVerified     int `json:"pre_verified"`
	MissingDevice   int `json:"missing_device"`
	MissingLocation int `json:"missing_location"`
	Superseded      int `json:"superseded"`
}

// Summarize counts enriched installations by status and join completeness.
func Summarize(enriched []EnrichedInstallation, superseded int) Stats {
	s := Stats{Total: len(enriched), Superseded: superseded}
	for _, e := range enriched {
		switch e.Installation.Status {
		case domain.InstallationPending:
			s.Pending++
		case domain.InstallationVerified:
			s.Verified++
		case domain.InstallationFlagged:
			s.Flagged++
		}
		if e.Installation.SystemPreVerified {
			s.PreVerified++
		}
		if e.Device == nil {
			s.MissingDevice++
		}
		if e.Location == nil && e.Installation.LocationID != "" {
			s.MissingLocation++
		}
	}
	return s
}
