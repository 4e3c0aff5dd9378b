package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"installcore/pkg/domain"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func fixture() Inputs {
	return Inputs{
		Devices: []domain.Device{
			{Base: domain.Base{ID: "D1"}, DeviceSerialID: "SN1", BoxNumber: ptr("5"), AssignedTeamID: ptr("T1")},
			{Base: domain.Base{ID: "D2"}, DeviceSerialID: "SN2", BoxNumber: ptr("5"), AssignedTeamID: ptr("T1"), BoxOpened: true},
			{Base: domain.Base{ID: "D3"}, DeviceSerialID: "SN3", BoxNumber: ptr("5"), AssignedTeamID: ptr("T1")},
			{Base: domain.Base{ID: "D4"}, DeviceSerialID: "SN4", BoxNumber: ptr("12"), AssignedTeamID: ptr("T2")},
			{Base: domain.Base{ID: "D5"}, DeviceSerialID: "SN5", BoxNumber: ptr("7")},
		},
		Locations: []domain.Location{
			{Base: domain.Base{ID: "loc-doc-1"}, LocationID: "L1", Latitude: 10, Longitude: 20},
		},
		Teams: []domain.Team{
			{Base: domain.Base{ID: "T1"}, Name: "North"},
		},
		Installations: []domain.Installation{
			{Base: domain.Base{ID: "I1", CreatedAt: t0}, DeviceID: "D1", LocationID: "L1", Latitude: ptr(1.0), Longitude: ptr(2.0), Status: domain.InstallationPending, TeamID: ptr("T1")},
			{Base: domain.Base{ID: "I2", CreatedAt: t0.Add(time.Minute)}, DeviceID: "D2", LocationID: "missing", Latitude: ptr(3.0), Longitude: ptr(4.0), Status: domain.InstallationVerified, TeamID: ptr("T1")},
			{Base: domain.Base{ID: "I3", CreatedAt: t0.Add(2 * time.Minute)}, DeviceID: "GHOST", Status: domain.InstallationFlagged, FlaggedReason: "no signal"},
			{Base: domain.Base{ID: "I4", CreatedAt: t0.Add(3 * time.Minute)}, DeviceID: "D4", Status: domain.InstallationPending, TeamID: ptr("T2")},
		},
	}
}

func byID(enriched []EnrichedInstallation) map[string]EnrichedInstallation {
	out := make(map[string]EnrichedInstallation, len(enriched))
	for _, e := range enriched {
		out[e.Installation.ID] = e
	}
	return out
}

func TestEnrichJoinsAndDegradesMissingPartners(t *testing.T) {
	in := fixture()
	enriched := byID(Enrich(BuildIndex(in)))

	i1 := enriched["I1"]
	if i1.Device == nil || i1.Device.ID != "D1" || i1.Location == nil || i1.Team == nil || i1.Team.Name != "North" {
		t.Fatalf("expected full join for I1, got %+v", i1)
	}
	i3 := enriched["I3"]
	if i3.Device != nil {
		t.Fatalf("expected nil device for dangling reference, got %+v", i3.Device)
	}
	if i3.Team != nil || i3.Location != nil {
		t.Fatalf("expected nil team and location for I3")
	}
	i4 := enriched["I4"]
	if i4.Team != nil {
		t.Fatalf("expected nil team for unknown team id T2")
	}
}

func TestEnrichIsDeterministic(t *testing.T) {
	in := fixture()
	first := Compose(in)
	second := Compose(in)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("recomposition not deterministic (-first +second):\n%s", diff)
	}

	shuffled := fixture()
	r := rand.New(rand.NewSource(7))
	r.Shuffle(len(shuffled.Installations), func(i, j int) {
		shuffled.Installations[i], shuffled.Installations[j] = shuffled.Installations[j], shuffled.Installations[i]
	})
	r.Shuffle(len(shuffled.Devices), func(i, j int) {
		shuffled.Devices[i], shuffled.Devices[j] = shuffled.Devices[j], shuffled.Devices[i]
	})
	if diff := cmp.Diff(first, Compose(shuffled)); diff != "" {
		t.Fatalf("output depends on snapshot order (-want +got):\n%s", diff)
	}
}

func TestComposeDoesNotMutateInputs(t *testing.T) {
	in := fixture()
	before := fixture()
	_ = Compose(in)
	if diff := cmp.Diff(before, in); diff != "" {
		t.Fatalf("inputs mutated (-before +after):\n%s", diff)
	}
}

func TestActiveInstallationPicksLatest(t *testing.T) {
	in := fixture()
	in.Installations = append(in.Installations,
		domain.Installation{Base: domain.Base{ID: "I1-retry", CreatedAt: t0.Add(time.Hour)}, DeviceID: "D1", Status: domain.InstallationPending},
		domain.Installation{Base: domain.Base{ID: "I0-old", CreatedAt: t0.Add(-time.Hour)}, DeviceID: "D1", Status: domain.InstallationPending},
	)
	idx := BuildIndex(in)
	active, ok := idx.ActiveInstallation("D1")
	if !ok || active.ID != "I1-retry" {
		t.Fatalf("expected latest installation to be active, got %+v", active)
	}
	if idx.Superseded != 2 {
		t.Fatalf("expected 2 superseded installations, got %d", idx.Superseded)
	}
	enriched := Enrich(idx)
	count := 0
	for _, e := range enriched {
		if e.Installation.DeviceID == "D1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one enriched installation per device, got %d", count)
	}
}

func TestActiveInstallationTieBreaksOnID(t *testing.T) {
	in := Inputs{Installations: []domain.Installation{
		{Base: domain.Base{ID: "b", CreatedAt: t0}, DeviceID: "D1"},
		{Base: domain.Base{ID: "a", CreatedAt: t0}, DeviceID: "D1"},
	}}
	active, _ := BuildIndex(in).ActiveInstallation("D1")
	if active.ID != "b" {
		t.Fatalf("expected larger id to win a createdAt tie, got %s", active.ID)
	}
}

func TestBoxGroupsCountsInstalledAndPending(t *testing.T) {
	in := fixture()
	groups := BoxGroups(in.Devices, BuildIndex(in))
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups (device without team excluded), got %+v", groups)
	}
	// "12" sorts before "5" lexicographically.
	if groups[0].BoxNumber != "12" || groups[1].BoxNumber != "5" {
		t.Fatalf("expected lexicographic box order, got %s, %s", groups[0].BoxNumber, groups[1].BoxNumber)
	}
	box5 := groups[1]
	if box5.TeamID != "T1" || box5.InstalledCount != 2 || box5.PendingCount != 1 {
		t.Fatalf("expected T1/5 installed=2 pending=1, got %+v", box5)
	}
	if !box5.Opened {
		t.Fatalf("expected box 5 opened")
	}
	if diff := cmp.Diff([]string{"D1", "D2", "D3"}, box5.DeviceIDs); diff != "" {
		t.Fatalf("device ids mismatch:\n%s", diff)
	}
}

func TestTeamRollupsUseSentinelForUnassigned(t *testing.T) {
	rollups := TeamRollups(Enrich(BuildIndex(fixture())))
	want := []TeamRollup{
		{TeamID: "T1", TeamName: "North", Found: true, Total: 2, Pending: 1, Verified: 1},
		{TeamID: "T2", Total: 1, Pending: 1},
		{TeamID: UnassignedTeamKey, Total: 1, Flagged: 1},
	}
	if diff := cmp.Diff(want, rollups); diff != "" {
		t.Fatalf("rollups mismatch (-want +got):\n%s", diff)
	}
}

func TestMapMarkersPreferLocation(t *testing.T) {
	markers := MapMarkers(Enrich(BuildIndex(fixture())))
	got := make(map[string]MapMarker, len(markers))
	for _, m := range markers {
		got[m.InstallationID] = m
	}
	if len(markers) != 2 {
		t.Fatalf("expected markers only for resolvable coordinates, got %+v", markers)
	}
	if m := got["I1"]; m.Source != SourceLocation || m.Latitude != 10 || m.Longitude != 20 {
		t.Fatalf("expected location coordinates for I1, got %+v", m)
	}
	if m := got["I2"]; m.Source != SourceInstallation || m.Latitude != 3 || m.Longitude != 4 {
		t.Fatalf("expected raw coordinates fallback for I2, got %+v", m)
	}
}

func TestSummarize(t *testing.T) {
	derived := Compose(fixture())
	want := Stats{Total: 4, Pending: 2, Verified: 1, Flagged: 1, MissingDevice: 1, MissingLocation: 1}
	if diff := cmp.Diff(want, derived.Stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateLocationIDPicksLowestDocument(t *testing.T) {
	in := Inputs{Locations: []domain.Location{
		{Base: domain.Base{ID: "z"}, LocationID: "L1", Latitude: 9},
		{Base: domain.Base{ID: "a"}, LocationID: "L1", Latitude: 1},
	}}
	loc, ok := BuildIndex(in).Location("L1")
	if !ok || loc.ID != "a" {
		t.Fatalf("expected lowest document id to win, got %+v", loc)
	}
}

func TestRepeatedDeviceIDKeepsFirstRecord(t *testing.T) {
	in := Inputs{Devices: []domain.Device{
		{Base: domain.Base{ID: "D1"}, DeviceSerialID: "SN-first"},
		{Base: domain.Base{ID: "D1"}, DeviceSerialID: "SN-second"},
	}}
	d, ok := BuildIndex(in).Device("D1")
	if !ok || d.DeviceSerialID != "SN-first" {
		t.Fatalf("expected first record to be kept, got %+v", d)
	}
}
