package engine

// Derived bundles every view computed from one set of input snapshots.
type Derived struct {
	Enriched []EnrichedInstallation `json:"enriched"`
	Boxes    []BoxGroup             `json:"boxes"`
	Teams    []TeamRollup           `json:"teams"`
	Markers  []MapMarker            `json:"markers"`
	Stats    Stats                  `json:"stats"`
}

// Compose runs one full recomposition: index, join, then every aggregate.
func Compose(in Inputs) Derived {
	idx := BuildIndex(in)
	enriched := Enrich(idx)
	return Derived{
		Enriched: enriched,
		Boxes:    BoxGroups(in.Devices, idx),
		Teams:    TeamRollups(enriched),
		Markers:  MapMarkers(enriched),
		Stats:    Summarize(enriched, idx.Superseded),
	}
}
