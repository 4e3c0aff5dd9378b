package composer

import (
	"time"

	"installcore/internal/engine"
	"installcore/pkg/domain"
)

// View is one published recomposition. Views are immutable once published;
// consumers must copy before changing anything they read from one.
type View struct {
	Seq        uint64    `json:"seq"`
	ComposedAt time.Time `json:"composed_at"`
	// Ready is false until all four joined collections have delivered a snapshot.
	Ready bool `json:"ready"`
	engine.Derived
	Members map[string][]domain.TeamMember `json:"members"`
	// Errors holds the latest failure per feed, keyed by collection or
	// collection/team for member feeds. The matching data is last-known-good.
	Errors map[string]domain.SubscriptionError `json:"errors,omitempty"`
}

// Healthy reports whether every feed is currently delivering.
func (v *View) Healthy() bool {
	return v != nil && len(v.Errors) == 0
}

// FeedKey returns the key used in View.Errors for a feed.
func FeedKey(entity domain.EntityType, scope string) string {
	if scope == "" {
		return string(entity)
	}
	return string(entity) + "/" + scope
}
