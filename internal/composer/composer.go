// Package composer keeps the latest snapshot of every joined collection and
// republishes a full recomposition whenever any of them changes.
package composer

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"installcore/internal/adapters/collections"
	"installcore/internal/engine"
	"installcore/pkg/domain"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("composer already running")

// Feed is a subscribable collection.
type Feed[T any] interface {
	Subscribe(ctx context.Context, predicate func(T) bool) *collections.Stream[collections.Snapshot[T]]
}

// Sources names the feeds a composer joins. Members opens the member feed of one team.
type Sources struct {
	Installations Feed[domain.Installation]
	Devices       Feed[domain.Device]
	Locations     Feed[domain.Location]
	Teams         Feed[domain.Team]
	Members       func(teamID string) Feed[domain.TeamMember]
}

// StoreSources wires every feed to a store.
func StoreSources(store domain.PersistentStore) Sources {
	return Sources{
		Installations: collections.Installations(store),
		Devices:       collections.Devices(store),
		Locations:     collections.Locations(store),
		Teams:         collections.Teams(store),
		Members: func(teamID string) Feed[domain.TeamMember] {
			return collections.TeamMembers(store, teamID)
		},
	}
}

// Options configures a Composer.
type Options struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Composer is the single writer of the aggregated state. Run owns all mutable
// state; readers only ever see published Views.
type Composer struct {
	src     Sources
	logger  *zap.Logger
	metrics *metrics
	now     func() time.Time

	running     atomic.Bool
	current     atomic.Pointer[View]
	memberFeeds atomic.Int64

	subMu sync.Mutex
	subs  map[*collections.Stream[*View]]struct{}

	// loop-owned
	state state
	seq   uint64
}

type state struct {
	installations []domain.Installation
	devices       []domain.Device
	locations     []domain.Location
	teams         []domain.Team
	members       map[string][]domain.TeamMember
	seen          map[domain.EntityType]bool
	errors        map[string]domain.SubscriptionError
}

// New constructs a composer. Nothing is subscribed until Run.
func New(src Sources, opts Options) *Composer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Composer{
		src:     src,
		logger:  logger.Named("composer"),
		metrics: newMetrics(opts.Registerer),
		now:     now,
		subs:    make(map[*collections.Stream[*View]]struct{}),
		state: state{
			members: make(map[string][]domain.TeamMember),
			seen:    make(map[domain.EntityType]bool),
			errors:  make(map[string]domain.SubscriptionError),
		},
	}
}

// Current returns the latest published view, or nil before the first one.
func (c *Composer) Current() *View {
	return c.current.Load()
}

// MemberFeeds reports how many per-team member subscriptions are open.
func (c *Composer) MemberFeeds() int {
	return int(c.memberFeeds.Load())
}

// Subscribe returns a latest-wins stream of views. The current view, if any, is
// delivered first. Close the stream to unsubscribe.
func (c *Composer) Subscribe() *collections.Stream[*View] {
	stream := collections.NewStream[*View]()
	// publish fans out under subMu, so the view loaded here can only be
	// followed by newer ones.
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[stream] = struct{}{}
	if v := c.current.Load(); v != nil {
		stream.Publish(v)
	}
	return stream
}

type event struct {
	entity domain.EntityType
	team   string
	gen    uint64
	apply  func(*state)
	err    error
	closed bool
}

// forward moves snapshots from one stream into the composer loop until ctx ends
// or the stream closes, and always releases the stream.
func forward[T any](ctx context.Context, out chan<- event, stream *collections.Stream[collections.Snapshot[T]], base event, assign func(*state, []T)) {
	defer stream.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-stream.C():
			ev := base
			switch {
			case !ok:
				ev.closed = true
			case snap.Err != nil:
				ev.err = snap.Err
			default:
				records := snap.Records
				ev.apply = func(s *state) { assign(s, records) }
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
		}
	}
}

// Run subscribes to every feed and recomposes on each emission until ctx is
// cancelled. All subscriptions are released before Run returns.
func (c *Composer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan event)
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	memberCancel := context.CancelFunc(func() {})
	defer func() {
		memberCancel()
		cancel()
		wg.Wait()
		c.memberFeeds.Store(0)
		c.metrics.memberFeeds.Set(0)
		c.closeSubscribers()
	}()

	installations := c.src.Installations.Subscribe(ctx, nil)
	devices := c.src.Devices.Subscribe(ctx, nil)
	locations := c.src.Locations.Subscribe(ctx, nil)
	teams := c.src.Teams.Subscribe(ctx, nil)
	spawn(func() {
		forward(ctx, events, installations, event{entity: domain.EntityInstallation}, func(s *state, r []domain.Installation) { s.installations = r })
	})
	spawn(func() {
		forward(ctx, events, devices, event{entity: domain.EntityDevice}, func(s *state, r []domain.Device) { s.devices = r })
	})
	spawn(func() {
		forward(ctx, events, locations, event{entity: domain.EntityLocation}, func(s *state, r []domain.Location) { s.locations = r })
	})
	spawn(func() {
		forward(ctx, events, teams, event{entity: domain.EntityTeam}, func(s *state, r []domain.Team) { s.teams = r })
	})

	var (
		gen     uint64
		teamIDs []string
	)
	rebuildMembers := func(ids []string) {
		memberCancel()
		gen++
		memberCtx, mc := context.WithCancel(ctx)
		memberCancel = mc

		keep := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			keep[id] = struct{}{}
		}
		for team := range c.state.members {
			if _, ok := keep[team]; !ok {
				delete(c.state.members, team)
			}
		}
		for key, err := range c.state.errors {
			if err.Entity != domain.EntityTeamMember {
				continue
			}
			if _, ok := keep[err.Scope]; !ok {
				delete(c.state.errors, key)
			}
		}

		for _, id := range ids {
			teamID, g := id, gen
			stream := c.src.Members(teamID).Subscribe(memberCtx, nil)
			spawn(func() {
				forward(memberCtx, events, stream, event{entity: domain.EntityTeamMember, team: teamID, gen: g},
					func(s *state, r []domain.TeamMember) { s.members[teamID] = r })
			})
		}
		c.memberFeeds.Store(int64(len(ids)))
		c.metrics.memberFeeds.Set(float64(len(ids)))
		c.logger.Debug("member feeds rebuilt", zap.Int("teams", len(ids)), zap.Uint64("generation", gen))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.entity == domain.EntityTeamMember && ev.gen != gen {
				continue
			}
			c.apply(ev)
			if ev.entity == domain.EntityTeam && ev.apply != nil {
				if ids := sortedTeamIDs(c.state.teams); !slices.Equal(ids, teamIDs) {
					teamIDs = ids
					rebuildMembers(ids)
				}
			}
			c.publish()
		}
	}
}

func (c *Composer) apply(ev event) {
	key := FeedKey(ev.entity, ev.team)
	switch {
	case ev.apply != nil:
		ev.apply(&c.state)
		c.state.seen[ev.entity] = true
		delete(c.state.errors, key)
	case ev.err != nil || ev.closed:
		err := ev.err
		if err == nil {
			if _, failed := c.state.errors[key]; failed {
				return
			}
			err = collections.ErrWatchClosed
		}
		var subErr domain.SubscriptionError
		if !errors.As(err, &subErr) {
			subErr = domain.SubscriptionError{Entity: ev.entity, Scope: ev.team, Err: err}
		}
		c.state.errors[key] = subErr
		c.metrics.feedErrors.WithLabelValues(string(ev.entity)).Inc()
		c.logger.Error("subscription failed",
			zap.String("collection", string(ev.entity)),
			zap.String("scope", ev.team),
			zap.Error(subErr))
	}
}

func (c *Composer) publish() {
	started := time.Now()
	derived := engine.Compose(engine.Inputs{
		Installations: c.state.installations,
		Devices:       c.state.devices,
		Locations:     c.state.locations,
		Teams:         c.state.teams,
	})
	c.seq++
	view := &View{
		Seq:        c.seq,
		ComposedAt: c.now(),
		Ready: c.state.seen[domain.EntityInstallation] && c.state.seen[domain.EntityDevice] &&
			c.state.seen[domain.EntityLocation] && c.state.seen[domain.EntityTeam],
		Derived: derived,
		Members: make(map[string][]domain.TeamMember, len(c.state.members)),
		Errors:  make(map[string]domain.SubscriptionError, len(c.state.errors)),
	}
	for team, members := range c.state.members {
		view.Members[team] = members
	}
	for key, err := range c.state.errors {
		view.Errors[key] = err
	}
	c.metrics.duration.Observe(time.Since(started).Seconds())
	c.metrics.recompositions.Inc()
	c.current.Store(view)

	c.subMu.Lock()
	for stream := range c.subs {
		if !stream.Publish(view) {
			delete(c.subs, stream)
		}
	}
	c.subMu.Unlock()
	c.logger.Debug("recomposed",
		zap.Uint64("seq", view.Seq),
		zap.Int("installations", len(view.Enriched)),
		zap.Int("errors", len(view.Errors)))
}

func (c *Composer) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for stream := range c.subs {
		stream.Close()
		delete(c.subs, stream)
	}
}

func sortedTeamIDs(teams []domain.Team) []string {
	ids := make([]string, 0, len(teams))
	for _, t := range teams {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}
