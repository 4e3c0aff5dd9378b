// Package reconcile removes team member and membership rows whose team no
// longer exists. The two collections are written separately by older clients,
// so a team deletion can leave either side behind.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"installcore/pkg/domain"
)

// DefaultSchedule runs the job at minute 17 of every hour.
const DefaultSchedule = "17 * * * *"

// Report counts the rows removed by one run.
type Report struct {
	Members     int       `json:"members"`
	Memberships int       `json:"memberships"`
	RanAt       time.Time `json:"ran_at"`
}

// Removed is the total number of deleted rows.
func (r Report) Removed() int { return r.Members + r.Memberships }

// Options configures a Reconciler.
type Options struct {
	// Schedule is a five-field cron expression; empty means DefaultSchedule.
	Schedule string
	Logger   *zap.Logger
	Now      func() time.Time
	// After is the timer used between runs; tests replace it.
	After func(time.Duration) <-chan time.Time
}

// Reconciler deletes orphaned rows on a cron schedule.
type Reconciler struct {
	store    domain.PersistentStore
	schedule cron.Schedule
	logger   *zap.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// New constructs a reconciler.
func New(store domain.PersistentStore, opts Options) (*Reconciler, error) {
	expr := opts.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		store:    store,
		schedule: sched,
		logger:   opts.Logger,
		now:      opts.Now,
		after:    opts.After,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("reconcile")
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.after == nil {
		r.after = time.After
	}
	return r, nil
}

// Next returns the next scheduled run after t.
func (r *Reconciler) Next(t time.Time) time.Time { return r.schedule.Next(t) }

// Reconcile deletes, in one transaction, every member and membership row
// referencing a missing team.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	report := Report{RanAt: r.now()}
	_, err := r.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		report.Members, report.Memberships = 0, 0
		view := tx.Snapshot()
		for _, m := range view.ListTeamMembers() {
			if _, ok := view.FindTeam(m.TeamID); ok {
				continue
			}
			if err := tx.DeleteTeamMember(m.ID); err != nil {
				return err
			}
			report.Members++
		}
		for _, m := range view.ListMemberships() {
			if _, ok := view.FindTeam(m.TeamID); ok {
				continue
			}
			if err := tx.DeleteMembership(m.ID); err != nil {
				return err
			}
			report.Memberships++
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("reconcile memberships: %w", err)
	}
	if report.Removed() > 0 {
		r.logger.Info("removed orphaned team rows",
			zap.Int("members", report.Members),
			zap.Int("memberships", report.Memberships))
	}
	return report, nil
}

// Run reconciles on every scheduled tick until ctx ends. A failed run is
// logged and retried at the next tick.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		now := r.now()
		wait := r.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			return nil
		case <-r.after(wait):
		}
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger.Error("reconcile run failed", zap.Error(err))
		}
	}
}
