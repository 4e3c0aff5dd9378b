package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"installcore/internal/adapters/collections"
	"installcore/internal/core"
	"installcore/internal/infra/persistence/memory"
	"installcore/pkg/domain"
)

func seedOrphans(t *testing.T, store *memory.Store) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, team := range []domain.Team{{Base: domain.Base{ID: "T1"}, Name: "North"}, {Base: domain.Base{ID: "GONE"}, Name: "South"}} {
			if _, err := tx.CreateTeam(team); err != nil {
				return err
			}
		}
		for _, m := range []domain.TeamMember{
			{TeamID: "T1", Email: "kept@example.com"},
			{TeamID: "GONE", Email: "orphan@example.com"},
		} {
			if _, err := tx.CreateTeamMember(m); err != nil {
				return err
			}
		}
		for _, m := range []domain.Membership{
			{Base: domain.Base{ID: core.MembershipID("T1", "kept@example.com")}, TeamID: "T1", Email: "kept@example.com"},
			{Base: domain.Base{ID: core.MembershipID("GONE", "orphan@example.com")}, TeamID: "GONE", Email: "orphan@example.com"},
			{Base: domain.Base{ID: core.MembershipID("GONE", "other@example.com")}, TeamID: "GONE", Email: "other@example.com"},
		} {
			if _, err := tx.CreateMembership(m); err != nil {
				return err
			}
		}
		// A bare delete leaves the team's rows behind.
		return tx.DeleteTeam("GONE")
	})
	require.NoError(t, err)
}

func TestReconcileRemovesOrphans(t *testing.T) {
	store := memory.NewStore(core.NewDefaultRulesEngine())
	seedOrphans(t, store)
	r, err := New(store, Options{})
	require.NoError(t, err)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Members)
	require.Equal(t, 2, report.Memberships)
	require.Equal(t, 3, report.Removed())

	ctx := context.Background()
	members, err := collections.AllTeamMembers(store).List(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "T1", members[0].TeamID)
	memberships, err := collections.Memberships(store).List(ctx)
	require.NoError(t, err)
	require.Len(t, memberships, 1)

	again, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Removed())
}

func TestReconcileAfterTeamDeletion(t *testing.T) {
	store := memory.NewStore(core.NewDefaultRulesEngine())
	svc := core.NewService(store)
	owner := domain.AuthContext{UserID: "u1", DisplayName: "Owner", Role: domain.RoleInstaller}
	ctx := context.Background()
	team, err := svc.CreateTeam(ctx, owner, "North")
	require.NoError(t, err)
	_, err = svc.AddTeamMember(ctx, owner, domain.TeamMember{TeamID: team.ID, Email: "ada@example.com"})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteTeam(ctx, owner, team.ID))

	r, err := New(store, Options{})
	require.NoError(t, err)
	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Removed(), "transactional delete leaves nothing behind")
}

func TestSchedule(t *testing.T) {
	_, err := New(nil, Options{Schedule: "every tuesday"})
	require.Error(t, err)

	r, err := New(nil, Options{Schedule: "*/15 * * * *"})
	require.NoError(t, err)
	at := time.Date(2026, 6, 1, 9, 7, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 6, 1, 9, 15, 0, 0, time.UTC), r.Next(at))

	def, err := New(nil, Options{})
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 6, 1, 9, 17, 0, 0, time.UTC), def.Next(at))
}

func TestRunReconcilesOnTick(t *testing.T) {
	store := memory.NewStore(core.NewDefaultRulesEngine())
	seedOrphans(t, store)
	ticks := make(chan time.Time)
	r, err := New(store, Options{After: func(time.Duration) <-chan time.Time { return ticks }})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	ticks <- time.Now()
	require.Eventually(t, func() bool {
		memberships, err := collections.Memberships(store).List(context.Background())
		return err == nil && len(memberships) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
