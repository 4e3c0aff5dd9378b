package collections

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"installcore/internal/infra/persistence/memory"
	"installcore/pkg/domain"
)

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, d := range []domain.Device{
			{Base: domain.Base{ID: "DEV002"}, DeviceSerialID: "SN2", ProductID: "P1"},
			{Base: domain.Base{ID: "DEV001"}, DeviceSerialID: "SN1", ProductID: "P1"},
			{Base: domain.Base{ID: "DEV003"}, DeviceSerialID: "SN3", ProductID: "P2"},
		} {
			if _, err := tx.CreateDevice(d); err != nil {
				return err
			}
		}
		for _, team := range []domain.Team{
			{Base: domain.Base{ID: "T2"}, Name: "Alpha"},
			{Base: domain.Base{ID: "T1"}, Name: "Zulu"},
		} {
			if _, err := tx.CreateTeam(team); err != nil {
				return err
			}
		}
		if _, err := tx.CreateTeamMember(domain.TeamMember{TeamID: "T1", Email: "a@example.com"}); err != nil {
			return err
		}
		_, err := tx.CreateTeamMember(domain.TeamMember{TeamID: "T2", Email: "b@example.com"})
		return err
	})
	require.NoError(t, err)
	return store
}

func TestGetAndNotFound(t *testing.T) {
	store := seedStore(t)
	devices := Devices(store)

	got, err := devices.Get(context.Background(), "DEV001")
	require.NoError(t, err)
	require.Equal(t, "SN1", got.DeviceSerialID)

	_, err = devices.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	var nf domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, domain.EntityDevice, nf.Entity)
}

func TestQueryByEqualityAndOrdering(t *testing.T) {
	store := seedStore(t)
	ctx := context.Background()

	p1, err := Devices(store).Query(ctx, "product_id", "P1")
	require.NoError(t, err)
	require.Len(t, p1, 2)
	require.Equal(t, "DEV001", p1[0].ID)

	teams, err := Teams(store).List(ctx, OrderBy("name"))
	require.NoError(t, err)
	require.Equal(t, []string{"Alpha", "Zulu"}, []string{teams[0].Name, teams[1].Name})

	_, err = Devices(store).Query(ctx, "color", "red")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = Teams(store).List(ctx, OrderBy("nope"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTeamMembersAreScoped(t *testing.T) {
	store := seedStore(t)
	members, err := TeamMembers(store, "T1").List(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "a@example.com", members[0].Email)
	require.Equal(t, "T1", TeamMembers(store, "T1").Scope())

	all, err := AllTeamMembers(store).Query(context.Background(), "team_id", "T2")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetIsAPointLookup(t *testing.T) {
	store := &listCountingStore{PersistentStore: seedStore(t)}

	got, err := Devices(store).Get(context.Background(), "DEV003")
	require.NoError(t, err)
	require.Equal(t, "SN3", got.DeviceSerialID)
	require.Zero(t, store.lists, "Get must not scan the collection")

	members, err := AllTeamMembers(store).List(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)
	var other domain.TeamMember
	for _, m := range members {
		if m.TeamID == "T2" {
			other = m
		}
	}
	_, err = TeamMembers(store, "T1").Get(context.Background(), other.ID)
	require.ErrorIs(t, err, domain.ErrNotFound, "scoped Get hides other teams' members")
}

type listCountingStore struct {
	domain.PersistentStore
	lists int
}

func (s *listCountingStore) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	return s.PersistentStore.View(ctx, func(v domain.TransactionView) error {
		return fn(listCountingView{TransactionView: v, store: s})
	})
}

type listCountingView struct {
	domain.TransactionView
	store *listCountingStore
}

func (v listCountingView) ListDevices() []domain.Device {
	v.store.lists++
	return v.TransactionView.ListDevices()
}

func receive[E any](t *testing.T, s *Stream[E]) E {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	var zero E
	return zero
}

func TestSubscribeEmitsInitialAndFullSnapshots(t *testing.T) {
	store := seedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := Devices(store).Subscribe(ctx, func(d domain.Device) bool { return d.ProductID == "P1" })
	initial := receive(t, stream)
	require.NoError(t, initial.Err)
	require.Len(t, initial.Records, 2)

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateDevice(domain.Device{Base: domain.Base{ID: "DEV004"}, ProductID: "P1"})
		return err
	})
	require.NoError(t, err)

	next := receive(t, stream)
	require.Len(t, next.Records, 3)
	require.NotZero(t, next.Seq)
}

func TestSubscribeReleasesWatchOnClose(t *testing.T) {
	store := seedStore(t)
	stream := Teams(store).Subscribe(context.Background(), nil)
	receive(t, stream)
	require.Equal(t, 1, store.WatcherCount(domain.EntityTeam))
	stream.Close()
	require.Eventually(t, func() bool { return store.WatcherCount(domain.EntityTeam) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeReleasesWatchOnCancel(t *testing.T) {
	store := seedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	stream := Teams(store).Subscribe(ctx, nil)
	receive(t, stream)
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-stream.C():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return store.WatcherCount(domain.EntityTeam) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchDocumentEmitsOnlyOnChange(t *testing.T) {
	store := seedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var instID string
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		inst, err := tx.CreateInstallation(domain.Installation{DeviceID: "DEV001", SensorReading: 5})
		instID = inst.ID
		return err
	})
	require.NoError(t, err)

	stream := Installations(store).WatchDocument(ctx, instID)
	first := receive(t, stream)
	require.True(t, first.Found)
	require.Equal(t, domain.InstallationPending, first.Record.Status)

	// An unrelated installation must not re-emit the watched document.
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateInstallation(domain.Installation{DeviceID: "DEV002", SensorReading: 1})
		return err
	})
	require.NoError(t, err)
	require.Never(t, func() bool { return len(stream.C()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateInstallation(instID, func(i *domain.Installation) error {
			i.Status = domain.InstallationVerified
			return nil
		})
		return err
	})
	require.NoError(t, err)
	updated := receive(t, stream)
	require.Equal(t, domain.InstallationVerified, updated.Record.Status)
}

func TestWatchDocumentMissingRecord(t *testing.T) {
	store := seedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doc := receive(t, Installations(store).WatchDocument(ctx, "nope"))
	require.False(t, doc.Found)
	require.NoError(t, doc.Err)
}

func TestStreamPublishIsLatestWins(t *testing.T) {
	s := NewStream[int]()
	require.True(t, s.Publish(1))
	require.True(t, s.Publish(2))
	require.Equal(t, 2, <-s.C())
	s.Close()
	s.Close()
	require.False(t, s.Publish(3))
}
