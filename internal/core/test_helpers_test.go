package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"installcore/internal/infra/persistence/memory"
	"installcore/pkg/domain"
)

var (
	installer      = domain.AuthContext{UserID: "u-installer", DisplayName: "Ines Installer", Role: domain.RoleInstaller}
	otherInstaller = domain.AuthContext{UserID: "u-installer-2", DisplayName: "Omar Installer", Role: domain.RoleInstaller}
	verifier       = domain.AuthContext{UserID: "u-verifier", DisplayName: "Vera Verifier", Role: domain.RoleVerifier}
	manager        = domain.AuthContext{UserID: "u-manager", DisplayName: "Max Manager", Role: domain.RoleManager}
	admin          = domain.AuthContext{UserID: "u-admin", DisplayName: "Ada Admin", Role: domain.RoleInstaller, IsAdmin: true}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	svc   *Service
	store *memory.Store
	clock *testClock
}

func newTestEnv(t *testing.T, opts ...ServiceOption) testEnv {
	t.Helper()
	clock := newTestClock()
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithClock(clock.Now))
	opts = append([]ServiceOption{WithClock(clock)}, opts...)
	return testEnv{svc: NewService(store, opts...), store: store, clock: clock}
}

func (e testEnv) seedDevice(t *testing.T, device domain.Device) domain.Device {
	t.Helper()
	var created domain.Device
	_, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateDevice(device)
		return err
	})
	if err != nil {
		t.Fatalf("seed device %s: %v", device.ID, err)
	}
	return created
}

func (e testEnv) getInstallation(t *testing.T, id string) domain.Installation {
	t.Helper()
	var inst domain.Installation
	err := e.store.View(context.Background(), func(v domain.TransactionView) error {
		var ok bool
		inst, ok = v.FindInstallation(id)
		if !ok {
			t.Fatalf("installation %s not found", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return inst
}

func (e testEnv) getDevice(t *testing.T, id string) domain.Device {
	t.Helper()
	var device domain.Device
	_ = e.store.View(context.Background(), func(v domain.TransactionView) error {
		var ok bool
		device, ok = v.FindDevice(id)
		if !ok {
			t.Fatalf("device %s not found", id)
		}
		return nil
	})
	return device
}

func (e testEnv) submit(t *testing.T, actor domain.AuthContext, deviceID string) domain.Installation {
	t.Helper()
	inst, err := e.svc.SubmitInstallation(context.Background(), actor, domain.Installation{DeviceID: deviceID, LocationID: "L1", SensorReading: 42})
	if err != nil {
		t.Fatalf("submit installation for %s: %v", deviceID, err)
	}
	return inst
}

func ptr[T any](v T) *T { return &v }
