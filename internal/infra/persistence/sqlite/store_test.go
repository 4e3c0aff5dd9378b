package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"installcore/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, e := tx.CreateDevice(domain.Device{Base: domain.Base{ID: "DEV001"}, DeviceSerialID: "SN123"}); e != nil {
			return e
		}
		_, e := tx.CreateInstallation(domain.Installation{DeviceID: "DEV001", SensorReading: 12.5, InstalledBy: "u1"})
		return e
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	state := reloaded.ExportState()
	if got := len(state.Devices); got != 1 {
		t.Fatalf("expected 1 device, got %d", got)
	}
	if state.Devices["DEV001"].DeviceSerialID != "SN123" {
		t.Fatalf("expected serial to round trip, got %+v", state.Devices["DEV001"])
	}
	if got := len(state.Installations); got != 1 {
		t.Fatalf("expected 1 installation, got %d", got)
	}
	if reloaded.Path() != path {
		t.Fatalf("unexpected path %s", reloaded.Path())
	}
}

func TestSQLiteStoreWritesOneRowPerBucket(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateTeam(domain.Team{Name: "North"})
		return e
	}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&count); err != nil {
		t.Fatalf("count buckets: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected 7 buckets, got %d", count)
	}
}

func TestSQLiteStoreFailedTransactionIsNotPersisted(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.UpdateDevice("missing", func(*domain.Device) error { return nil })
		return e
	})
	if err == nil {
		t.Fatalf("expected not found error")
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&count); err != nil {
		t.Fatalf("count buckets: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing persisted, got %d rows", count)
	}
}
