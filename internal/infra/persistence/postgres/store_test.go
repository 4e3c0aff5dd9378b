package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"installcore/internal/infra/persistence/memory"
	"installcore/pkg/domain"
)

const (
	createStateSQL = "CREATE TABLE IF NOT EXISTS state"
	selectStateSQL = "SELECT bucket, payload FROM state"
	upsertStateSQL = "INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload"
)

func newMock(t *testing.T, opts ...sqlmock.Option) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(opts...)
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	return db, mock
}

func TestNewStoreLoadsSnapshot(t *testing.T) {
	_, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(createStateSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectStateSQL)).WillReturnRows(
		sqlmock.NewRows([]string{"bucket", "payload"}).
			AddRow("devices", []byte(`{"DEV001":{"id":"DEV001","device_serial_id":"SN123","status":"installed"}}`)).
			AddRow("future_bucket", []byte(`{"x":1}`)),
	)

	store, err := NewStore(context.Background(), "", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	state := store.ExportState()
	device, ok := state.Devices["DEV001"]
	if !ok || device.DeviceSerialID != "SN123" || device.Status != domain.DeviceStatusInstalled {
		t.Fatalf("expected device loaded from snapshot, got %+v", state.Devices)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunInTransactionPersistsEveryBucket(t *testing.T) {
	_, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(createStateSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectStateSQL)).WillReturnRows(sqlmock.NewRows([]string{"bucket", "payload"}))

	store, err := NewStore(context.Background(), "ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	mock.ExpectBegin()
	for _, bucket := range memory.BucketNames {
		mock.ExpectExec(regexp.QuoteMeta(upsertStateSQL)).WithArgs(bucket, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateTeam(domain.Team{Name: "North", OwnerID: "u1"})
		return err
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunInTransactionRollsBackOnUpsertFailure(t *testing.T) {
	_, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(createStateSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectStateSQL)).WillReturnRows(sqlmock.NewRows([]string{"bucket", "payload"}))
	store, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsertStateSQL)).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateTeam(domain.Team{Name: "South"})
		return err
	})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	_, mock := newMock(t, sqlmock.MonitorPingsOption(true))
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	if _, err := NewStore(context.Background(), "", nil); err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestNewStoreDecodeFailure(t *testing.T) {
	_, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(createStateSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectStateSQL)).WillReturnRows(
		sqlmock.NewRows([]string{"bucket", "payload"}).AddRow("installations", []byte(`not-json`)),
	)
	if _, err := NewStore(context.Background(), "", nil); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestOverrideSQLOpenRestores(t *testing.T) {
	called := false
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) {
		called = true
		return nil, errors.New("no driver")
	})
	if _, err := NewStore(context.Background(), "", nil); err == nil || !called {
		t.Fatalf("expected override to be used")
	}
	restore()
	called = false
	restore2 := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("again") })
	defer restore2()
	if _, err := NewStore(context.Background(), "", nil); err == nil || called {
		t.Fatalf("expected restored override chain")
	}
}
