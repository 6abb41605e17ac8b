package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/biolis/go-lis/internal/config"
	"github.com/biolis/go-lis/internal/lab"
)

func TestServicesOverSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		DatabaseDriver: config.DriverSQLite,
		SQLitePath:     filepath.Join(t.TempDir(), "lis.db"),
		TxMaxAttempts:  8,
		Timezone:       "UTC",
	}

	store, err := OpenStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(store.Close)
	if err := Migrate(ctx, store, nil); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Applying twice is a no-op.
	if err := Migrate(ctx, store, nil); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	svcs, err := NewServices(store, cfg, NewRegistry(), nil)
	if err != nil {
		t.Fatalf("NewServices: %v", err)
	}

	res, err := svcs.Lab.SyncReferenceCatalog(ctx, lab.DefaultCatalog())
	if err != nil {
		t.Fatalf("SyncReferenceCatalog: %v", err)
	}
	if res.LabTests == 0 {
		t.Errorf("sync inserted no tests: %+v", res)
	}

	p, err := svcs.Lab.CreatePatient(ctx, lab.NewPatient{
		FirstName: "Ana", LastName: "Ruiz", Sex: "F",
		BirthDate: time.Date(1990, 1, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if p.ID != 1 {
		t.Errorf("patient id = %d, want 1", p.ID)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), &config.Config{DatabaseDriver: "oracle"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}

func TestNewServicesRejectsBadTimezone(t *testing.T) {
	_, err := NewServices(nil, &config.Config{Timezone: "Mars/Olympus"}, nil, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown time zone")
	}
}
