package store

import (
	"context"
	"testing"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	for _, table := range []string{"extensions", "registered_phones", "call_records", "qos_metrics"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}
}

func TestExtensionStoreCRUD(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	store := NewExtensionStore(db)
	ctx := context.Background()

	hash, salt, _ := HashCredential("secret")
	ext := &Extension{Number: "1001", DisplayName: "Jane Doe", CredentialHash: hash, CredentialSalt: salt, AllowExternalCalls: true}
	if err := store.Create(ctx, ext); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByNumber(ctx, "1001")
	if err != nil || got == nil {
		t.Fatalf("GetByNumber: %v, got=%v", err, got)
	}
	if got.DisplayName != "Jane Doe" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}

	got.DisplayName = "Jane R. Doe"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got2, _ := store.GetByNumber(ctx, "1001")
	if got2.DisplayName != "Jane R. Doe" {
		t.Errorf("update did not persist: %q", got2.DisplayName)
	}
}

func TestPhoneTrackingReprovisioning(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	phones := NewPhoneTrackingStore(db)
	ctx := context.Background()

	p1 := &RegisteredPhone{MAC: "aa:bb:cc:dd:ee:ff", Extension: "1001", IP: "10.0.0.5", ContactURI: "sip:1001@10.0.0.5"}
	if err := phones.Upsert(ctx, p1); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := phones.ByExtension(ctx, "1001")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one row for 1001, got %v err=%v", rows, err)
	}

	// Same mac/ip, new extension -> re-provisioning.
	p2 := &RegisteredPhone{MAC: "aa:bb:cc:dd:ee:ff", Extension: "1002", IP: "10.0.0.5", ContactURI: "sip:1002@10.0.0.5"}
	if err := phones.Upsert(ctx, p2); err != nil {
		t.Fatalf("Upsert reprovision: %v", err)
	}

	rows1, _ := phones.ByExtension(ctx, "1001")
	if len(rows1) != 0 {
		t.Errorf("expected zero rows for old extension 1001, got %d", len(rows1))
	}
	rows2, _ := phones.ByExtension(ctx, "1002")
	if len(rows2) != 1 {
		t.Errorf("expected one row for new extension 1002, got %d", len(rows2))
	}
}

func TestPhoneTrackingPurge(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	phones := NewPhoneTrackingStore(db)
	ctx := context.Background()

	phones.Upsert(ctx, &RegisteredPhone{MAC: "aa:bb:cc:dd:ee:ff", Extension: "1001", IP: "10.0.0.5"})
	phones.Upsert(ctx, &RegisteredPhone{Extension: "1002", IP: "10.0.0.6"}) // nil mac: incomplete

	if n, err := phones.PurgeIncomplete(ctx); err != nil || n != 1 {
		t.Fatalf("PurgeIncomplete: n=%d err=%v", n, err)
	}
	if n, err := phones.PurgeAll(ctx); err != nil || n != 1 {
		t.Fatalf("PurgeAll: n=%d err=%v", n, err)
	}
}
