package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nbpbx/corepbx/internal/store"
)

type fakeExtensionStore struct {
	extensions map[string]*store.Extension
}

func newFakeExtensionStore(numbers ...string) *fakeExtensionStore {
	s := &fakeExtensionStore{extensions: make(map[string]*store.Extension)}
	for _, n := range numbers {
		s.extensions[n] = &store.Extension{Number: n}
	}
	return s
}

func (f *fakeExtensionStore) Create(ctx context.Context, ext *store.Extension) error {
	f.extensions[ext.Number] = ext
	return nil
}
func (f *fakeExtensionStore) GetByNumber(ctx context.Context, number string) (*store.Extension, error) {
	return f.extensions[number], nil
}
func (f *fakeExtensionStore) List(ctx context.Context) ([]store.Extension, error) {
	var out []store.Extension
	for _, e := range f.extensions {
		out = append(out, *e)
	}
	return out, nil
}
func (f *fakeExtensionStore) Update(ctx context.Context, ext *store.Extension) error {
	f.extensions[ext.Number] = ext
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestReloadSeedsIdentities(t *testing.T) {
	s := newFakeExtensionStore("1001", "1002")
	r := New(s, discardLogger())

	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if r.Lookup("1001") == nil {
		t.Fatal("expected 1001 to be known after reload")
	}
	if r.Lookup("9999") != nil {
		t.Fatal("expected unknown extension to be nil")
	}
}

func TestRegisterUnknownExtensionFails(t *testing.T) {
	s := newFakeExtensionStore()
	r := New(s, discardLogger())
	if err := r.Register("1001", "10.0.0.5", 5060, "phone", "sip:1001@10.0.0.5", time.Hour); err == nil {
		t.Fatal("expected Register to fail for an unknown extension")
	}
}

func TestIsRegisteredImpliesContact(t *testing.T) {
	s := newFakeExtensionStore("1001")
	r := New(s, discardLogger())
	r.Reload(context.Background())

	if r.IsRegistered("1001") {
		t.Fatal("expected not registered before Register")
	}
	if err := r.Register("1001", "10.0.0.5", 5060, "phone", "sip:1001@10.0.0.5", time.Hour); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.IsRegistered("1001") {
		t.Fatal("expected registered after Register")
	}
	host, port, ok := r.ContactOf("1001")
	if !ok || host != "10.0.0.5" || port != 5060 {
		t.Errorf("ContactOf = (%q, %d, %v), want (10.0.0.5, 5060, true)", host, port, ok)
	}
}

func TestUnregisterClearsContact(t *testing.T) {
	s := newFakeExtensionStore("1001")
	r := New(s, discardLogger())
	r.Reload(context.Background())
	r.Register("1001", "10.0.0.5", 5060, "phone", "sip:1001@10.0.0.5", time.Hour)

	r.Unregister("1001")
	if r.IsRegistered("1001") {
		t.Fatal("expected not registered after Unregister")
	}
	if _, _, ok := r.ContactOf("1001"); ok {
		t.Fatal("expected ContactOf to report not-ok after Unregister")
	}
}

func TestExpireStaleRemovesPastExpiry(t *testing.T) {
	s := newFakeExtensionStore("1001")
	r := New(s, discardLogger())
	r.Reload(context.Background())
	r.Register("1001", "10.0.0.5", 5060, "phone", "sip:1001@10.0.0.5", -time.Second) // already expired

	expired := r.ExpireStale(time.Now())
	if len(expired) != 1 || expired[0] != "1001" {
		t.Fatalf("ExpireStale = %v, want [1001]", expired)
	}
	if r.IsRegistered("1001") {
		t.Fatal("expected 1001 unregistered after ExpireStale")
	}
}

func TestReloadPreservesLiveRegistrations(t *testing.T) {
	s := newFakeExtensionStore("1001")
	r := New(s, discardLogger())
	r.Reload(context.Background())
	r.Register("1001", "10.0.0.5", 5060, "phone", "sip:1001@10.0.0.5", time.Hour)

	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if !r.IsRegistered("1001") {
		t.Fatal("expected live registration to survive an identity reload")
	}
}

func TestReloadInProgressFlag(t *testing.T) {
	s := newFakeExtensionStore("1001")
	r := New(s, discardLogger())
	if r.ReloadInProgress() {
		t.Fatal("expected ReloadInProgress false before any reload")
	}
	r.Reload(context.Background())
	if r.ReloadInProgress() {
		t.Fatal("expected ReloadInProgress false after reload completes")
	}
	if r.LastReloadAt().IsZero() {
		t.Fatal("expected LastReloadAt to be set after a completed reload")
	}
}
