package registrar

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/nbpbx/corepbx/internal/registry"
	"github.com/nbpbx/corepbx/internal/sipmsg"
	"github.com/nbpbx/corepbx/internal/store"
)

type fakeExtensionStore struct {
	byNumber map[string]*store.Extension
}

func (f *fakeExtensionStore) Create(ctx context.Context, ext *store.Extension) error { return nil }
func (f *fakeExtensionStore) GetByNumber(ctx context.Context, number string) (*store.Extension, error) {
	return f.byNumber[number], nil
}
func (f *fakeExtensionStore) List(ctx context.Context) ([]store.Extension, error) {
	var out []store.Extension
	for _, e := range f.byNumber {
		out = append(out, *e)
	}
	return out, nil
}
func (f *fakeExtensionStore) Update(ctx context.Context, ext *store.Extension) error { return nil }

type fakePhoneStore struct {
	upserts []*store.RegisteredPhone
	deletes [][2]string
}

func (f *fakePhoneStore) Upsert(ctx context.Context, phone *store.RegisteredPhone) error {
	f.upserts = append(f.upserts, phone)
	return nil
}
func (f *fakePhoneStore) DeleteByMACOrIP(ctx context.Context, mac, ip string) error {
	f.deletes = append(f.deletes, [2]string{mac, ip})
	return nil
}
func (f *fakePhoneStore) PurgeAll(ctx context.Context) (int64, error)       { return 0, nil }
func (f *fakePhoneStore) PurgeIncomplete(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakePhoneStore) ByExtension(ctx context.Context, extension string) ([]store.RegisteredPhone, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistrar(t *testing.T, credentialHash string) (*Registrar, *registry.Registry, *fakePhoneStore) {
	t.Helper()
	exts := &fakeExtensionStore{byNumber: map[string]*store.Extension{
		"1001": {Number: "1001", DisplayName: "Desk 1001", CredentialHash: credentialHash},
	}}
	reg := registry.New(exts, testLogger())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	phones := &fakePhoneStore{}

	checkCred := func(plaintext, encoded string) (bool, error) {
		return plaintext == encoded, nil
	}
	trusted := func(ip net.IP) bool { return false }

	r := New(reg, phones, checkCred, trusted, testLogger())
	return r, reg, phones
}

func registerMsg(from, contact, authorization string) *sipmsg.Message {
	m := sipmsg.NewMessage()
	m.Method = "REGISTER"
	m.RequestURI = "sip:pbx.example.com"
	m.Headers.Set("From", "<sip:"+from+"@pbx.example.com>")
	m.Headers.Set("Contact", contact)
	if authorization != "" {
		m.Headers.Set("Authorization", authorization)
	}
	return m
}

func TestHandleRegisterSucceedsWithValidCredential(t *testing.T) {
	r, reg, phones := newTestRegistrar(t, "correct-secret")
	msg := registerMsg("1001", "<sip:1001@192.0.2.10:5060>", "correct-secret")

	res := r.HandleRegister(context.Background(), msg, "192.0.2.10", 5060)
	if res.Status != 200 {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if !reg.IsRegistered("1001") {
		t.Error("expected 1001 to be registered")
	}
	if len(phones.upserts) != 1 {
		t.Fatalf("expected one phone upsert, got %d", len(phones.upserts))
	}
}

func TestHandleRegisterRejectsBadCredential(t *testing.T) {
	r, reg, _ := newTestRegistrar(t, "correct-secret")
	msg := registerMsg("1001", "<sip:1001@192.0.2.10:5060>", "wrong-secret")

	res := r.HandleRegister(context.Background(), msg, "192.0.2.10", 5060)
	if res.Status != 401 {
		t.Fatalf("status = %d, want 401", res.Status)
	}
	if reg.IsRegistered("1001") {
		t.Error("expected 1001 to remain unregistered")
	}
}

func TestHandleRegisterRejectsMissingAuthorization(t *testing.T) {
	r, _, _ := newTestRegistrar(t, "correct-secret")
	msg := registerMsg("1001", "<sip:1001@192.0.2.10:5060>", "")

	res := r.HandleRegister(context.Background(), msg, "192.0.2.10", 5060)
	if res.Status != 401 {
		t.Fatalf("status = %d, want 401", res.Status)
	}
}

func TestHandleRegisterUnknownExtensionReturns404(t *testing.T) {
	r, _, _ := newTestRegistrar(t, "correct-secret")
	msg := registerMsg("9999", "<sip:9999@192.0.2.10:5060>", "correct-secret")

	res := r.HandleRegister(context.Background(), msg, "192.0.2.10", 5060)
	if res.Status != 404 {
		t.Fatalf("status = %d, want 404", res.Status)
	}
}

func TestHandleRegisterTrustedIPSkipsCredentialCheck(t *testing.T) {
	r, reg, _ := newTestRegistrar(t, "correct-secret")
	r.trusted = func(ip net.IP) bool { return true }
	msg := registerMsg("1001", "<sip:1001@192.0.2.10:5060>", "")

	res := r.HandleRegister(context.Background(), msg, "192.0.2.10", 5060)
	if res.Status != 200 {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if !reg.IsRegistered("1001") {
		t.Error("expected 1001 to be registered")
	}
}

func TestHandleRegisterUnregisterOnExpiresZero(t *testing.T) {
	r, reg, phones := newTestRegistrar(t, "correct-secret")
	msg := registerMsg("1001", "<sip:1001@192.0.2.10:5060>", "correct-secret")
	if res := r.HandleRegister(context.Background(), msg, "192.0.2.10", 5060); res.Status != 200 {
		t.Fatalf("initial register status = %d", res.Status)
	}

	unregisterMsg := registerMsg("1001", "<sip:1001@192.0.2.10:5060>", "correct-secret")
	unregisterMsg.Headers.Set("Expires", "0")
	res := r.HandleRegister(context.Background(), unregisterMsg, "192.0.2.10", 5060)
	if res.Status != 200 {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if reg.IsRegistered("1001") {
		t.Error("expected 1001 to be unregistered")
	}
	if len(phones.deletes) != 1 {
		t.Fatalf("expected one phone delete, got %d", len(phones.deletes))
	}
}

func TestHandleRegisterBlockedAfterRepeatedFailures(t *testing.T) {
	r, _, _ := newTestRegistrar(t, "correct-secret")
	for i := 0; i < maxFailedAttempts; i++ {
		r.HandleRegister(context.Background(), registerMsg("1001", "<sip:1001@192.0.2.10:5060>", "wrong"), "192.0.2.10", 5060)
	}

	res := r.HandleRegister(context.Background(), registerMsg("1001", "<sip:1001@192.0.2.10:5060>", "correct-secret"), "192.0.2.10", 5060)
	if res.Status != 403 {
		t.Fatalf("status = %d, want 403 (blocked)", res.Status)
	}
}
