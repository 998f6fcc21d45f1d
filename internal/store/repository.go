package store

import "context"

// ExtensionStore is the identity-lookup contract the Extension Registry
// (4.C) reloads from at boot and on AD-sync reload. It never exposes
// transient registration state — that lives only in the in-memory
// registry.
type ExtensionStore interface {
	Create(ctx context.Context, ext *Extension) error
	GetByNumber(ctx context.Context, number string) (*Extension, error)
	List(ctx context.Context) ([]Extension, error)
	Update(ctx context.Context, ext *Extension) error
}

// PhoneTrackingStore is the registered_phones contract the Registrar
// (4.H) uses. Invariants (spec.md §4.H): at most one row per
// (mac, extension) and at most one row per (ip, extension)
// simultaneously; re-provisioning removes the old row.
type PhoneTrackingStore interface {
	Upsert(ctx context.Context, phone *RegisteredPhone) error
	DeleteByMACOrIP(ctx context.Context, mac, ip string) error
	PurgeAll(ctx context.Context) (int64, error)
	PurgeIncomplete(ctx context.Context) (int64, error)
	ByExtension(ctx context.Context, extension string) ([]RegisteredPhone, error)
}

// CallRecordStore is the call_records (CDR) sink. Transient store
// failures are non-fatal per spec.md §7 — the call continues, the CDR
// write is dropped with a warning.
type CallRecordStore interface {
	Create(ctx context.Context, rec *CallRecord) error
	Update(ctx context.Context, rec *CallRecord) error
}

// QoSStore persists per-call QoS summaries for later reporting.
type QoSStore interface {
	Create(ctx context.Context, rec *QoSRecord) error
}
