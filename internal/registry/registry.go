// Package registry implements the in-memory Extension Registry, spec.md
// §4.C: identity lookup plus transient registration state, reloaded from
// the store at boot and on demand. Grounded on spec.md §4.C directly (the
// teacher has no equivalent — flowpbx-flowpbx keeps registration state
// inside its sip.Registrar, which this module's internal/registrar
// package plays the role of, backed by this Registry for identity).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbpbx/corepbx/internal/store"
)

// Registration is the transient, in-memory state for one bound extension.
type Registration struct {
	Extension  string
	Host       string
	Port       int
	UserAgent  string
	ContactURI string
	Expires    time.Time
}

// Registry owns the extension identity map and the transient registration
// table. Its own lock per spec.md §5's shared-resource policy.
type Registry struct {
	extensions store.ExtensionStore

	mu            sync.RWMutex
	identities    map[string]*store.Extension
	registrations map[string]*Registration

	reloadInProgress bool
	lastReloadAt     time.Time

	logger *slog.Logger
}

// New creates a Registry over the given extension store. Call Reload once
// at boot to seed identities before serving traffic.
func New(extensions store.ExtensionStore, logger *slog.Logger) *Registry {
	return &Registry{
		extensions:    extensions,
		identities:    make(map[string]*store.Extension),
		registrations: make(map[string]*Registration),
		logger:        logger.With("subsystem", "registry"),
	}
}

// Lookup returns identity-only information for an extension, or nil if
// unknown.
func (r *Registry) Lookup(ext string) *store.Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identities[ext]
}

// IsRegistered reports whether an extension currently has a live
// registration. Invariant (spec.md §4.C): IsRegistered(ext) implies
// ContactOf(ext) != nil.
func (r *Registry) IsRegistered(ext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[ext]
	return ok && reg != nil
}

// ContactOf returns the (host, port) of a registered extension's contact,
// or ok=false if not registered.
func (r *Registry) ContactOf(ext string) (host string, port int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, present := r.registrations[ext]
	if !present {
		return "", 0, false
	}
	return reg.Host, reg.Port, true
}

// Register refreshes or inserts a transient registration. Returns an
// error if the extension identity is unknown.
func (r *Registry) Register(ext, host string, port int, userAgent, contactURI string, expires time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.identities[ext]; !known {
		return fmt.Errorf("registry: unknown extension %q", ext)
	}

	r.registrations[ext] = &Registration{
		Extension:  ext,
		Host:       host,
		Port:       port,
		UserAgent:  userAgent,
		ContactURI: contactURI,
		Expires:    time.Now().Add(expires),
	}
	return nil
}

// Registration returns a copy of the full transient registration for ext,
// including the User-Agent the B2BUA codec-selection rule (spec.md §4.E)
// needs, or ok=false if not registered.
func (r *Registry) Registration(ext string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[ext]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// RegisteredCount returns the number of extensions with a live
// registration, for internal/metrics.RegistrationsProvider.
func (r *Registry) RegisteredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registrations)
}

// Unregister removes a transient registration.
func (r *Registry) Unregister(ext string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registrations, ext)
}

// ExpireStale removes registrations whose expiry has passed, returning
// the extensions removed. Called periodically by the timer scheduler
// (spec.md §5).
func (r *Registry) ExpireStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for ext, reg := range r.registrations {
		if now.After(reg.Expires) {
			expired = append(expired, ext)
			delete(r.registrations, ext)
		}
	}
	return expired
}

// Reload re-reads all identities from the store (Open Question
// resolution, SPEC_FULL.md §5): a reload always replaces the identity map
// wholesale but leaves live registrations (phones already bound)
// untouched, so IsRegistered keeps answering true for them across a
// reload and an in-progress call is not disrupted — only identity data
// (credentials, display name, AD sync fields) is refreshed.
// ReloadInProgress() reports true for the duration of the call, letting
// callers detect (and test) the race window the original's AD-sync path
// exhibited.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	r.reloadInProgress = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.reloadInProgress = false
		r.lastReloadAt = time.Now()
		r.mu.Unlock()
	}()

	exts, err := r.extensions.List(ctx)
	if err != nil {
		return fmt.Errorf("registry: reloading extensions: %w", err)
	}

	identities := make(map[string]*store.Extension, len(exts))
	for i := range exts {
		identities[exts[i].Number] = &exts[i]
	}

	r.mu.Lock()
	r.identities = identities
	r.mu.Unlock()

	r.logger.Info("registry reloaded", "extension_count", len(identities))
	return nil
}

// ReloadInProgress reports whether a Reload call is currently running.
func (r *Registry) ReloadInProgress() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloadInProgress
}

// LastReloadAt returns the wall-clock time of the most recently completed
// reload, or the zero time if Reload has never run.
func (r *Registry) LastReloadAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReloadAt
}

// PurgeAllRegistrations clears every transient registration. Called once
// at boot per spec.md §4.C ("on server start, purge all registrations
// from the store... they belong to the previous process lifetime") —
// the store-side purge is PhoneTrackingStore.PurgeAll; this clears the
// in-memory mirror in case Reload ran before the store purge completed.
func (r *Registry) PurgeAllRegistrations() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = make(map[string]*Registration)
}
