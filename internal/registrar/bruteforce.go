package registrar

import (
	"log/slog"
	"sync"
	"time"
)

// Progressive-backoff guard against REGISTER credential stuffing,
// grounded on the teacher's internal/sip/bruteforce.go for the
// doubling-block-duration algorithm and failure-window bookkeeping.
// Re-keyed for this PBX core's own identity model: spec.md §4.H's
// invariant is about an Extension (one Registration per number), not a
// network address, so this guard tracks failures against the claimed
// extension number from the REGISTER's From header rather than the
// source IP. A phone behind carrier-grade NAT sharing an IP with
// hundreds of unrelated registrations never gets collaterally blocked;
// an attacker cycling through source addresses while hammering one
// extension's credentials (or enumerating extension numbers that don't
// exist) still trips the guard, because the number being attacked, not
// the address attacking it, is what spec.md's data model actually
// protects.
const (
	maxFailedAttempts = 10
	blockDuration     = 5 * time.Minute
	maxBlockDuration  = 24 * time.Hour
	failureWindow     = 10 * time.Minute
)

type extRecord struct {
	failures  []time.Time
	blocked   bool
	blockedAt time.Time
	blockFor  time.Duration
}

// BruteForceGuard tracks failed REGISTER authentication attempts per
// claimed extension number and blocks further REGISTERs for that
// extension once failures exceed the threshold within the sliding
// window, doubling the block on repeat offences.
type BruteForceGuard struct {
	mu      sync.Mutex
	records map[string]*extRecord
	logger  *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state.
func NewBruteForceGuard(logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		records: make(map[string]*extRecord),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked reports whether REGISTERs claiming ext are currently
// blocked.
func (g *BruteForceGuard) IsBlocked(ext string) bool {
	if ext == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ext]
	if !ok || !rec.blocked {
		return false
	}
	if time.Since(rec.blockedAt) > rec.blockFor {
		rec.blocked = false
		rec.failures = nil
		return false
	}
	return true
}

// RecordFailure records a failed REGISTER authentication attempt
// against ext (an unknown identity lookup counts as a failure too —
// repeated misses are number-enumeration, not noise).
func (g *BruteForceGuard) RecordFailure(ext string) {
	if ext == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ext]
	if !ok {
		rec = &extRecord{blockFor: blockDuration}
		g.records[ext] = rec
	}
	if rec.blocked {
		return
	}

	now := time.Now()
	rec.failures = pruneOldFailures(rec.failures, now, failureWindow)
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= maxFailedAttempts {
		rec.blocked = true
		rec.blockedAt = now
		rec.failures = nil

		g.logger.Warn("extension blocked due to excessive failed register attempts",
			"extension", ext, "block_duration", rec.blockFor.String())

		next := rec.blockFor * 2
		if next > maxBlockDuration {
			next = maxBlockDuration
		}
		rec.blockFor = next
	}
}

// RecordSuccess clears the failure counter for ext on a successful
// REGISTER, preserving the progressive block duration for repeat
// offenders if ext is later attacked again.
func (g *BruteForceGuard) RecordSuccess(ext string) {
	if ext == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[ext]; ok {
		rec.failures = nil
	}
}

// Cleanup removes expired blocks and stale records. Call periodically.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ext, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		if !rec.blocked && len(rec.failures) == 0 {
			delete(g.records, ext)
		}
	}
}

func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var pruned []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}
