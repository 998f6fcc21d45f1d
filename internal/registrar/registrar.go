// Package registrar implements the Registrar / Auth component (spec.md
// §4.H): REGISTER handling, credential verification, and the
// phone-tracking table with its (mac,ext)/(ip,ext) uniqueness and
// re-provisioning semantics. Grounded on the teacher's
// internal/sip/registrar.go for the REGISTER-handling shape (parse
// Contact/Expires, clamp expiry, refresh-in-place) and
// internal/sip/bruteforce.go for the progressive-backoff guard (keyed
// here by extension rather than by source IP),
// re-expressed over internal/sipmsg instead of emiago/sipgo and over
// internal/store's narrow PhoneTrackingStore instead of a full
// repository.
//
// Credential verification is deliberately simpler than the teacher's
// RFC 2617 digest auth (internal/sip/auth.go, github.com/icholy/digest):
// spec.md §6's extensions table stores an Argon2id credential hash
// (internal/store/password.go), which by design cannot be recovered to
// compute a digest response server-side. The REGISTER's Authorization
// header is therefore checked as a shared-secret bearer credential
// against the stored hash rather than a full digest challenge/response —
// this is the Open Question 1 resolution from SPEC_FULL.md §5 applied
// concretely: credentials are required unless the source IP is listed in
// sip.auth.trust_by_ip_cidrs.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nbpbx/corepbx/internal/registry"
	"github.com/nbpbx/corepbx/internal/sipmsg"
	"github.com/nbpbx/corepbx/internal/sipuri"
	"github.com/nbpbx/corepbx/internal/store"
)

const (
	defaultExpirySec = 3600
	minExpirySec     = 60
	maxExpirySec     = 86400
)

// CredentialChecker verifies a bearer credential against an extension's
// stored hash. internal/store.CheckCredential implements this.
type CredentialChecker func(plaintext, encodedHash string) (bool, error)

// TrustChecker reports whether a source address is exempt from
// credential checks (Open Question 1 resolution).
type TrustChecker func(ip net.IP) bool

// Registrar handles REGISTER requests end to end: brute-force guarding,
// credential verification, registry refresh, and phone-tracking upsert.
type Registrar struct {
	registry  *registry.Registry
	phones    store.PhoneTrackingStore
	checkCred CredentialChecker
	trusted   TrustChecker
	guard     *BruteForceGuard
	logger    *slog.Logger
}

// New creates a Registrar. checkCred and trusted are injected so the
// package has no direct dependency on argon2 or net.CIDR parsing.
func New(reg *registry.Registry, phones store.PhoneTrackingStore, checkCred CredentialChecker, trusted TrustChecker, logger *slog.Logger) *Registrar {
	logger = logger.With("subsystem", "registrar")
	return &Registrar{
		registry:  reg,
		phones:    phones,
		checkCred: checkCred,
		trusted:   trusted,
		guard:     NewBruteForceGuard(logger),
		logger:    logger,
	}
}

// Result is the outcome of handling one REGISTER request.
type Result struct {
	Status int
	Reason string
}

func result(status int, reason string) Result { return Result{Status: status, Reason: reason} }

// HandleRegister processes a parsed REGISTER message from srcIP:srcPort,
// returning the status/reason the transaction layer should respond with.
// It never returns an error — every failure mode maps to a SIP status
// per spec.md §7's "protocol-level refusal" policy.
func (r *Registrar) HandleRegister(ctx context.Context, msg *sipmsg.Message, srcIP string, srcPort int) Result {
	source := net.JoinHostPort(srcIP, strconv.Itoa(srcPort))

	fromAddr, ok := sipuri.Parse(msg.Headers.Value("From"))
	if !ok || fromAddr.User == "" {
		return result(400, "Bad Request")
	}
	ext := fromAddr.User

	if r.guard.IsBlocked(ext) {
		r.logger.Warn("register rejected: extension blocked", "extension", ext, "source", source)
		return result(403, "Forbidden")
	}

	identity := r.registry.Lookup(ext)
	if identity == nil {
		r.guard.RecordFailure(ext)
		return result(404, "Not Found")
	}

	if !r.authenticated(net.ParseIP(srcIP), ext, identity.CredentialHash, msg) {
		r.guard.RecordFailure(ext)
		return result(401, "Unauthorized")
	}
	r.guard.RecordSuccess(ext)

	contact := msg.Headers.Value("Contact")
	contactAddr, hasContact := sipuri.Parse(contact)
	expires := r.parseExpires(msg, contactAddr)

	if expires == 0 || contactAddr.Wildcard {
		r.registry.Unregister(ext)
		if err := r.phones.DeleteByMACOrIP(ctx, extractMAC(msg), srcIP); err != nil {
			r.logger.Warn("failed to delete phone tracking row on unregister", "extension", ext, "error", err)
		}
		return result(200, "OK")
	}

	if !hasContact {
		return result(400, "Bad Request")
	}

	if expires < minExpirySec {
		expires = minExpirySec
	}
	if expires > maxExpirySec {
		expires = maxExpirySec
	}

	userAgent := msg.Headers.Value("User-Agent")
	if err := r.registry.Register(ext, srcIP, srcPort, userAgent, contact, time.Duration(expires)*time.Second); err != nil {
		r.logger.Error("register: updating in-memory registration failed", "extension", ext, "error", err)
		return result(500, "Internal Server Error")
	}

	// Transient store failure degrades gracefully per spec.md §7: the
	// in-memory registration above is already authoritative, so a
	// persistence failure here is logged and otherwise ignored.
	mac := extractMAC(msg)
	if err := r.phones.Upsert(ctx, &store.RegisteredPhone{
		MAC: mac, Extension: ext, UserAgent: userAgent, IP: srcIP, ContactURI: contact,
	}); err != nil {
		r.logger.Warn("phone tracking upsert failed, continuing with in-memory registration only",
			"extension", ext, "error", err)
	}

	return result(200, "OK")
}

// authenticated implements the Open Question 1 resolution: a source IP
// matching a configured trust-by-IP CIDR is exempt; otherwise the
// Authorization header is required and checked against the stored hash.
func (r *Registrar) authenticated(srcIP net.IP, ext, credentialHash string, msg *sipmsg.Message) bool {
	if r.trusted != nil && srcIP != nil && r.trusted(srcIP) {
		return true
	}
	auth := msg.Headers.Value("Authorization")
	if auth == "" {
		return false
	}
	ok, err := r.checkCred(auth, credentialHash)
	if err != nil {
		r.logger.Warn("credential check error", "extension", ext, "error", err)
		return false
	}
	return ok
}

// parseExpires reads the Expires header, falling back to an
// "expires=" Contact parameter, then the default.
func (r *Registrar) parseExpires(msg *sipmsg.Message, contact sipuri.Addr) int {
	if v := msg.Headers.Value("Expires"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	if v, ok := contact.Params["expires"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultExpirySec
}

// extractMAC reads X-MAC-Address and returns it unchanged when, with ':'
// and '-' separators removed, it is exactly 12 characters long; an absent
// header or one of any other length yields "". The characters are not
// checked to be hex digits.
func extractMAC(msg *sipmsg.Message) string {
	v := msg.Headers.Value("X-MAC-Address")
	if v == "" {
		return ""
	}
	clean := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(v, ":", ""), "-", ""))
	if len(clean) != 12 {
		return ""
	}
	return v
}

// Cleanup runs the brute-force guard's periodic expiry sweep. Called by
// the timer scheduler (spec.md §5).
func (r *Registrar) Cleanup() {
	r.guard.Cleanup()
}

// PurgeStaleOnBoot purges every phone-tracking row (they belong to the
// previous process lifetime, spec.md §4.H) and re-purges any row with a
// nil mac or nil ip ("incomplete" stale rows), then clears the registry's
// in-memory mirror. Supplemented from
// original_source/tests/test_phone_cleanup*.py, which pins down that an
// incomplete row (present mac, nil ip, or vice versa) is purged as part
// of the same boot step rather than surviving until its own expiry.
func (r *Registrar) PurgeStaleOnBoot(ctx context.Context) error {
	n, err := r.phones.PurgeAll(ctx)
	if err != nil {
		return fmt.Errorf("registrar: purging phone tracking rows on boot: %w", err)
	}
	incomplete, err := r.phones.PurgeIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("registrar: purging incomplete phone rows on boot: %w", err)
	}
	r.registry.PurgeAllRegistrations()
	r.logger.Info("boot purge complete", "purged_total", n, "purged_incomplete", incomplete)
	return nil
}
