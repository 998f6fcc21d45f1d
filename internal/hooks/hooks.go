// Package hooks declares the plug-in collaborator interfaces spec.md §1
// enumerates as hooks rather than implementations (call tagging/ML,
// find-me/follow-me, STIR/SHAKEN, IVR, paging, emergency, auto-attendant,
// voicemail access) and provides no-op defaults so the core can run
// without any of them configured. Grounded on
// original_source/pbx/features/{call_tagging,find_me_follow_me,
// stir_shaken}.py for interface shape; these are genuinely interface-only
// per spec.md's Non-goals — no decisioning logic is implemented here.
package hooks

import (
	"context"
	"time"
)

// CallTagger classifies a call by heuristic or ML score, mirroring
// original_source/pbx/features/call_tagging.py's CallTag shape.
type CallTagger interface {
	Tag(ctx context.Context, callID, fromExt, toExt string) (label string, score float64)
}

// NoOpCallTagger never tags a call.
type NoOpCallTagger struct{}

func (NoOpCallTagger) Tag(ctx context.Context, callID, fromExt, toExt string) (string, float64) {
	return "", 0
}

// FindMeDestination is one ring target in a find-me/follow-me sequence.
type FindMeDestination struct {
	Number   string
	RingTime time.Duration
}

// FindMeFollowMe resolves an extension's configured ring sequence,
// mirroring original_source/pbx/features/find_me_follow_me.py.
type FindMeFollowMe interface {
	// Destinations returns the configured sequence for ext, or nil if the
	// extension has no find-me/follow-me configuration.
	Destinations(ctx context.Context, ext string) []FindMeDestination
}

// NoOpFindMeFollowMe reports no configuration for any extension.
type NoOpFindMeFollowMe struct{}

func (NoOpFindMeFollowMe) Destinations(ctx context.Context, ext string) []FindMeDestination {
	return nil
}

// AttestationLevel mirrors the STIR/SHAKEN attestation levels from
// original_source/pbx/features/stir_shaken.py (RFC 8224 PASSporT).
type AttestationLevel string

const (
	AttestationFull    AttestationLevel = "A"
	AttestationPartial AttestationLevel = "B"
	AttestationGateway AttestationLevel = "C"
)

// AttestationVerifier attaches and verifies PASSporT caller-identity
// assertions on outbound/inbound INVITEs.
type AttestationVerifier interface {
	// Attest produces an Identity header value for an outbound INVITE.
	Attest(ctx context.Context, fromExt, calledNumber string, level AttestationLevel) (identityHeader string, err error)
	// Verify checks an inbound Identity header, returning the attestation
	// level asserted if valid.
	Verify(ctx context.Context, identityHeader string) (level AttestationLevel, valid bool, err error)
}

// NoOpAttestationVerifier performs no attestation; absent by default per
// spec.md §1.
type NoOpAttestationVerifier struct{}

func (NoOpAttestationVerifier) Attest(ctx context.Context, fromExt, calledNumber string, level AttestationLevel) (string, error) {
	return "", nil
}

func (NoOpAttestationVerifier) Verify(ctx context.Context, identityHeader string) (AttestationLevel, bool, error) {
	return "", false, nil
}

// IVRCollaborator handles interactive-voice-response menu traversal for
// the dialplan's IVR branch. Interface-only per spec.md §1's Non-goals.
type IVRCollaborator interface {
	HandleCall(ctx context.Context, callID, menuID string) error
}

// NoOpIVRCollaborator answers nothing; absent by default.
type NoOpIVRCollaborator struct{}

func (NoOpIVRCollaborator) HandleCall(ctx context.Context, callID, menuID string) error { return nil }

// PagingCollaborator fans a call out to a paging group.
type PagingCollaborator interface {
	Page(ctx context.Context, callID, groupID string) error
}

// NoOpPagingCollaborator pages nobody; absent by default.
type NoOpPagingCollaborator struct{}

func (NoOpPagingCollaborator) Page(ctx context.Context, callID, groupID string) error { return nil }

// EmergencyCollaborator handles 911/emergency dialplan routing, which
// spec.md §4.G requires to take absolute priority but leaves the
// downstream handling (e911 location, PSAP routing) as a plug-in.
type EmergencyCollaborator interface {
	Route(ctx context.Context, callID, callingExt string) error
}

// NoOpEmergencyCollaborator performs no PSAP routing. A deployment
// without e911 trunking configured still answers the call locally
// (internal/pbx does this); this no-op exists only so the composition
// root never has to nil-check the collaborator.
type NoOpEmergencyCollaborator struct{}

func (NoOpEmergencyCollaborator) Route(ctx context.Context, callID, callingExt string) error {
	return nil
}

// AutoAttendantCollaborator handles the dialplan's auto-attendant branch.
type AutoAttendantCollaborator interface {
	Answer(ctx context.Context, callID string) error
}

// NoOpAutoAttendantCollaborator answers nothing; absent by default.
type NoOpAutoAttendantCollaborator struct{}

func (NoOpAutoAttendantCollaborator) Answer(ctx context.Context, callID string) error { return nil }

// VoicemailAccessCollaborator handles the voicemail-access dialplan
// branch (dialing in to check messages) as distinct from the
// attach-voicemail-on-no-answer path in internal/callsession.
type VoicemailAccessCollaborator interface {
	Access(ctx context.Context, callID, callingExt string) error
}

// NoOpVoicemailAccessCollaborator grants no mailbox access; absent by
// default.
type NoOpVoicemailAccessCollaborator struct{}

func (NoOpVoicemailAccessCollaborator) Access(ctx context.Context, callID, callingExt string) error {
	return nil
}

// MediaPipeline is an optional recording/transcoding sink the RTP relay
// can tee packets to. Interface-only; spec.md Non-goals exclude
// recording/transcoding as a core concern.
type MediaPipeline interface {
	Feed(direction string, packet []byte)
}

// NoOpMediaPipeline discards every packet fed to it.
type NoOpMediaPipeline struct{}

func (NoOpMediaPipeline) Feed(direction string, packet []byte) {}

// WebhookEmitter notifies external systems of call lifecycle events.
type WebhookEmitter interface {
	Emit(ctx context.Context, event string, payload map[string]any) error
}

// NoOpWebhookEmitter emits nothing; absent by default.
type NoOpWebhookEmitter struct{}

func (NoOpWebhookEmitter) Emit(ctx context.Context, event string, payload map[string]any) error {
	return nil
}

// CDRSink receives completed call detail records for export, independent
// of the store's own call_records table (spec.md §6).
type CDRSink interface {
	Export(ctx context.Context, callID string) error
}

// NoOpCDRSink exports nothing; the store's own call_records table
// (internal/store.CallRecordStore) remains the system of record.
type NoOpCDRSink struct{}

func (NoOpCDRSink) Export(ctx context.Context, callID string) error { return nil }
