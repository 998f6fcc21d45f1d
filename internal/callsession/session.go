// Package callsession implements the per-call state machine spec.md
// §4.E describes: Initiating -> Ringing -> Connected -> Ended, with a
// late EndingLocal branch and an absorbing Initiating|Ringing -> Ended
// branch for cancellation or routing failure. The state transitions
// themselves are driven by github.com/looplab/fsm, grounded on
// arzzra-soft_phone's pkg/dialog/enhanced_dialog_three_fsm.go (NewFSM
// with fsm.Events/fsm.Callbacks, enter_state callback updating cached
// state, Event() calls guarded by the dialog's own lock).
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// State is one of the call lifecycle states from spec.md §4.E.
type State string

const (
	StateInitiating  State = "initiating"
	StateRinging     State = "ringing"
	StateConnected   State = "connected"
	StateEndingLocal State = "ending_local"
	StateEnded       State = "ended"
)

// Event names fed to the underlying fsm.FSM.
const (
	eventRing       = "ring"
	eventConnect    = "connect"
	eventEndLocal   = "end_local"
	eventEndRemote  = "end_remote"
	eventFinalizeEnd = "finalize_end"
)

// ErrAlreadyEnded is returned by operations that require a live session.
var ErrAlreadyEnded = errors.New("callsession: call already ended")

// ErrUnknownCallID is returned when create() would collide with an
// existing call_id (spec.md §4.E: "fails if call_id already present").
var ErrUnknownCallID = errors.New("callsession: call_id already present")

// Codec is one negotiated audio codec payload entry.
type Codec struct {
	Name        string
	PayloadType int
	ClockRateHz int
}

// Common codec payload types, RFC 3551 static assignments plus the
// RFC 2833 dynamic telephone-event type this PBX offers by default.
var (
	CodecPCMU = Codec{Name: "PCMU", PayloadType: 0, ClockRateHz: 8000}
	CodecPCMA = Codec{Name: "PCMA", PayloadType: 8, ClockRateHz: 8000}
	CodecG722 = Codec{Name: "G722", PayloadType: 9, ClockRateHz: 8000}
	CodecG726 = Codec{Name: "G726-32", PayloadType: 2, ClockRateHz: 8000}
	CodecG729 = Codec{Name: "G729", PayloadType: 18, ClockRateHz: 8000}
)

// DTMFDigit is one queued inline DTMF event (RFC 2833 telephone-event).
type DTMFDigit struct {
	Digit      byte
	DurationMS int
	ReceivedAt time.Time
}

// VoicemailAttachment records the no-answer/manual voicemail handoff
// spec.md §4.E's attachVoicemail describes.
type VoicemailAttachment struct {
	RecorderHandle string
	MaxDuration    time.Duration
	AttachedAt     time.Time
}

// Hooks are the lifecycle callbacks a Session invokes as it transitions;
// all are optional. Session owns no webhook/CDR/relay implementation
// itself — these are thin notification points the composition root
// wires to internal/hooks.WebhookEmitter, the store's CallRecordStore,
// and internal/rtprelay.Manager.
type Hooks struct {
	OnStarted   func(callID string)
	OnConnected func(callID string)
	OnEnded     func(callID, reason string)
	// ReleaseRelay is invoked once, from end(), to tear down the call's
	// RTP relay handler. Nil if the call never allocated one.
	ReleaseRelay func(callID string)
}

// DTMFQueueCap bounds the DTMF queue (spec.md places no number on it;
// this prevents an unbounded buffer if a callee floods digits without
// the application layer draining them).
const DTMFQueueCap = 64

// Session is one call's state machine plus its timers and negotiated
// media parameters. All mutating operations take sess.mu; the global
// call table (owned by internal/pbx) uses its own separate lock per
// spec.md §5 — a Session never reaches into the table's lock.
type Session struct {
	mu sync.Mutex

	callID string
	from   string
	to     string

	machine *fsm.FSM
	state   State

	createdAt   time.Time
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	endReason   string
	localEnd    bool

	codecs  []Codec
	dtmf    []DTMFDigit
	voice   *VoicemailAttachment
	hooks   Hooks
	logger  *slog.Logger

	noAnswerTimer *time.Timer
	voiceTimer    *time.Timer
}

// Table owns the set of live Sessions, guarded by its own lock per
// spec.md §5's "global call table uses its own lock" requirement —
// deliberately a lock distinct from any individual Session's mu so a
// caller iterating the table never blocks on a single call's work.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewTable creates an empty call table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{sessions: make(map[string]*Session), logger: logger}
}

// Create inserts a new Session keyed by callID, failing if one already
// exists (spec.md §4.E create()).
func (t *Table) Create(callID, from, to string, hooks Hooks) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[callID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCallID, callID)
	}

	s := newSession(callID, from, to, hooks, t.logger)
	t.sessions[callID] = s
	return s, nil
}

// Get returns the session for callID, if any.
func (t *Table) Get(callID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[callID]
	return s, ok
}

// Remove deletes callID from the table. Safe to call after end();
// internal/pbx calls this once a call's end() hook has run.
func (t *Table) Remove(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, callID)
}

// ActiveCallCount implements internal/metrics.ActiveCallsProvider.
func (t *Table) ActiveCallCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.sessions {
		st := s.State()
		if st != StateEnded {
			n++
		}
	}
	return n
}

func newSession(callID, from, to string, hooks Hooks, logger *slog.Logger) *Session {
	s := &Session{
		callID:    callID,
		from:      from,
		to:        to,
		createdAt: time.Now(),
		hooks:     hooks,
		logger:    logger,
		state:     StateInitiating,
	}

	s.machine = fsm.NewFSM(
		string(StateInitiating),
		fsm.Events{
			{Name: eventRing, Src: []string{string(StateInitiating)}, Dst: string(StateRinging)},
			{Name: eventConnect, Src: []string{string(StateInitiating), string(StateRinging)}, Dst: string(StateConnected)},
			{Name: eventEndLocal, Src: []string{string(StateConnected)}, Dst: string(StateEndingLocal)},
			{Name: eventFinalizeEnd, Src: []string{string(StateEndingLocal)}, Dst: string(StateEnded)},
			{Name: eventEndRemote, Src: []string{string(StateInitiating), string(StateRinging), string(StateConnected)}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.state = State(e.Dst)
			},
		},
	)

	return s
}

// CallID returns the session's call_id.
func (s *Session) CallID() string { return s.callID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start records the start timestamp and fires OnStarted. Mirrors
// spec.md §4.E start(): "records start timestamp, emits call_started
// webhook, opens a CDR record" — the CDR-opening itself is the
// composition root's job via OnStarted, kept out of this package so
// callsession has no store dependency.
func (s *Session) Start() {
	s.mu.Lock()
	s.startedAt = time.Now()
	cb := s.hooks.OnStarted
	s.mu.Unlock()

	if cb != nil {
		cb(s.callID)
	}
}

// Ring transitions Initiating -> Ringing. A no-op if already past
// Initiating (e.g. a retransmitted provisional response).
func (s *Session) Ring() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitiating {
		return nil
	}
	return s.machine.Event(context.Background(), eventRing)
}

// Connect transitions to Connected and records the connect timestamp.
// Idempotent per spec.md §4.E: a second call while already Connected
// is a no-op rather than an error.
func (s *Session) Connect() error {
	s.mu.Lock()

	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateInitiating && s.state != StateRinging {
		s.mu.Unlock()
		return fmt.Errorf("callsession: cannot connect from state %s", s.state)
	}

	s.cancelNoAnswerLocked()
	if err := s.machine.Event(context.Background(), eventConnect); err != nil {
		s.mu.Unlock()
		return err
	}
	s.connectedAt = time.Now()

	cb := s.hooks.OnConnected
	callID := s.callID
	s.mu.Unlock()

	if cb != nil {
		cb(callID)
	}
	return nil
}

// ArmNoAnswerTimer starts the no-answer timer (spec.md §4.E: "armed
// when forwarding the INVITE to the callee; default 30s"). onFire runs
// in its own goroutine, per time.AfterFunc, and is responsible for
// re-checking the call's state before acting — by the time it fires
// the call may already be Connected or Ended.
func (s *Session) ArmNoAnswerTimer(d time.Duration, onFire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelNoAnswerLocked()
	if d <= 0 {
		d = 30 * time.Second
	}
	s.noAnswerTimer = time.AfterFunc(d, onFire)
}

// cancelNoAnswerLocked stops any armed no-answer timer. Must be called
// with s.mu held. time.Timer.Stop() racing an in-flight fire is
// harmless here because every onFire callback re-checks session state
// before acting (spec.md §5's race-safety requirement).
func (s *Session) cancelNoAnswerLocked() {
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
		s.noAnswerTimer = nil
	}
}

// CancelNoAnswerTimer stops the no-answer timer without otherwise
// altering session state, for callers (e.g. explicit early-media paths)
// that need to disarm it outside of Connect/End.
func (s *Session) CancelNoAnswerTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelNoAnswerLocked()
}

// End transitions the call to Ended, recording reason and timestamp,
// stopping all timers, releasing the RTP relay and emitting OnEnded.
// If the local side initiated teardown the machine passes through
// EndingLocal first, per spec.md §4.E. Calling End on an already-ended
// session is a no-op, not an error — BYE/CANCEL retransmissions must
// not double-fire the end hooks.
func (s *Session) End(reason string, local bool) error {
	s.mu.Lock()

	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}

	s.cancelNoAnswerLocked()
	s.cancelVoicemailTimerLocked()

	wasConnected := s.state == StateConnected
	if local && wasConnected {
		if err := s.machine.Event(context.Background(), eventEndLocal); err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.machine.Event(context.Background(), eventFinalizeEnd); err != nil {
			s.mu.Unlock()
			return err
		}
	} else {
		if err := s.machine.Event(context.Background(), eventEndRemote); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	s.endedAt = time.Now()
	s.endReason = reason
	s.localEnd = local

	releaseRelay := s.hooks.ReleaseRelay
	onEnded := s.hooks.OnEnded
	callID := s.callID
	s.mu.Unlock()

	if releaseRelay != nil {
		releaseRelay(callID)
	}
	if onEnded != nil {
		onEnded(callID, reason)
	}
	return nil
}

// AttachVoicemail sets the voicemail recorder handle and arms an
// end-of-recording timer (spec.md §4.E attachVoicemail). onMaxDuration
// fires if the recording runs to max_duration without the voicemail
// collaborator ending it first.
func (s *Session) AttachVoicemail(recorderHandle string, maxDuration time.Duration, onMaxDuration func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelVoicemailTimerLocked()
	s.voice = &VoicemailAttachment{
		RecorderHandle: recorderHandle,
		MaxDuration:    maxDuration,
		AttachedAt:     time.Now(),
	}
	if maxDuration > 0 && onMaxDuration != nil {
		s.voiceTimer = time.AfterFunc(maxDuration, onMaxDuration)
	}
}

func (s *Session) cancelVoicemailTimerLocked() {
	if s.voiceTimer != nil {
		s.voiceTimer.Stop()
		s.voiceTimer = nil
	}
}

// Voicemail returns the current voicemail attachment, if any.
func (s *Session) Voicemail() (VoicemailAttachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voice == nil {
		return VoicemailAttachment{}, false
	}
	return *s.voice, true
}

// SetCodecs records the negotiated codec list chosen by SelectCodecs.
func (s *Session) SetCodecs(codecs []Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codecs = codecs
}

// Codecs returns the negotiated codec list.
func (s *Session) Codecs() []Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Codec, len(s.codecs))
	copy(out, s.codecs)
	return out
}

// PushDTMF enqueues an inline DTMF digit, dropping the oldest entry if
// the queue is at capacity rather than growing unbounded.
func (s *Session) PushDTMF(digit byte, durationMS int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dtmf) >= DTMFQueueCap {
		s.dtmf = s.dtmf[1:]
	}
	s.dtmf = append(s.dtmf, DTMFDigit{Digit: digit, DurationMS: durationMS, ReceivedAt: time.Now()})
}

// PopDTMF dequeues the oldest DTMF digit, if any.
func (s *Session) PopDTMF() (DTMFDigit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dtmf) == 0 {
		return DTMFDigit{}, false
	}
	d := s.dtmf[0]
	s.dtmf = s.dtmf[1:]
	return d, true
}

// Timestamps returns the recorded lifecycle timestamps for CDR export.
func (s *Session) Timestamps() (created, started, connected, ended time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt, s.startedAt, s.connectedAt, s.endedAt
}

// EndReason returns the reason passed to End, and whether the local
// side initiated the teardown.
func (s *Session) EndReason() (reason string, local bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason, s.localEnd
}
