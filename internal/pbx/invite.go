package pbx

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/nbpbx/corepbx/internal/callsession"
	"github.com/nbpbx/corepbx/internal/hooks"
	"github.com/nbpbx/corepbx/internal/router"
	"github.com/nbpbx/corepbx/internal/rtprelay"
	"github.com/nbpbx/corepbx/internal/sdpcodec"
	"github.com/nbpbx/corepbx/internal/sipmsg"
	"github.com/nbpbx/corepbx/internal/sipuri"
	"github.com/nbpbx/corepbx/internal/store"
	"github.com/nbpbx/corepbx/internal/transaction"
)

// localAnswerKinds bypass the B2BUA flow entirely per spec.md §4.G: they
// never require the callee to be registered and never open a second SIP
// leg, so they are answered from whatever the configured collaborator
// decides.
var localAnswerKinds = map[router.Kind]bool{
	router.KindEmergency:       true,
	router.KindAutoAttendant:   true,
	router.KindVoicemailAccess: true,
	router.KindPaging:         true,
}

// handleInvite implements spec.md §4.F/§4.G's INVITE handling: an
// immediate 100 Trying, classification via the router, and then either a
// local-collaborator answer or a full B2BUA leg toward a registered
// extension. The final response to the caller is withheld until the
// callee (or collaborator) answers, so this handler itself returns nil —
// handleCalleeResponse and the local-answer branch send the eventual
// final response directly.
func (s *Server) handleInvite(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	s.send(sipmsg.BuildResponse(100, "Trying", req, nil), src)

	fromAddr, _ := sipuri.Parse(req.Headers.Value("From"))
	toAddr, ok := sipuri.Parse(req.Headers.Value("To"))
	if !ok || toAddr.User == "" {
		s.send(sipmsg.BuildResponse(400, "Bad Request", req, nil), src)
		return nil
	}

	decision, err := s.router.Classify(ctx, toAddr.User)
	if err != nil {
		var notReg *router.ErrNotRegistered
		var noMatch *router.ErrNoDialplanMatch
		switch {
		case errors.As(err, &notReg):
			s.send(sipmsg.BuildResponse(404, "Not Found", req, nil), src)
		case errors.As(err, &noMatch):
			s.send(sipmsg.BuildResponse(403, "Forbidden", req, nil), src)
		default:
			s.logger.Error("router classify failed", "error", err)
			s.send(sipmsg.BuildResponse(500, "Internal Server Error", req, nil), src)
		}
		return nil
	}

	if localAnswerKinds[decision.Kind] {
		s.handleLocalAnswer(ctx, decision, req, src)
		return nil
	}

	s.handleB2BUAInvite(ctx, decision, req, src, fromAddr.User)
	return nil
}

// handleLocalAnswer invokes the hook collaborator for a kind that never
// opens a second SIP leg, answering 200 OK on success and 500 otherwise.
func (s *Server) handleLocalAnswer(ctx context.Context, decision router.Decision, req *sipmsg.Message, src *net.UDPAddr) {
	callID := req.Headers.Value("Call-ID")
	fromAddr, _ := sipuri.Parse(req.Headers.Value("From"))

	var err error
	switch decision.Kind {
	case router.KindEmergency:
		err = s.collab.Emergency.Route(ctx, callID, fromAddr.User)
	case router.KindAutoAttendant:
		err = s.collab.AutoAttendant.Answer(ctx, callID)
	case router.KindVoicemailAccess:
		err = s.collab.VoicemailAccess.Access(ctx, callID, fromAddr.User)
	case router.KindPaging:
		err = s.collab.Paging.Page(ctx, callID, decision.ToExt)
	}

	if err != nil {
		s.logger.Warn("local-answer collaborator failed", "kind", decision.Kind, "call_id", callID, "error", err)
		s.send(sipmsg.BuildResponse(500, "Internal Server Error", req, nil), src)
		return
	}
	s.send(sipmsg.BuildResponse(200, "OK", req, nil), src)
}

// handleB2BUAInvite implements the registered-extension branch: parse the
// caller's SDP offer, select codecs for the callee's phone model, allocate
// an RTP relay, build the rewritten outbound INVITE, and arm the
// no-answer timer per spec.md §4.E/§4.F.
func (s *Server) handleB2BUAInvite(ctx context.Context, decision router.Decision, req *sipmsg.Message, src *net.UDPAddr, fromExt string) {
	callID := req.Headers.Value("Call-ID")

	// A retransmitted INVITE (same Call-ID, RFC 3261's UDP-transport
	// retransmission) arrives here again because handleInvite always
	// returns nil and so never populates the transaction layer's
	// retransmission cache (dispatch.go only caches non-nil responses).
	// The call is already in flight from the first copy; absorb this one
	// silently rather than re-running allocation and session creation
	// against the same Call-ID, per spec.md §4.F/§5's retransmission
	// idempotency requirement. The caller already has a fresh 100 Trying
	// from handleInvite's unconditional first line.
	if _, exists := s.calls.Get(callID); exists {
		s.logger.Debug("absorbing retransmitted INVITE", "call_id", callID)
		return
	}

	callerSDP := sdpcodec.Parse(req.Body)
	if callerSDP == nil {
		s.send(sipmsg.BuildResponse(400, "Bad Request", req, nil), src)
		return
	}

	// A find-me/follow-me decision carries a ring sequence instead of a
	// single registered extension: dial the first destination now and
	// keep the rest for onNoAnswer to cascade through, per
	// original_source/pbx/features/find_me_follow_me.py's per-number ring
	// timeout behavior. dialExt is who the PBX actually calls; decision.ToExt
	// stays the originally-dialed extension for CDR and the eventual
	// voicemail-divert mailbox.
	dialExt := decision.ToExt
	ringTimeout := s.noAnswerTimeout()
	var findMeRemaining []hooks.FindMeDestination
	if decision.Kind == router.KindFindMe {
		dialExt = decision.Destinations[0].Number
		if decision.Destinations[0].RingTime > 0 {
			ringTimeout = decision.Destinations[0].RingTime
		}
		findMeRemaining = decision.Destinations[1:]
	}

	reg, ok := s.registry.Registration(dialExt)
	if !ok {
		if len(findMeRemaining) > 0 {
			// This destination isn't reachable right now; try the rest of
			// the sequence before giving up.
			s.handleB2BUAInvite(ctx, router.Decision{Kind: router.KindFindMe, ToExt: decision.ToExt, Destinations: findMeRemaining}, req, src, fromExt)
			return
		}
		// Lost its registration between Classify and here (expired or
		// unregistered concurrently).
		s.send(sipmsg.BuildResponse(404, "Not Found", req, nil), src)
		return
	}
	calleeAddr := hostPortAddr(reg.Host, reg.Port)
	if calleeAddr == nil {
		s.send(sipmsg.BuildResponse(500, "Internal Server Error", req, nil), src)
		return
	}

	callerOffered := codecsFromPayloads(callerSDP.Formats)
	selected := callsession.SelectCodecs(reg.UserAgent, callerOffered)
	if len(selected) == 0 {
		s.send(sipmsg.BuildResponse(488, "Not Acceptable Here", req, nil), src)
		return
	}

	relay, err := s.relay.Allocate(callID, selected[0].ClockRateHz)
	if err != nil {
		var already *rtprelay.ErrAlreadyAllocated
		if errors.As(err, &already) {
			// Lost the race against another copy of the same retransmitted
			// INVITE between the s.calls.Get check above and here; absorb
			// it the same way, rather than leaking a second relay or
			// sending a spurious failure for an in-progress call.
			s.logger.Debug("absorbing retransmitted INVITE", "call_id", callID)
			return
		}
		s.logger.Warn("relay allocation failed", "call_id", callID, "error", err)
		s.send(sipmsg.BuildResponse(503, "Service Unavailable", req, nil), src)
		return
	}

	callerMediaAddr := &net.UDPAddr{IP: net.ParseIP(callerSDP.Address), Port: callerSDP.Port}
	relay.SetEndpoints(callerMediaAddr, nil)
	s.qosMon.StartMonitoring(callID, "caller_to_callee", relay.MetricsAtoB())
	s.qosMon.StartMonitoring(callID, "callee_to_caller", relay.MetricsBtoA())

	fromIdentity := s.registry.Lookup(fromExt)
	displayName := fromExt
	if fromIdentity != nil && fromIdentity.DisplayName != "" {
		displayName = fromIdentity.DisplayName
	}

	session, err := s.calls.Create(callID, fromExt, decision.ToExt, s.sessionHooks(callID))
	if err != nil {
		s.logger.Warn("call table create failed", "call_id", callID, "error", err)
		s.relay.Release(callID)
		s.send(sipmsg.BuildResponse(500, "Internal Server Error", req, nil), src)
		return
	}
	session.Start()
	session.SetCodecs(selected)

	mediaIP := s.cfg.MediaIP()
	outboundBody := buildRelayOffer(mediaIP, relay.Ports().RTP, selected)

	outbound := transaction.BuildB2BUAInvite(transaction.B2BUAInviteParams{
		CalleeExt:      dialExt,
		ServerIP:       mediaIP,
		ServerPort:     s.cfg.SIPPort,
		CallID:         callID,
		CSeq:           1,
		CallerVia:      req.Headers.Value("Via"),
		CallerFrom:     req.Headers.Value("From"),
		CallerDisplay:  displayName,
		CallerMAC:      extractCallerMAC(req, s.cfg.AcceptMACInInvite),
		SDPBody:        outboundBody,
		IdentityHeader: s.attestOutbound(ctx, callID, fromExt, dialExt),
	})

	s.setPending(callID, &pendingInvite{
		callerAddr:      src,
		callerReq:       req,
		calleeAddr:      calleeAddr,
		outbound:        outbound,
		fromExt:         fromExt,
		toExt:           decision.ToExt,
		findMeRemaining: findMeRemaining,
	})

	s.send(outbound, calleeAddr)
	session.ArmNoAnswerTimer(ringTimeout, func() {
		s.onNoAnswer(callID)
	})
}

// redialFindMe advances a find-me/follow-me call to the next reachable
// destination in the ring sequence, reusing the already-allocated relay
// and negotiated codecs. Returns false (leaving the caller to fall back
// to voicemail) once the sequence is exhausted.
func (s *Server) redialFindMe(session *callsession.Session, callID string, p *pendingInvite) bool {
	for len(p.findMeRemaining) > 0 {
		next := p.findMeRemaining[0]
		remaining := p.findMeRemaining[1:]
		p.findMeRemaining = remaining

		reg, ok := s.registry.Registration(next.Number)
		if !ok {
			continue
		}
		calleeAddr := hostPortAddr(reg.Host, reg.Port)
		if calleeAddr == nil {
			continue
		}
		relay, present := s.relay.Get(callID)
		if !present {
			return false
		}

		fromIdentity := s.registry.Lookup(p.fromExt)
		displayName := p.fromExt
		if fromIdentity != nil && fromIdentity.DisplayName != "" {
			displayName = fromIdentity.DisplayName
		}

		outboundBody := buildRelayOffer(s.cfg.MediaIP(), relay.Ports().RTP, session.Codecs())
		outbound := transaction.BuildB2BUAInvite(transaction.B2BUAInviteParams{
			CalleeExt:      next.Number,
			ServerIP:       s.cfg.MediaIP(),
			ServerPort:     s.cfg.SIPPort,
			CallID:         callID,
			CSeq:           1,
			CallerVia:      p.callerReq.Headers.Value("Via"),
			CallerFrom:     p.callerReq.Headers.Value("From"),
			CallerDisplay:  displayName,
			CallerMAC:      extractCallerMAC(p.callerReq, s.cfg.AcceptMACInInvite),
			SDPBody:        outboundBody,
			IdentityHeader: s.attestOutbound(context.Background(), callID, p.fromExt, next.Number),
		})

		p.calleeAddr = calleeAddr
		p.outbound = outbound
		s.setPending(callID, p)

		ringTimeout := s.noAnswerTimeout()
		if next.RingTime > 0 {
			ringTimeout = next.RingTime
		}
		s.send(outbound, calleeAddr)
		session.ArmNoAnswerTimer(ringTimeout, func() {
			s.onNoAnswer(callID)
		})
		return true
	}
	return false
}

// attestOutbound signs an outbound INVITE with a PASSporT Identity header
// when a hooks.AttestationVerifier is configured (absent by default per
// spec.md §1). It always requests full (A-level) attestation for fromExt,
// the extension taken from the caller's From header; the INVITE path does
// not check that fromExt is registered and does not authenticate the
// INVITE before this. A failed Attest call degrades to an unsigned INVITE
// rather than blocking the call.
func (s *Server) attestOutbound(ctx context.Context, callID, fromExt, calledNumber string) string {
	if s.collab.Attestation == nil {
		return ""
	}
	header, err := s.collab.Attestation.Attest(ctx, fromExt, calledNumber, hooks.AttestationFull)
	if err != nil {
		s.logger.Warn("attestation failed, sending unsigned invite", "call_id", callID, "error", err)
		return ""
	}
	return header
}

func (s *Server) noAnswerTimeout() time.Duration {
	if s.cfg.VoicemailNoAnswerTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.VoicemailNoAnswerTimeoutSec) * time.Second
}

// onNoAnswer fires when the callee leg doesn't answer in time: it cancels
// the outbound INVITE and diverts the caller to a local voicemail
// attachment rather than tearing the call down, per spec.md §4.E's
// attachVoicemail flow.
func (s *Server) onNoAnswer(callID string) {
	session, ok := s.calls.Get(callID)
	if !ok {
		return
	}
	if session.State() != callsession.StateInitiating && session.State() != callsession.StateRinging {
		return
	}

	p, ok := s.getPending(callID)
	if ok {
		s.send(transaction.BuildCancelFromInvite(p.outbound), p.calleeAddr)
		if len(p.findMeRemaining) > 0 && s.redialFindMe(session, callID, p) {
			return
		}
	}

	if err := session.Connect(); err != nil {
		s.logger.Warn("voicemail divert: connect failed", "call_id", callID, "error", err)
		session.End("no_answer", true)
		if ok {
			s.send(sipmsg.BuildResponse(480, "Temporarily Unavailable", p.callerReq, nil), p.callerAddr)
		}
		return
	}

	if ok {
		relayPort := 0
		if h, present := s.relay.Get(callID); present {
			relayPort = h.Ports().RTP
		}
		body := buildRelayOffer(s.cfg.MediaIP(), relayPort, session.Codecs())
		resp := sipmsg.BuildResponse(200, "OK", p.callerReq, body)
		resp.Headers.Set("Content-Type", "application/sdp")
		resp.Headers.Set("Contact", formatAddr(s.cfg.MediaIP(), s.cfg.SIPPort))
		s.send(resp, p.callerAddr)
	}

	maxDur := time.Duration(s.cfg.VoicemailMaxMessageDurSec) * time.Second
	session.AttachVoicemail("voicemail:"+callID, maxDur, func() {
		session.End("voicemail_complete", true)
	})
}

// sessionHooks builds the callsession.Hooks that tie a Session's lifecycle
// back into the relay, QoS monitor, webhook emitter and CDR store.
func (s *Server) sessionHooks(callID string) callsession.Hooks {
	return callsession.Hooks{
		OnStarted: func(callID string) {
			if err := s.callRecords.Create(context.Background(), &store.CallRecord{
				CallID: callID,
				Status: "in_progress",
				Start:  time.Now(),
			}); err != nil {
				s.logger.Warn("cdr create failed", "call_id", callID, "error", err)
			}
			s.collab.Webhook.Emit(context.Background(), "call_started", map[string]any{"call_id": callID})
		},
		OnConnected: func(callID string) {
			s.collab.Webhook.Emit(context.Background(), "call_connected", map[string]any{"call_id": callID})
		},
		OnEnded: func(callID, reason string) {
			s.finalizeCall(callID, reason)
		},
		ReleaseRelay: func(callID string) {
			for _, dir := range []string{"caller_to_callee", "callee_to_caller"} {
				if summary, ok := s.qosMon.StopMonitoring(callID, dir); ok {
					if err := s.qosStore.Create(context.Background(), &store.QoSRecord{
						CallID: summary.CallID, Direction: summary.Direction,
						PacketsSent: summary.PacketsSent, PacketsReceived: summary.PacketsReceived,
						PacketsLost: summary.PacketsLost, PacketLossPercentage: summary.PacketLossPercentage,
						AvgJitterMS: summary.AvgJitterMS, MaxJitterMS: summary.MaxJitterMS,
						AvgLatencyMS: summary.AvgLatencyMS, MaxLatencyMS: summary.MaxLatencyMS,
						MOS: summary.MOS, QualityRating: summary.QualityRating, RecordedAt: summary.RecordedAt,
					}); err != nil {
						s.logger.Warn("qos record persist failed", "call_id", callID, "error", err)
					}
				}
			}
			s.relay.Release(callID)
		},
	}
}

func (s *Server) finalizeCall(callID, reason string) {
	session, ok := s.calls.Get(callID)
	if ok {
		created, started, connected, ended := session.Timestamps()
		_ = created
		status := reason
		durationSecs := 0
		if !connected.IsZero() && !ended.IsZero() {
			durationSecs = int(ended.Sub(connected).Seconds())
		}
		if err := s.callRecords.Update(context.Background(), &store.CallRecord{
			CallID:       callID,
			Start:        started,
			End:          ended,
			DurationSecs: durationSecs,
			Status:       status,
		}); err != nil {
			s.logger.Warn("cdr update failed", "call_id", callID, "error", err)
		}
	}
	s.collab.Webhook.Emit(context.Background(), "call_ended", map[string]any{"call_id": callID, "reason": reason})
	s.collab.CDR.Export(context.Background(), callID)
	s.calls.Remove(callID)
	s.removePending(callID)
}

func extractCallerMAC(req *sipmsg.Message, accept bool) string {
	if !accept {
		return ""
	}
	return req.Headers.Value("X-MAC-Address")
}
