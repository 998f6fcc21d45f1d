package pbx

import (
	"context"
	"fmt"
	"net"

	"github.com/nbpbx/corepbx/internal/sdpcodec"
	"github.com/nbpbx/corepbx/internal/sipmsg"
)

// handleCalleeResponse processes a response arriving on the callee leg of
// a B2BUA call: provisional responses are relayed to the caller, a 200 OK
// connects the call and triggers the ACK/SDP exchange, and a failure
// final response tears the call down and relays the failure upstream.
func (s *Server) handleCalleeResponse(ctx context.Context, resp *sipmsg.Message, src *net.UDPAddr) {
	callID := resp.Headers.Value("Call-ID")
	_, method, ok := sipmsg.CSeqMethod(resp.Headers.Value("CSeq"))
	if !ok || method != "INVITE" {
		// Responses to PBX-originated BYE/CANCEL transactions need no
		// further action; the request side already completed its work.
		return
	}

	p, ok := s.getPending(callID)
	if !ok {
		return
	}

	switch {
	case resp.StatusCode == 100:
		return
	case resp.StatusCode == 180 || resp.StatusCode == 183:
		s.forwardProvisional(callID, resp, p)
	case resp.StatusCode == 200:
		s.handleCalleeAnswer(ctx, callID, resp, p)
	case resp.StatusCode >= 300:
		s.handleCalleeFailure(callID, resp, p)
	}
}

func (s *Server) forwardProvisional(callID string, resp *sipmsg.Message, p *pendingInvite) {
	session, ok := s.calls.Get(callID)
	if !ok {
		return
	}
	session.Ring()

	fwd := sipmsg.BuildResponse(resp.StatusCode, resp.Reason, p.callerReq, nil)
	s.send(fwd, p.callerAddr)
}

func (s *Server) handleCalleeAnswer(ctx context.Context, callID string, resp *sipmsg.Message, p *pendingInvite) {
	session, ok := s.calls.Get(callID)
	if !ok {
		return
	}

	ack := buildACK(p.outbound, resp)
	s.send(ack, p.calleeAddr)

	calleeSDP := sdpcodec.Parse(resp.Body)
	if calleeSDP != nil {
		if relay, present := s.relay.Get(callID); present {
			calleeMediaAddr := &net.UDPAddr{IP: net.ParseIP(calleeSDP.Address), Port: calleeSDP.Port}
			relay.SetEndpoints(nil, calleeMediaAddr)
		}
	}

	if err := session.Connect(); err != nil {
		s.logger.Warn("session connect failed", "call_id", callID, "error", err)
	}

	relayPort := 0
	if h, present := s.relay.Get(callID); present {
		relayPort = h.Ports().RTP
	}
	body := buildRelayOffer(s.cfg.MediaIP(), relayPort, session.Codecs())

	final := sipmsg.BuildResponse(200, "OK", p.callerReq, body)
	final.Headers.Set("Content-Type", "application/sdp")
	final.Headers.Set("Contact", formatAddr(s.cfg.MediaIP(), s.cfg.SIPPort))
	s.send(final, p.callerAddr)
}

func (s *Server) handleCalleeFailure(callID string, resp *sipmsg.Message, p *pendingInvite) {
	ack := buildACK(p.outbound, resp)
	s.send(ack, p.calleeAddr)

	session, ok := s.calls.Get(callID)
	if ok {
		session.End("callee_rejected", false)
	}

	fwd := sipmsg.BuildResponse(resp.StatusCode, resp.Reason, p.callerReq, nil)
	s.send(fwd, p.callerAddr)
}

// buildACK builds the ACK terminating the outbound INVITE transaction,
// per RFC 3261 §17.1.1.3: same Call-ID/CSeq-number/From, the response's To
// (which now carries the callee's tag), method rewritten to ACK.
func buildACK(outboundInvite, resp *sipmsg.Message) *sipmsg.Message {
	ack := sipmsg.NewMessage()
	ack.Method = "ACK"
	ack.RequestURI = outboundInvite.RequestURI

	for _, v := range outboundInvite.Headers.All("Via") {
		ack.Headers.Add("Via", v)
	}
	ack.Headers.Set("From", outboundInvite.Headers.Value("From"))
	ack.Headers.Set("To", resp.Headers.Value("To"))
	ack.Headers.Set("Call-ID", outboundInvite.Headers.Value("Call-ID"))

	n, _, ok := sipmsg.CSeqMethod(outboundInvite.Headers.Value("CSeq"))
	if !ok {
		n = 1
	}
	ack.Headers.Set("CSeq", fmt.Sprintf("%d ACK", n))
	return ack
}
