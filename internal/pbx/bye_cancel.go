package pbx

import (
	"context"
	"fmt"
	"net"

	"github.com/nbpbx/corepbx/internal/sipmsg"
	"github.com/nbpbx/corepbx/internal/transaction"
)

// handleBYE ends a connected call on whichever leg sent it and forwards an
// in-dialog BYE to the other leg, per spec.md §4.F.
func (s *Server) handleBYE(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	callID := req.Headers.Value("Call-ID")
	session, ok := s.calls.Get(callID)
	if !ok {
		return sipmsg.BuildResponse(481, "Call/Transaction Does Not Exist", req, nil)
	}

	p, hasPending := s.getPending(callID)
	session.End("normal_clearing", true)

	if hasPending {
		otherAddr, otherDialog := s.otherLeg(p, src)
		if otherAddr != nil {
			fwd := buildForwardedBYE(otherDialog)
			s.send(fwd, otherAddr)
		}
	}

	return sipmsg.BuildResponse(200, "OK", req, nil)
}

// handleACK consumes an in-dialog ACK from the caller. No response is
// sent to an ACK (RFC 3261 §17.1.1.3); the outbound ACK toward the callee
// was already sent from handleCalleeAnswer/handleCalleeFailure when the
// callee's response arrived.
func (s *Server) handleACK(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	return nil
}

// handleCANCEL terminates a not-yet-answered call: the caller's original
// INVITE gets 487, the callee gets a CANCEL built from the retained
// outbound INVITE, per spec.md §4.F's cancel flow.
func (s *Server) handleCANCEL(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	callID := req.Headers.Value("Call-ID")
	p, ok := s.getPending(callID)
	if !ok {
		return sipmsg.BuildResponse(481, "Call/Transaction Does Not Exist", req, nil)
	}

	s.send(transaction.BuildCancelFromInvite(p.outbound), p.calleeAddr)
	s.send(sipmsg.BuildResponse(487, "Request Terminated", p.callerReq, nil), p.callerAddr)

	if session, ok := s.calls.Get(callID); ok {
		session.End("cancelled", false)
	}

	return sipmsg.BuildResponse(200, "OK", req, nil)
}

// otherLeg returns the address and the retained dialog message identifying
// the leg that did NOT send the BYE from src, so the forwarded BYE carries
// that leg's own Call-ID/From/To/Via.
func (s *Server) otherLeg(p *pendingInvite, src *net.UDPAddr) (*net.UDPAddr, *sipmsg.Message) {
	if src.IP.Equal(p.callerAddr.IP) && src.Port == p.callerAddr.Port {
		return p.calleeAddr, p.outbound
	}
	return p.callerAddr, p.callerReq
}

// buildForwardedBYE builds an in-dialog BYE reusing dialog's Via/From/To/
// Call-ID, with the CSeq number bumped and the method rewritten to BYE.
// This mirrors transaction.BuildCancelFromInvite's simplification: a full
// dialog-matching implementation would track the negotiated To-tag
// separately, but reusing the retained request/response here keeps the
// two SIP legs' headers internally consistent without a dialog store.
func buildForwardedBYE(dialog *sipmsg.Message) *sipmsg.Message {
	bye := sipmsg.NewMessage()
	bye.Method = "BYE"
	bye.RequestURI = dialog.RequestURI

	for _, name := range []string{"Via", "From", "To", "Call-ID"} {
		for _, v := range dialog.Headers.All(name) {
			bye.Headers.Add(name, v)
		}
	}
	n, _, ok := sipmsg.CSeqMethod(dialog.Headers.Value("CSeq"))
	if !ok {
		n = 1
	}
	bye.Headers.Set("CSeq", fmt.Sprintf("%d BYE", n+1))
	return bye
}
