package transaction

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nbpbx/corepbx/internal/sipmsg"
	"github.com/nbpbx/corepbx/internal/sipuri"
)

// B2BUAInviteParams carries everything BuildB2BUAInvite needs to
// construct the callee-facing leg of the call, per spec.md §4.F's
// "When forwarding an INVITE to a callee as a B2BUA" list.
type B2BUAInviteParams struct {
	CalleeExt      string
	ServerIP       string
	ServerPort     int
	CallID         string
	CSeq           int
	CallerVia      string // copied verbatim from the caller's INVITE
	CallerFrom     string
	CallerDisplay  string
	CallerMAC      string // "" if unknown
	SDPBody        []byte

	// IdentityHeader is a PASSporT Identity header value from
	// hooks.AttestationVerifier.Attest, or "" when no verifier is
	// configured or attestation failed. Absent by default per spec.md §1.
	IdentityHeader string
}

// BuildB2BUAInvite builds the new outbound INVITE the PBX originates
// toward the callee, grounded on spec.md §4.F's bulleted rewrite rules:
// fresh Request-URI at the callee extension, the caller's Via preserved
// verbatim (so the initial provisional/final responses route back
// through the same path before the PBX's own Via is the one that
// matters), a PBX-owned Contact, a freshly built SDP body, caller
// identity headers, and an X-MAC-Address echo when the caller's device
// MAC is known.
func BuildB2BUAInvite(p B2BUAInviteParams) *sipmsg.Message {
	requestURI := fmt.Sprintf("sip:%s@%s:%d", p.CalleeExt, p.ServerIP, p.ServerPort)
	toHeader := fmt.Sprintf("<sip:%s@%s:%d>", p.CalleeExt, p.ServerIP, p.ServerPort)

	req := sipmsg.BuildRequest("INVITE", requestURI, p.CallerFrom, toHeader, p.CallID, p.CSeq, p.SDPBody)
	req.Headers.Add("Via", p.CallerVia)
	req.Headers.Set("Contact", fmt.Sprintf("<sip:%s:%d>", p.ServerIP, p.ServerPort))
	req.Headers.Set("Content-Type", "application/sdp")

	sipmsg.AddCallerIdentityHeaders(req, sipuri.User(p.CallerFrom), p.CallerDisplay, p.ServerIP)
	if p.CallerMAC != "" {
		sipmsg.AddMACAddressHeader(req, p.CallerMAC)
	}
	if p.IdentityHeader != "" {
		req.Headers.Set("Identity", p.IdentityHeader)
	}
	return req
}

// BuildCancelFromInvite builds the CANCEL sent toward the callee when
// the no-answer timer fires or the caller hangs up before answer, per
// spec.md §4.E's no-answer-timer description: "send CANCEL toward the
// callee with the retained INVITE's Via/From/To/Call-ID/CSeq (with
// method=CANCEL)". The outbound INVITE itself is the retained request.
func BuildCancelFromInvite(outboundInvite *sipmsg.Message) *sipmsg.Message {
	cancel := sipmsg.NewMessage()
	cancel.Method = "CANCEL"
	cancel.RequestURI = outboundInvite.RequestURI

	for _, name := range []string{"Via", "From", "To", "Call-ID"} {
		for _, v := range outboundInvite.Headers.All(name) {
			cancel.Headers.Add(name, v)
		}
	}
	n, _, ok := sipmsg.CSeqMethod(outboundInvite.Headers.Value("CSeq"))
	if !ok {
		n = 1
	}
	cancel.Headers.Set("CSeq", fmt.Sprintf("%d CANCEL", n))
	return cancel
}

// NewBranch generates a unique Via branch parameter per RFC 3261
// §8.1.1.7 (the "z9hG4bK" magic cookie followed by enough entropy to be
// unique across the server's lifetime). Grounded on the teacher's use of
// google/uuid for transaction bookkeeping keys.
func NewBranch() string {
	return "z9hG4bK-" + uuid.NewString()
}
