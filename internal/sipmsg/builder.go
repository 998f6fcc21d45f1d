package sipmsg

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// copiedHeaders lists the headers BuildResponse copies verbatim from the
// originating request, per RFC 3261 dialog-matching requirements.
var copiedHeaders = []string{"Via", "From", "To", "Call-ID", "CSeq"}

// BuildResponse constructs a response to request, copying Via, From, To,
// Call-ID and CSeq exactly as they appeared on the request.
func BuildResponse(status int, reason string, request *Message, body []byte) *Message {
	resp := NewMessage()
	resp.StatusCode = status
	resp.Reason = reason

	for _, name := range copiedHeaders {
		for _, v := range request.Headers.All(name) {
			resp.Headers.Add(name, v)
		}
	}

	if len(body) > 0 {
		resp.Body = body
	}
	return resp
}

// BuildRequest constructs a new out-of-dialog request. CSeq is rendered as
// "<n> <METHOD>" per RFC 3261.
func BuildRequest(method, requestURI, from, to, callID string, cseq int, body []byte) *Message {
	req := NewMessage()
	req.Method = method
	req.RequestURI = requestURI

	req.Headers.Set("From", from)
	req.Headers.Set("To", to)
	req.Headers.Set("Call-ID", callID)
	req.Headers.Set("CSeq", fmt.Sprintf("%d %s", cseq, method))

	if len(body) > 0 {
		req.Body = body
	}
	return req
}

// AddCallerIdentityHeaders writes P-Asserted-Identity (RFC 3325) and
// Remote-Party-ID (legacy, but still widely honored by desk phones) for
// the given extension.
func AddCallerIdentityHeaders(msg *Message, extension, displayName, serverIP string) {
	pai := fmt.Sprintf(`"%s" <sip:%s@%s>`, displayName, extension, serverIP)
	msg.Headers.Set("P-Asserted-Identity", pai)

	rpid := fmt.Sprintf(`"%s" <sip:%s@%s>;party=calling;privacy=off;screen=no`, displayName, extension, serverIP)
	msg.Headers.Set("Remote-Party-ID", rpid)
}

var macHexRe = regexp.MustCompile(`^[0-9a-f]{12}$`)

// AddMACAddressHeader validates mac as exactly 12 hex digits (after
// stripping ':' and '-' separators) and, if valid, writes X-MAC-Address
// in lowercase colon-delimited form. An invalid MAC is dropped silently —
// the header is simply not added.
func AddMACAddressHeader(msg *Message, mac string) {
	clean := strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(mac))
	if !macHexRe.MatchString(clean) {
		return
	}
	var parts []string
	for i := 0; i < 12; i += 2 {
		parts = append(parts, clean[i:i+2])
	}
	msg.Headers.Set("X-MAC-Address", strings.Join(parts, ":"))
}

// CSeqMethod splits a "<n> METHOD" CSeq header value. ok is false if the
// number portion doesn't parse.
func CSeqMethod(cseq string) (n int, method string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(cseq), " ", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return v, parts[1], true
}
