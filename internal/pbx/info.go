package pbx

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/nbpbx/corepbx/internal/sipmsg"
)

// validDTMFDigits are the RFC 2833-equivalent characters an application/
// dtmf(-relay) body may carry, per spec.md §4.F's INFO table.
const validDTMFDigits = "0123456789*#ABCD"

// handleInfo implements spec.md §4.F's DTMF-over-INFO handling: parse a
// "Signal=" and "Duration=" body, validate the digit, enqueue it on the
// call's Session, and answer 200 OK regardless (malformed bodies are
// logged and dropped, not rejected, to avoid tearing down a live call
// over a cosmetic signaling mismatch).
func (s *Server) handleInfo(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	contentType := req.Headers.Value("Content-Type")
	if !strings.HasPrefix(contentType, "application/dtmf") {
		return sipmsg.BuildResponse(200, "OK", req, nil)
	}

	callID := req.Headers.Value("Call-ID")
	session, ok := s.calls.Get(callID)
	if !ok {
		s.logger.Debug("dtmf info for unknown call", "call_id", callID)
		return sipmsg.BuildResponse(200, "OK", req, nil)
	}

	digit, durationMS, ok := parseDTMFBody(req.Body)
	if !ok {
		s.logger.Debug("malformed dtmf info body", "call_id", callID)
		return sipmsg.BuildResponse(200, "OK", req, nil)
	}

	session.PushDTMF(digit, durationMS)
	return sipmsg.BuildResponse(200, "OK", req, nil)
}

func parseDTMFBody(body []byte) (digit byte, durationMS int, ok bool) {
	durationMS = 100
	var signal string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		switch {
		case strings.HasPrefix(strings.ToLower(line), "signal="):
			signal = strings.TrimSpace(line[len("signal="):])
		case strings.HasPrefix(strings.ToLower(line), "duration="):
			if n, err := strconv.Atoi(strings.TrimSpace(line[len("duration="):])); err == nil {
				durationMS = n
			}
		}
	}

	signal = strings.ToUpper(signal)
	if len(signal) != 1 || !strings.ContainsRune(validDTMFDigits, rune(signal[0])) {
		return 0, 0, false
	}
	return signal[0], durationMS, true
}
