package pbx

import (
	"strconv"
	"sync/atomic"

	"github.com/nbpbx/corepbx/internal/callsession"
	"github.com/nbpbx/corepbx/internal/sdpcodec"
)

// sessionIDCounter backs the o= line's session id. A monotonic counter is
// sufficient per RFC 4566 — only uniqueness across this process's offers
// matters, not global uniqueness.
var sessionIDCounter atomic.Int64

func nextSessionID() string {
	return strconv.FormatInt(sessionIDCounter.Add(1), 10)
}

// payloadCodec maps a static RTP payload type to the Codec entry this core
// knows about. Dynamic payload types outside the static table (other than
// the DTMF telephone-event type, handled separately) are not negotiable.
func payloadCodec(pt int) (callsession.Codec, bool) {
	switch pt {
	case sdpcodec.PayloadPCMU:
		return callsession.CodecPCMU, true
	case sdpcodec.PayloadPCMA:
		return callsession.CodecPCMA, true
	case sdpcodec.PayloadG722:
		return callsession.CodecG722, true
	case sdpcodec.PayloadG729:
		return callsession.CodecG729, true
	case sdpcodec.PayloadG726:
		return callsession.CodecG726, true
	default:
		return callsession.Codec{}, false
	}
}

// codecsFromPayloads converts an SDP offer's payload type list into the
// Codec list SelectCodecs expects, dropping any payload this core doesn't
// recognize (DTMF telephone-event among them).
func codecsFromPayloads(payloads []int) []callsession.Codec {
	var out []callsession.Codec
	for _, pt := range payloads {
		if c, ok := payloadCodec(pt); ok {
			out = append(out, c)
		}
	}
	return out
}

func payloadsOf(codecs []callsession.Codec) []int {
	out := make([]int, len(codecs))
	for i, c := range codecs {
		out[i] = c.PayloadType
	}
	return out
}

func buildRelayOffer(ip string, port int, codecs []callsession.Codec) []byte {
	return sdpcodec.BuildAudioOffer(sdpcodec.BuildOptions{
		IP:              ip,
		Port:            port,
		SessionID:       nextSessionID(),
		Codecs:          payloadsOf(codecs),
		DTMFPayloadType: callsession.DefaultDTMFPayloadType,
		ILBCModeMillis:  callsession.DefaultILBCModeMS,
	})
}
