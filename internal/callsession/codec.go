package callsession

import "strings"

// restrictedPhoneCodecs maps a callee's stored User-Agent substring to
// the fixed codec set that phone model supports, per spec.md §4.E.
// Matched case-insensitively against a substring of the UA string since
// real User-Agent headers carry firmware/version suffixes around the
// model token (e.g. "ZIP37G/3.1.4 (MAC:...)").
var restrictedPhoneCodecs = []struct {
	modelToken string
	codecs     []Codec
}{
	{"ZIP37G", []Codec{CodecPCMU, CodecPCMA}},
	{"ZIP33G", []Codec{CodecG726, CodecG729, CodecG722}},
}

// SelectCodecs implements spec.md §4.E's codec-selection rule: known
// restricted phone models offer only their fixed codec set; any other
// callee echoes the caller's offered list unchanged.
func SelectCodecs(calleeUserAgent string, callerOffered []Codec) []Codec {
	ua := strings.ToUpper(calleeUserAgent)
	for _, r := range restrictedPhoneCodecs {
		if strings.Contains(ua, r.modelToken) {
			out := make([]Codec, len(r.codecs))
			copy(out, r.codecs)
			return out
		}
	}

	out := make([]Codec, len(callerOffered))
	copy(out, callerOffered)
	return out
}

// DefaultDTMFPayloadType is the RFC 2833 telephone-event dynamic payload
// type this PBX offers in every SDP it builds; no configuration option
// overrides it.
const DefaultDTMFPayloadType = 101

// DefaultILBCModeMS is the iLBC frame mode (20ms or 30ms) offered when
// iLBC is in a codec list; no configuration option overrides it.
const DefaultILBCModeMS = 20
