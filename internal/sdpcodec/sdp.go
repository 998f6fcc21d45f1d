// Package sdpcodec implements the minimal SDP audio-session codec used by
// the call router and RTP relay: parsing a connection line, a media line,
// and rtpmap attributes out of an INVITE/200 OK body, and building an
// offer listing codecs in caller-preference order. Per spec.md §4.B this
// is intentionally narrow — audio only, one media section — not a
// general-purpose SDP library.
package sdpcodec

import (
	"fmt"
	"strconv"
	"strings"
)

// IANA static RTP payload type assignments used by this codec table.
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
	PayloadG722 = 9
	PayloadG729 = 18
	PayloadG726 = 2 // G726-32 has no static assignment; 2 is the commonly deployed dynamic alias used by legacy desk phones.
	PayloadILBC = 97
)

// codecInfo carries the rtpmap name and clock rate for a payload type.
type codecInfo struct {
	name      string
	clockRate int
}

var staticCodecs = map[int]codecInfo{
	PayloadPCMU: {"PCMU", 8000},
	PayloadPCMA: {"PCMA", 8000},
	PayloadG722: {"G722", 8000},
	PayloadG729: {"G729", 8000},
	PayloadG726: {"G726-32", 8000},
	PayloadILBC: {"iLBC", 8000},
}

// Session is the parsed shape of a minimal audio SDP body.
type Session struct {
	Address string
	Port    int
	Formats []int
}

// Parse extracts the connection address, media port, and format list from
// an SDP body. It returns nil if no audio media line is present — callers
// should treat that as "no media offered yet" rather than an error.
func Parse(body []byte) *Session {
	var address string
	var port int
	var formats []int
	sawMedia := false

	for _, raw := range strings.Split(string(body), "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, "c=IN IP4 "):
			address = strings.TrimSpace(strings.TrimPrefix(line, "c=IN IP4 "))
		case strings.HasPrefix(line, "m=audio "):
			fields := strings.Fields(strings.TrimPrefix(line, "m=audio "))
			if len(fields) < 2 {
				continue
			}
			p, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			port = p
			sawMedia = true
			for _, f := range fields[2:] {
				if pt, err := strconv.Atoi(f); err == nil {
					formats = append(formats, pt)
				}
			}
		}
	}

	if !sawMedia {
		return nil
	}
	return &Session{Address: address, Port: port, Formats: formats}
}

// BuildOptions configures BuildAudioOffer.
type BuildOptions struct {
	IP               string
	Port             int
	SessionID        string
	Codecs           []int // preference order
	DTMFPayloadType  int   // RFC 2833 telephone-event, 0 disables
	ILBCModeMillis   int   // 20 or 30; 0 disables the fmtp line
}

// BuildAudioOffer emits an SDP body offering the given codecs in the
// supplied preference order, with rtpmap lines carrying clock rate, plus
// an RFC 2833 telephone-event line when a DTMF payload type is set and an
// iLBC fmtp mode line when iLBC is offered.
func BuildAudioOffer(opt BuildOptions) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %s %s IN IP4 %s\r\n", opt.SessionID, opt.SessionID, opt.IP)
	fmt.Fprintf(&b, "s=-\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", opt.IP)
	fmt.Fprintf(&b, "t=0 0\r\n")

	fmts := make([]string, 0, len(opt.Codecs)+1)
	for _, c := range opt.Codecs {
		fmts = append(fmts, strconv.Itoa(c))
	}
	if opt.DTMFPayloadType > 0 {
		fmts = append(fmts, strconv.Itoa(opt.DTMFPayloadType))
	}
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %s\r\n", opt.Port, strings.Join(fmts, " "))

	for _, c := range opt.Codecs {
		info, ok := staticCodecs[c]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "a=rtpmap:%d %s/%d\r\n", c, info.name, info.clockRate)
		if c == PayloadILBC && opt.ILBCModeMillis > 0 {
			fmt.Fprintf(&b, "a=fmtp:%d mode=%d\r\n", c, opt.ILBCModeMillis)
		}
	}

	if opt.DTMFPayloadType > 0 {
		fmt.Fprintf(&b, "a=rtpmap:%d telephone-event/8000\r\n", opt.DTMFPayloadType)
		fmt.Fprintf(&b, "a=fmtp:%d 0-15\r\n", opt.DTMFPayloadType)
	}

	fmt.Fprintf(&b, "a=sendrecv\r\n")

	return []byte(b.String())
}
