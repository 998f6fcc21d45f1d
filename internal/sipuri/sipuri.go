// Package sipuri parses the narrow slice of RFC 3261 §19.1 SIP URI and
// name-addr grammar the core actually consumes: the optional display
// name, the user part, host, port, and any ";param=value" parameters —
// whether on a From/To/Contact header value or a bare Request-URI.
// Full URI grammar (escaping, headers component, all the params IANA
// has ever registered) is out of scope, mirroring sipmsg's policy of
// parsing only what callers need.
package sipuri

import (
	"regexp"
	"strconv"
	"strings"
)

// Addr is a parsed SIP or SIPS URI, optionally wrapped in a display
// name and angle brackets.
type Addr struct {
	DisplayName string
	Scheme      string // "sip" or "sips"
	User        string
	Host        string
	Port        int // 0 if not specified
	Params      map[string]string
	Wildcard    bool // true for Contact: *
}

var nameAddrRe = regexp.MustCompile(`^\s*(?:"?([^"<]*)"?\s*)?<([^>]+)>(.*)$`)
var uriRe = regexp.MustCompile(`^(sips?):(?:([^@:;]*)@)?([^;:]*)(?::(\d+))?$`)

// Parse decodes a header value (From, To, Contact) or a bare
// Request-URI into an Addr. ok is false if no "sip:"/"sips:" URI could
// be located, or for a literal "*" (Contact wildcard, reported via
// Wildcard instead).
func Parse(value string) (Addr, bool) {
	value = strings.TrimSpace(value)
	if value == "*" {
		return Addr{Wildcard: true}, true
	}

	var uriPart string
	var display string
	var tail string

	if m := nameAddrRe.FindStringSubmatch(value); m != nil {
		display = strings.TrimSpace(m[1])
		uriPart = m[2]
		tail = m[3]
	} else {
		// Bare URI, possibly with trailing ;params (e.g. a Request-URI or
		// a From header without angle brackets).
		if idx := strings.Index(value, ";"); idx >= 0 {
			uriPart = value[:idx]
			tail = value[idx:]
		} else {
			uriPart = value
		}
	}

	m := uriRe.FindStringSubmatch(uriPart)
	if m == nil {
		return Addr{}, false
	}

	addr := Addr{
		DisplayName: display,
		Scheme:      m[1],
		User:        m[2],
		Host:        m[3],
		Params:      parseParams(tail),
	}
	if m[4] != "" {
		if p, err := strconv.Atoi(m[4]); err == nil {
			addr.Port = p
		}
	}
	return addr, true
}

// parseParams splits a ";name=value;name2=value2" tail (which may also
// carry a leading header-param segment before the first real ';param')
// into a map. Params without a "=value" are stored with an empty value
// (their presence alone is often the signal, e.g. ";lr").
func parseParams(tail string) map[string]string {
	params := make(map[string]string)
	for _, seg := range strings.Split(tail, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if idx := strings.Index(seg, "="); idx >= 0 {
			params[strings.ToLower(seg[:idx])] = seg[idx+1:]
		} else {
			params[strings.ToLower(seg)] = ""
		}
	}
	return params
}

// User is a convenience wrapper returning just the user part of value,
// or "" if it couldn't be parsed.
func User(value string) string {
	addr, ok := Parse(value)
	if !ok {
		return ""
	}
	return addr.User
}
