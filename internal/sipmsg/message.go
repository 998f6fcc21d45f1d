// Package sipmsg implements the SIP message codec: parsing a UDP datagram
// into a structured message and serializing a message back to wire bytes,
// per RFC 3261. Header interpretation (Via branch, Contact URI parameters,
// and so on) is left to callers; this package only owns the start-line,
// header map, and body.
package sipmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// Message is a parsed or to-be-built SIP message. Exactly one of Method or
// StatusCode is set for a successfully parsed message; a failed parse
// leaves both unset, which callers must check for.
type Message struct {
	// Request fields.
	Method     string
	RequestURI string

	// Response fields.
	StatusCode int
	Reason     string

	Version string
	Headers *Headers
	Body    []byte
}

// NewMessage returns an empty message with an initialized header map,
// ready for BuildRequest/BuildResponse or manual population.
func NewMessage() *Message {
	return &Message{
		Version: "SIP/2.0",
		Headers: NewHeaders(),
	}
}

// IsRequest reports whether the message parsed as a request.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsResponse reports whether the message parsed as a response.
func (m *Message) IsResponse() bool {
	return m.StatusCode != 0
}

// IsMalformed reports whether parsing failed to identify a start-line.
// Callers should test this and reject the datagram rather than act on a
// half-populated message.
func (m *Message) IsMalformed() bool {
	return !m.IsRequest() && !m.IsResponse()
}

// normalizeLineEndings rewrites CRLF and lone CR into LF so the line
// splitter below only ever has to handle one separator. Some phones and
// gateways in the wild emit bare LF or bare CR; RFC 3261 mandates CRLF on
// the wire but we accept all three on input.
func normalizeLineEndings(raw []byte) []byte {
	s := string(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return []byte(s)
}

// Parse decodes a raw SIP datagram into a Message. On a malformed
// start-line it returns a message with Method and StatusCode both unset
// (IsMalformed() == true) rather than an error — the caller decides
// whether to log-and-drop.
func Parse(raw []byte) *Message {
	m := NewMessage()

	normalized := normalizeLineEndings(raw)
	lines := strings.Split(string(normalized), "\n")
	if len(lines) == 0 {
		return m
	}

	firstLine := lines[0]
	switch {
	case strings.HasPrefix(firstLine, "SIP/"):
		parts := strings.SplitN(firstLine, " ", 3)
		if len(parts) < 2 {
			return m
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return m
		}
		m.Version = parts[0]
		m.StatusCode = code
		if len(parts) > 2 {
			m.Reason = parts[2]
		}
	default:
		parts := strings.Split(firstLine, " ")
		if len(parts) < 2 {
			return m
		}
		m.Method = parts[0]
		m.RequestURI = parts[1]
		m.Version = "SIP/2.0"
		if len(parts) > 2 {
			m.Version = parts[2]
		}
	}

	bodyStart := -1
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			bodyStart = i + 1
			break
		}
		if idx := strings.Index(line, ":"); idx >= 0 {
			key := strings.TrimSpace(line[:idx])
			val := strings.TrimSpace(line[idx+1:])
			m.Headers.Add(key, val)
		}
	}

	if bodyStart >= 0 && bodyStart < len(lines) {
		m.Body = []byte(strings.Join(lines[bodyStart:], "\r\n"))
	}

	return m
}

// Build serializes the message back to wire bytes with CRLF line
// terminators and a trailing blank line, per RFC 3261. Content-Length is
// (re)computed from the current body length.
func (m *Message) Build() []byte {
	var b strings.Builder

	if m.IsRequest() {
		fmt.Fprintf(&b, "%s %s %s\r\n", m.Method, m.RequestURI, m.Version)
	} else {
		fmt.Fprintf(&b, "%s %d %s\r\n", m.Version, m.StatusCode, m.Reason)
	}

	m.Headers.Set("Content-Length", strconv.Itoa(len(m.Body)))

	for _, h := range m.Headers.Entries() {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	b.Write(m.Body)

	return []byte(b.String())
}

func (m *Message) String() string {
	return string(m.Build())
}
