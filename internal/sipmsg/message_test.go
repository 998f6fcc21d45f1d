package sipmsg

import (
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	raw := "INVITE sip:1002@10.0.0.1 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK776\r\n" +
		"From: <sip:1001@10.0.0.2>;tag=abc\r\n" +
		"To: <sip:1002@10.0.0.1>\r\n" +
		"Call-ID: abc123@10.0.0.2\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	m := Parse([]byte(raw))
	if !m.IsRequest() {
		t.Fatalf("expected request, got malformed=%v response=%v", m.IsMalformed(), m.IsResponse())
	}
	if m.Method != "INVITE" || m.RequestURI != "sip:1002@10.0.0.1" {
		t.Fatalf("unexpected start line: %+v", m)
	}
	if v, ok := m.Headers.Get("call-id"); !ok || v != "abc123@10.0.0.2" {
		t.Fatalf("case-insensitive Call-ID lookup failed: %q %v", v, ok)
	}
}

func TestParseResponse(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\nVia: SIP/2.0/UDP h\r\nCall-ID: x\r\n\r\n"
	m := Parse([]byte(raw))
	if !m.IsResponse() || m.StatusCode != 200 || m.Reason != "OK" {
		t.Fatalf("unexpected parse: %+v", m)
	}
}

func TestParseMalformedStartLine(t *testing.T) {
	m := Parse([]byte("garbage\r\n\r\n"))
	if !m.IsMalformed() {
		t.Fatalf("expected malformed message, got method=%q status=%d", m.Method, m.StatusCode)
	}
}

func TestLineEndingNormalization(t *testing.T) {
	variants := []string{
		"OPTIONS sip:1001@h SIP/2.0\r\nCall-ID: a\r\n\r\n",
		"OPTIONS sip:1001@h SIP/2.0\nCall-ID: a\n\n",
		"OPTIONS sip:1001@h SIP/2.0\rCall-ID: a\r\r",
	}
	for _, raw := range variants {
		m := Parse([]byte(raw))
		if m.Method != "OPTIONS" {
			t.Fatalf("failed to parse variant %q: %+v", raw, m)
		}
		if v, _ := m.Headers.Get("Call-ID"); v != "a" {
			t.Fatalf("header not parsed for variant %q: %q", raw, v)
		}
	}
}

func TestBuildEmitsCRLFAndTrailingBlankLine(t *testing.T) {
	req := BuildRequest("INVITE", "sip:1002@h", "<sip:1001@h>", "<sip:1002@h>", "cid", 1, nil)
	out := string(req.Build())
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Fatalf("expected trailing CRLFCRLF, got %q", out)
	}
	if strings.Contains(out, "\n") && strings.Count(out, "\r\n") != strings.Count(out, "\n") {
		t.Fatalf("found bare LF in output: %q", out)
	}
}

// roundTripCorpus seeds the property test in spec.md §8.1: parse(build(m)) == m
// for method, request-URI, status, reason, headers (case-insensitive) and body.
func roundTripCorpus() []*Message {
	reqWithBody := BuildRequest("INVITE", "sip:1002@10.0.0.1", "<sip:1001@h>;tag=1", "<sip:1002@h>", "cid-1", 1, []byte("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\n"))
	reqNoBody := BuildRequest("BYE", "sip:1002@10.0.0.1", "<sip:1001@h>;tag=1", "<sip:1002@h>;tag=2", "cid-2", 2, nil)

	resp := BuildResponse(200, "OK", reqWithBody, []byte("v=0\r\n"))
	resp404 := BuildResponse(404, "Not Found", reqNoBody, nil)

	custom := NewMessage()
	custom.Method = "INFO"
	custom.RequestURI = "sip:1001@h"
	custom.Headers.Add("Call-ID", "cid-3")
	custom.Headers.Add("X-Custom", "value")
	custom.Headers.Add("X-Custom", "value2")
	custom.Body = []byte("Signal=5\r\nDuration=100\r\n")

	return []*Message{reqWithBody, reqNoBody, resp, resp404, custom}
}

func TestRoundTripProperty(t *testing.T) {
	for i, m := range roundTripCorpus() {
		raw := m.Build()
		got := Parse(raw)

		if got.Method != m.Method {
			t.Errorf("case %d: method mismatch: got %q want %q", i, got.Method, m.Method)
		}
		if got.RequestURI != m.RequestURI {
			t.Errorf("case %d: request-uri mismatch: got %q want %q", i, got.RequestURI, m.RequestURI)
		}
		if got.StatusCode != m.StatusCode {
			t.Errorf("case %d: status mismatch: got %d want %d", i, got.StatusCode, m.StatusCode)
		}
		if got.Reason != m.Reason {
			t.Errorf("case %d: reason mismatch: got %q want %q", i, got.Reason, m.Reason)
		}
		if !got.Headers.Equal(m.Headers) {
			t.Errorf("case %d: headers mismatch: got %+v want %+v", i, got.Headers.Entries(), m.Headers.Entries())
		}
		if string(got.Body) != string(m.Body) {
			t.Errorf("case %d: body mismatch: got %q want %q", i, got.Body, m.Body)
		}
	}
}

func TestCaseInsensitiveHeaderLookup(t *testing.T) {
	m := NewMessage()
	m.Headers.Add("Call-ID", "x")
	if v, ok := m.Headers.Get("call-id"); !ok || v != "x" {
		t.Fatalf("lowercase lookup failed: %q %v", v, ok)
	}
	if v, ok := m.Headers.Get("CALL-ID"); !ok || v != "x" {
		t.Fatalf("uppercase lookup failed: %q %v", v, ok)
	}
}

func TestAddCallerIdentityHeaders(t *testing.T) {
	m := NewMessage()
	AddCallerIdentityHeaders(m, "1001", "Jane Doe", "10.0.0.1")

	pai := m.Headers.Value("P-Asserted-Identity")
	if pai != `"Jane Doe" <sip:1001@10.0.0.1>` {
		t.Fatalf("unexpected PAI: %q", pai)
	}
	rpid := m.Headers.Value("Remote-Party-ID")
	want := `"Jane Doe" <sip:1001@10.0.0.1>;party=calling;privacy=off;screen=no`
	if rpid != want {
		t.Fatalf("unexpected RPID: got %q want %q", rpid, want)
	}
}

func TestAddMACAddressHeader(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff"},
		{"AA-BB-CC-DD-EE-FF", "aa:bb:cc:dd:ee:ff"},
		{"aabbccddeeff", "aa:bb:cc:dd:ee:ff"},
	}
	for _, c := range cases {
		m := NewMessage()
		AddMACAddressHeader(m, c.in)
		if got := m.Headers.Value("X-MAC-Address"); got != c.want {
			t.Errorf("AddMACAddressHeader(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	m := NewMessage()
	AddMACAddressHeader(m, "not-a-mac")
	if m.Headers.Has("X-MAC-Address") {
		t.Fatalf("expected invalid mac to be silently rejected")
	}
}

func TestContentLengthAutoSet(t *testing.T) {
	m := BuildRequest("INFO", "sip:1@h", "a", "b", "c", 1, []byte("1234567"))
	raw := string(m.Build())
	if !strings.Contains(raw, "Content-Length: 7") {
		t.Fatalf("expected Content-Length: 7, got %q", raw)
	}
}
