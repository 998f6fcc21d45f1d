package transaction

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nbpbx/corepbx/internal/sipmsg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyForUsesViaBranch(t *testing.T) {
	req := sipmsg.NewMessage()
	req.Method = "INVITE"
	req.Headers.Set("Via", "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-abc123")

	key := KeyFor(req)
	if key != "z9hG4bK-abc123|INVITE" {
		t.Errorf("KeyFor = %q", key)
	}
}

func TestKeyForFallsBackWithoutBranch(t *testing.T) {
	req := sipmsg.NewMessage()
	req.Method = "INVITE"
	req.Headers.Set("From", "<sip:1001@pbx>")
	req.Headers.Set("To", "<sip:1002@pbx>")
	req.Headers.Set("Call-ID", "abc@pbx")
	req.Headers.Set("CSeq", "1 INVITE")

	key1 := KeyFor(req)
	key2 := KeyFor(req)
	if key1 != key2 {
		t.Errorf("fallback key not stable across calls: %q vs %q", key1, key2)
	}
	if strings.Contains(string(key1), "|INVITE") {
		t.Errorf("fallback key should not look like a branch key: %q", key1)
	}
}

func TestCacheReplaysWithinTTL(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	resp := sipmsg.BuildResponse(200, "OK", sipmsg.NewMessage(), nil)
	c.Store("k", resp)

	got, ok := c.Lookup("k")
	if !ok || got != resp {
		t.Fatal("expected cached response to be found")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Lookup("k"); ok {
		t.Error("expected entry to expire")
	}
}

func TestDispatchReplaysRetransmission(t *testing.T) {
	cache := NewCache(time.Minute)
	d := NewDispatcher(cache, testLogger())

	calls := 0
	d.Register("OPTIONS", func(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
		calls++
		return sipmsg.BuildResponse(200, "OK", req, nil)
	})

	req := sipmsg.NewMessage()
	req.Method = "OPTIONS"
	req.Headers.Set("Via", "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-xyz")
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5060}

	d.Dispatch(context.Background(), req, src)
	d.Dispatch(context.Background(), req, src)

	if calls != 1 {
		t.Errorf("handler invoked %d times, want 1 (second should replay cache)", calls)
	}
}

func TestDispatchStubMethodsReturn200(t *testing.T) {
	d := NewDispatcher(NewCache(time.Minute), testLogger())
	for _, method := range []string{"SUBSCRIBE", "NOTIFY", "PRACK", "UPDATE", "PUBLISH", "MESSAGE", "REFER"} {
		req := sipmsg.NewMessage()
		req.Method = method
		req.Headers.Set("Via", "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-"+method)
		resp := d.Dispatch(context.Background(), req, &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5060})
		if resp.StatusCode != 200 {
			t.Errorf("%s: status = %d, want 200", method, resp.StatusCode)
		}
	}
}

func TestDispatchUnknownMethodReturns405WithAllow(t *testing.T) {
	d := NewDispatcher(NewCache(time.Minute), testLogger())
	req := sipmsg.NewMessage()
	req.Method = "PUBLISHX"
	req.Headers.Set("Via", "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-unk")

	resp := d.Dispatch(context.Background(), req, &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5060})
	if resp.StatusCode != 405 {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if resp.Headers.Value("Allow") == "" {
		t.Error("expected Allow header on 405")
	}
}

func TestDispatchACKNeverHitsCache(t *testing.T) {
	cache := NewCache(time.Minute)
	d := NewDispatcher(cache, testLogger())
	calls := 0
	d.Register("ACK", func(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
		calls++
		return nil
	})

	req := sipmsg.NewMessage()
	req.Method = "ACK"
	req.Headers.Set("Via", "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-ack")
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5060}

	d.Dispatch(context.Background(), req, src)
	d.Dispatch(context.Background(), req, src)
	if calls != 2 {
		t.Errorf("ACK handler invoked %d times, want 2 (never cached)", calls)
	}
}

func TestBuildB2BUAInvite(t *testing.T) {
	inv := BuildB2BUAInvite(B2BUAInviteParams{
		CalleeExt:     "1002",
		ServerIP:      "192.0.2.50",
		ServerPort:    5060,
		CallID:        "call-1@pbx",
		CSeq:          1,
		CallerVia:     "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-orig",
		CallerFrom:    "<sip:1001@192.0.2.1>",
		CallerDisplay: "Reception",
		SDPBody:       []byte("v=0\r\n"),
	})

	if inv.RequestURI != "sip:1002@192.0.2.50:5060" {
		t.Errorf("RequestURI = %q", inv.RequestURI)
	}
	if inv.Headers.Value("Via") != "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-orig" {
		t.Errorf("Via not preserved: %q", inv.Headers.Value("Via"))
	}
	if inv.Headers.Value("P-Asserted-Identity") == "" {
		t.Error("expected P-Asserted-Identity to be set")
	}
	if string(inv.Body) != "v=0\r\n" {
		t.Errorf("Body = %q", inv.Body)
	}
}

func TestBuildCancelFromInvite(t *testing.T) {
	inv := sipmsg.NewMessage()
	inv.Method = "INVITE"
	inv.RequestURI = "sip:1002@192.0.2.50:5060"
	inv.Headers.Set("Via", "SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bK-orig")
	inv.Headers.Set("From", "<sip:1001@192.0.2.1>")
	inv.Headers.Set("To", "<sip:1002@192.0.2.50>")
	inv.Headers.Set("Call-ID", "call-1@pbx")
	inv.Headers.Set("CSeq", "1 INVITE")

	cancel := BuildCancelFromInvite(inv)
	if cancel.Method != "CANCEL" {
		t.Fatalf("Method = %q", cancel.Method)
	}
	if cancel.RequestURI != inv.RequestURI {
		t.Errorf("RequestURI = %q, want %q", cancel.RequestURI, inv.RequestURI)
	}
	if cancel.Headers.Value("CSeq") != "1 CANCEL" {
		t.Errorf("CSeq = %q, want \"1 CANCEL\"", cancel.Headers.Value("CSeq"))
	}
	if cancel.Headers.Value("Call-ID") != "call-1@pbx" {
		t.Errorf("Call-ID not copied")
	}
}

func TestNewBranchIsUniqueAndTagged(t *testing.T) {
	a, b := NewBranch(), NewBranch()
	if a == b {
		t.Error("expected distinct branches")
	}
	if !strings.HasPrefix(a, "z9hG4bK-") {
		t.Errorf("branch missing magic cookie: %q", a)
	}
}
