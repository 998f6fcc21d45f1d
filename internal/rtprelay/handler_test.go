package rtprelay

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h, err := NewHandler("call-test", PortPair{RTP: 0, RTCP: 0}, 8000, testLogger())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	t.Cleanup(h.Stop)
	h.Start()
	return h
}

func newUDPPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rtpPacket(seq uint16, ts uint32, payload byte) []byte {
	pkt := make([]byte, 12+1)
	pkt[0] = 0x80
	pkt[1] = 0
	pkt[2] = byte(seq >> 8)
	pkt[3] = byte(seq)
	pkt[4] = byte(ts >> 24)
	pkt[5] = byte(ts >> 16)
	pkt[6] = byte(ts >> 8)
	pkt[7] = byte(ts)
	pkt[12] = payload
	return pkt
}

func relayAddr(h *Handler) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.conn.LocalAddr().(*net.UDPAddr).Port}
}

func TestSymmetricLearningAndForwarding(t *testing.T) {
	h := newTestHandler(t)
	a := newUDPPeer(t)
	b := newUDPPeer(t)

	dest := relayAddr(h)

	// A sends first; B unknown, nothing forwarded yet.
	a.WriteToUDP(rtpPacket(1, 0, 'a'), dest)
	time.Sleep(50 * time.Millisecond)

	// B sends; A's endpoint is now known, so this forwards to A.
	b.WriteToUDP(rtpPacket(1, 0, 'b'), dest)

	b.SetReadDeadline(time.Now().Add(time.Second))
	a.SetReadDeadline(time.Now().Add(time.Second))

	buf := make([]byte, 64)
	n, _, err := a.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected A to receive the forwarded packet from B: %v", err)
	}
	if buf[12] != 'b' {
		t.Errorf("A received payload %q, want 'b'", buf[12])
	}

	// Now A sends again; B is known, should forward to B.
	a.WriteToUDP(rtpPacket(2, 160, 'c'), dest)
	n, _, err = b.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected B to receive the forwarded packet from A: %v", err)
	}
	if buf[12] != 'c' {
		t.Errorf("B received payload %q, want 'c'", buf[12])
	}
	_ = n
}

func TestUndersizedPacketDropped(t *testing.T) {
	h := newTestHandler(t)
	a := newUDPPeer(t)
	dest := relayAddr(h)

	a.WriteToUDP([]byte{1, 2, 3}, dest) // shorter than 12 bytes
	time.Sleep(50 * time.Millisecond)

	if h.packetCount != 0 {
		t.Errorf("packetCount = %d, want 0 for an undersized packet", h.packetCount)
	}
}

func TestSetEndpointsNilPreservesExisting(t *testing.T) {
	h := newTestHandler(t)
	addrA := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	addrB := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5002}

	h.SetEndpoints(addrA, addrB)
	h.SetEndpoints(nil, nil)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sdpA == nil || !h.sdpA.IP.Equal(addrA.IP) {
		t.Errorf("sdpA not preserved across nil SetEndpoints call")
	}
	if h.sdpB == nil || !h.sdpB.IP.Equal(addrB.IP) {
		t.Errorf("sdpB not preserved across nil SetEndpoints call")
	}
}
