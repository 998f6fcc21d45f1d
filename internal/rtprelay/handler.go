package rtprelay

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nbpbx/corepbx/internal/qos"
)

const (
	maxRTPPacket  = 1500
	minRTPHeader  = 12
	readDeadline  = 100 * time.Millisecond
	learningWindow = 10 * time.Second
	defaultSampleEvery = 10
)

// Endpoint is a UDP address known either from SDP negotiation or learned
// from a packet's observed source.
type Endpoint = *net.UDPAddr

// side identifies which leg of the call a packet belongs to.
type side int

const (
	sideUnknown side = iota
	sideA
	sideB
)

// Handler is one RelayHandler: owns a single UDP socket servicing both
// legs of one Call, learns each leg's real (post-NAT) endpoint from its
// first packet, and forwards datagrams to the opposite leg (spec.md
// §4.D). Grounded on the teacher's symmetric-RTP atomicAddr pattern
// (internal/media/relay.go), generalized to four endpoint slots under one
// lock instead of two atomic pointers, because the spec's forwarding
// algorithm reasons about A/B source identification as a single decision
// with priority-ordered rules rather than two independent directions.
type Handler struct {
	callID string
	ports  PortPair
	conn   *net.UDPConn
	logger *slog.Logger

	mu        sync.Mutex
	sdpA      Endpoint
	sdpB      Endpoint
	learnedA  Endpoint
	learnedB  Endpoint
	start     time.Time
	stopped   bool

	sampleEvery  int
	packetCount  uint64
	metricsAtoB  *qos.Metrics // accounting for packets identified as FROM A (i.e. A->B direction)
	metricsBtoA  *qos.Metrics

	wg sync.WaitGroup
}

// NewHandler binds the socket for pair and returns a ready-to-start
// Handler. clockRateHz is the negotiated codec's RTP clock rate.
func NewHandler(callID string, pair PortPair, clockRateHz int, logger *slog.Logger) (*Handler, error) {
	conn, err := bindUDP(pair.RTP)
	if err != nil {
		return nil, err
	}
	return &Handler{
		callID:      callID,
		ports:       pair,
		conn:        conn,
		logger:      logger.With("subsystem", "rtp-relay", "call_id", callID, "port", pair.RTP),
		start:       time.Now(),
		sampleEvery: defaultSampleEvery,
		metricsAtoB: qos.NewMetrics(clockRateHz),
		metricsBtoA: qos.NewMetrics(clockRateHz),
	}, nil
}

// Ports returns the bound RTP/RTCP port pair this handler relays through.
func (h *Handler) Ports() PortPair { return h.ports }

// MetricsAtoB returns the live accounting for the A->B direction (A is the
// source, B is the destination).
func (h *Handler) MetricsAtoB() *qos.Metrics { return h.metricsAtoB }

// MetricsBtoA returns the live accounting for the B->A direction.
func (h *Handler) MetricsBtoA() *qos.Metrics { return h.metricsBtoA }

// SetEndpoints updates the SDP-signaled endpoints. A nil argument leaves
// the existing value in place (spec.md §4.D step 3: "a later
// setEndpoints(nil, b) preserves the existing A").
func (h *Handler) SetEndpoints(a, b Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a != nil {
		h.sdpA = a
	}
	if b != nil {
		h.sdpB = b
	}
}

// Start spawns the reader/forwarding goroutine. Non-blocking.
func (h *Handler) Start() {
	h.wg.Add(1)
	go h.readLoop()
}

// Stop signals the reader goroutine to exit and waits for it, then closes
// the socket.
func (h *Handler) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.wg.Wait()
	h.conn.Close()
}

func (h *Handler) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// readLoop is the single reader task for this handler's socket, driving
// the forwarding algorithm in-line per spec.md §5 ("runs the forwarding
// algorithm in-line — no spawn per packet").
func (h *Handler) readLoop() {
	defer h.wg.Done()
	buf := make([]byte, maxRTPPacket)

	for {
		if h.isStopped() {
			return
		}
		h.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, srcAddr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if h.isStopped() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			h.logger.Debug("rtp read error", "error", err)
			continue
		}
		h.handlePacket(buf[:n], srcAddr)
	}
}

// handlePacket implements the forwarding algorithm of spec.md §4.D
// verbatim: drop undersized packets, identify the source side by
// learned-then-SDP priority with a 10s learning window, forward to the
// opposite side's best-known endpoint, and sample QoS at a configurable
// rate.
func (h *Handler) handlePacket(pkt []byte, src *net.UDPAddr) {
	if len(pkt) < minRTPHeader {
		return
	}

	h.mu.Lock()
	now := time.Now()
	withinWindow := now.Sub(h.start) < learningWindow

	var identified side
	switch {
	case h.learnedA != nil && addrEqual(src, h.learnedA):
		identified = sideA
	case h.learnedA == nil && h.sdpA != nil && addrEqual(src, h.sdpA):
		identified = sideA
	case h.learnedB != nil && addrEqual(src, h.learnedB):
		identified = sideB
	case h.learnedB == nil && h.sdpB != nil && addrEqual(src, h.sdpB):
		identified = sideB
	case withinWindow && h.learnedA == nil:
		h.learnedA = cloneAddr(src)
		identified = sideA
	case withinWindow && h.learnedB == nil:
		h.learnedB = cloneAddr(src)
		identified = sideB
	default:
		identified = sideUnknown
	}

	if identified == sideUnknown {
		h.mu.Unlock()
		return
	}

	var dest Endpoint
	var metrics *qos.Metrics
	if identified == sideA {
		dest = firstNonNil(h.learnedB, h.sdpB)
		metrics = h.metricsAtoB
	} else {
		dest = firstNonNil(h.learnedA, h.sdpA)
		metrics = h.metricsBtoA
	}
	h.packetCount++
	sampleThis := h.packetCount%uint64(h.sampleEvery) == 0
	h.mu.Unlock()

	if dest == nil {
		return
	}

	if _, err := h.conn.WriteToUDP(pkt, dest); err != nil {
		h.logger.Debug("rtp forward error", "error", err)
		return
	}
	metrics.RecordSent()

	if sampleThis {
		seq, ts := parseRTPSeqTimestamp(pkt)
		metrics.RecordReceived(seq, ts, now.UnixNano())
	}
}

func parseRTPSeqTimestamp(pkt []byte) (seq uint16, timestamp uint32) {
	seq = uint16(pkt[2])<<8 | uint16(pkt[3])
	timestamp = uint32(pkt[4])<<24 | uint32(pkt[5])<<16 | uint32(pkt[6])<<8 | uint32(pkt[7])
	return
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}

func firstNonNil(a, b Endpoint) Endpoint {
	if a != nil {
		return a
	}
	return b
}
