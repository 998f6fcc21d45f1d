// Package pbx is the composition root for the SIP core: it owns the UDP
// socket, wires the extension registry, call router, registrar, call
// session table, RTP relay manager and QoS monitor together, and drives
// the B2BUA call flow spec.md §4.F/§4.G describe. Grounded on the
// teacher's internal/sip/server.go (flowpbx-flowpbx) for the
// composition-order and method-handler-registration shape, generalized
// beyond a thin sipgo wrapper since this core parses its own datagrams
// over internal/sipmsg and owns its own UDP socket directly.
package pbx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nbpbx/corepbx/internal/callsession"
	"github.com/nbpbx/corepbx/internal/config"
	"github.com/nbpbx/corepbx/internal/hooks"
	"github.com/nbpbx/corepbx/internal/qos"
	"github.com/nbpbx/corepbx/internal/registrar"
	"github.com/nbpbx/corepbx/internal/registry"
	"github.com/nbpbx/corepbx/internal/router"
	"github.com/nbpbx/corepbx/internal/rtprelay"
	"github.com/nbpbx/corepbx/internal/sipmsg"
	"github.com/nbpbx/corepbx/internal/store"
	"github.com/nbpbx/corepbx/internal/transaction"
)

// Collaborators bundles the optional plug-in points spec.md §1 and §4.G
// enumerate. Every field defaults to a hooks.NoOp* implementation when
// left nil, so a bare-bones deployment runs without any of them wired.
type Collaborators struct {
	Emergency       hooks.EmergencyCollaborator
	AutoAttendant   hooks.AutoAttendantCollaborator
	VoicemailAccess hooks.VoicemailAccessCollaborator
	Paging          hooks.PagingCollaborator
	Webhook         hooks.WebhookEmitter
	CDR             hooks.CDRSink
	Media           hooks.MediaPipeline

	// FindMeFollowMe is threaded into router.New rather than handled by
	// fillDefaults below: Router.Classify already treats a nil findMe the
	// same as a configured one that returns no destinations for an
	// extension, so there is no separate no-op implementation to install
	// here.
	FindMeFollowMe hooks.FindMeFollowMe

	// Attestation signs outbound INVITEs with a PASSporT Identity header
	// when configured (internal/transaction.BuildB2BUAInvite); absent by
	// default, so fillDefaults leaves it nil rather than installing the
	// no-op, and the builder skips the header entirely when nil.
	Attestation hooks.AttestationVerifier
}

func (c *Collaborators) fillDefaults() {
	if c.Emergency == nil {
		c.Emergency = hooks.NoOpEmergencyCollaborator{}
	}
	if c.AutoAttendant == nil {
		c.AutoAttendant = hooks.NoOpAutoAttendantCollaborator{}
	}
	if c.VoicemailAccess == nil {
		c.VoicemailAccess = hooks.NoOpVoicemailAccessCollaborator{}
	}
	if c.Paging == nil {
		c.Paging = hooks.NoOpPagingCollaborator{}
	}
	if c.Webhook == nil {
		c.Webhook = hooks.NoOpWebhookEmitter{}
	}
	if c.CDR == nil {
		c.CDR = hooks.NoOpCDRSink{}
	}
	if c.Media == nil {
		c.Media = hooks.NoOpMediaPipeline{}
	}
}

// pendingInvite tracks the state of one in-flight call's callee leg,
// keyed by Call-ID (shared between the caller's INVITE and the PBX's
// outbound INVITE per spec.md §4.F's B2BUA rewrite).
type pendingInvite struct {
	callerAddr      *net.UDPAddr
	callerReq       *sipmsg.Message
	calleeAddr      *net.UDPAddr
	outbound        *sipmsg.Message
	fromExt         string
	toExt           string
	answered        bool
	cancelled       bool
	findMeRemaining []hooks.FindMeDestination
}

// Server is the SIP UDP server and call-flow orchestrator.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	conn *net.UDPConn

	dispatch *transaction.Dispatcher
	cache    *transaction.Cache

	registry  *registry.Registry
	registrar *registrar.Registrar
	router    *router.Router
	calls     *callsession.Table
	relay     *rtprelay.Manager
	qosMon    *qos.Monitor

	callRecords store.CallRecordStore
	qosStore    store.QoSStore

	collab Collaborators

	mu      sync.Mutex
	pending map[string]*pendingInvite

	shutdownMu sync.Mutex
	draining   bool

	wg sync.WaitGroup
}

// New wires every A-I component into a Server. Call Start to begin
// serving traffic.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	reg *registry.Registry,
	reg2 *registrar.Registrar,
	rtr *router.Router,
	calls *callsession.Table,
	relay *rtprelay.Manager,
	qosMon *qos.Monitor,
	callRecords store.CallRecordStore,
	qosStore store.QoSStore,
	collab Collaborators,
) *Server {
	collab.fillDefaults()
	logger = logger.With("subsystem", "pbx")

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		cache:       transaction.NewCache(32 * time.Second),
		registry:    reg,
		registrar:   reg2,
		router:      rtr,
		calls:       calls,
		relay:       relay,
		qosMon:      qosMon,
		callRecords: callRecords,
		qosStore:    qosStore,
		collab:      collab,
		pending:     make(map[string]*pendingInvite),
	}
	s.dispatch = transaction.NewDispatcher(s.cache, logger)
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.dispatch.Register("REGISTER", s.handleRegister)
	s.dispatch.Register("INVITE", s.handleInvite)
	s.dispatch.Register("ACK", s.handleACK)
	s.dispatch.Register("BYE", s.handleBYE)
	s.dispatch.Register("CANCEL", s.handleCANCEL)
	s.dispatch.Register("OPTIONS", s.handleOptions)
	s.dispatch.Register("INFO", s.handleInfo)
}

// Start binds the SIP UDP socket and begins the read loop. It blocks
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.SIPPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("pbx: binding sip udp port %d: %w", s.cfg.SIPPort, err)
	}
	s.conn = conn
	s.logger.Info("sip server listening", "port", s.cfg.SIPPort)

	s.wg.Add(1)
	go s.readLoop(ctx)

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	<-ctx.Done()
	return nil
}

// sweepLoop periodically discards expired retransmission-cache entries
// and brute-force guard state, mirroring the registry's own ExpireStale
// sweep run from cmd/pbxd.
func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cache.Sweep()
			s.registrar.Cleanup()
		}
	}
}

// Stop closes the UDP socket, unblocking the read loop, and waits for
// in-flight datagram handlers to finish.
func (s *Server) Stop() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

// readLoop reads datagrams and dispatches each on its own goroutine —
// INVITE handling can block on an outbound socket write and timer
// arming, so a single-threaded loop would stall retransmission
// detection for unrelated calls.
func (s *Server) readLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 65536)

	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedConnError(err) {
				return
			}
			s.logger.Debug("udp read error", "error", err)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		s.wg.Add(1)
		go func(raw []byte, src *net.UDPAddr) {
			defer s.wg.Done()
			s.handleDatagram(ctx, raw, src)
		}(raw, src)
	}
}

func isClosedConnError(err error) bool {
	return err != nil && (err.Error() == "use of closed network connection" ||
		(func() bool {
			var opErr *net.OpError
			return asNetOpErr(err, &opErr)
		})())
}

func asNetOpErr(err error, target **net.OpError) bool {
	op, ok := err.(*net.OpError)
	if ok {
		*target = op
	}
	return ok
}

func (s *Server) handleDatagram(ctx context.Context, raw []byte, src *net.UDPAddr) {
	msg := sipmsg.Parse(raw)
	if msg.IsMalformed() {
		s.logger.Debug("dropping malformed datagram", "source", src.String())
		return
	}

	if msg.IsResponse() {
		s.handleCalleeResponse(ctx, msg, src)
		return
	}

	if s.isDraining() && msg.Method == "INVITE" {
		resp := sipmsg.BuildResponse(503, "Service Unavailable", msg, nil)
		s.send(resp, src)
		return
	}

	resp := s.dispatch.Dispatch(ctx, msg, src)
	if resp != nil {
		s.send(resp, src)
	}
}

func (s *Server) send(msg *sipmsg.Message, addr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(msg.Build(), addr); err != nil {
		s.logger.Warn("udp write error", "addr", addr.String(), "error", err)
	}
}

func (s *Server) isDraining() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	return s.draining
}

// handleOptions answers a keep-alive OPTIONS from a phone, per spec.md
// §4.F, advertising every method the dispatch table supports.
func (s *Server) handleOptions(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	resp := sipmsg.BuildResponse(200, "OK", req, nil)
	resp.Headers.Set("Allow", transaction.AllowHeaderValue())
	return resp
}

func (s *Server) handleRegister(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	res := s.registrar.HandleRegister(ctx, req, src.IP.String(), src.Port)
	return sipmsg.BuildResponse(res.Status, res.Reason, req, nil)
}

func (s *Server) getPending(callID string) (*pendingInvite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[callID]
	return p, ok
}

func (s *Server) setPending(callID string, p *pendingInvite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[callID] = p
}

func (s *Server) removePending(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, callID)
}

func hostPortAddr(host string, port int) *net.UDPAddr {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return nil
		}
		ip = addrs[0]
	}
	return &net.UDPAddr{IP: ip, Port: port}
}

func formatAddr(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
