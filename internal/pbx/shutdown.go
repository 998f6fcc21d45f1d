package pbx

import (
	"context"
	"time"
)

// DefaultShutdownGrace bounds how long Shutdown waits for active calls to
// end on their own before force-ending them.
const DefaultShutdownGrace = 30 * time.Second

// Shutdown implements the phased sequence original_source's
// graceful_shutdown.py describes: stop accepting new INVITEs, wait up to
// grace for in-flight calls to end naturally, force-end whatever remains,
// then close the UDP socket. Safe to call once; a second call is a no-op
// beyond the already-closed socket.
func (s *Server) Shutdown(ctx context.Context, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	s.shutdownMu.Lock()
	s.draining = true
	s.shutdownMu.Unlock()
	s.logger.Info("shutdown: no longer accepting new invites")

	deadline := time.Now().Add(grace)
drain:
	for time.Now().Before(deadline) {
		if s.calls.ActiveCallCount() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(250 * time.Millisecond):
		}
	}

	if n := s.calls.ActiveCallCount(); n > 0 {
		s.logger.Warn("shutdown: force-ending calls past grace period", "remaining", n)
		s.forceEndAll()
	}

	s.Stop()
	s.logger.Info("shutdown complete")
}

// forceEndAll ends every still-live call. internal/pbx has no direct
// iteration over callsession.Table's contents (its lock is intentionally
// private to the package), so this walks the pending-invite bookkeeping
// this package itself owns, which covers every call with a live B2BUA
// leg; local-answer-only calls have no Session to force-end.
func (s *Server) forceEndAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if session, ok := s.calls.Get(id); ok {
			session.End("server_shutdown", true)
		}
	}
}
