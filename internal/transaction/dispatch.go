package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/nbpbx/corepbx/internal/sipmsg"
)

// Handler processes one request from src and returns the response to
// send, or nil if no response should be sent (e.g. ACK).
type Handler func(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message

// stubMethods get an immediate 200 OK with an empty body: SUBSCRIBE,
// NOTIFY, PRACK, UPDATE, PUBLISH, MESSAGE and REFER are never generated
// by this core's own signaling, but answering them cheaply keeps a
// misconfigured or curious peer from retrying into brute-force territory.
// Grounded on spec.md §1's explicit non-goal list: these methods back
// features (presence, reliable provisional responses, instant messaging)
// the core does not implement, so the honest response is success with no
// side effect, not a protocol violation.
var stubMethods = map[string]bool{
	"SUBSCRIBE": true,
	"NOTIFY":    true,
	"PRACK":     true,
	"UPDATE":    true,
	"PUBLISH":   true,
	"MESSAGE":   true,
	"REFER":     true,
}

// allowedMethods is advertised in the Allow header of OPTIONS responses
// and 405s, per RFC 3261 §20.5.
var allowedMethods = []string{"INVITE", "ACK", "BYE", "CANCEL", "OPTIONS", "REGISTER", "INFO"}

// Dispatcher routes a parsed request to its handler by method, caching
// final responses for retransmission detection.
type Dispatcher struct {
	cache    *Cache
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher with no handlers registered; call
// Register for each method the server loop should handle specially.
func NewDispatcher(cache *Cache, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cache:    cache,
		handlers: make(map[string]Handler),
		logger:   logger.With("subsystem", "dispatch"),
	}
}

// Register installs the handler for method (case-sensitive, e.g.
// "INVITE").
func (d *Dispatcher) Register(method string, h Handler) {
	d.handlers[method] = h
}

// Dispatch routes req, consulting the retransmission cache first for
// methods other than ACK (ACK carries no response of its own and is
// never retransmitted against the cache). Unrecognized methods not in
// stubMethods get 405 Method Not Allowed with an Allow header, per
// RFC 3261 §8.2.1.
func (d *Dispatcher) Dispatch(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	if req.Method != "ACK" {
		key := KeyFor(req)
		if cached, ok := d.cache.Lookup(key); ok {
			d.logger.Debug("retransmission detected, replaying cached response",
				"method", req.Method, "key", string(key))
			return cached
		}

		resp := d.dispatchUncached(ctx, req, src)
		if resp != nil {
			d.cache.Store(key, resp)
		}
		return resp
	}
	return d.dispatchUncached(ctx, req, src)
}

func (d *Dispatcher) dispatchUncached(ctx context.Context, req *sipmsg.Message, src *net.UDPAddr) *sipmsg.Message {
	if h, ok := d.handlers[req.Method]; ok {
		return h(ctx, req, src)
	}
	if stubMethods[req.Method] {
		return sipmsg.BuildResponse(200, "OK", req, nil)
	}

	d.logger.Warn("method not allowed", "method", req.Method, "source", src.String())
	resp := sipmsg.BuildResponse(405, "Method Not Allowed", req, nil)
	resp.Headers.Set("Allow", strings.Join(allowedMethods, ", "))
	return resp
}

// AllowHeaderValue is exposed for OPTIONS handlers composed elsewhere
// (internal/pbx) that need the same Allow list without duplicating it.
func AllowHeaderValue() string {
	return strings.Join(allowedMethods, ", ")
}

// ErrNoHandler is returned by callers that look up a handler directly
// (rather than going through Dispatch) and find none registered.
type ErrNoHandler struct{ Method string }

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("transaction: no handler registered for method %q", e.Method)
}
