// Package transaction implements the SIP Transaction Layer (spec.md
// §4.F): per-datagram transaction identity, a retransmission cache so a
// duplicate request gets the cached final response instead of being
// reprocessed, and the method dispatch table the UDP server loop uses to
// route a parsed request to its handler. Grounded on the teacher's
// internal/sip/server.go method-registration shape
// (flowpbx-flowpbx/internal/sip/server.go:134-141's
// OnInvite/OnRegister/OnAck/.../OnInfo calls), re-expressed as a plain
// map dispatch table since this core parses its own datagrams over
// internal/sipmsg instead of running emiago/sipgo's transaction machine.
package transaction

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nbpbx/corepbx/internal/sipmsg"
)

// Key identifies a transaction per RFC 3261 §17.2.3: the Via branch
// parameter plus the method (CANCEL and the request it cancels share a
// Call-ID and branch but are distinct transactions only by method; an
// ACK gets its own branch|ACK key, but Dispatch never consults the cache
// for ACK and always hands it to the registered ACK handler).
type Key string

// KeyFor derives a transaction key from a request's top Via branch and
// method. A request with no branch parameter (a pre-RFC 3261 peer, or a
// malformed message) gets a key derived from a hash of From/To/Call-ID/
// CSeq instead, so retransmission detection still degrades gracefully
// rather than panicking on a missing header.
func KeyFor(req *sipmsg.Message) Key {
	via := req.Headers.Value("Via")
	branch := branchOf(via)
	if branch != "" {
		return Key(branch + "|" + req.Method)
	}
	return Key(fallbackKey(req))
}

func branchOf(via string) string {
	const marker = "branch="
	idx := indexOf(via, marker)
	if idx < 0 {
		return ""
	}
	rest := via[idx+len(marker):]
	for i, r := range rest {
		if r == ';' || r == ',' {
			return rest[:i]
		}
	}
	return rest
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func fallbackKey(req *sipmsg.Message) string {
	h := sha1.New()
	h.Write([]byte(req.Headers.Value("From")))
	h.Write([]byte(req.Headers.Value("To")))
	h.Write([]byte(req.Headers.Value("Call-ID")))
	h.Write([]byte(req.Headers.Value("CSeq")))
	return hex.EncodeToString(h.Sum(nil))
}

// entry is one cached transaction outcome.
type entry struct {
	response *sipmsg.Message
	created  time.Time
}

// Cache holds recently-completed transactions so a UDP retransmission
// (spec.md §4.F: "UDP has no reliable delivery; a peer retransmits an
// unanswered request") replays the original final response rather than
// re-running the handler, which would otherwise double-process a REGISTER
// or re-fork an INVITE.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	ttl     time.Duration
}

// NewCache creates a transaction cache. ttl bounds how long a completed
// transaction's response is replayed for; RFC 3261 §17.1.2.2 specifies 32s
// (Timer K) for non-INVITE over UDP, used here uniformly for both INVITE
// and non-INVITE since this core does not implement the full INVITE
// client/server state machine.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 32 * time.Second
	}
	return &Cache{entries: make(map[Key]*entry), ttl: ttl}
}

// Lookup returns the cached final response for key, if any and not yet
// expired.
func (c *Cache) Lookup(key Key) (*sipmsg.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.created) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.response, true
}

// Store records the final response for a completed transaction.
func (c *Cache) Store(key Key, response *sipmsg.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{response: response, created: time.Now()}
}

// Sweep discards expired entries. Called periodically by the timer
// scheduler (spec.md §5), mirroring the registrar's Cleanup and the
// registry's ExpireStale.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.created) > c.ttl {
			delete(c.entries, k)
		}
	}
}
