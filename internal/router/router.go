// Package router implements the Call Router (spec.md §4.G): the policy
// layer above the Call Session Manager that classifies a dialed number
// into a routing category before any Call is created. Grounded on
// spec.md §4.G's ordered decision list directly — the teacher
// (flowpbx-flowpbx) plays this role with internal/flow's graph engine,
// which is out of scope per spec.md §1 (auto-attendant IVR is a plug-in
// collaborator); internal/flow/engine.go's node-dispatch-by-type idea is
// kept only as the shape for a straight-line regex table, not as a graph.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbpbx/corepbx/internal/hooks"
)

// Kind is the routing category a dialed number resolves to.
type Kind string

const (
	KindEmergency       Kind = "emergency"
	KindAutoAttendant   Kind = "auto_attendant"
	KindVoicemailAccess Kind = "voicemail_access"
	KindPaging          Kind = "paging"
	KindInternal        Kind = "internal"
	KindConference      Kind = "conference"
	KindVoicemail       Kind = "voicemail"
	KindQueue           Kind = "queue"
	KindParking         Kind = "parking"
	KindFindMe          Kind = "find_me"
)

// Decision is the outcome of classifying a dialed number. Destinations is
// only populated for KindFindMe: the ring sequence to dial in order,
// per spec.md §1's find-me/follow-me plug-in hook.
type Decision struct {
	Kind         Kind
	ToExt        string
	Destinations []hooks.FindMeDestination
}

// ErrNotRegistered means the dialed extension has no live registration
// (spec.md §4.G step 5); callers reply 404.
type ErrNotRegistered struct{ Ext string }

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("router: extension %q is not registered", e.Ext)
}

// ErrNoDialplanMatch means the dialed number matched none of the
// configured dialplan patterns (spec.md §4.G step 6); callers reply 403.
type ErrNoDialplanMatch struct{ Ext string }

func (e *ErrNoDialplanMatch) Error() string {
	return fmt.Sprintf("router: %q matches no dialplan pattern", e.Ext)
}

// Patterns holds the compiled dialplan regexes, one per category named
// in spec.md §4.G and §6.
type Patterns struct {
	Emergency       *regexp.Regexp
	AutoAttendant   *regexp.Regexp
	Paging          *regexp.Regexp
	Internal        *regexp.Regexp
	Conference      *regexp.Regexp
	Voicemail       *regexp.Regexp
	Queue           *regexp.Regexp
	Parking         *regexp.Regexp
}

// CompilePatterns compiles the configured regex strings. Returns an error
// naming the offending pattern if any fails to compile — dialplan config
// is validated once at startup, never re-parsed in the hot path per
// SPEC_FULL.md §1's error-handling policy.
func CompilePatterns(emergency, autoAttendant, paging, internal, conference, voicemail, queue, parking string) (*Patterns, error) {
	compile := func(name, pattern string) (*regexp.Regexp, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("router: compiling dialplan.%s pattern %q: %w", name, pattern, err)
		}
		return re, nil
	}

	var p Patterns
	var err error
	if p.Emergency, err = compile("emergency", emergency); err != nil {
		return nil, err
	}
	if p.AutoAttendant, err = compile("auto_attendant", autoAttendant); err != nil {
		return nil, err
	}
	if p.Paging, err = compile("paging", paging); err != nil {
		return nil, err
	}
	if p.Internal, err = compile("internal", internal); err != nil {
		return nil, err
	}
	if p.Conference, err = compile("conference", conference); err != nil {
		return nil, err
	}
	if p.Voicemail, err = compile("voicemail", voicemail); err != nil {
		return nil, err
	}
	if p.Queue, err = compile("queue", queue); err != nil {
		return nil, err
	}
	if p.Parking, err = compile("parking", parking); err != nil {
		return nil, err
	}
	return &p, nil
}

// Registry is the narrow slice of internal/registry.Registry the router
// needs: whether a dialed extension currently has a live binding.
type Registry interface {
	IsRegistered(ext string) bool
}

// Router classifies dialed numbers per spec.md §4.G's ordered decision
// list. It holds no Call state of its own — Classify is a pure function
// of (toExt, current registrations).
type Router struct {
	patterns *Patterns
	registry Registry
	findMe   hooks.FindMeFollowMe
}

// New creates a Router over the compiled dialplan patterns and the
// extension registry used for the registered-callee check. findMe may be
// nil, meaning no extension has a find-me/follow-me ring sequence
// configured; callers fall straight through to the registry check.
func New(patterns *Patterns, registry Registry, findMe hooks.FindMeFollowMe) *Router {
	return &Router{patterns: patterns, registry: registry, findMe: findMe}
}

// isVoicemailAccess reports whether toExt is a '*' followed by 3-4
// digits, per spec.md §4.G step 3 ("*xxxx" dialed to check messages).
func isVoicemailAccess(toExt string) bool {
	if !strings.HasPrefix(toExt, "*") {
		return false
	}
	digits := toExt[1:]
	if len(digits) < 3 || len(digits) > 4 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Classify implements spec.md §4.G's ordered routing decision: emergency
// takes absolute priority (Kari's Law, step 1, before any dialplan
// check), then auto-attendant, then voicemail access, then paging, then
// find-me/follow-me (consulted before falling back to the registry),
// then (requiring the callee be registered) the configurable dialplan
// category table.
func (r *Router) Classify(ctx context.Context, toExt string) (Decision, error) {
	if r.patterns.Emergency.MatchString(toExt) {
		return Decision{Kind: KindEmergency, ToExt: toExt}, nil
	}
	if r.patterns.AutoAttendant.MatchString(toExt) {
		return Decision{Kind: KindAutoAttendant, ToExt: toExt}, nil
	}
	if isVoicemailAccess(toExt) {
		return Decision{Kind: KindVoicemailAccess, ToExt: toExt}, nil
	}
	if r.patterns.Paging.MatchString(toExt) {
		return Decision{Kind: KindPaging, ToExt: toExt}, nil
	}

	if r.findMe != nil {
		if dests := r.findMe.Destinations(ctx, toExt); len(dests) > 0 {
			return Decision{Kind: KindFindMe, ToExt: toExt, Destinations: dests}, nil
		}
	}

	if !r.registry.IsRegistered(toExt) {
		return Decision{}, &ErrNotRegistered{Ext: toExt}
	}

	switch {
	case r.patterns.Internal.MatchString(toExt):
		return Decision{Kind: KindInternal, ToExt: toExt}, nil
	case r.patterns.Conference.MatchString(toExt):
		return Decision{Kind: KindConference, ToExt: toExt}, nil
	case r.patterns.Voicemail.MatchString(toExt):
		return Decision{Kind: KindVoicemail, ToExt: toExt}, nil
	case r.patterns.Queue.MatchString(toExt):
		return Decision{Kind: KindQueue, ToExt: toExt}, nil
	case r.patterns.Parking.MatchString(toExt):
		return Decision{Kind: KindParking, ToExt: toExt}, nil
	default:
		return Decision{}, &ErrNoDialplanMatch{Ext: toExt}
	}
}
