package router

import (
	"context"
	"testing"
	"time"

	"github.com/nbpbx/corepbx/internal/hooks"
)

type fakeRegistry struct {
	registered map[string]bool
}

func (f fakeRegistry) IsRegistered(ext string) bool { return f.registered[ext] }

func defaultPatterns(t *testing.T) *Patterns {
	t.Helper()
	p, err := CompilePatterns(
		`^9?-?911$`,
		`^0$`,
		`^7[0-9]$`,
		`^1[0-9]{3}$`,
		`^2[0-9]{3}$`,
		`^\*[0-9]{3,4}$`,
		`^8[0-9]{3}$`,
		`^7[0-9]$`,
	)
	if err != nil {
		t.Fatalf("CompilePatterns: %v", err)
	}
	return p
}

func TestClassifyEmergencyBeforeDialplan(t *testing.T) {
	reg := fakeRegistry{registered: map[string]bool{}}
	r := New(defaultPatterns(t), reg, nil)

	for _, n := range []string{"911", "9911", "9-911"} {
		d, err := r.Classify(context.Background(), n)
		if err != nil {
			t.Fatalf("Classify(%q): unexpected error %v", n, err)
		}
		if d.Kind != KindEmergency {
			t.Errorf("Classify(%q) = %v, want emergency", n, d.Kind)
		}
	}
}

func TestClassifyAutoAttendant(t *testing.T) {
	reg := fakeRegistry{registered: map[string]bool{}}
	r := New(defaultPatterns(t), reg, nil)

	d, err := r.Classify(context.Background(), "0")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d.Kind != KindAutoAttendant {
		t.Errorf("Kind = %v, want auto_attendant", d.Kind)
	}
}

func TestClassifyVoicemailAccessBeforePaging(t *testing.T) {
	// *1234 must not be mistaken for the 7x paging pattern.
	reg := fakeRegistry{registered: map[string]bool{}}
	r := New(defaultPatterns(t), reg, nil)

	d, err := r.Classify(context.Background(), "*1234")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d.Kind != KindVoicemailAccess {
		t.Errorf("Kind = %v, want voicemail_access", d.Kind)
	}
}

func TestClassifyPaging(t *testing.T) {
	reg := fakeRegistry{registered: map[string]bool{}}
	r := New(defaultPatterns(t), reg, nil)

	d, err := r.Classify(context.Background(), "71")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d.Kind != KindPaging {
		t.Errorf("Kind = %v, want paging", d.Kind)
	}
}

type fakeFindMe struct {
	dests map[string][]hooks.FindMeDestination
}

func (f fakeFindMe) Destinations(ctx context.Context, ext string) []hooks.FindMeDestination {
	return f.dests[ext]
}

func TestClassifyFindMeFollowMeBeforeRegistryFallback(t *testing.T) {
	// 1001 has no live registration, but a configured ring sequence: the
	// router must consult it instead of returning ErrNotRegistered.
	reg := fakeRegistry{registered: map[string]bool{}}
	findMe := fakeFindMe{dests: map[string][]hooks.FindMeDestination{
		"1001": {{Number: "1002", RingTime: 15 * time.Second}, {Number: "15105551234", RingTime: 20 * time.Second}},
	}}
	r := New(defaultPatterns(t), reg, findMe)

	d, err := r.Classify(context.Background(), "1001")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d.Kind != KindFindMe {
		t.Fatalf("Kind = %v, want find_me", d.Kind)
	}
	if len(d.Destinations) != 2 || d.Destinations[0].Number != "1002" {
		t.Fatalf("Destinations = %+v, want the configured ring sequence", d.Destinations)
	}
}

func TestClassifyFindMeFollowMeFallsBackWhenUnconfigured(t *testing.T) {
	// An extension with no configured sequence still 404s as before.
	reg := fakeRegistry{registered: map[string]bool{}}
	findMe := fakeFindMe{dests: map[string][]hooks.FindMeDestination{}}
	r := New(defaultPatterns(t), reg, findMe)

	_, err := r.Classify(context.Background(), "1001")
	if _, ok := err.(*ErrNotRegistered); !ok {
		t.Fatalf("error = %v, want *ErrNotRegistered", err)
	}
}

func TestClassifyUnregisteredReturns404Error(t *testing.T) {
	reg := fakeRegistry{registered: map[string]bool{}}
	r := New(defaultPatterns(t), reg, nil)

	_, err := r.Classify(context.Background(), "1001")
	var notReg *ErrNotRegistered
	if err == nil {
		t.Fatal("expected ErrNotRegistered")
	}
	if !asErrNotRegistered(err, &notReg) {
		t.Fatalf("error = %v, want *ErrNotRegistered", err)
	}
}

func asErrNotRegistered(err error, target **ErrNotRegistered) bool {
	if e, ok := err.(*ErrNotRegistered); ok {
		*target = e
		return true
	}
	return false
}

func TestClassifyInternalDialplan(t *testing.T) {
	reg := fakeRegistry{registered: map[string]bool{"1001": true}}
	r := New(defaultPatterns(t), reg, nil)

	d, err := r.Classify(context.Background(), "1001")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d.Kind != KindInternal {
		t.Errorf("Kind = %v, want internal", d.Kind)
	}
}

func TestClassifyNoDialplanMatchReturns403Error(t *testing.T) {
	reg := fakeRegistry{registered: map[string]bool{"55": true}}
	r := New(defaultPatterns(t), reg, nil)

	_, err := r.Classify(context.Background(), "55")
	if _, ok := err.(*ErrNoDialplanMatch); !ok {
		t.Fatalf("error = %v, want *ErrNoDialplanMatch", err)
	}
}

func TestClassifyConferenceQueueParking(t *testing.T) {
	// Use a paging pattern distinct from parking's so the two
	// conventionally-identical "7x" defaults don't shadow each other in
	// this test (spec.md §4.G checks paging before the dialplan table,
	// so an overlapping paging pattern would mask parking entirely).
	patterns, err := CompilePatterns(`^9?-?911$`, `^0$`, `^9[0-9]$`, `^1[0-9]{3}$`, `^2[0-9]{3}$`, `^\*[0-9]{3,4}$`, `^8[0-9]{3}$`, `^7[0-9]$`)
	if err != nil {
		t.Fatalf("CompilePatterns: %v", err)
	}
	reg := fakeRegistry{registered: map[string]bool{"2001": true, "8001": true, "70": true}}
	r := New(patterns, reg, nil)

	cases := map[string]Kind{"2001": KindConference, "8001": KindQueue, "70": KindParking}
	for ext, want := range cases {
		d, err := r.Classify(context.Background(), ext)
		if err != nil {
			t.Fatalf("Classify(%q): %v", ext, err)
		}
		if d.Kind != want {
			t.Errorf("Classify(%q).Kind = %v, want %v", ext, d.Kind, want)
		}
	}
}
