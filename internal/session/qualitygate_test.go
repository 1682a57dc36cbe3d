package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/sightline-voice/sightline/internal/config"
)

func newTestGate() *qualityGate {
	return newQualityGate(config.GateConfig{})
}

func TestQualityGateBannedPhrases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{name: "scenario C", text: "Exactly! Happy to help with that."},
		{name: "filler", text: "I'd be happy to walk you through it."},
		{name: "great question", text: "Great question, the answer is seven."},
		{name: "leading absolutely", text: "Absolutely! That is a maple tree."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate()
			ok, reason := g.admit(tt.text, false, time.Now())
			if ok || reason != rejectBannedPhrase {
				t.Fatalf("admit(%q) = %v, %q; want rejection %q", tt.text, ok, reason, rejectBannedPhrase)
			}
		})
	}

	// "Exactly" and "absolutely" only reject as leads.
	g := newTestGate()
	if ok, reason := g.admit("That is exactly right.", false, time.Now()); !ok {
		t.Fatalf("mid-sentence 'exactly' rejected: %q", reason)
	}
}

func TestQualityGateVisualHallucination(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	text := "I see a red bicycle leaning against the wall."

	ok, reason := g.admit(text, false, time.Now())
	if ok || reason != rejectVisualHallucination {
		t.Fatalf("admit without visual context = %v, %q; want %q", ok, reason, rejectVisualHallucination)
	}

	// Same text passes when visual context was actually injected.
	if ok, reason := g.admit(text, true, time.Now()); !ok {
		t.Fatalf("admit with visual context rejected: %q", reason)
	}
}

func TestQualityGateLengthCeiling(t *testing.T) {
	t.Parallel()

	long := ""
	for i := 0; i < 80; i++ {
		long += fmt.Sprintf("word%d ", i)
	}

	g := newTestGate()
	if ok, reason := g.admit(long, false, time.Now()); ok || reason != rejectTooLong {
		t.Fatalf("80 words without visual = %v, %q; want %q", ok, reason, rejectTooLong)
	}

	// The visual ceiling is looser: 80 words fits under 120.
	g = newTestGate()
	if ok, reason := g.admit(long, true, time.Now()); !ok {
		t.Fatalf("80 words with visual rejected: %q", reason)
	}
}

func TestQualityGateRateGuard(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	base := time.Now()

	if ok, _ := g.admit("first response here", false, base); !ok {
		t.Fatal("first response rejected")
	}
	if ok, reason := g.admit("completely different words entirely", false, base.Add(400*time.Millisecond)); ok || reason != rejectRateLimited {
		t.Fatalf("response 400ms later = %v, %q; want %q", ok, reason, rejectRateLimited)
	}
	if ok, reason := g.admit("completely different words entirely", false, base.Add(1200*time.Millisecond)); !ok {
		t.Fatalf("response 1.2s later rejected: %q", reason)
	}
}

func TestQualityGateDeduplication(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	now := time.Now()
	step := func() time.Time {
		now = now.Add(2 * time.Second)
		return now
	}

	text := "the kettle on the stove is boiling"
	if ok, _ := g.admit(text, false, step()); !ok {
		t.Fatal("first occurrence rejected")
	}
	if ok, reason := g.admit(text, false, step()); ok || reason != rejectNearDuplicate {
		t.Fatalf("exact repeat = %v, %q; want %q", ok, reason, rejectNearDuplicate)
	}

	// Near-duplicate, not just exact: same token set, reordered.
	if ok, reason := g.admit("boiling on the stove is the kettle", false, step()); ok || reason != rejectNearDuplicate {
		t.Fatalf("reordered repeat = %v, %q; want %q", ok, reason, rejectNearDuplicate)
	}

	// Five unrelated responses evict it from the ring; then it passes again.
	fillers := []string{
		"turn left at the next junction ahead",
		"your coffee order is ready now",
		"rain expected later this afternoon probably",
		"the parcel arrived earlier today apparently",
		"three new messages from your sister",
	}
	for _, f := range fillers {
		if ok, reason := g.admit(f, false, step()); !ok {
			t.Fatalf("filler %q rejected: %q", f, reason)
		}
	}
	if ok, reason := g.admit(text, false, step()); !ok {
		t.Fatalf("repeat after ring eviction rejected: %q", reason)
	}
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want float64
	}{
		{"a b c", "a b c", 1},
		{"a b c d", "a b x y", 1.0 / 3.0},
		{"a b", "x y", 0},
	}
	for _, tt := range tests {
		got := jaccard(tokenSet(tt.a), tokenSet(tt.b))
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("jaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
