package session

import (
	"testing"
	"time"
)

func TestEchoGateAllowsWhenIdle(t *testing.T) {
	t.Parallel()

	g := newEchoGate(2 * time.Second)
	if !g.allow(time.Now()) {
		t.Fatal("idle gate blocked a chunk")
	}
	if g.suppressedCount() != 0 {
		t.Fatalf("suppressedCount = %d, want 0", g.suppressedCount())
	}
}

func TestEchoGateBlocksWhileUpstreamSpeaking(t *testing.T) {
	t.Parallel()

	g := newEchoGate(2 * time.Second)
	now := time.Now()
	g.noteOutbound(now)

	for i := 0; i < 3; i++ {
		if g.allow(now.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("chunk %d forwarded while upstream speaking", i)
		}
	}
	if g.suppressedCount() != 3 {
		t.Fatalf("suppressedCount = %d, want 3", g.suppressedCount())
	}
}

// The gate must close at response start, before any audio delta arrives:
// chunks captured in the created→first-delta window are still echo risk.
func TestEchoGateClosesAtResponseStart(t *testing.T) {
	t.Parallel()

	g := newEchoGate(2 * time.Second)
	now := time.Now()
	g.noteResponseStart()

	if g.allow(now) {
		t.Fatal("chunk forwarded after response start")
	}
	g.noteResponseEnd(now)
	if g.allow(now.Add(time.Second)) {
		t.Fatal("chunk forwarded inside post-response grace")
	}
	if !g.allow(now.Add(2500 * time.Millisecond)) {
		t.Fatal("chunk blocked after grace expired")
	}
}

func TestEchoGateGraceAfterOutbound(t *testing.T) {
	t.Parallel()

	g := newEchoGate(2 * time.Second)
	now := time.Now()
	g.noteOutbound(now)
	g.noteResponseEnd(now)

	if g.allow(now.Add(1500 * time.Millisecond)) {
		t.Fatal("chunk forwarded inside grace window")
	}
	if !g.allow(now.Add(2100 * time.Millisecond)) {
		t.Fatal("chunk blocked after grace expired")
	}
}

// Each outbound chunk re-arms the grace window: synthesized speech arrives in
// many chunks over seconds, and only the last one matters.
func TestEchoGateOutboundRearmsGrace(t *testing.T) {
	t.Parallel()

	g := newEchoGate(2 * time.Second)
	base := time.Now()
	g.noteOutbound(base)
	g.noteOutbound(base.Add(3 * time.Second))
	g.noteResponseEnd(base.Add(3 * time.Second))

	// 2.1s after the first chunk but only 100ms after the second.
	if g.allow(base.Add(3100 * time.Millisecond)) {
		t.Fatal("chunk forwarded inside re-armed grace window")
	}
	if !g.allow(base.Add(5100 * time.Millisecond)) {
		t.Fatal("chunk blocked after re-armed grace expired")
	}
}

func TestEchoGateGraceAfterResponseEnd(t *testing.T) {
	t.Parallel()

	g := newEchoGate(2 * time.Second)
	now := time.Now()
	g.noteOutbound(now.Add(-10 * time.Second))
	g.noteResponseEnd(now)

	if g.allow(now.Add(time.Second)) {
		t.Fatal("chunk forwarded inside post-response grace")
	}
	if !g.allow(now.Add(2500 * time.Millisecond)) {
		t.Fatal("chunk blocked after post-response grace expired")
	}
}

func TestEchoGateResetReopensImmediately(t *testing.T) {
	t.Parallel()

	g := newEchoGate(2 * time.Second)
	now := time.Now()
	g.noteOutbound(now)

	if g.allow(now) {
		t.Fatal("gate open while speaking")
	}
	g.reset()
	if !g.allow(now) {
		t.Fatal("gate still closed after reset")
	}
}
