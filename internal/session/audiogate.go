package session

import "time"

// echoGate decides whether an inbound microphone chunk may be forwarded
// upstream. While the bridge is streaming synthesised audio back to the
// device, the device microphone picks up that playback; forwarding it would
// make the engine hear — and respond to — itself.
//
// The gate blocks while a response is actively streaming and for a grace
// period after the last outbound chunk or response end. The grace absorbs
// device buffering, network transit, and acoustic speaker-to-mic delay.
// Blocked chunks are dropped, never queued: stale audio replayed after the
// gate opens would be indistinguishable from fresh speech.
//
// Not safe for concurrent use; confined to the session loop.
type echoGate struct {
	grace time.Duration

	upstreamSpeaking bool
	lastOutboundAt   time.Time
	lastResponseEnd  time.Time

	suppressed uint64
}

func newEchoGate(grace time.Duration) *echoGate {
	return &echoGate{grace: grace}
}

// allow reports whether an inbound chunk received at now may be forwarded.
// A false return increments the suppressed counter.
func (g *echoGate) allow(now time.Time) bool {
	if g.upstreamSpeaking {
		g.suppressed++
		return false
	}
	if !g.lastOutboundAt.IsZero() && now.Sub(g.lastOutboundAt) < g.grace {
		g.suppressed++
		return false
	}
	if !g.lastResponseEnd.IsZero() && now.Sub(g.lastResponseEnd) < g.grace {
		g.suppressed++
		return false
	}
	return true
}

// noteResponseStart closes the gate the moment a response lifecycle opens,
// before the first audio delta arrives.
func (g *echoGate) noteResponseStart() {
	g.upstreamSpeaking = true
}

// noteOutbound records that an outbound audio chunk was relayed at now.
func (g *echoGate) noteOutbound(now time.Time) {
	g.upstreamSpeaking = true
	g.lastOutboundAt = now
}

// noteResponseEnd records that the current response finished at now.
// The grace window keeps the gate closed while buffered playback drains.
func (g *echoGate) noteResponseEnd(now time.Time) {
	g.upstreamSpeaking = false
	g.lastResponseEnd = now
}

// reset reopens the gate immediately. Used on barge-in: the user is talking
// over playback on purpose, so their audio must flow.
func (g *echoGate) reset() {
	g.upstreamSpeaking = false
	g.lastOutboundAt = time.Time{}
	g.lastResponseEnd = time.Time{}
}

// suppressedCount returns the number of chunks dropped so far.
func (g *echoGate) suppressedCount() uint64 { return g.suppressed }
