package session

import "time"

// turnState tracks where a session sits in the conversational turn cycle.
type turnState int

const (
	// stateIdle: nobody is speaking and no response is in flight.
	stateIdle turnState = iota

	// stateSpeechDetected: upstream voice activity reported user speech.
	stateSpeechDetected

	// stateResponding: upstream acknowledged response creation, no audio yet.
	stateResponding

	// stateSpeaking: response audio is streaming toward the client.
	stateSpeaking
)

// String implements fmt.Stringer for logging.
func (s turnState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSpeechDetected:
		return "speechDetected"
	case stateResponding:
		return "responding"
	case stateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// turnDecision is the set of actions a state transition demands. The session
// loop executes every set flag; the machine itself performs no I/O.
type turnDecision struct {
	// BargeIn: the user interrupted an in-flight response. CancelResponse,
	// StopAudio, and ClearEchoState are set together; the loop must execute
	// them before forwarding anything else.
	BargeIn        bool
	CancelResponse bool
	StopAudio      bool
	ClearEchoState bool

	// Acknowledge carries a short phrase to surface after a barge-in so the
	// interruption feels graceful. Empty when no acknowledgment is due.
	Acknowledge string

	// ClearInputAudio: discard the upstream input buffer on response entry so
	// nothing captured in the handoff instant gets transcribed.
	ClearInputAudio bool

	// MuteMic / ScheduleUnmute drive client microphone control. Unmute is
	// delayed so buffered playback finishes before capture re-enables.
	MuteMic        bool
	ScheduleUnmute bool

	// TurnDuration is the created→done duration, set on response completion.
	TurnDuration time.Duration
}

// ackPhrases is the fixed rotation used after a barge-in.
var ackPhrases = []string{"Go ahead.", "Yes?", "Sure."}

// turnMachine is the per-session turn-taking state machine. Every transition
// and its guard conditions live here; the session loop feeds it events and
// executes the returned decisions.
//
// Not safe for concurrent use; confined to the session loop.
type turnMachine struct {
	state           turnState
	responseStarted time.Time
	ackIndex        int
}

func newTurnMachine() *turnMachine {
	return &turnMachine{state: stateIdle}
}

// inFlight reports whether a response lifecycle is currently open.
func (m *turnMachine) inFlight() bool {
	return m.state == stateResponding || m.state == stateSpeaking
}

// onSpeechStarted handles an upstream voice-activity start signal. During an
// in-flight response this is a barge-in: the prior response is closed before
// any new one can open.
func (m *turnMachine) onSpeechStarted() turnDecision {
	if m.inFlight() {
		m.state = stateSpeechDetected
		ack := ackPhrases[m.ackIndex%len(ackPhrases)]
		m.ackIndex++
		return turnDecision{
			BargeIn:        true,
			CancelResponse: true,
			StopAudio:      true,
			ClearEchoState: true,
			Acknowledge:    ack,
		}
	}
	m.state = stateSpeechDetected
	return turnDecision{}
}

// onSpeechStopped handles an upstream voice-activity stop signal. The state
// holds at speechDetected: the finalized transcript, not raw speech-stop,
// drives what happens next.
func (m *turnMachine) onSpeechStopped() turnDecision {
	return turnDecision{}
}

// onResponseCreated handles upstream response creation.
func (m *turnMachine) onResponseCreated(now time.Time) turnDecision {
	m.state = stateResponding
	m.responseStarted = now
	return turnDecision{
		ClearInputAudio: true,
		MuteMic:         true,
	}
}

// onAudioDelta reports whether a response audio chunk may be forwarded to
// the client. Audio arriving after a barge-in cancelled the response belongs
// to the dead response and must not reach the client.
func (m *turnMachine) onAudioDelta() (forward bool) {
	switch m.state {
	case stateResponding:
		m.state = stateSpeaking
		return true
	case stateSpeaking:
		return true
	default:
		return false
	}
}

// onResponseDone handles response completion.
func (m *turnMachine) onResponseDone(now time.Time) turnDecision {
	if !m.inFlight() {
		// Completion of a response already cancelled by barge-in.
		return turnDecision{}
	}
	var dur time.Duration
	if !m.responseStarted.IsZero() {
		dur = now.Sub(m.responseStarted)
	}
	m.state = stateIdle
	m.responseStarted = time.Time{}
	return turnDecision{
		ScheduleUnmute: true,
		TurnDuration:   dur,
	}
}

// onUpstreamLost handles the upstream connection dropping. A response in
// flight is abandoned: the client stops playback and the transcript is not
// rolled back.
func (m *turnMachine) onUpstreamLost() turnDecision {
	wasActive := m.inFlight()
	m.state = stateIdle
	m.responseStarted = time.Time{}
	if wasActive {
		return turnDecision{StopAudio: true, ScheduleUnmute: true}
	}
	return turnDecision{}
}
