package session

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

// IntentClassifier decides whether a finalized user transcript needs visual
// context attached to the next upstream turn. The default is a pattern list;
// the interface exists so a learned classifier can replace it without
// touching the injector.
type IntentClassifier interface {
	NeedsVisual(transcript string) bool
}

// visualPatterns are phrasings that reference what the camera sees.
var visualPatterns = []string{
	"what is this",
	"what's this",
	"what is that",
	"what am i looking at",
	"what do you see",
	"can you see",
	"do you see",
	"look at",
	"look at this",
	"describe this",
	"describe what",
	"read this",
	"what color",
	"how many",
	"is this",
}

// fuzzyMatchThreshold is the Jaro-Winkler similarity above which a phrase
// window counts as a pattern hit. Tuned to absorb common STT near-misses
// ("what is these", "can you seen") without firing on unrelated text.
const fuzzyMatchThreshold = 0.92

// PatternClassifier matches transcripts against a fixed phrase list, with a
// Jaro-Winkler fuzzy fallback for speech-recognition near-misses.
type PatternClassifier struct {
	patterns []string
}

var _ IntentClassifier = (*PatternClassifier)(nil)

// NewPatternClassifier creates the default classifier. Pass nil to use the
// built-in pattern list.
func NewPatternClassifier(patterns []string) *PatternClassifier {
	if patterns == nil {
		patterns = visualPatterns
	}
	return &PatternClassifier{patterns: patterns}
}

// NeedsVisual implements [IntentClassifier].
func (c *PatternClassifier) NeedsVisual(transcript string) bool {
	lower := strings.ToLower(strings.TrimSpace(transcript))
	if lower == "" {
		return false
	}

	for _, p := range c.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	// Fuzzy pass: slide a window of the pattern's word length across the
	// transcript and compare each window to the pattern.
	words := strings.Fields(lower)
	for _, p := range c.patterns {
		n := len(strings.Fields(p))
		if n == 0 || n > len(words) {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			window := strings.Join(words[i:i+n], " ")
			if matchr.JaroWinkler(window, p, true) >= fuzzyMatchThreshold {
				return true
			}
		}
	}
	return false
}

// frameBuffer holds the single current video frame for a session. Newer
// frames replace older ones; nothing is queued.
//
// Not safe for concurrent use; confined to the session loop.
type frameBuffer struct {
	data       []byte
	capturedAt time.Time
}

// set replaces the current frame.
func (f *frameBuffer) set(data []byte, capturedAt time.Time) {
	f.data = data
	f.capturedAt = capturedAt
}

// current returns the held frame and whether one exists.
func (f *frameBuffer) current() (data []byte, capturedAt time.Time, ok bool) {
	return f.data, f.capturedAt, len(f.data) > 0
}

// fresh reports whether the held frame is younger than window.
func (f *frameBuffer) fresh(now time.Time, window time.Duration) bool {
	return len(f.data) > 0 && now.Sub(f.capturedAt) <= window
}

// injectDecision is the injector's verdict for one user turn.
type injectDecision int

const (
	// injectNone: no visual context needed; respond immediately.
	injectNone injectDecision = iota

	// injectNow: a fresh frame is available; attach it and respond.
	injectNow

	// injectAwaitFrame: visual context is needed but the frame is stale or
	// missing; request a fresh frame and wait (bounded) before responding.
	injectAwaitFrame
)

// injector decides whether and when a frame joins the next upstream turn.
//
// Not safe for concurrent use; confined to the session loop.
type injector struct {
	classifier IntentClassifier
	frames     *frameBuffer
}

func newInjector(classifier IntentClassifier) *injector {
	return &injector{
		classifier: classifier,
		frames:     &frameBuffer{},
	}
}

// decide maps a finalized user transcript to an injection verdict.
// disabled covers modes with an on-device perception path.
func (j *injector) decide(transcript string, disabled bool, freshness time.Duration, now time.Time) injectDecision {
	if disabled {
		return injectNone
	}
	if !j.classifier.NeedsVisual(transcript) {
		return injectNone
	}
	if j.frames.fresh(now, freshness) {
		return injectNow
	}
	return injectAwaitFrame
}
