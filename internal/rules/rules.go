// Package rules implements the deterministic fast path: a small ordered set
// of rules evaluated against structured perception data before any upstream
// call. A rule that fires with SkipUpstream set lets the bridge synthesise
// the response locally, bypassing engine latency entirely.
//
// Rules are intentionally conservative. A false positive preempts genuine
// reasoning, so every built-in rule requires either an exact transcript
// pattern or a scene signal well above its noise floor.
package rules

import (
	"regexp"
	"time"

	"github.com/sightline-voice/sightline/pkg/protocol"
)

// Result is the outcome of one fast-path evaluation.
type Result struct {
	// Triggered reports whether any rule fired.
	Triggered bool

	// SkipUpstream reports whether the bridge should answer locally instead
	// of creating an upstream response.
	SkipUpstream bool

	// Response is the locally synthesised response text, set when a rule fired.
	Response string

	// Rule is the name of the rule that fired, for logging and metrics.
	Rule string
}

// Rule is one deterministic check against a perception packet.
// A rule matches when its Pattern matches the transcript (if set) AND its
// Signal exceeds MinSignal (if Signal is set).
type Rule struct {
	// Name is a stable identifier used in logs, metrics, and cooldown keys.
	Name string

	// Modes lists the session modes this rule applies to. Empty means all.
	Modes []protocol.Mode

	// Pattern matches against the packet transcript. Nil means no transcript
	// requirement.
	Pattern *regexp.Regexp

	// Signal names a scalar scene signal that must exceed MinSignal.
	// Empty means no signal requirement.
	Signal    string
	MinSignal float64

	// Response is the synthesised response text.
	Response string

	// SkipUpstream marks the rule as fully local (no engine call).
	SkipUpstream bool

	// Cooldown suppresses re-firing for this long. Zero means no cooldown.
	Cooldown time.Duration
}

// matches reports whether the rule applies to pkt in the given mode.
func (r *Rule) matches(pkt *protocol.PerceptionPacket, mode protocol.Mode) bool {
	if len(r.Modes) > 0 {
		ok := false
		for _, m := range r.Modes {
			if m == mode {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.Pattern == nil && r.Signal == "" {
		// A rule with no condition never fires.
		return false
	}
	if r.Pattern != nil && !r.Pattern.MatchString(pkt.Transcript) {
		return false
	}
	if r.Signal != "" {
		v, ok := pkt.Signals[r.Signal]
		if !ok || v < r.MinSignal {
			return false
		}
	}
	return true
}

// Engine evaluates an ordered rule set with per-rule cooldown tracking.
// One Engine is created per session; it is not safe for concurrent use and
// is expected to be confined to the session loop.
type Engine struct {
	rules     []Rule
	lastFired map[string]time.Time
}

// NewEngine creates an Engine over the given ordered rules.
// Pass [DefaultRules] for the built-in set.
func NewEngine(ruleSet []Rule) *Engine {
	return &Engine{
		rules:     ruleSet,
		lastFired: make(map[string]time.Time, len(ruleSet)),
	}
}

// Evaluate runs the rules in order against pkt for the given mode and
// returns the first firing rule's result. Rules inside their cooldown window
// are skipped. The zero Result means no rule fired.
func (e *Engine) Evaluate(pkt *protocol.PerceptionPacket, mode protocol.Mode, now time.Time) Result {
	if pkt == nil {
		return Result{}
	}
	for i := range e.rules {
		r := &e.rules[i]
		if !r.matches(pkt, mode) {
			continue
		}
		if r.Cooldown > 0 {
			if last, ok := e.lastFired[r.Name]; ok && now.Sub(last) < r.Cooldown {
				continue
			}
		}
		e.lastFired[r.Name] = now
		return Result{
			Triggered:    true,
			SkipUpstream: r.SkipUpstream,
			Response:     r.Response,
			Rule:         r.Name,
		}
	}
	return Result{}
}

// DefaultRules returns the built-in rule set.
//
// The set is deliberately small: exact conversational control phrases that
// never deserve a round trip, plus mode-specific high-confidence scene
// signals.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:         "ack-stop",
			Pattern:      regexp.MustCompile(`(?i)^(stop|cancel|never\s?mind|forget it)[.!]?$`),
			Response:     "Okay.",
			SkipUpstream: true,
			Cooldown:     2 * time.Second,
		},
		{
			Name:         "ack-thanks",
			Pattern:      regexp.MustCompile(`(?i)^(thanks|thank you)[.!]?$`),
			Response:     "Any time.",
			SkipUpstream: true,
			Cooldown:     2 * time.Second,
		},
		{
			Name:         "driving-hazard",
			Modes:        []protocol.Mode{protocol.ModeDriving},
			Signal:       "hazard_ahead",
			MinSignal:    0.9,
			Response:     "Heads up — something in the road ahead.",
			SkipUpstream: true,
			Cooldown:     10 * time.Second,
		},
		{
			Name:         "driving-lane-drift",
			Modes:        []protocol.Mode{protocol.ModeDriving},
			Signal:       "lane_drift",
			MinSignal:    0.95,
			Response:     "You're drifting out of your lane.",
			SkipUpstream: true,
			Cooldown:     15 * time.Second,
		},
		{
			Name:         "cooking-timer",
			Modes:        []protocol.Mode{protocol.ModeCooking},
			Signal:       "timer_done",
			MinSignal:    0.99,
			Response:     "Your timer is done.",
			SkipUpstream: true,
			Cooldown:     30 * time.Second,
		},
	}
}
