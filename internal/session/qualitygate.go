package session

import (
	"strings"
	"time"

	"github.com/sightline-voice/sightline/internal/config"
)

// Rejection reasons, used in logs and metric attributes.
const (
	rejectVisualHallucination = "visual_hallucination"
	rejectBannedPhrase        = "banned_phrase"
	rejectTooLong             = "too_long"
	rejectRateLimited         = "rate_limited"
	rejectNearDuplicate       = "near_duplicate"
)

// visualClaimMarkers flag text that asserts something was seen. A response
// containing one of these without injected visual context is hallucinating.
var visualClaimMarkers = []string{
	"i see",
	"i can see",
	"that looks like",
	"this looks like",
	"in the image",
	"in the picture",
	"in the frame",
	"looking at",
	"i'm looking at",
}

// bannedPhrases is sycophantic filler that never survives the gate.
var bannedPhrases = []string{
	"happy to help",
	"great question",
	"i'd be happy to",
	"as an ai",
}

// bannedLeads reject only at the start of a response.
var bannedLeads = []string{
	"exactly!",
	"absolutely!",
}

// responseRingSize is how many accepted responses the duplication guard
// remembers.
const responseRingSize = 5

// qualityGate filters candidate assistant utterances before they reach the
// client transcript. Audio may already be streaming when the verdict lands;
// the gate withholds the transcript surface only.
//
// Not safe for concurrent use; confined to the session loop.
type qualityGate struct {
	cfg config.GateConfig

	lastAccepted time.Time
	recent       []string
	next         int
}

func newQualityGate(cfg config.GateConfig) *qualityGate {
	return &qualityGate{
		cfg:    cfg,
		recent: make([]string, 0, responseRingSize),
	}
}

// admit checks text against all five guards in order and returns the first
// failing guard's reason. On acceptance the text enters the duplication ring
// and the rate clock advances.
func (g *qualityGate) admit(text string, visualInjected bool, now time.Time) (ok bool, reason string) {
	lower := strings.ToLower(strings.TrimSpace(text))

	if !visualInjected {
		for _, marker := range visualClaimMarkers {
			if strings.Contains(lower, marker) {
				return false, rejectVisualHallucination
			}
		}
	}

	for _, phrase := range bannedPhrases {
		if strings.Contains(lower, phrase) {
			return false, rejectBannedPhrase
		}
	}
	for _, lead := range bannedLeads {
		if strings.HasPrefix(lower, lead) {
			return false, rejectBannedPhrase
		}
	}

	if len(strings.Fields(text)) > g.cfg.WordCeiling(visualInjected) {
		return false, rejectTooLong
	}

	if !g.lastAccepted.IsZero() && now.Sub(g.lastAccepted) < g.cfg.MinGap() {
		return false, rejectRateLimited
	}

	tokens := tokenSet(lower)
	for _, prev := range g.recent {
		if jaccard(tokens, tokenSet(prev)) >= g.cfg.Dedup() {
			return false, rejectNearDuplicate
		}
	}

	g.record(lower, now)
	return true, ""
}

// record pushes an accepted response into the ring, evicting the oldest.
func (g *qualityGate) record(lower string, now time.Time) {
	g.lastAccepted = now
	if len(g.recent) < responseRingSize {
		g.recent = append(g.recent, lower)
		return
	}
	g.recent[g.next] = lower
	g.next = (g.next + 1) % responseRingSize
}

// tokenSet splits lowered text into its unique words.
func tokenSet(lower string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(lower) {
		w = strings.Trim(w, ".,!?;:\"'")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// jaccard computes token-set similarity: |a∩b| / |a∪b|.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
