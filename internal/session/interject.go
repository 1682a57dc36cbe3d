package session

import (
	"time"

	"github.com/sightline-voice/sightline/internal/config"
)

// calibrationCurve maps raw perception novelty to calibrated confidence.
// Raw detector scores bunch toward 1.0; the curve flattens the middle so a
// raw 0.8 does not read as near-certainty. Piecewise linear between points.
var calibrationCurve = []struct{ raw, calibrated float64 }{
	{0.0, 0.0},
	{0.5, 0.2},
	{0.8, 0.5},
	{0.95, 0.85},
	{1.0, 1.0},
}

// calibrate applies the calibration curve to a raw novelty score.
func calibrate(raw float64) float64 {
	if raw <= 0 {
		return 0
	}
	if raw >= 1 {
		return 1
	}
	for i := 1; i < len(calibrationCurve); i++ {
		lo, hi := calibrationCurve[i-1], calibrationCurve[i]
		if raw <= hi.raw {
			frac := (raw - lo.raw) / (hi.raw - lo.raw)
			return lo.calibrated + frac*(hi.calibrated-lo.calibrated)
		}
	}
	return 1
}

// interjectInterval returns the minimum gap between interjections for a
// sensitivity in [0,1]: 30s at minimum sensitivity down to 3s at maximum.
func interjectInterval(sensitivity float64) time.Duration {
	secs := 30 - sensitivity*27
	return time.Duration(secs * float64(time.Second))
}

// confidenceThreshold returns the calibrated-confidence bar for speaking
// unprompted: 0.95 at minimum sensitivity down to 0.60 at maximum.
func confidenceThreshold(sensitivity float64) float64 {
	return 0.95 - sensitivity*0.35
}

// interjector decides whether the session may speak without user prompting.
// The session loop ticks it on a fixed period and fires a synthetic upstream
// turn when it says yes.
//
// Not safe for concurrent use; confined to the session loop.
type interjector struct {
	cfg       config.InterjectConfig
	lastFired time.Time
}

func newInterjector(cfg config.InterjectConfig) *interjector {
	return &interjector{cfg: cfg}
}

// interjectInput is the session state snapshot one tick evaluates.
type interjectInput struct {
	// Sensitivity is the session's proactivity dial in [0, 1].
	Sensitivity float64

	// SpeechActive reports whether user speech is currently detected.
	SpeechActive bool

	// ResponseInFlight reports whether a response lifecycle is open.
	ResponseInFlight bool

	// FrameAge is the age of the current frame; negative when none exists.
	FrameAge time.Duration

	// RawNovelty is the most recent raw perception novelty score.
	RawNovelty float64
}

// shouldFire evaluates all interjection gates for one tick. A true return
// advances the last-fired clock.
func (ij *interjector) shouldFire(in interjectInput, now time.Time) bool {
	if in.SpeechActive || in.ResponseInFlight {
		return false
	}
	if in.Sensitivity < ij.cfg.Floor() {
		return false
	}
	if in.FrameAge < 0 || in.FrameAge > ij.cfg.MaxFrameAge() {
		return false
	}
	if !ij.lastFired.IsZero() && now.Sub(ij.lastFired) <= interjectInterval(in.Sensitivity) {
		return false
	}
	if calibrate(in.RawNovelty) <= confidenceThreshold(in.Sensitivity) {
		return false
	}
	ij.lastFired = now
	return true
}
