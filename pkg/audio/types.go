// Package audio defines the audio chunk type and the fixed wire format shared
// by every party of a bridge session.
//
// The format contract is strict: single channel, 16-bit signed little-endian
// PCM at 24 kHz. Anything that deviates must be resampled before it reaches
// this module.
package audio

import "time"

const (
	// SampleRate is the fixed sample rate in Hz for all session audio.
	SampleRate = 24000

	// Channels is the fixed channel count (mono).
	Channels = 1

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2
)

// Chunk is a timestamped block of PCM16 audio.
// Chunks are immutable once created; the Data slice must not be mutated.
type Chunk struct {
	// Data is raw PCM16LE sample data at [SampleRate] Hz, [Channels] channel.
	Data []byte

	// ReceivedAt is when the owning component first saw this chunk.
	ReceivedAt time.Time
}

// Duration returns the playback duration of n bytes of session-format PCM.
func Duration(n int) time.Duration {
	samples := n / (BytesPerSample * Channels)
	return time.Duration(samples) * time.Second / SampleRate
}
