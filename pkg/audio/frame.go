package audio

import (
	"iter"
	"time"
)

// FrameDuration is the packetisation interval of Twilio Media Streams.
const FrameDuration = 20 * time.Millisecond

// FrameSize returns the byte length of one frame of duration d at the given
// sample rate and sample width. 8 kHz, 20 ms, 2 bytes per sample is 320.
func FrameSize(sampleRate int, d time.Duration, bytesPerSample int) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * bytesPerSample
}

// SplitFrames yields consecutive frameSize-byte slices of buf in order. A
// trailing remainder shorter than one frame is dropped. The yielded slices
// alias buf. A non-positive frameSize yields nothing.
func SplitFrames(buf []byte, frameSize int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if frameSize <= 0 {
			return
		}
		for off := 0; off+frameSize <= len(buf); off += frameSize {
			if !yield(buf[off : off+frameSize : off+frameSize]) {
				return
			}
		}
	}
}

// Packetizer splits a stream of buffers into fixed-size frames. In carry mode
// the remainder of one buffer is prepended to the next so no audio is lost
// at buffer boundaries; otherwise it behaves like [SplitFrames].
//
// A Packetizer is owned by a single goroutine.
type Packetizer struct {
	frameSize int
	carry     bool
	pending   []byte
}

// NewPacketizer returns a Packetizer emitting frames of frameSize bytes.
func NewPacketizer(frameSize int, carry bool) *Packetizer {
	return &Packetizer{frameSize: frameSize, carry: carry}
}

// FrameSize returns the configured frame length in bytes.
func (p *Packetizer) FrameSize() int { return p.frameSize }

// Frames returns the complete frames available after appending buf. The
// returned frames do not alias buf or any later input.
func (p *Packetizer) Frames(buf []byte) [][]byte {
	data := buf
	if p.carry && len(p.pending) > 0 {
		data = append(p.pending, buf...)
		p.pending = nil
	}

	var frames [][]byte
	for f := range SplitFrames(data, p.frameSize) {
		frames = append(frames, append([]byte(nil), f...))
	}

	if p.carry && p.frameSize > 0 {
		if rem := len(data) % p.frameSize; rem > 0 {
			p.pending = append([]byte(nil), data[len(data)-rem:]...)
		}
	}
	return frames
}

// Pending returns the number of carried bytes awaiting a full frame.
func (p *Packetizer) Pending() int { return len(p.pending) }

// Reset discards any carried remainder, e.g. after a barge-in clears
// playback.
func (p *Packetizer) Reset() { p.pending = nil }
