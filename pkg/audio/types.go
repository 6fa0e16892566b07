// Package audio holds the sample-level building blocks of the call relay:
// resampling between the telephony and backend rates, fixed-duration
// framing, and the [Transcoder] strategies that combine them with the G.711
// codec in package g711.
//
// All PCM handled here is mono, signed 16-bit little-endian. Functions are
// pure and allocation-explicit; none of them block or keep state except
// [Packetizer], which is owned by a single call.
package audio

import "fmt"

// Encoding names a sample encoding as it appears on a wire.
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little-endian linear PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingULaw is 8-bit G.711 μ-law.
	EncodingULaw Encoding = "g711_ulaw"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM16 || e == EncodingULaw
}

// BytesPerSample returns the storage width of one mono sample.
func (e Encoding) BytesPerSample() int {
	if e == EncodingULaw {
		return 1
	}
	return 2
}

// Format describes the encoding and sample rate of a mono audio stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// TelephonyFormat is what Twilio Media Streams carries in both directions.
var TelephonyFormat = Format{Encoding: EncodingULaw, SampleRate: 8000}

// String returns e.g. "g711_ulaw@8000Hz".
func (f Format) String() string {
	return fmt.Sprintf("%s@%dHz", f.Encoding, f.SampleRate)
}
