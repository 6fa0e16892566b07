package audio

import (
	"fmt"

	"github.com/MrWong99/voxrelay/pkg/audio/g711"
)

// Transcoder converts audio between the telephony wire format and the format
// negotiated with the speech backend. Implementations are stateless and safe
// for concurrent use.
type Transcoder interface {
	// DecodeInbound converts one caller payload (μ-law, 8 kHz) to the backend
	// format.
	DecodeInbound(payload []byte) []byte

	// EncodeOutbound converts one backend audio chunk to μ-law at 8 kHz.
	EncodeOutbound(chunk []byte) []byte

	// BackendFormat is the format announced to the backend in the session
	// configuration.
	BackendFormat() Format
}

// NewTranscoder selects a Transcoder for the given backend encoding. For
// [EncodingPCM16] backendRate is the backend's sample rate; for
// [EncodingULaw] it must be 0 or 8000.
func NewTranscoder(enc Encoding, backendRate int) (Transcoder, error) {
	switch enc {
	case EncodingPCM16:
		if backendRate <= 0 {
			return nil, fmt.Errorf("audio: pcm16 backend rate must be positive, got %d", backendRate)
		}
		return PCM16Transcoder{BackendRate: backendRate}, nil
	case EncodingULaw:
		if backendRate != 0 && backendRate != TelephonyFormat.SampleRate {
			return nil, fmt.Errorf("audio: g711_ulaw passthrough requires 8000 Hz, got %d", backendRate)
		}
		return PassthroughTranscoder{}, nil
	default:
		return nil, fmt.Errorf("audio: unknown encoding %q", enc)
	}
}

// PCM16Transcoder decodes μ-law to linear PCM and resamples it to
// BackendRate on the way in, and does the reverse on the way out.
type PCM16Transcoder struct {
	BackendRate int
}

// DecodeInbound decodes μ-law and upsamples to BackendRate.
func (t PCM16Transcoder) DecodeInbound(payload []byte) []byte {
	pcm := g711.DecodeULawBuf(payload)
	return Resample(pcm, TelephonyFormat.SampleRate, t.BackendRate)
}

// EncodeOutbound downsamples to 8 kHz and encodes μ-law.
func (t PCM16Transcoder) EncodeOutbound(chunk []byte) []byte {
	pcm := Resample(chunk, t.BackendRate, TelephonyFormat.SampleRate)
	return g711.EncodeULawBuf(pcm)
}

// BackendFormat returns pcm16 at BackendRate.
func (t PCM16Transcoder) BackendFormat() Format {
	return Format{Encoding: EncodingPCM16, SampleRate: t.BackendRate}
}

// PassthroughTranscoder forwards μ-law untouched for backends that accept
// and produce G.711 directly. Codec and resampler stages are skipped.
type PassthroughTranscoder struct{}

// DecodeInbound returns payload unchanged.
func (PassthroughTranscoder) DecodeInbound(payload []byte) []byte { return payload }

// EncodeOutbound returns chunk unchanged.
func (PassthroughTranscoder) EncodeOutbound(chunk []byte) []byte { return chunk }

// BackendFormat returns μ-law at 8 kHz.
func (PassthroughTranscoder) BackendFormat() Format { return TelephonyFormat }
