// Package g711 implements the ITU-T G.711 μ-law companding codec used by
// narrowband (8 kHz) telephony.
//
// Both directions are table driven: decoding uses a 256-entry table and
// encoding a 65536-entry table indexed by the sample reinterpreted as uint16.
// The tables are built once at package initialisation from the reference
// bit-level algorithms [decodeULaw] and [encodeULaw], so the two paths can
// never disagree.
//
// Linear PCM on the wire is always signed 16-bit little-endian.
package g711

const (
	// ulawBias is added to the magnitude before segment search so that the
	// segment boundaries fall on powers of two.
	ulawBias = 0x84

	// ulawClip is the largest magnitude that still fits the top segment after
	// the bias is added (0x7FFF - ulawBias).
	ulawClip = 32635
)

var (
	decodeTable [256]int16
	encodeTable [1 << 16]byte
)

func init() {
	for i := range decodeTable {
		decodeTable[i] = decodeULaw(byte(i))
	}
	for i := range encodeTable {
		encodeTable[i] = encodeULaw(int16(uint16(i)))
	}
}

// decodeULaw expands one μ-law byte to a linear sample.
func decodeULaw(b byte) int16 {
	b = ^b
	exponent := int32(b>>4) & 0x07
	mantissa := int32(b) & 0x0F
	magnitude := ((mantissa<<3)+ulawBias)<<exponent - ulawBias
	if b&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// encodeULaw compresses one linear sample to a μ-law byte.
func encodeULaw(s int16) byte {
	magnitude := int32(s)
	var sign byte
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > ulawClip {
		magnitude = ulawClip
	}
	magnitude += ulawBias

	exponent := 7
	for mask := int32(0x4000); magnitude&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(magnitude>>(exponent+3)) & 0x0F
	return ^(sign | byte(exponent)<<4 | mantissa)
}

// DecodeULaw converts a μ-law byte to a signed 16-bit linear sample.
func DecodeULaw(b byte) int16 {
	return decodeTable[b]
}

// EncodeULaw converts a signed 16-bit linear sample to a μ-law byte.
// Magnitudes above 32635 are clipped.
func EncodeULaw(s int16) byte {
	return encodeTable[uint16(s)]
}

// StepSize returns the quantisation step of the segment that b belongs to.
// Round-tripping a linear sample through the codec never moves it by more
// than this amount.
func StepSize(b byte) int {
	exponent := int(^b>>4) & 0x07
	return 1 << (exponent + 3)
}

// DecodeULawBuf expands μ-law bytes to 16-bit little-endian PCM. The result
// is exactly twice as long as the input.
func DecodeULawBuf(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := decodeTable[b]
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// EncodeULawBuf compresses 16-bit little-endian PCM to μ-law. A trailing
// odd byte is ignored.
func EncodeULawBuf(pcm []byte) []byte {
	n := len(pcm) / 2
	ulaw := make([]byte, n)
	for i := range n {
		s := uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8
		ulaw[i] = encodeTable[s]
	}
	return ulaw
}
