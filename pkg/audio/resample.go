package audio

import "encoding/binary"

// Upsample8To16 doubles the sample rate of 16-bit PCM by holding every sample
// for two output periods (zero-order hold). The output holds exactly twice as
// many samples as the input; a trailing odd byte is ignored.
func Upsample8To16(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		j := i * 4
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// Downsample16To8 halves the sample rate of 16-bit PCM by averaging each
// adjacent pair of samples. Averaging acts as a two-tap low-pass filter and
// keeps aliasing lower than plain decimation. The output holds
// floor(inputSamples/2) samples; an unpaired final sample is dropped.
func Downsample16To8(pcm []byte) []byte {
	pairs := len(pcm) / 4
	out := make([]byte, pairs*2)
	for i := range pairs {
		a := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		b := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		// The mean of two int16 values always fits in int16.
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((a+b)/2)))
	}
	return out
}

// DownsampleAverage lowers the sample rate of 16-bit PCM by an integer
// factor, replacing each group of factor samples with their mean. A trailing
// partial group is dropped. [Downsample16To8] is the factor 2 case.
func DownsampleAverage(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	groups := len(pcm) / (2 * factor)
	out := make([]byte, groups*2)
	for i := range groups {
		var sum int64
		base := i * factor * 2
		for j := range factor {
			sum += int64(int16(binary.LittleEndian.Uint16(pcm[base+j*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int64(factor))))
	}
	return out
}

// Resample converts 16-bit mono PCM from srcRate to dstRate. The fixed 2:1
// telephony relationship uses [Upsample8To16] and [Downsample16To8], other
// integer downsampling ratios (24 kHz to 8 kHz) average with
// [DownsampleAverage], and every remaining pair falls back to
// [ResampleMono16].
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	switch {
	case srcRate == dstRate:
		return pcm
	case srcRate*2 == dstRate && srcRate == 8000:
		return Upsample8To16(pcm)
	case dstRate*2 == srcRate && dstRate == 8000:
		return Downsample16To8(pcm)
	case dstRate > 0 && srcRate > dstRate && srcRate%dstRate == 0:
		return DownsampleAverage(pcm, srcRate/dstRate)
	default:
		return ResampleMono16(pcm, srcRate, dstRate)
	}
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}
	return out
}
