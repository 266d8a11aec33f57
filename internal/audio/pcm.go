package audio

import (
	"encoding/binary"
	"math"
)

// DecodePCM16 converts little-endian signed 16-bit PCM bytes to float32
// samples normalized to [-1, 1].
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EncodePCM16 quantizes float32 samples to little-endian signed 16-bit PCM.
// Samples outside [-1, 1] are clamped before scaling.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*math.MaxInt16)))
	}
	return out
}

// Downmix collapses interleaved multi-channel samples to mono by arithmetic
// mean. Returns the input unchanged for mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	n := len(samples) / channels
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// RMS computes root-mean-square energy of a sample buffer.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
