// Package audio holds the PCM conversions and client-side playback helpers shared by
// the gateway and the reference client.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the wire rate used when a client does not declare one.
	DefaultSampleRate = 16000

	MinSampleRate = 8000
	MaxSampleRate = 48000

	// BytesPerSample is the width of one mono PCM16 sample.
	BytesPerSample = 2
)

// EncodePCM16 converts float samples in [-1, 1] to mono 16-bit little-endian PCM.
// Out-of-range samples are clamped. Negative values scale by 0x8000 and positive
// values by 0x7FFF so both extremes are representable.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts mono 16-bit little-endian PCM back to float samples using the
// scale that matches EncodePCM16. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 0x8000))
	}
	return int16(math.Round(v * 0x7FFF))
}

func int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(float64(v) / 0x8000)
	}
	return float32(float64(v) / 0x7FFF)
}

// Resample converts mono float samples between rates with linear interpolation.
// It is intended for capture paths where the device rate differs from the wire rate.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	n := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

// Duration returns how long a mono PCM16 buffer plays at sampleRate.
func Duration(pcmBytes int, sampleRate int) time.Duration {
	if sampleRate <= 0 || pcmBytes <= 0 {
		return 0
	}
	samples := int64(pcmBytes / BytesPerSample)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// ValidSampleRate reports whether rate is within the supported capture range.
func ValidSampleRate(rate int) bool {
	return rate >= MinSampleRate && rate <= MaxSampleRate
}
