// Package audio implements C1: base64 PCM decode, format/range
// validation, mono conversion, and resampling. Every function here is
// pure and stateless per spec §4.1.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"meetingengine/pkg/apperr"
)

const (
	MinSampleRate = 8000
	MaxSampleRate = 96000
	rangeEpsilon  = 1e-6
)

// Decode base64-decodes pcmB64 into little-endian float32 samples,
// validating byte alignment, non-emptiness, sample_rate bounds, and
// amplitude range. Duration is computed from len(samples)/sampleRate,
// per spec §4.1 ("never from dst_rate").
func Decode(pcmB64 string, sampleRate int) (samples []float32, duration float64, err error) {
	if sampleRate < MinSampleRate || sampleRate > MaxSampleRate {
		return nil, 0, apperr.New(apperr.InvalidAudioFormat,
			fmt.Sprintf("sample_rate %d Hz outside valid range [%d, %d]", sampleRate, MinSampleRate, MaxSampleRate), nil)
	}

	raw, decErr := base64.StdEncoding.DecodeString(pcmB64)
	if decErr != nil {
		return nil, 0, apperr.New(apperr.InvalidAudioFormat, "failed to decode base64 PCM: "+decErr.Error(), nil)
	}

	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, 0, apperr.New(apperr.InvalidAudioFormat,
			fmt.Sprintf("PCM data length (%d bytes) is not a non-zero multiple of 4 (float32 size)", len(raw)), nil)
	}

	n := len(raw) / 4
	samples = make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}

	if err := ValidateRange(samples); err != nil {
		return nil, 0, err
	}

	duration = float64(len(samples)) / float64(sampleRate)
	return samples, duration, nil
}

// ValidateRange checks that every sample lies within [-1-ε, 1+ε].
func ValidateRange(samples []float32) error {
	for _, s := range samples {
		if float64(s) < -1.0-rangeEpsilon || float64(s) > 1.0+rangeEpsilon {
			return apperr.New(apperr.InvalidAudioFormat,
				fmt.Sprintf("sample value %f outside allowed range [-1.0, 1.0]", s), nil)
		}
	}
	return nil
}

// ToMono averages interleaved channels down to a single mono stream.
// channels <= 1 is treated as already-mono and returned unchanged.
func ToMono(samples []float32, channels int) []float32 {
	if channels <= 1 || len(samples) == 0 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[f*channels+c]
		}
		mono[f] = sum / float32(channels)
	}
	return mono
}

// Resample linearly resamples src from srcRate to dstRate. Amplitude is
// preserved (interpolation never overshoots the input's min/max), and
// duration (len/srcRate) is preserved by construction of the output
// length.
func Resample(src []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(src) == 0 {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}

	ratio := float64(dstRate) / float64(srcRate)
	outLen := int(math.Round(float64(len(src)) * ratio))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float32, outLen)

	step := float64(len(src)-1) / float64(maxInt(outLen-1, 1))
	for i := 0; i < outLen; i++ {
		pos := float64(i) * step
		lo := int(math.Floor(pos))
		hi := lo + 1
		frac := pos - float64(lo)
		if hi >= len(src) {
			out[i] = src[len(src)-1]
			continue
		}
		out[i] = src[lo] + float32(frac)*(src[hi]-src[lo])
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
