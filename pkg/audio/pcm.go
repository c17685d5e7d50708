package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the capture and playback rate of the call wire format.
	DefaultSampleRate = 16000
	// DefaultChannels is mono.
	DefaultChannels = 1
	// DefaultBitDepth is signed 16-bit little-endian.
	DefaultBitDepth = 16
)

// Format describes raw PCM layout. Capture and playback reconstruction must
// agree on it for the audio to be intelligible.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is 16 kHz, mono, 16-bit PCM.
var DefaultFormat = Format{
	SampleRate: DefaultSampleRate,
	Channels:   DefaultChannels,
	BitDepth:   DefaultBitDepth,
}

// BlockAlign is the size in bytes of one frame (one sample per channel).
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate is the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// BytesForDuration returns the PCM size of d, rounded down to a whole frame.
func (f Format) BytesForDuration(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.BlockAlign()
}

// Duration returns how long n bytes of PCM play for.
func (f Format) Duration(n int) time.Duration {
	rate := f.ByteRate()
	if rate == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// Valid reports whether the format can describe real PCM.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.BitDepth > 0 && f.BitDepth%8 == 0
}

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is dropped.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Level returns the RMS level of samples in dBFS. Silence (or no samples)
// reports math.Inf(-1).
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
