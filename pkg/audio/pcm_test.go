package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_Sizes(t *testing.T) {
	f := DefaultFormat
	assert.Equal(t, 2, f.BlockAlign())
	assert.Equal(t, 32000, f.ByteRate())
	assert.Equal(t, 3200, f.BytesForDuration(100*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, f.Duration(3200))
	assert.True(t, f.Valid())
	assert.False(t, Format{SampleRate: 16000, Channels: 1, BitDepth: 12}.Valid())
}

func TestSamplesBytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	assert.Equal(t, samples, BytesToSamples(SamplesToBytes(samples)))

	// odd trailing byte is ignored
	assert.Equal(t, []int16{0x0201}, BytesToSamples([]byte{1, 2, 3}))
}

func TestLevel(t *testing.T) {
	assert.True(t, math.IsInf(Level(nil), -1))
	assert.True(t, math.IsInf(Level(make([]int16, 10)), -1))

	full := []int16{32767, -32768, 32767, -32768}
	assert.InDelta(t, 0.0, Level(full), 0.01)

	half := []int16{16384, -16384}
	assert.InDelta(t, -6.02, Level(half), 0.05)
}

func TestDumper_DumpChunk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	d, err := NewDumper(dir, "capture")
	require.NoError(t, err)

	pcm := []byte{1, 2, 3, 4}
	wav := SynthesizeWAV(pcm, DefaultFormat)

	base, err := d.DumpChunk(wav, pcm)
	require.NoError(t, err)

	gotWAV, err := os.ReadFile(base + ".wav")
	require.NoError(t, err)
	assert.Equal(t, wav, gotWAV)

	gotPCM, err := os.ReadFile(base + ".pcm")
	require.NoError(t, err)
	assert.Equal(t, pcm, gotPCM)

	assert.Equal(t, []string{base + ".wav", base + ".pcm"}, d.Files())
}
