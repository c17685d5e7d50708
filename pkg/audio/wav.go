package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/youpy/go-wav"
)

// WAVHeaderSize is the size of the canonical header written by SynthesizeWAV.
const WAVHeaderSize = 44

const (
	riffHeaderSize  = 12 // "RIFF" + size + "WAVE"
	chunkHeaderSize = 8  // tag + little-endian length
	fmtChunkMinSize = 16
	formatPCM       = 1
)

// ErrMalformedContainer is returned when a buffer is not a usable RIFF/WAVE
// container. Callers treat it as a dropped chunk.
var ErrMalformedContainer = errors.New("malformed wav container")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedContainer, fmt.Sprintf(format, args...))
}

// ExtractPCM returns the payload of the first "data" sub-chunk of a WAV
// container. The RIFF size field is not checked against the real length and
// every other sub-chunk, "fmt " included, is skipped unread. If the declared
// data length runs past the end of the buffer, the payload is truncated to
// what is present.
func ExtractPCM(container []byte) ([]byte, error) {
	if len(container) < riffHeaderSize {
		return nil, malformed("need at least %d bytes, got %d", riffHeaderSize, len(container))
	}
	if string(container[0:4]) != "RIFF" {
		return nil, malformed("missing RIFF tag")
	}
	if string(container[8:12]) != "WAVE" {
		return nil, malformed("missing WAVE tag")
	}

	total := uint64(len(container))
	pos := uint64(riffHeaderSize)

	for pos+chunkHeaderSize <= total {
		size := uint64(binary.LittleEndian.Uint32(container[pos+4 : pos+8]))
		body := pos + chunkHeaderSize

		if string(container[pos:pos+4]) == "data" {
			end := body + size
			if end > total {
				end = total
			}
			return container[body:end], nil
		}

		// Sub-chunks are word aligned: odd lengths carry one pad byte.
		pos = body + size + size&1
	}

	return nil, malformed("no data chunk found")
}

// DecodeWAV returns the declared format and the PCM payload of a complete
// container, as needed to configure a playback device.
func DecodeWAV(container []byte) (Format, []byte, error) {
	r := wav.NewReader(bytes.NewReader(container))

	wf, err := r.Format()
	if err != nil {
		return Format{}, nil, malformed("%v", err)
	}
	if wf.AudioFormat != formatPCM {
		return Format{}, nil, malformed("unsupported audio format %d", wf.AudioFormat)
	}

	pcm, err := io.ReadAll(r)
	if err != nil {
		return Format{}, nil, malformed("read data: %v", err)
	}

	return Format{
		SampleRate: int(wf.SampleRate),
		Channels:   int(wf.NumChannels),
		BitDepth:   int(wf.BitsPerSample),
	}, pcm, nil
}

// SynthesizeWAV wraps raw PCM in a canonical 44-byte WAV header. The PCM is
// copied verbatim after the header.
func SynthesizeWAV(pcm []byte, f Format) []byte {
	dataLen := len(pcm)
	out := make([]byte, WAVHeaderSize, WAVHeaderSize+dataLen)

	// RIFF chunk descriptor
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")

	// fmt sub-chunk
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], fmtChunkMinSize)
	binary.LittleEndian.PutUint16(out[20:22], formatPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.BitDepth))

	// data sub-chunk
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))

	return append(out, pcm...)
}
