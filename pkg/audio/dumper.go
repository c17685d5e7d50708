package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dumper persists captured chunks to disk for offline inspection. Each call
// to DumpChunk writes a .wav with the full container and a .pcm with the
// extracted payload, sharing one base name.
type Dumper struct {
	dir    string
	prefix string

	mu    sync.Mutex
	files []string
}

// NewDumper creates dir if needed and returns a dumper writing into it.
func NewDumper(dir, prefix string) (*Dumper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	if prefix == "" {
		prefix = "chunk"
	}
	return &Dumper{dir: dir, prefix: prefix}, nil
}

// DumpChunk writes container and pcm and returns the base path (without extension).
func (d *Dumper) DumpChunk(container, pcm []byte) (string, error) {
	base := filepath.Join(d.dir, fmt.Sprintf("%s-%s-%s",
		d.prefix, time.Now().Format("20060102-150405.000"), uuid.NewString()[:8]))

	wavPath := base + ".wav"
	if err := os.WriteFile(wavPath, container, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", wavPath, err)
	}
	pcmPath := base + ".pcm"
	if err := os.WriteFile(pcmPath, pcm, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", pcmPath, err)
	}

	d.mu.Lock()
	d.files = append(d.files, wavPath, pcmPath)
	d.mu.Unlock()

	return base, nil
}

// Files lists every path written so far, oldest first.
func (d *Dumper) Files() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.files...)
}
