package call

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names a YAML file that ConfigFromEnv loads before applying
// the other VOICECALL_* overrides.
const EnvConfigFile = "VOICECALL_CONFIG"

// fileConfig is the on-disk shape of Config. Durations are milliseconds and
// zero values keep the defaults.
type fileConfig struct {
	URL                string `yaml:"url"`
	ChunkMs            int    `yaml:"chunk_ms"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
	WriteWaitMs        int    `yaml:"write_wait_ms"`
	InputWindowMs      int    `yaml:"input_window_ms"`
	DumpDir            string `yaml:"dump_dir"`
	Audio              struct {
		SampleRate int `yaml:"sample_rate"`
		Channels   int `yaml:"channels"`
		BitDepth   int `yaml:"bit_depth"`
	} `yaml:"audio"`
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadConfigFromReader(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigFromReader decodes YAML from r on top of DefaultConfig. Unknown
// keys are rejected.
func LoadConfigFromReader(r io.Reader) (Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}

	cfg := DefaultConfig()
	if fc.URL != "" {
		cfg.URL = fc.URL
	}
	if fc.DumpDir != "" {
		cfg.DumpDir = fc.DumpDir
	}

	for _, d := range []struct {
		name string
		ms   int
		dst  *time.Duration
	}{
		{"chunk_ms", fc.ChunkMs, &cfg.ChunkInterval},
		{"handshake_timeout_ms", fc.HandshakeTimeoutMs, &cfg.HandshakeTimeout},
		{"write_wait_ms", fc.WriteWaitMs, &cfg.WriteWait},
		{"input_window_ms", fc.InputWindowMs, &cfg.InputWindow},
	} {
		if d.ms < 0 {
			return Config{}, fmt.Errorf("%s must not be negative, got %d", d.name, d.ms)
		}
		if d.ms > 0 {
			*d.dst = time.Duration(d.ms) * time.Millisecond
		}
	}

	if fc.Audio.SampleRate != 0 {
		cfg.Format.SampleRate = fc.Audio.SampleRate
	}
	if fc.Audio.Channels != 0 {
		cfg.Format.Channels = fc.Audio.Channels
	}
	if fc.Audio.BitDepth != 0 {
		cfg.Format.BitDepth = fc.Audio.BitDepth
	}

	return cfg, cfg.Validate()
}
