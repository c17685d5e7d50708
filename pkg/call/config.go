package call

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/realtime-ai/voicecall/pkg/audio"
	"github.com/realtime-ai/voicecall/pkg/capture"
	"github.com/realtime-ai/voicecall/pkg/connection"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvURL         = "VOICECALL_URL"
	EnvUserID      = "VOICECALL_USER_ID"
	EnvChunkMs     = "VOICECALL_CHUNK_MS"
	EnvDumpDir     = "VOICECALL_DUMP_DIR"
	EnvWriteWaitMs = "VOICECALL_WRITE_WAIT_MS"
)

// Config holds the settings of the call engine.
type Config struct {
	// URL is the WebSocket endpoint of the call server.
	URL string

	// ChunkInterval is the capture chunk length.
	ChunkInterval time.Duration

	// Format is used for both capture and playback reconstruction.
	Format audio.Format

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	// WriteWait bounds every transport write. A capture chunk that cannot be
	// written within it ends the call.
	WriteWait time.Duration

	// InputWindow is how much recent microphone audio RecentInput can return.
	InputWindow time.Duration

	// DumpDir enables ArmDebugCapture when set.
	DumpDir string
}

// DefaultConfig returns a config for 100ms chunks of 16 kHz mono PCM.
func DefaultConfig() Config {
	ws := connection.DefaultWebSocketConfig()
	return Config{
		URL:              "ws://localhost:8080/ws",
		ChunkInterval:    capture.DefaultInterval,
		Format:           audio.DefaultFormat,
		HandshakeTimeout: ws.HandshakeTimeout,
		WriteWait:        ws.WriteWait,
		InputWindow:      2 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig, or the file named by VOICECALL_CONFIG,
// overridden by the other VOICECALL_* variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv(EnvConfigFile); path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return cfg, err
		}
	}

	if v := os.Getenv(EnvURL); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv(EnvDumpDir); v != "" {
		cfg.DumpDir = v
	}

	ms, err := envMillis(EnvChunkMs)
	if err != nil {
		return cfg, err
	}
	if ms > 0 {
		cfg.ChunkInterval = ms
	}

	ms, err = envMillis(EnvWriteWaitMs)
	if err != nil {
		return cfg, err
	}
	if ms > 0 {
		cfg.WriteWait = ms
	}

	return cfg, cfg.Validate()
}

func envMillis(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive number of milliseconds", key, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Validate checks that the config can be used to place a call.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid url %q: scheme must be ws or wss", c.URL)
	}
	if c.ChunkInterval <= 0 {
		return fmt.Errorf("chunk interval must be positive, got %s", c.ChunkInterval)
	}
	if !c.Format.Valid() {
		return fmt.Errorf("invalid audio format %+v", c.Format)
	}
	return nil
}

// Identity supplies the user identifier sent in the join message.
type Identity interface {
	UserID() string
}

// StaticIdentity is an Identity with a fixed user ID.
type StaticIdentity string

func (s StaticIdentity) UserID() string { return string(s) }

// IdentityFromEnv reads VOICECALL_USER_ID, falling back to def.
func IdentityFromEnv(def string) StaticIdentity {
	if v := os.Getenv(EnvUserID); v != "" {
		return StaticIdentity(v)
	}
	return StaticIdentity(def)
}
