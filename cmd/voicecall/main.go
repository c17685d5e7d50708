// Command voicecall places a live voice call against a call server using the
// default microphone and speaker.
//
// Usage:
//
//	VOICECALL_URL=ws://localhost:8080/ws go run ./cmd/voicecall
//
// Settings may also come from a YAML file named by VOICECALL_CONFIG. Set
// VOICECALL_METRICS_ADDR (e.g. :9464) to expose Prometheus metrics.
//
// While the call is running, type a command and press enter:
//
//	m  toggle microphone mute
//	a  toggle agent audio mute
//	d  dump the next captured chunk (needs VOICECALL_DUMP_DIR)
//	q  hang up
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/realtime-ai/voicecall/pkg/audio"
	"github.com/realtime-ai/voicecall/pkg/call"
	"github.com/realtime-ai/voicecall/pkg/device"
	"github.com/realtime-ai/voicecall/pkg/logging"
	"github.com/realtime-ai/voicecall/pkg/trace"
)

func main() {
	_ = godotenv.Load()

	log := logging.Init()
	err := run(log)
	if err != nil {
		log.Errorw("voicecall failed", "err", err)
	}
	logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run owns every resource it opens and releases them before returning.
func run(log *zap.SugaredLogger) error {
	ctx := context.Background()

	traceCfg, err := trace.ConfigFromEnv()
	if err != nil {
		return err
	}
	if err := trace.Initialize(ctx, traceCfg); err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := trace.Shutdown(ctx); err != nil {
			log.Warnw("failed to shutdown tracing", "err", err)
		}
	}()

	if addr := os.Getenv("VOICECALL_METRICS_ADDR"); addr != "" {
		metrics, err := trace.InitMetrics(traceCfg)
		if err != nil {
			return fmt.Errorf("initialize metrics: %w", err)
		}
		defer metrics.Shutdown(ctx)
		go serveMetrics(addr, metrics.Handler())
	}

	cfg, err := call.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	backend, err := device.NewMalgoBackend(cfg.Format)
	if err != nil {
		return fmt.Errorf("open audio devices: %w", err)
	}
	defer backend.Release()

	engine, err := call.NewEngine(cfg, call.Dependencies{
		Identity: call.IdentityFromEnv("guest"),
		Recorder: backend,
		Player:   backend,
	})
	if err != nil {
		return fmt.Errorf("create call engine: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	err = engine.StartCall(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start call to %s: %w", cfg.URL, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	commands := make(chan string)
	go readCommands(commands)

	status := time.NewTicker(time.Second)
	defer status.Stop()

	samplesPerChunk := cfg.Format.BytesForDuration(cfg.ChunkInterval) / cfg.Format.BlockAlign()

	for {
		select {
		case <-engine.Done():
			log.Infow("call ended")
			return nil

		case sig := <-sigCh:
			log.Infow("received signal, hanging up", "signal", sig)
			engine.EndCall("interrupted")
			return nil

		case <-status.C:
			printStatus(engine.Snapshot(), audio.Level(engine.RecentInput(samplesPerChunk)))

		case cmd, ok := <-commands:
			if !ok {
				engine.EndCall("stdin closed")
				return nil
			}
			switch cmd {
			case "m":
				fmt.Printf("microphone muted: %v\n", engine.ToggleUserMute())
			case "a":
				fmt.Printf("agent muted: %v\n", engine.ToggleAgentMute())
			case "d":
				if err := engine.ArmDebugCapture(); err != nil {
					fmt.Printf("debug capture unavailable: %v\n", err)
				} else {
					fmt.Println("next chunk will be dumped")
				}
			case "q":
				engine.EndCall("user hangup")
				return nil
			case "":
			default:
				fmt.Println("commands: m (mute mic), a (mute agent), d (debug dump), q (hang up)")
			}
		}
	}
}

func serveMetrics(addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	logging.Named("metrics").Infow("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Named("metrics").Warnw("metrics server stopped", "err", err)
	}
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- strings.ToLower(strings.TrimSpace(scanner.Text()))
	}
}

func printStatus(s call.Snapshot, levelDB float64) {
	mic := "on"
	if s.UserMuted {
		mic = "muted"
	}
	agent := "on"
	if s.AgentMuted {
		agent = "muted"
	}
	level := "-inf"
	if levelDB > -200 {
		level = fmt.Sprintf("%.0f", levelDB)
	}
	fmt.Printf("[%s] %02d:%02d turn=%s mic=%s (%s dBFS) agent=%s queued=%d\n",
		s.State, s.DurationSeconds/60, s.DurationSeconds%60, s.Turn, mic, level, agent, s.QueueDepth)
}
