package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rejourney/replay-agent/internal/anrsentinel"
	"github.com/rejourney/replay-agent/internal/capture"
	"github.com/rejourney/replay-agent/internal/clockutil"
	"github.com/rejourney/replay-agent/internal/config"
	"github.com/rejourney/replay-agent/internal/devicesignal"
	"github.com/rejourney/replay-agent/internal/dispatcher"
	"github.com/rejourney/replay-agent/internal/eventbuffer"
	"github.com/rejourney/replay-agent/internal/idgen"
	"github.com/rejourney/replay-agent/internal/interaction"
	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/internal/quality"
	"github.com/rejourney/replay-agent/internal/stability"
	"github.com/rejourney/replay-agent/pkg/capability"
	"github.com/rejourney/replay-agent/pkg/replay"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "replay-agent",
	Short: "Rejourney session-replay recording engine harness",
	Long:  `replay-agent drives the on-device recording engine against synthetic capability adapters, for local demonstration and soak testing outside a real mobile host.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a synthetic recording session and drive it until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		runHarness()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("replay-agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches /etc/rejourney, then .)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

// runHarness wires every component against synthetic capability adapters
// and drives a single session until SIGINT/SIGTERM, logging the final
// retention decision on the way out.
func runHarness() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)
	log.Info("starting replay-agent harness", "version", version, "endpoint", cfg.Endpoint)

	clock := clockutil.Real{}
	screen := newSyntheticScreen()
	transport := capability.DefaultHttpTransport{Client: &http.Client{Timeout: 30 * time.Second}}

	disp := dispatcher.New(dispatcher.Config{
		Endpoint:               cfg.Endpoint,
		APIToken:               cfg.APIToken,
		Transport:              transport,
		Clock:                  clock,
		Workers:                cfg.UploadWorkers,
		QueueCeiling:           cfg.UploadQueueSize,
		MaxAttempts:            cfg.MaxUploadAttempts,
		CircuitBreakerFailures: cfg.CircuitBreakerFailures,
		CircuitBreakerOpen:     time.Duration(cfg.CircuitBreakerOpenSecs) * time.Second,
	})

	buf := eventbuffer.New(cfg.CacheDir)

	orch := replay.New(replay.Config{EventBatchSize: cfg.BatchSize}, clock)

	var qc *quality.Controller
	var qualityProvider capture.QualityProvider
	if cfg.AdaptiveQualityEnabled {
		signals := devicesignal.New(devicesignal.Config{})
		qc = quality.New(quality.Config{}, signals, clock)
		qualityProvider = qc
	}

	cap := capture.New(capture.Config{
		SnapshotInterval:       time.Duration(cfg.SnapshotIntervalMs) * time.Millisecond,
		BatchSize:              cfg.BatchSize,
		MaxBufferedScreenshots: cfg.MaxBufferedScreenshots,
		MaxPendingBatches:      cfg.MaxPendingBatches,
		JPEGQuality:            cfg.JPEGQuality,
		ScaleFactor:            cfg.ScaleFactor,
		MaxDimension:           cfg.MaxDimension,
		MaskScanInterval:       time.Duration(cfg.MaskScanIntervalMs) * time.Millisecond,
		HierarchyEveryNFrames:  cfg.HierarchyEveryNFrames,
		CacheDir:               cfg.CacheDir,
	}, capture.Deps{
		Clock:         clock,
		Screen:        screen,
		Hierarchy:     newSyntheticHierarchy(),
		Sink:          orch,
		HierarchySink: orch,
		Quality:       qualityProvider,
	})

	stab := stability.New(stability.Config{
		CacheDir:  cfg.CacheDir,
		Endpoint:  cfg.Endpoint,
		APIToken:  cfg.APIToken,
		ProjectID: cfg.ProjectID,
	}, stability.Deps{
		Installer: newSyntheticInstaller(),
		Transport: transport,
		Clock:     clock,
		Tallies:   orch,
	})

	anr := anrsentinel.New(anrsentinel.Config{
		ThresholdMs:  int64(cfg.AnrThresholdMs),
		PingInterval: time.Duration(cfg.AnrPingInterval) * time.Millisecond,
	}, anrsentinel.Deps{
		Exec:     newSyntheticExecutor(),
		Clock:    clock,
		Monitor:  orch,
		Reporter: orch,
	})

	inter := interaction.New(interaction.Config{
		RageTapWindow:   time.Duration(cfg.RageTapWindowMs) * time.Millisecond,
		RageTapRadius:   cfg.RageTapRadiusPx,
		LongPressThreshold: time.Duration(cfg.LongPressMs) * time.Millisecond,
	}, interaction.Deps{
		Screen:   screen,
		Clock:    clock,
		Reporter: orch,
		Tallies:  orch,
		Capture:  orch,
	})

	orch.Wire(replay.Deps{
		EventBuffer: buf,
		Dispatcher:  disp,
		Capture:     cap,
		Stability:   stab,
		Anr:         anr,
		Interaction: inter,
		Quality:     qc,
	})

	orch.ReloadPendingSessions(context.Background())

	sessionID := orch.StartSession(idgen.NewSessionID())
	log.Info("session started", "sessionId", sessionID)

	stopSynthetic := driveSyntheticInteractions(screen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down replay-agent harness")
	close(stopSynthetic)

	decision := orch.StopSession()
	log.Info("session stopped", "sessionId", sessionID, "promoted", decision.Promoted, "reason", decision.Reason)

	orch.Shutdown()
	log.Info("replay-agent harness stopped")
}

// driveSyntheticInteractions generates a slow trickle of touch events on
// the synthetic screen so the harness exercises InteractionRecorder and
// VisualCapture without a real device attached. Returns a channel whose
// close stops the generator goroutine.
func driveSyntheticInteractions(screen *syntheticScreen) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				x, y := rand.Float64()*screen.bounds.W, rand.Float64()*screen.bounds.H
				screen.emitTap(capability.TouchEvent{
					PointerID: 0, Phase: capability.TouchDown,
					X: x, Y: y, TimeMs: time.Now().UnixMilli(), PointerCount: 1,
				})
				screen.emitTap(capability.TouchEvent{
					PointerID: 0, Phase: capability.TouchUp,
					X: x, Y: y, TimeMs: time.Now().UnixMilli(), PointerCount: 1,
				})
			}
		}
	}()
	return stop
}
