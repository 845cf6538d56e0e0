// Package cmd implements the nematolapse CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/s1alknau/nematolapse/cli/config"
	"github.com/s1alknau/nematolapse/device"
	"github.com/s1alknau/nematolapse/iox"
	"github.com/s1alknau/nematolapse/log"
	"github.com/s1alknau/nematolapse/metrics"
	"github.com/s1alknau/nematolapse/runtime"
	"github.com/s1alknau/nematolapse/store"
	"github.com/s1alknau/nematolapse/types"
)

// Exit codes for record.
const (
	exitSuccess      = 0
	exitRunError     = 1
	exitDeviceError  = 2
	exitStorageError = 3
)

// RecordCommand returns the record command, the only command that
// drives hardware and writes data.
func RecordCommand() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Run a synchronized timelapse recording",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to nematolapse.yaml",
			},
			&cli.StringFlag{
				Name:  "experiment",
				Usage: "Experiment name (used in the output filename)",
			},
			&cli.StringFlag{
				Name:  "output-dir",
				Usage: "Directory for the recording file",
			},
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "Total recording length (e.g. 12h)",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Time between frames (e.g. 30s)",
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "Serial port of the illuminator (e.g. /dev/ttyUSB0)",
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Serial baud rate",
			},
			&cli.BoolFlag{
				Name:  "phases",
				Usage: "Enable light/dark phase cycling",
			},
			&cli.DurationFlag{
				Name:  "light",
				Usage: "Light phase duration (with --phases)",
			},
			&cli.DurationFlag{
				Name:  "dark",
				Usage: "Dark phase duration (with --phases)",
			},
			&cli.BoolFlag{
				Name:  "start-dark",
				Usage: "Begin with the dark phase (with --phases)",
			},
			&cli.StringFlag{
				Name:  "led",
				Usage: "Continuous LED channel without cycling: ir or white",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Record region growth increment",
			},
			&cli.IntFlag{
				Name:  "flush-every",
				Usage: "Frames between durability flushes",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the summary output",
			},
		},
		Action: recordAction,
	}
}

func recordAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitRunError)
	}
	applyRecordFlags(c, cfg)

	session, err := cfg.Session()
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid session: %v", err), exitRunError)
	}
	if err := os.MkdirAll(session.OutputDir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("output dir: %v", err), exitStorageError)
	}

	logger := log.NewLogger(session)
	collector := metrics.NewCollector()

	dev := device.NewController(cfg.DeviceConfig(), logger, collector)
	if err := dev.Connect(); err != nil {
		return cli.Exit(fmt.Sprintf("device: %v", err), exitDeviceError)
	}
	defer iox.DiscardClose(dev)

	st, err := store.New(session.FilePath(), session, cfg.StoreConfig(), logger, collector)
	if err != nil {
		return cli.Exit(fmt.Sprintf("store: %v", err), exitStorageError)
	}

	source := frameSource(cfg)
	defer iox.DiscardClose(source)

	orch := runtime.New(session, dev, source, st, orchestratorConfig(cfg, session), logger, collector)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	go handleSignals(ctx, orch, cancel, logger)

	summary, runErr := orch.Run(ctx)
	if !c.Bool("quiet") {
		printSummary(session, summary)
	}
	if runErr != nil {
		code := exitRunError
		var se *store.StoreError
		if errors.As(runErr, &se) {
			code = exitStorageError
		} else if runtime.IsHealthError(runErr) {
			code = exitDeviceError
		}
		return cli.Exit(fmt.Sprintf("run: %v", runErr), code)
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return &config.Config{}, nil
}

// applyRecordFlags overlays CLI flags on the config. Flags always win.
func applyRecordFlags(c *cli.Context, cfg *config.Config) {
	if v := c.String("experiment"); v != "" {
		cfg.Experiment = v
	}
	if v := c.String("output-dir"); v != "" {
		cfg.OutputDir = v
	}
	if v := c.Duration("duration"); v != 0 {
		cfg.Duration = config.Duration{Duration: v}
	}
	if v := c.Duration("interval"); v != 0 {
		cfg.Interval = config.Duration{Duration: v}
	}
	if v := c.String("port"); v != "" {
		cfg.Device.Port = v
	}
	if v := c.Int("baud"); v != 0 {
		cfg.Device.Baud = v
	}
	if c.Bool("phases") {
		cfg.Phases.Enabled = true
	}
	if v := c.Duration("light"); v != 0 {
		cfg.Phases.Light = config.Duration{Duration: v}
	}
	if v := c.Duration("dark"); v != 0 {
		cfg.Phases.Dark = config.Duration{Duration: v}
	}
	if c.Bool("start-dark") {
		cfg.Phases.StartWithLight = false
	} else if c.Bool("phases") {
		cfg.Phases.StartWithLight = true
	}
	if v := c.String("led"); v != "" {
		cfg.Phases.ContinuousLED = v
	}
	if v := c.Int("chunk-size"); v != 0 {
		cfg.Store.ChunkSize = v
	}
	if v := c.Int("flush-every"); v != 0 {
		cfg.Store.FlushEvery = v
	}
}

// frameSource builds the acquisition source. Without a camera backend
// attached the engine runs on synthetic frames.
func frameSource(cfg *config.Config) runtime.FrameSource {
	width, height := cfg.Source.Width, cfg.Source.Height
	if width == 0 {
		width = 640
	}
	if height == 0 {
		height = 480
	}
	return runtime.NewSimulatedSource(width, height, cfg.Source.Seed)
}

func orchestratorConfig(cfg *config.Config, session *types.Session) runtime.Config {
	rc := runtime.Config{HealthEvery: cfg.Health.CheckEveryFrames}
	if cfg.Health.MinDiskFreeMB > 0 || cfg.Health.MinMemFreeMB > 0 {
		rc.Health = &runtime.HostHealth{
			Path:        session.OutputDir,
			MinDiskFree: uint64(cfg.Health.MinDiskFreeMB) << 20,
			MinMemFree:  uint64(cfg.Health.MinMemFreeMB) << 20,
		}
	}
	return rc
}

// handleSignals maps the first interrupt to a graceful stop and the
// second to a hard cancel.
func handleSignals(ctx context.Context, orch *runtime.Orchestrator, cancel context.CancelFunc, logger *log.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-ctx.Done():
		return
	case <-sigs:
		logger.Warn("interrupt received, stopping after current frame", nil)
		orch.Stop()
	}

	select {
	case <-ctx.Done():
	case <-sigs:
		logger.Error("second interrupt, aborting", nil)
		cancel()
	}
}

// recordSummary is the JSON report printed after a run.
type recordSummary struct {
	SessionID     string        `json:"session_id"`
	Experiment    string        `json:"experiment"`
	Path          string        `json:"path"`
	FramesSaved   int           `json:"frames_saved"`
	FramesFailed  int           `json:"frames_failed"`
	DriftMeanMs   float64       `json:"drift_mean_ms"`
	DriftMaxMs    float64       `json:"drift_max_ms"`
	Transitions   int           `json:"transitions"`
	ActualRuntime time.Duration `json:"actual_runtime_ns"`
}

func printSummary(session *types.Session, summary store.Summary) {
	out := recordSummary{
		SessionID:     session.ID,
		Experiment:    session.Experiment,
		Path:          session.FilePath(),
		FramesSaved:   summary.FramesSaved,
		FramesFailed:  summary.FramesFailed,
		DriftMeanMs:   summary.Drift.MeanMs,
		DriftMaxMs:    summary.Drift.MaxMs,
		Transitions:   summary.Transitions,
		ActualRuntime: summary.ActualRuntime,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
