package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/surihq/attendcam/internal/applog"
	"github.com/surihq/attendcam/internal/attendance"
	"github.com/surihq/attendcam/internal/bus"
	"github.com/surihq/attendcam/internal/camera"
	"github.com/surihq/attendcam/internal/config"
	"github.com/surihq/attendcam/internal/gate"
	"github.com/surihq/attendcam/internal/pipeline"
	"github.com/surihq/attendcam/internal/retry"
	"github.com/surihq/attendcam/internal/shell"
	"github.com/surihq/attendcam/internal/snapshot"
	"github.com/surihq/attendcam/internal/stream"
	"github.com/surihq/attendcam/internal/track"
)

// Application holds all components for the camera client's lifetime.
type Application struct {
	config    *config.Config
	runtime   *config.Runtime
	logger    *zap.Logger
	events    *bus.Bus
	session   *camera.Controller
	transport *stream.Transport
	client    *stream.Client
	pipeline  *pipeline.Pipeline
	journal   *attendance.Journal
}

var (
	configPath  string
	deviceID    string
	listDevices bool
	probeAddr   string
)

func main() {
	root := &cobra.Command{
		Use:          "attendcam",
		Short:        "Face-attendance camera client",
		Long:         "attendcam captures webcam frames, streams them to the detection service, and logs gated attendance events.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.Flags().StringVarP(&deviceID, "device", "d", "", "preferred camera device id or index")
	root.Flags().BoolVar(&listDevices, "list-devices", false, "list available cameras and exit")
	root.Flags().StringVar(&probeAddr, "wait-backend", "", "TCP address to probe for backend readiness before connecting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if listDevices {
		return printDevices()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := applog.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer app.Cleanup()

	if deviceID == "" {
		deviceID = cfg.CameraConfig.PreferredDeviceID
	}
	if err := app.pipeline.Start(ctx, deviceID); err != nil {
		logger.Error("pipeline start failed", zap.Error(err))
		return err
	}
	logger.Info("attendcam running",
		zap.String("stream", cfg.DetectionConfig.StreamAddr),
		zap.String("client_id", app.transport.ClientID()))

	<-ctx.Done()
	logger.Info("shutdown signal received")
	app.pipeline.Stop()

	stats := app.pipeline.Stats()
	logger.Info("session summary",
		zap.Int64("results", stats.ResultsProcessed),
		zap.Int64("events", stats.EventsEmitted),
		zap.Int64("recognition_errors", stats.RecognitionErrors))
	return nil
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	runtime := config.NewRuntime(config.DefaultRuntimeSettings())
	events := bus.New(logger)
	policy := retry.DefaultPolicy()
	if cfg.DetectionConfig.MaxReconnects > 0 {
		policy.MaxAttempts = uint64(cfg.DetectionConfig.MaxReconnects)
	}

	source := camera.NewGocvSource(cfg.CameraConfig.JPEGQuality)
	session := camera.NewController(source, cfg.CameraConfig, events, logger)

	transport := stream.NewTransport(
		cfg.DetectionConfig.StreamAddr, cfg.DetectionConfig.StreamPath,
		cfg.DetectionConfig.KeepaliveInterval, policy, runtime, logger)
	transport.OnAbandon(func(cause error) {
		logger.Error("detection service unreachable, giving up", zap.Error(cause))
	})

	client := stream.NewClient(ctx, transport, session,
		cfg.CameraConfig.StalenessLimit, cfg.DetectionConfig.RTTWindow, logger)

	apiClient := attendance.NewClient(cfg.AttendanceConfig, policy, logger)
	emitter := gate.Emitter(apiClient)

	var journal *attendance.Journal
	if cfg.JournalConfig.Enabled {
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		j, err := attendance.OpenJournal(openCtx, cfg.JournalConfig.DSN, logger)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		journal = j
		emitter = attendance.Tee(apiClient, logger, journal)
	}

	var snapshots *snapshot.Store
	if cfg.SnapshotConfig.Enabled {
		s, err := snapshot.NewStore(ctx, cfg.SnapshotConfig, policy, logger)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		snapshots = s
	}

	recognizer := attendance.NewRecognizer(
		cfg.DetectionConfig.RecognizeURL, cfg.AttendanceConfig.GroupID,
		transport.ClientID(), logger)

	var bridge shell.Bridge = shell.Noop{}
	if probeAddr != "" {
		bridge = shell.TCPProbe{Addr: probeAddr}
	}

	p := pipeline.New(ctx, pipeline.Deps{
		Runtime:    runtime,
		Session:    session,
		Transport:  transport,
		Client:     client,
		Correlator: track.NewCorrelator(runtime, track.DefaultMaxMissed),
		Gate:       gate.New(runtime, emitter, logger),
		Recognizer: recognizer,
		Snapshots:  snapshots,
		Bridge:     bridge,
		Events:     events,
		Logger:     logger,
	})

	return &Application{
		config:    cfg,
		runtime:   runtime,
		logger:    logger,
		events:    events,
		session:   session,
		transport: transport,
		client:    client,
		pipeline:  p,
		journal:   journal,
	}, nil
}

func (app *Application) Cleanup() {
	if app.session != nil {
		app.session.Close()
	}
	if app.journal != nil {
		app.journal.Close()
	}
}

func printDevices() error {
	devices := camera.EnumerateCameras()
	if len(devices) == 0 {
		fmt.Println("no cameras found")
		return nil
	}
	fmt.Println("Available cameras:")
	for i, d := range devices {
		fmt.Printf("%d: %s (%s)\n", i, d.Label, d.ID)
	}
	return nil
}
