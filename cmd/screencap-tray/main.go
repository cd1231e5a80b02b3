package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/petems/screencap-tray/internal/app"
	"github.com/petems/screencap-tray/internal/audio"
	"github.com/petems/screencap-tray/internal/config"
	"github.com/petems/screencap-tray/internal/encode"
	"github.com/petems/screencap-tray/internal/hotkey"
	"github.com/petems/screencap-tray/internal/logging"
	"github.com/petems/screencap-tray/internal/monitoring"
	"github.com/petems/screencap-tray/internal/permissions"
	"github.com/petems/screencap-tray/internal/screen"
	"github.com/petems/screencap-tray/internal/tray"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

type flags struct {
	config      string
	headless    bool
	duration    time.Duration
	output      string
	device      string
	region      string
	listDevices bool
	metricsPort int
	logLevel    string

	rect screen.Rect
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("screencap-tray", flag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "", "settings file (default "+config.DefaultPath()+")")
	fs.BoolVar(&f.headless, "headless", false, "record without the tray until --duration passes or a signal arrives")
	fs.DurationVarP(&f.duration, "duration", "d", 0, "stop a headless recording after this long")
	fs.StringVarP(&f.output, "output", "o", "", "directory recordings are written to")
	fs.StringVar(&f.device, "device", "", "audio input device")
	fs.StringVarP(&f.region, "region", "r", "", "captured area as WxH+X+Y")
	fs.BoolVar(&f.listDevices, "list-devices", false, "print audio input devices and exit")
	fs.IntVar(&f.metricsPort, "metrics-port", 0, "serve /metrics on this port")
	fs.StringVar(&f.logLevel, "log-level", "", "override the configured log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.duration < 0 {
		return nil, errors.Errorf("invalid duration %s", f.duration)
	}
	if f.region != "" {
		r, err := parseRegion(f.region)
		if err != nil {
			return nil, err
		}
		f.rect = r
	}
	return f, nil
}

// parseRegion reads a WxH+X+Y geometry. The offset is optional.
func parseRegion(s string) (screen.Rect, error) {
	var r screen.Rect
	n, _ := fmt.Sscanf(s, "%dx%d+%d+%d", &r.Width, &r.Height, &r.X, &r.Y)
	if n != 2 && n != 4 {
		return screen.Rect{}, errors.Errorf("invalid region %q, want WxH+X+Y", s)
	}
	if r.Width <= 0 || r.Height <= 0 || r.X < 0 || r.Y < 0 {
		return screen.Rect{}, errors.Errorf("invalid region %q", s)
	}
	return r, nil
}

// apply overrides settings for this run only. The app applies it on top of
// the saved settings, so nothing set here reaches the settings file.
func (f *flags) apply(cfg *config.Config) {
	if f.output != "" {
		cfg.Output.Dir = f.output
	}
	if f.device != "" {
		cfg.Audio.DeviceID = f.device
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.metricsPort > 0 {
		cfg.Monitoring.Enabled = true
		cfg.Monitoring.Port = f.metricsPort
	}
	if f.region != "" {
		r := f.rect
		cfg.Region = config.Region{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
	}
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log := logging.New()
		log.Fatal().Err(err).Msg("Invalid arguments")
	}

	// Load config from XDG/Library/AppData
	cfg, err := config.Load(f.config)
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	run := *cfg
	f.apply(&run)

	// Initialize logger with configured level
	log := logging.NewWithLevel(run.LogLevel)

	devices, err := audio.NewPortAudio()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio")
	}
	defer devices.Close()

	if f.listDevices {
		if err := printDevices(devices); err != nil {
			log.Fatal().Err(err).Msg("Failed to list audio devices")
		}
		return
	}

	// macOS requires screen recording and microphone approval before capture works
	if err := permissions.EnsurePermissions(log); err != nil {
		log.Fatal().Err(err).Msg("Required permissions not granted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	if run.Monitoring.Enabled {
		srv := monitoring.NewServer(run.Monitoring.Port, metrics, run.Monitoring.Profiling, log)
		if err := srv.Run(); err != nil {
			log.Error().Err(err).Msg("Monitoring disabled")
		} else {
			defer shutdownServer(srv, log)
		}
	}

	application := app.New(app.Config{
		Frames:    screen.NewScreenshotSource(),
		Audio:     devices,
		NewSink:   func() encode.Sink { return encode.NewFFmpegSink(log) },
		Config:    cfg,
		Overrides: f.apply,
		Logger:    log,
		Metrics:   metrics,
	})

	if f.headless {
		if err := runHeadless(ctx, application, f.duration, log); err != nil {
			log.Fatal().Err(err).Msg("Recording failed")
		}
		return
	}

	// Create tray UI and route status updates to it
	trayUI := tray.New(application, Version, Commit, log)
	application.SetStatusUpdater(trayUI)

	go func() {
		err := config.Watch(ctx, cfg.Path(), log, func(next *config.Config) {
			if err := application.Reload(next); err != nil {
				log.Warn().Err(err).Msg("Config change not applied")
				return
			}
			trayUI.Refresh()
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config changes will not be picked up")
		}
	}()

	// Initialize hotkey manager
	hkManager, err := hotkey.New()
	switch {
	case errors.Is(err, hotkey.ErrUnsupported):
		log.Warn().Msg("Global hotkey unavailable, use the tray menu")
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to initialize hotkeys")
	default:
		defer hkManager.Close()
		if err := hkManager.Register(cfg.PlatformHotkey(), application.OnHotkey); err != nil {
			log.Fatal().Err(err).Msg("Failed to register hotkey")
		}
	}

	log.Info().Str("version", Version).Str("hotkey", cfg.PlatformHotkey()).Msg("ScreencapTray starting...")

	// Start tray UI - MUST run on main thread
	if err := trayUI.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Tray error")
	}
}

// runHeadless records one session and returns once it has finished.
func runHeadless(ctx context.Context, application *app.App, d time.Duration, log zerolog.Logger) error {
	if err := application.StartRecording(); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case <-timeout:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := application.LastError(); err != nil {
		return err
	}
	log.Info().Str("output", application.LastOutput()).Msg("Recording saved")
	return nil
}

func printDevices(devices audio.DeviceLister) error {
	list, err := devices.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range list {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Printf("%s %s\n", mark, d.Name)
	}
	return nil
}

func shutdownServer(srv *monitoring.Server, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Monitoring server shutdown")
	}
}
