package app

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/petems/screencap-tray/internal/audio"
	"github.com/petems/screencap-tray/internal/capture"
	"github.com/petems/screencap-tray/internal/config"
	"github.com/petems/screencap-tray/internal/encode"
	"github.com/petems/screencap-tray/internal/monitoring"
	"github.com/petems/screencap-tray/internal/output"
	"github.com/petems/screencap-tray/internal/screen"
	"github.com/petems/screencap-tray/internal/share"
)

var ErrRecording = errors.New("cannot change settings while recording")

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetRecording()
	SetStopping()
	SetError()
}

// Devices opens and lists audio input devices.
type Devices interface {
	audio.Opener
	audio.DeviceLister
}

type Config struct {
	Frames        screen.Source
	Audio         Devices
	NewSink       func() encode.Sink
	Share         share.Sharer
	Config        *config.Config
	Logger        zerolog.Logger
	Metrics       *monitoring.Metrics
	StatusUpdater StatusUpdater // Optional - can be nil
	// Overrides adjusts the settings for this run only. Its changes are
	// never saved.
	Overrides func(*config.Config)

	// Optional, for tests
	Clock         capture.Clock
	DisplayBounds func(display int) (screen.Rect, error)
}

type App struct {
	frames  screen.Source
	audio   Devices
	newSink func() encode.Sink
	share   share.Sharer
	cfg     *config.Config
	log     zerolog.Logger
	metrics *monitoring.Metrics
	status  StatusUpdater
	clock   capture.Clock
	bounds  func(int) (screen.Rect, error)

	overrides func(*config.Config)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	recording  bool
	ctrl       *capture.Controller
	lock       *output.Lock
	lastOutput string
	lastErr    error
}

func New(cfg Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		frames:  cfg.Frames,
		audio:   cfg.Audio,
		newSink: cfg.NewSink,
		share:   cfg.Share,
		cfg:     cfg.Config,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		status:  cfg.StatusUpdater,
		clock:   cfg.Clock,
		bounds:  cfg.DisplayBounds,
		ctx:     ctx,
		cancel:  cancel,

		overrides: cfg.Overrides,
	}
	if a.clock == nil {
		a.clock = capture.SystemClock{}
	}
	if a.bounds == nil {
		a.bounds = screen.DisplayBounds
	}
	if a.share == nil {
		a.share = share.New(config.OutputConfig{CopyPath: true})
	}
	return a
}

// SetStatusUpdater sets the status sink (for circular dependency resolution)
func (a *App) SetStatusUpdater(s StatusUpdater) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

func (a *App) OnHotkey(pressed bool) {
	a.mu.Lock()
	mode := a.cfg.Mode
	recording := a.recording
	a.mu.Unlock()

	var err error
	switch mode {
	case config.ModeHold:
		if pressed {
			err = a.StartRecording()
		} else {
			a.StopRecording()
		}
	default:
		if !pressed {
			return
		}
		if recording {
			a.StopRecording()
		} else {
			err = a.StartRecording()
		}
	}
	if err != nil && !errors.Is(err, capture.ErrBusy) {
		a.log.Error().Err(err).Msg("Failed to start recording")
	}
}

// StartRecording begins a new session with the current settings.
func (a *App) StartRecording() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return capture.ErrBusy
	}

	cfg := a.effectiveLocked()
	region, err := a.region(&cfg)
	if err != nil {
		a.setErrorLocked(err)
		return err
	}

	path, lock, err := output.Reserve(cfg.OutputDir(), cfg.Output.Extension, a.clock.Now())
	if err != nil {
		a.setErrorLocked(err)
		return err
	}

	opts := encodeOptions(&cfg)
	format := audio.DefaultFormat()
	format.SampleRate = cfg.Audio.SampleRate
	format.Channels = cfg.Audio.Channels
	deviceID := cfg.Audio.DeviceID

	ctrl := capture.New(capture.Deps{
		Frames: a.frames,
		NewAudio: func() capture.AudioSource {
			return audio.NewSource(a.audio, deviceID, format, opts.FrameRate, a.log)
		},
		NewSink:  a.newSink,
		Clock:    a.clock,
		Log:      a.log,
		Metrics:  a.metrics,
		OnFinish: a.onFinish,
	}, capture.Config{
		Region:         region,
		Output:         path,
		Options:        opts,
		CaptureTimeout: 5 * time.Second,
	})

	a.log.Info().Str("output", path).Str("device", deviceID).Msg("Starting recording")
	if err := ctrl.StartRecording(a.ctx); err != nil {
		if relErr := lock.Release(); relErr != nil {
			a.log.Warn().Err(relErr).Msg("Failed to release output lock")
		}
		a.setErrorLocked(err)
		return err
	}

	a.recording = true
	a.ctrl = ctrl
	a.lock = lock
	a.lastErr = nil
	if a.status != nil {
		a.status.SetRecording()
	}
	return nil
}

// effectiveLocked returns the saved settings with the run-only overrides
// applied.
func (a *App) effectiveLocked() config.Config {
	cfg := *a.cfg
	if a.overrides != nil {
		a.overrides(&cfg)
	}
	return cfg
}

func (a *App) region(cfg *config.Config) (screen.Rect, error) {
	r := cfg.Region
	if !r.IsZero() {
		return screen.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, nil
	}
	return a.bounds(cfg.Display)
}

func encodeOptions(cfg *config.Config) encode.Options {
	e := cfg.Encode
	return encode.Options{
		FrameRate:    e.FrameRate,
		GOPSize:      e.GOPSize,
		VideoBitrate: e.VideoBitrate,
		VideoCodec:   e.VideoCodec,
		Preset:       e.Preset,
		Tune:         e.Tune,
		CRF:          e.CRF,
		AudioBitrate: e.AudioBitrate,
		AudioCodec:   e.AudioCodec,
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		FFmpegPath:   e.FFmpegPath,
	}
}

// StopRecording asks the running session to finish. It does not wait.
func (a *App) StopRecording() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.recording {
		return
	}
	a.log.Info().Msg("Stopping recording")
	if a.status != nil {
		a.status.SetStopping()
	}
	a.ctrl.StopRecording()
}

func (a *App) onFinish(res capture.Result) {
	a.mu.Lock()
	a.recording = false
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to release output lock")
		}
		a.lock = nil
	}
	if res.Frames > 0 {
		a.lastOutput = res.Output
	}
	a.lastErr = res.Err
	status := a.status
	copyPath := a.cfg.Output.CopyPath
	a.mu.Unlock()

	if res.Err != nil {
		if status != nil {
			status.SetError()
		}
		return
	}
	if status != nil {
		status.SetIdle()
	}
	if res.Frames == 0 || !copyPath {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.share.CopyPath(ctx, res.Output); err != nil {
		a.log.Warn().Err(err).Msg("Failed to copy output path")
	}
}

func (a *App) setErrorLocked(err error) {
	a.lastErr = err
	if a.status != nil {
		a.status.SetError()
	}
}

func (a *App) IsRecording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

// Wait blocks until the current session, if any, has finished.
func (a *App) Wait(ctx context.Context) error {
	a.mu.Lock()
	ctrl := a.ctrl
	a.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	select {
	case <-ctrl.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.StopRecording()
	err := a.Wait(ctx)
	a.cancel()
	return err
}

// LastOutput returns the file written by the last session with frames.
func (a *App) LastOutput() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOutput
}

// LastError returns the error of the last session or start attempt.
func (a *App) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// CopyLastPath copies the last output path regardless of the copy_path
// setting.
func (a *App) CopyLastPath(ctx context.Context) error {
	path := a.LastOutput()
	if path == "" {
		return errors.New("nothing recorded yet")
	}
	return a.share.CopyPath(ctx, path)
}

// SetCopyPath turns copying the output path after each recording on or off.
func (a *App) SetCopyPath(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Output.CopyPath = enabled
	return a.cfg.Save()
}

func (a *App) CopyPathEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Output.CopyPath
}

// Tray actions

func (a *App) SetMode(mode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if mode != config.ModeToggle && mode != config.ModeHold {
		return errors.Errorf("invalid mode %q", mode)
	}
	a.cfg.Mode = mode
	return a.cfg.Save()
}

func (a *App) SetDevice(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return ErrRecording
	}

	a.cfg.Audio.DeviceID = id
	return a.cfg.Save()
}

// SetRegion sets the captured rectangle. A zero rectangle selects the whole
// display.
func (a *App) SetRegion(r screen.Rect) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return ErrRecording
	}
	if r.X < 0 || r.Y < 0 || r.Width < 0 || r.Height < 0 {
		return errors.Errorf("invalid region %s", r)
	}

	a.cfg.Region = config.Region{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
	return a.cfg.Save()
}

// Region returns the rectangle the next session will capture.
func (a *App) Region() (screen.Rect, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.effectiveLocked()
	return a.region(&cfg)
}

// FullScreen reports whether no region is configured.
func (a *App) FullScreen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.effectiveLocked()
	return cfg.Region.IsZero()
}

func (a *App) ConfigPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Path()
}

func (a *App) Mode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Mode
}

func (a *App) DeviceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.effectiveLocked()
	return cfg.Audio.DeviceID
}

// Reload replaces the settings with a copy read from disk. It is refused
// while recording.
func (a *App) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return ErrRecording
	}
	*a.cfg = *cfg
	a.log.Info().Str("path", cfg.Path()).Msg("Settings reloaded")
	return nil
}

func (a *App) ListDevices() ([]audio.Device, error) {
	return a.audio.ListDevices()
}
