// Package capture runs a recording session: it drives the screen sampler
// and the audio task into one encoder and keeps the encoder clock in step
// with the wall clock of the video path.
package capture

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/petems/screencap-tray/internal/audio"
	"github.com/petems/screencap-tray/internal/encode"
	"github.com/petems/screencap-tray/internal/monitoring"
	"github.com/petems/screencap-tray/internal/screen"
)

var (
	// ErrBusy is returned by StartRecording while a session is active.
	ErrBusy = errors.New("recording already in progress")

	// ErrAudioFailed ends a session whose audio task died.
	ErrAudioFailed = errors.New("audio capture failed")
)

type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// AudioSource is the audio producer of a session. *audio.Source
// implements it.
type AudioSource interface {
	Open() error
	Run(ctx context.Context, sink audio.Sink)
	Done() <-chan struct{}
	State() audio.State
	Err() error
	Close() error
}

type Deps struct {
	Frames   screen.Source
	NewAudio func() AudioSource
	NewSink  func() encode.Sink
	Clock    Clock
	// NewTicker paces frame captures, a system ticker when nil.
	NewTicker func(time.Duration) Ticker
	Log       zerolog.Logger
	Metrics   *monitoring.Metrics
	// OnFinish is called once per session after the encoder is closed.
	OnFinish func(Result)
}

type Config struct {
	Region  screen.Rect
	Output  string
	Options encode.Options
	// CaptureTimeout bounds one screen capture; zero waits forever.
	CaptureTimeout time.Duration
	// Threads used by the pixel conversion, 0 picks screen.DefaultThreads.
	Threads   int
	QueueSize int
}

// Result describes a finished session.
type Result struct {
	SessionID   string
	Output      string
	Frames      int
	Corrections int
	Duration    time.Duration
	Err         error
}

type run struct {
	session  *Session
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	result   Result
}

// Controller owns the capture lifecycle:
// Idle -> Configuring -> Running -> Stopping -> Idle.
type Controller struct {
	deps Deps
	cfg  Config

	mu    sync.Mutex
	state State
	cur   *run
	last  *run
}

func New(deps Deps, cfg Config) *Controller {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.NewTicker == nil {
		deps.NewTicker = newSystemTicker
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.Threads <= 0 {
		cfg.Threads = screen.DefaultThreads()
	}
	return &Controller{deps: deps, cfg: cfg}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// StartRecording opens the encoder and the audio device and starts the
// session. It returns once the session is running or has failed to start.
// Cancelling ctx ends the session like StopRecording.
func (c *Controller) StartRecording(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateConfiguring
	c.mu.Unlock()

	defer func() {
		if err != nil {
			c.setState(StateIdle)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	region := c.cfg.Region.Even()
	if region.Empty() {
		return errors.Errorf("capture region %s too small", c.cfg.Region)
	}
	opts := c.cfg.Options
	if opts.FrameRate <= 0 {
		return errors.Errorf("invalid frame rate %d", opts.FrameRate)
	}
	sess := newSession(region, c.cfg.Output, opts.FrameRate, opts.GOPSize)
	log := c.deps.Log.With().Str("session", sess.ID).Logger()

	sink := c.deps.NewSink()
	if err := sink.Open(c.cfg.Output, region.Width, region.Height, opts.Channels, opts); err != nil {
		_ = sink.Close()
		return encode.Failure("open", err)
	}

	src := c.deps.NewAudio()
	if err := src.Open(); err != nil {
		_ = sink.Close()
		return err
	}

	if err := sink.Start(); err != nil {
		_ = src.Close()
		_ = sink.Close()
		return encode.Failure("start", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	r := &run{
		session: sess,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	queue := encode.NewQueue(sink, c.cfg.QueueSize)

	c.mu.Lock()
	c.cur = r
	c.state = StateRunning
	c.mu.Unlock()

	log.Info().
		Str("output", sess.Output).
		Str("region", region.String()).
		Int("frame_rate", sess.FrameRate).
		Msg("Recording started")

	src.Run(sessCtx, &audioSink{queue: queue, metrics: c.deps.Metrics})
	go c.loop(sessCtx, r, src, sink, queue, log)
	return nil
}

// StopRecording signals the running session to end and returns at once.
// The frame being captured is still recorded.
func (c *Controller) StopRecording() {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r != nil {
		r.stopOnce.Do(func() { close(r.stop) })
	}
}

// Done is closed when the current (or last) session has shut down.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.cur != nil:
		return c.cur.done
	case c.last != nil:
		return c.last.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Result returns the outcome of the last finished session.
func (c *Controller) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}
	}
	return c.last.result
}

func (c *Controller) loop(ctx context.Context, r *run, src AudioSource, sink encode.Sink, queue *encode.Queue, log zerolog.Logger) {
	frames, corrections, err := c.capture(ctx, r, src, queue, log)

	c.setState(StateStopping)
	r.cancel()
	<-src.Done()
	queue.Close()

	if err == nil && src.State() == audio.StateFailed {
		err = audioFailure(src.Err())
	}
	if stopErr := sink.Stop(); stopErr != nil && err == nil {
		err = encode.Failure("stop", stopErr)
	}
	if closeErr := sink.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("Failed to close encoder")
	}

	res := Result{
		SessionID:   r.session.ID,
		Output:      r.session.Output,
		Frames:      frames,
		Corrections: corrections,
		Err:         err,
	}
	if start := r.session.StartTime(); !start.IsZero() {
		res.Duration = c.deps.Clock.Now().Sub(start)
	}

	ev := log.Info()
	result := "ok"
	if err != nil {
		ev = log.Error().Err(err)
		result = "error"
	}
	ev.Int("frames", frames).Int("corrections", corrections).Dur("duration", res.Duration).Msg("Recording finished")
	c.deps.Metrics.SessionFinished(result)

	c.mu.Lock()
	r.result = res
	c.cur = nil
	c.last = r
	c.state = StateIdle
	c.mu.Unlock()

	if c.deps.OnFinish != nil {
		c.deps.OnFinish(res)
	}
	close(r.done)
}

// capture is the video loop. It grabs the first frame at once and then one
// frame per 1/FrameRate slot. A failed screen capture ends it without error.
func (c *Controller) capture(ctx context.Context, r *run, src AudioSource, queue *encode.Queue, log zerolog.Logger) (frames, corrections int, err error) {
	region := r.session.Region
	conv := screen.NewI420Converter(region.Width, region.Height, screen.WithThreads(c.cfg.Threads))

	ticker := c.deps.NewTicker(time.Second / time.Duration(r.session.FrameRate))
	defer ticker.Stop()

	for i := 0; ; i++ {
		// stop wins over a pending tick
		select {
		case <-r.stop:
			return frames, corrections, nil
		case <-ctx.Done():
			return frames, corrections, nil
		case <-src.Done():
			return frames, corrections, audioEnded(src)
		default:
		}
		if i > 0 {
			select {
			case <-ticker.C():
			case <-r.stop:
				return frames, corrections, nil
			case <-ctx.Done():
				return frames, corrections, nil
			case <-src.Done():
				return frames, corrections, audioEnded(src)
			}
		}

		img, err := c.nextFrame(region)
		if err != nil {
			log.Warn().Err(err).Int("frames", frames).Msg("Screen capture ended")
			c.deps.Metrics.CaptureFailed()
			return frames, corrections, nil
		}

		now := c.deps.Clock.Now()
		r.session.MarkStart(now)
		videoTS := r.session.VideoTimestamp(now)

		data, err := conv.Convert(img)
		if err != nil {
			return frames, corrections, encode.Failure("convert", err)
		}

		encoderTS, err := queue.Timestamp()
		if err != nil {
			return frames, corrections, err
		}
		if ts, ok := Drift(videoTS, encoderTS); ok {
			if err := queue.SetTimestamp(ts); err != nil {
				return frames, corrections, err
			}
			corrections++
			c.deps.Metrics.DriftCorrected(ts - encoderTS)
			log.Trace().Int64("video_ts", videoTS).Int64("encoder_ts", encoderTS).Msg("Encoder clock moved forward")
		}

		err = queue.Record(encode.VideoFrame{
			Width:     region.Width,
			Height:    region.Height,
			Format:    encode.PixelFormatI420,
			Data:      data,
			Timestamp: videoTS,
		})
		if err != nil {
			return frames, corrections, err
		}
		frames++
		c.deps.Metrics.FrameRecorded()
	}
}

func (c *Controller) nextFrame(region screen.Rect) (*image.RGBA, error) {
	if c.cfg.CaptureTimeout <= 0 {
		return c.deps.Frames.NextFrame(region)
	}

	type frame struct {
		img *image.RGBA
		err error
	}
	ch := make(chan frame, 1)
	go func() {
		img, err := c.deps.Frames.NextFrame(region)
		ch <- frame{img, err}
	}()

	timer := time.NewTimer(c.cfg.CaptureTimeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		return f.img, f.err
	case <-timer.C:
		return nil, errors.Wrapf(screen.ErrCaptureUnavailable, "capture timed out after %s", c.cfg.CaptureTimeout)
	}
}

// audioEnded is the loop error once the audio task is done: nil unless it
// failed.
func audioEnded(src AudioSource) error {
	if src.State() == audio.StateFailed {
		return audioFailure(src.Err())
	}
	return nil
}

func audioFailure(err error) error {
	if err == nil {
		return ErrAudioFailed
	}
	return errors.Wrap(ErrAudioFailed, err.Error())
}

// audioSink feeds the audio task into the encoder queue.
type audioSink struct {
	queue   *encode.Queue
	metrics *monitoring.Metrics
}

func (s *audioSink) RecordAudio(sampleRate, channels int, block encode.AudioBlock) error {
	if err := s.queue.RecordAudio(sampleRate, channels, block); err != nil {
		return err
	}
	s.metrics.AudioBlock(block.Len())
	return nil
}
