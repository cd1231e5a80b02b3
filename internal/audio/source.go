package audio

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/petems/screencap-tray/internal/encode"
)

const (
	DefaultPollInterval = 2 * time.Millisecond
	DefaultMaxPolls     = 50
)

type Option func(*Source)

// WithPollInterval sets the pause between two empty reads of a tick.
func WithPollInterval(d time.Duration) Option {
	return func(s *Source) { s.pollInterval = d }
}

// WithMaxPolls bounds the number of empty reads per tick.
func WithMaxPolls(n int) Option {
	return func(s *Source) { s.maxPolls = n }
}

// Source drains an audio line every 1000/frameRate milliseconds and sends
// what it read to a Sink as one block.
type Source struct {
	opener    Opener
	deviceID  string
	format    Format
	frameRate int
	log       zerolog.Logger

	pollInterval time.Duration
	maxPolls     int

	line  Line
	buf   []byte
	state atomic.Int32
	done  chan struct{}

	mu  sync.Mutex
	err error
}

func NewSource(opener Opener, deviceID string, format Format, frameRate int, log zerolog.Logger, opts ...Option) *Source {
	s := &Source{
		opener:       opener,
		deviceID:     deviceID,
		format:       format,
		frameRate:    frameRate,
		log:          log,
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the device line. Errors match ErrDeviceOpen.
func (s *Source) Open() error {
	if s.line != nil {
		return errors.New("audio source already open")
	}
	if s.frameRate <= 0 {
		return errors.Wrapf(ErrDeviceOpen, "invalid frame rate %d", s.frameRate)
	}
	if err := s.format.validate(); err != nil {
		return errors.Wrap(ErrDeviceOpen, err.Error())
	}
	line, err := s.opener.Open(s.deviceID, s.format)
	if err != nil {
		return errors.Wrapf(ErrDeviceOpen, "%s: %v", s.deviceName(), err)
	}
	s.line = line
	// room for one second of audio, as the device backend buffers
	s.buf = make([]byte, s.format.SampleRate*s.format.Channels)
	return nil
}

func (s *Source) deviceName() string {
	if s.deviceID == "" {
		return "default device"
	}
	return s.deviceID
}

// Interval is the drain cadence.
func (s *Source) Interval() time.Duration {
	return time.Duration(1000/s.frameRate) * time.Millisecond
}

// Run starts the periodic drain on its own goroutine. The task ends when ctx
// is cancelled or the first block fails, and closes the line on exit.
func (s *Source) Run(ctx context.Context, sink Sink) {
	if s.line == nil {
		s.finish(StateFailed, errors.Wrap(ErrDeviceOpen, "audio source not open"))
		return
	}
	s.state.Store(int32(StateRunning))
	go s.loop(ctx, sink)
}

func (s *Source) loop(ctx context.Context, sink Sink) {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	// the first drain runs at once, the rest on the ticker
	var blocks int
	for {
		sent, err := s.tick(ctx, sink)
		if err != nil {
			s.closeLine()
			s.log.Error().Err(err).Int("blocks", blocks).Msg("Audio capture failed")
			s.finish(StateFailed, err)
			return
		}
		if sent {
			blocks++
		}

		select {
		case <-ctx.Done():
			s.closeLine()
			s.log.Debug().Int("blocks", blocks).Msg("Audio capture stopped")
			s.finish(StateStopped, nil)
			return
		case <-ticker.C:
		}
	}
}

// tick performs one drain. It returns false when the line stayed empty.
func (s *Source) tick(ctx context.Context, sink Sink) (bool, error) {
	n, err := s.drain(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	block := encode.AudioBlock{
		Samples:    Int16LE(s.buf[:n]),
		Channels:   s.format.Channels,
		SampleRate: s.format.SampleRate,
	}
	if err := sink.RecordAudio(s.format.SampleRate, s.format.Channels, block); err != nil {
		return false, err
	}
	return true, nil
}

// drain polls the line until at least one whole sample frame has been read
// or the poll budget is spent.
func (s *Source) drain(ctx context.Context) (int, error) {
	frame := s.format.FrameSize()
	for poll := 0; poll < s.maxPolls; poll++ {
		avail, err := s.line.Available()
		if err != nil {
			return 0, errors.Wrap(ErrCaptureUnavailable, err.Error())
		}
		if avail > len(s.buf) {
			avail = len(s.buf)
		}
		// keep channels interleaved: partial frames stay in the line
		avail -= avail % frame
		if avail > 0 {
			n, err := s.line.Read(s.buf[:avail])
			if err != nil {
				return 0, errors.Wrap(ErrCaptureUnavailable, err.Error())
			}
			if n > 0 {
				return n, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, nil
		case <-time.After(s.pollInterval):
		}
	}
	return 0, nil
}

func (s *Source) closeLine() {
	if err := s.line.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close audio line")
	}
}

func (s *Source) finish(state State, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(state))
	close(s.done)
}

// Close releases a line that was opened but never run.
func (s *Source) Close() error {
	if s.line == nil || s.State() != StateIdle {
		return nil
	}
	err := s.line.Close()
	s.line = nil
	return err
}

// Done is closed when the task has ended.
func (s *Source) Done() <-chan struct{} { return s.done }

func (s *Source) State() State { return State(s.state.Load()) }

// Err is the error that ended the task, if it failed.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Int16LE converts little endian bytes to samples. A trailing odd byte is
// dropped.
func Int16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
