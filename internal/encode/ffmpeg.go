package encode

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/petems/screencap-tray/internal/output"
)

type sinkState int

const (
	sinkNew sinkState = iota
	sinkOpened
	sinkStarted
	sinkStopped
	sinkClosed
)

// process is a running encoder: raw video goes to video, raw audio to
// audio.
type process struct {
	video io.WriteCloser
	audio io.WriteCloser
	wait  func() error
	kill  func() error
}

type launcher func(name string, args []string) (*process, error)

// FFmpegSink encodes through an ffmpeg child process. Raw I420 frames are
// piped to stdin, S16LE audio to file descriptor 3.
//
// The sink keeps its own constant-rate clock: every recorded frame occupies
// one slot of 1/FrameRate seconds. Moving the clock forward leaves empty
// slots which are filled with the previous frame when the next frame is
// recorded.
type FFmpegSink struct {
	mu     sync.Mutex
	launch launcher
	log    zerolog.Logger

	state    sinkState
	path     string
	width    int
	height   int
	channels int
	opts     Options

	proc   *process
	stderr *tail

	frameNumber int64 // slot of the next frame
	written     int64 // slots already sent to ffmpeg
	last        []byte
	audioBuf    []byte
}

func NewFFmpegSink(log zerolog.Logger) *FFmpegSink {
	return &FFmpegSink{log: log}
}

func (s *FFmpegSink) Open(path string, width, height, audioChannels int, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sinkNew {
		return errors.New("sink already opened")
	}
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return errors.Errorf("invalid frame size %dx%d", width, height)
	}
	if audioChannels <= 0 {
		return errors.Errorf("invalid channel count %d", audioChannels)
	}
	opts.Channels = audioChannels
	if err := opts.validate(); err != nil {
		return err
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}

	s.path = path
	s.width, s.height = width, height
	s.channels = audioChannels
	s.opts = opts
	s.state = sinkOpened
	return nil
}

// Args returns the ffmpeg command line for the opened sink.
func (s *FFmpegSink) Args() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.args()
}

func (s *FFmpegSink) args() []string {
	o := s.opts
	size := strconv.Itoa(s.width) + "x" + strconv.Itoa(s.height)
	rate := strconv.Itoa(o.FrameRate)
	sampleRate := strconv.Itoa(o.SampleRate)
	channels := strconv.Itoa(s.channels)

	args := []string{
		"-hide_banner", "-loglevel", "warning", "-n",
		// video input
		"-thread_queue_size", "512",
		"-f", "rawvideo", "-pix_fmt", string(PixelFormatI420), "-s", size, "-r", rate,
		"-i", "pipe:0",
		// audio input
		"-thread_queue_size", "512",
		"-f", "s16le", "-ar", sampleRate, "-ac", channels,
		"-i", "pipe:3",
		"-map", "0:v", "-map", "1:a",
		"-c:v", o.VideoCodec,
	}
	if o.Preset != "" {
		args = append(args, "-preset", o.Preset)
	}
	if o.Tune != "" {
		args = append(args, "-tune", o.Tune)
	}
	args = append(args,
		"-crf", strconv.Itoa(o.CRF),
		"-b:v", strconv.Itoa(o.VideoBitrate),
		"-g", strconv.Itoa(o.GOPSize),
		"-r", rate,
		"-pix_fmt", string(PixelFormatI420),
		"-c:a", o.AudioCodec,
		"-b:a", strconv.Itoa(o.AudioBitrate),
		"-ar", sampleRate,
		"-ac", channels,
		"-f", output.Container(s.path),
		s.path,
	)
	return args
}

func (s *FFmpegSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sinkOpened {
		return Failure("start", errors.New("sink not opened"))
	}

	launch := s.launch
	if launch == nil {
		s.stderr = newTail(4096)
		launch = s.execLauncher
	}
	proc, err := launch(s.opts.FFmpegPath, s.args())
	if err != nil {
		return Failure("start", err)
	}

	s.proc = proc
	s.state = sinkStarted
	s.log.Debug().Str("path", s.path).Int("width", s.width).Int("height", s.height).Msg("Encoder started")
	return nil
}

func (s *FFmpegSink) execLauncher(name string, args []string) (*process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stderr = s.stderr

	video, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	audioR, audioW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	// pipe:3 in the child
	cmd.ExtraFiles = []*os.File{audioR}

	if err := cmd.Start(); err != nil {
		_ = audioR.Close()
		_ = audioW.Close()
		return nil, errors.Wrapf(err, "run %s", name)
	}
	_ = audioR.Close()

	return &process{
		video: video,
		audio: audioW,
		wait:  cmd.Wait,
		kill:  cmd.Process.Kill,
	}, nil
}

// Timestamp is the sink clock in microseconds.
func (s *FFmpegSink) Timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp()
}

func (s *FFmpegSink) timestamp() int64 {
	fps := int64(s.opts.FrameRate)
	if fps == 0 {
		return 0
	}
	return (s.frameNumber*1_000_000 + fps/2) / fps
}

func (s *FFmpegSink) SetTimestamp(us int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if us < s.timestamp() {
		return errors.Wrapf(ErrBackwardTimestamp, "%d < %d", us, s.timestamp())
	}
	fps := int64(s.opts.FrameRate)
	if n := (us*fps + 500_000) / 1_000_000; n > s.frameNumber {
		s.frameNumber = n
	}
	return nil
}

func (s *FFmpegSink) Record(frame VideoFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(); err != nil {
		return Failure("record", err)
	}
	if frame.Format != PixelFormatI420 || frame.Width != s.width || frame.Height != s.height {
		return Failure("record", errors.Errorf("unexpected frame %dx%d %s", frame.Width, frame.Height, frame.Format))
	}
	if want := s.width * s.height * 3 / 2; len(frame.Data) != want {
		return Failure("record", errors.Errorf("frame has %d bytes, want %d", len(frame.Data), want))
	}

	fill := s.last
	if fill == nil {
		fill = frame.Data
	}
	for s.written < s.frameNumber {
		if _, err := s.proc.video.Write(fill); err != nil {
			return Failure("record", s.withStderr(err))
		}
		s.written++
	}
	if _, err := s.proc.video.Write(frame.Data); err != nil {
		return Failure("record", s.withStderr(err))
	}
	s.frameNumber++
	s.written = s.frameNumber

	s.last = append(s.last[:0], frame.Data...)
	return nil
}

func (s *FFmpegSink) RecordAudio(sampleRate, channels int, block AudioBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(); err != nil {
		return Failure("record audio", err)
	}
	if sampleRate != s.opts.SampleRate || channels != s.channels {
		return Failure("record audio", errors.Errorf("audio is %d Hz/%d ch, stream is %d Hz/%d ch",
			sampleRate, channels, s.opts.SampleRate, s.channels))
	}
	if block.Len() == 0 {
		return nil
	}

	n := block.Len() * 2
	if cap(s.audioBuf) < n {
		s.audioBuf = make([]byte, n)
	}
	buf := s.audioBuf[:n]
	for i, v := range block.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	if _, err := s.proc.audio.Write(buf); err != nil {
		return Failure("record audio", s.withStderr(err))
	}
	return nil
}

func (s *FFmpegSink) ready() error {
	switch s.state {
	case sinkStarted:
		return nil
	case sinkStopped, sinkClosed:
		return ErrClosed
	default:
		return ErrNotStarted
	}
}

// Stop flushes the inputs and waits for ffmpeg to finish the file.
func (s *FFmpegSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sinkStarted {
		return nil
	}
	s.state = sinkStopped

	vErr := s.proc.video.Close()
	aErr := s.proc.audio.Close()
	if err := s.proc.wait(); err != nil {
		return Failure("stop", s.withStderr(err))
	}
	if vErr != nil {
		return Failure("stop", vErr)
	}
	if aErr != nil {
		return Failure("stop", aErr)
	}
	s.log.Debug().Str("path", s.path).Int64("frames", s.written).Msg("Encoder stopped")
	return nil
}

// Close releases the sink, killing ffmpeg if Stop was not called.
func (s *FFmpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == sinkClosed {
		return nil
	}
	started := s.state == sinkStarted
	s.state = sinkClosed
	s.last = nil

	if started {
		_ = s.proc.video.Close()
		_ = s.proc.audio.Close()
		if err := s.proc.kill(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to kill encoder")
		}
		_ = s.proc.wait()
	}
	return nil
}

func (s *FFmpegSink) withStderr(err error) error {
	if s.stderr == nil {
		return err
	}
	if msg := s.stderr.String(); msg != "" {
		return errors.Wrap(err, msg)
	}
	return err
}

// tail keeps the last n bytes written to it.
type tail struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
