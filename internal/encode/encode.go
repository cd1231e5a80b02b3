// Package encode defines the encoder/muxer sink the capture pipeline drives,
// an ffmpeg-backed implementation of it, and a single-consumer queue that
// serialises access from the video and audio producers.
package encode

import (
	"github.com/pkg/errors"
)

var (
	// ErrEncodeFailure marks every failure of the encoder pipeline. Such
	// failures are terminal for a session.
	ErrEncodeFailure = errors.New("encode failure")

	ErrNotStarted        = errors.New("sink not started")
	ErrClosed            = errors.New("sink closed")
	ErrBackwardTimestamp = errors.New("timestamp moved backward")
)

type PixelFormat string

const PixelFormatI420 PixelFormat = "yuv420p"

// VideoFrame is one converted frame. Timestamp is the presentation time in
// microseconds since session start as computed by the producer.
type VideoFrame struct {
	Width, Height int
	Format        PixelFormat
	Data          []byte
	Timestamp     int64
}

// AudioBlock holds interleaved signed 16-bit samples.
type AudioBlock struct {
	Samples    []int16
	Channels   int
	SampleRate int
}

// Len is the number of samples across all channels.
func (b AudioBlock) Len() int { return len(b.Samples) }

// Options are the codec and container parameters of a recording.
type Options struct {
	FrameRate    int
	GOPSize      int
	VideoBitrate int
	VideoCodec   string
	Preset       string
	Tune         string
	CRF          int
	AudioBitrate int
	AudioCodec   string
	SampleRate   int
	Channels     int
	FFmpegPath   string
}

// DefaultOptions: H.264 ultrafast/zerolatency at 25 fps, AAC 44.1 kHz stereo.
func DefaultOptions() Options {
	return Options{
		FrameRate:    25,
		GOPSize:      50,
		VideoBitrate: 2_000_000,
		VideoCodec:   "libx264",
		Preset:       "ultrafast",
		Tune:         "zerolatency",
		CRF:          22,
		AudioBitrate: 192_000,
		AudioCodec:   "aac",
		SampleRate:   44100,
		Channels:     2,
		FFmpegPath:   "ffmpeg",
	}
}

func (o Options) validate() error {
	switch {
	case o.FrameRate <= 0:
		return errors.Errorf("invalid frame rate %d", o.FrameRate)
	case o.GOPSize <= 0:
		return errors.Errorf("invalid gop size %d", o.GOPSize)
	case o.SampleRate <= 0:
		return errors.Errorf("invalid sample rate %d", o.SampleRate)
	case o.Channels <= 0:
		return errors.Errorf("invalid channel count %d", o.Channels)
	case o.VideoCodec == "" || o.AudioCodec == "":
		return errors.New("missing codec")
	}
	return nil
}

// Sink is a stateful encoder and muxer. Timestamps are microseconds.
// SetTimestamp only accepts forward moves.
type Sink interface {
	Open(path string, width, height, audioChannels int, opts Options) error
	Start() error
	Record(frame VideoFrame) error
	RecordAudio(sampleRate, channels int, block AudioBlock) error
	Timestamp() int64
	SetTimestamp(us int64) error
	Stop() error
	Close() error
}

type failure struct {
	op  string
	err error
}

func (e *failure) Error() string        { return "encode failure: " + e.op + ": " + e.err.Error() }
func (e *failure) Unwrap() error        { return e.err }
func (e *failure) Is(target error) bool { return target == ErrEncodeFailure }

// Failure wraps err so that it matches ErrEncodeFailure while keeping the
// original error in the chain. Already wrapped errors are returned as is.
func Failure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEncodeFailure) {
		return err
	}
	return &failure{op: op, err: err}
}
