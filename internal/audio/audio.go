// Package audio opens an input device and feeds its samples to the encoder
// at a fixed cadence.
package audio

import (
	"github.com/pkg/errors"

	"github.com/petems/screencap-tray/internal/encode"
)

var (
	// ErrDeviceOpen means the device could not be opened with the requested
	// format. A session must not start after it.
	ErrDeviceOpen = errors.New("audio device open failure")

	// ErrCaptureUnavailable means the device stopped delivering data.
	ErrCaptureUnavailable = errors.New("audio capture unavailable")
)

// Format describes raw PCM as delivered by a Line.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Signed     bool
	BigEndian  bool
}

// DefaultFormat is 44.1 kHz stereo signed 16-bit little endian.
func DefaultFormat() Format {
	return Format{SampleRate: 44100, Channels: 2, BitDepth: 16, Signed: true}
}

// FrameSize is the number of bytes holding one sample for every channel.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return errors.Errorf("invalid format %d Hz/%d ch", f.SampleRate, f.Channels)
	}
	if f.BitDepth != 16 || !f.Signed || f.BigEndian {
		return errors.Errorf("unsupported sample format: %d bit signed=%t big endian=%t", f.BitDepth, f.Signed, f.BigEndian)
	}
	return nil
}

// Line is an opened input device that is already recording.
type Line interface {
	// Available returns the number of bytes that can be read without
	// blocking.
	Available() (int, error)
	Read(p []byte) (int, error)
	Close() error
}

type Opener interface {
	Open(deviceID string, f Format) (Line, error)
}

type DeviceLister interface {
	ListDevices() ([]Device, error)
}

// Device is an audio input device.
type Device struct {
	ID      string
	Name    string
	Default bool
}

// Sink receives converted sample blocks.
type Sink interface {
	RecordAudio(sampleRate, channels int, block encode.AudioBlock) error
}

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
