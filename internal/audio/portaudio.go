package audio

import (
	"encoding/binary"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

const framesPerBuffer = 512

// PortAudio opens capture lines on PortAudio input devices.
type PortAudio struct{}

// NewPortAudio initialises the PortAudio library. Close terminates it.
func NewPortAudio() (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize PortAudio")
	}
	return &PortAudio{}, nil
}

// Open starts recording from the named device ("" for the default input).
func (p *PortAudio) Open(deviceID string, f Format) (Line, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	device, err := findDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if device.MaxInputChannels < f.Channels {
		return nil, errors.Errorf("device %s has %d input channels, need %d", device.Name, device.MaxInputChannels, f.Channels)
	}

	l := &paLine{ring: newRing(f.SampleRate * f.Channels * 2)}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: f.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}, l.callback)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open audio stream")
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, errors.Wrap(err, "failed to start audio stream")
	}
	l.stream = stream
	return l, nil
}

func findDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get default input device")
		}
		return device, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate devices")
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, errors.Errorf("device not found: %s", deviceID)
}

func (p *PortAudio) ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}

	result := make([]Device, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, Device{
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}

func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

type paLine struct {
	stream *portaudio.Stream
	ring   *ring

	closeOnce sync.Once
	closeErr  error
}

func (l *paLine) callback(in []int16) {
	var b [2]byte
	for _, v := range in {
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		l.ring.Write(b[:])
	}
}

func (l *paLine) Available() (int, error) {
	if l.ring.Closed() {
		return 0, ErrCaptureUnavailable
	}
	return l.ring.Len(), nil
}

func (l *paLine) Read(p []byte) (int, error) {
	if l.ring.Closed() {
		return 0, ErrCaptureUnavailable
	}
	return l.ring.Read(p), nil
}

func (l *paLine) Close() error {
	l.closeOnce.Do(func() {
		l.ring.Close()
		if err := l.stream.Stop(); err != nil {
			l.closeErr = errors.Wrap(err, "failed to stop audio stream")
		}
		if err := l.stream.Close(); err != nil && l.closeErr == nil {
			l.closeErr = errors.Wrap(err, "failed to close audio stream")
		}
	})
	return l.closeErr
}

// ring is a bounded byte FIFO. Writes past capacity drop the oldest bytes.
type ring struct {
	mu     sync.Mutex
	buf    []byte
	start  int
	size   int
	closed bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

func (r *ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, c := range p {
		end := (r.start + r.size) % len(r.buf)
		r.buf[end] = c
		if r.size == len(r.buf) {
			r.start = (r.start + 1) % len(r.buf)
		} else {
			r.size++
		}
	}
}

func (r *ring) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for n < len(p) && r.size > 0 {
		p[n] = r.buf[r.start]
		r.start = (r.start + 1) % len(r.buf)
		r.size--
		n++
	}
	return n
}

func (r *ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *ring) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
