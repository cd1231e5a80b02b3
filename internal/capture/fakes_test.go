package capture

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/petems/screencap-tray/internal/audio"
	"github.com/petems/screencap-tray/internal/encode"
	"github.com/petems/screencap-tray/internal/screen"
)

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), step: step}
}

// Now returns the current time and advances it by one step.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// readyTicker never holds the loop back.
type readyTicker struct{ c chan time.Time }

func newReadyTicker(time.Duration) Ticker {
	c := make(chan time.Time)
	close(c)
	return readyTicker{c: c}
}

func (t readyTicker) C() <-chan time.Time { return t.c }
func (t readyTicker) Stop()               {}

type fakeFrames struct {
	mu     sync.Mutex
	calls  int
	failAt int // 1-based call that fails, 0 never
	onCall func(n int)
}

func (f *fakeFrames) NextFrame(r screen.Rect) (*image.RGBA, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	onCall := f.onCall
	f.mu.Unlock()

	if f.failAt > 0 && n >= f.failAt {
		return nil, errors.Wrap(screen.ErrCaptureUnavailable, "display lost")
	}
	if onCall != nil {
		onCall(n)
	}
	return image.NewRGBA(image.Rect(0, 0, r.Width, r.Height)), nil
}

type fakeSink struct {
	mu sync.Mutex

	openErr   error
	startErr  error
	recordErr error
	// advance moves the clock on every Record; zero leaves it alone
	advance int64

	ts         int64
	records    []encode.VideoFrame
	audio      int
	setCalls   []int64
	started    int
	stopped    int
	closed     int
	afterClose int
}

func (s *fakeSink) Open(string, int, int, int, encode.Options) error { return s.openErr }

func (s *fakeSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return s.startErr
}

func (s *fakeSink) Record(f encode.VideoFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		s.afterClose++
	}
	if s.recordErr != nil {
		return s.recordErr
	}
	s.records = append(s.records, f)
	s.ts += s.advance
	return nil
}

func (s *fakeSink) RecordAudio(int, int, encode.AudioBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio++
	return nil
}

func (s *fakeSink) Timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

func (s *fakeSink) SetTimestamp(us int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if us < s.ts {
		return encode.ErrBackwardTimestamp
	}
	s.setCalls = append(s.setCalls, us)
	s.ts = us
	return nil
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSink) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeAudio struct {
	openErr error
	// fail makes the task fail right after Run
	fail error

	mu     sync.Mutex
	state  audio.State
	err    error
	done   chan struct{}
	closed int
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{done: make(chan struct{})}
}

func (a *fakeAudio) Open() error { return a.openErr }

func (a *fakeAudio) Run(ctx context.Context, sink audio.Sink) {
	a.mu.Lock()
	a.state = audio.StateRunning
	a.mu.Unlock()
	go func() {
		if a.fail != nil {
			a.finish(audio.StateFailed, a.fail)
			return
		}
		_ = sink.RecordAudio(44100, 2, encode.AudioBlock{Samples: make([]int16, 8), Channels: 2, SampleRate: 44100})
		<-ctx.Done()
		a.finish(audio.StateStopped, nil)
	}()
}

func (a *fakeAudio) finish(s audio.State, err error) {
	a.mu.Lock()
	a.state = s
	a.err = err
	a.mu.Unlock()
	close(a.done)
}

func (a *fakeAudio) Done() <-chan struct{} { return a.done }

func (a *fakeAudio) State() audio.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeAudio) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *fakeAudio) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	return nil
}
