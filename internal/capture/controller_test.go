package capture

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/screencap-tray/internal/audio"
	"github.com/petems/screencap-tray/internal/encode"
	"github.com/petems/screencap-tray/internal/monitoring"
	"github.com/petems/screencap-tray/internal/screen"
)

type harness struct {
	c       *Controller
	frames  *fakeFrames
	sink    *fakeSink
	audio   *fakeAudio
	results chan Result
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		frames:  &fakeFrames{},
		sink:    &fakeSink{},
		audio:   newFakeAudio(),
		results: make(chan Result, 4),
	}
	if cfg.Region.Empty() {
		cfg.Region = screen.Rect{Width: 64, Height: 48}
	}
	if cfg.Options.FrameRate == 0 {
		cfg.Options = encode.DefaultOptions()
	}
	if cfg.Output == "" {
		cfg.Output = "/tmp/test.mp4"
	}
	h.c = New(Deps{
		Frames:    h.frames,
		NewAudio:  func() AudioSource { return h.audio },
		NewSink:   func() encode.Sink { return h.sink },
		Clock:     newFakeClock(40 * time.Millisecond),
		NewTicker: newReadyTicker,
		Log:       zerolog.Nop(),
		Metrics:   monitoring.NewMetrics(),
		OnFinish:  func(r Result) { h.results <- r },
	}, cfg)
	return h
}

// stopAt makes the frame source signal stop while capturing frame n.
func (h *harness) stopAt(n int) {
	h.frames.onCall = func(call int) {
		if call == n {
			h.c.StopRecording()
		}
	}
}

func (h *harness) wait(t *testing.T) Result {
	t.Helper()
	select {
	case <-h.c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	select {
	case r := <-h.results:
		return r
	case <-time.After(time.Second):
		t.Fatal("OnFinish not called")
	}
	return Result{}
}

func TestEndToEndDriftCorrection(t *testing.T) {
	h := newHarness(t, Config{Region: screen.Rect{Width: 640, Height: 480}})
	h.stopAt(100)

	require.NoError(t, h.c.StartRecording(context.Background()))
	res := h.wait(t)

	require.NoError(t, res.Err)
	assert.Equal(t, 100, res.Frames)
	require.Len(t, h.sink.records, 100)

	for i, f := range h.sink.records {
		assert.Equal(t, int64(i)*40_000, f.Timestamp)
		assert.Equal(t, 640, f.Width)
		assert.Equal(t, encode.PixelFormatI420, f.Format)
		assert.Len(t, f.Data, 640*480*3/2)
		if i > 0 {
			assert.GreaterOrEqual(t, f.Timestamp, h.sink.records[i-1].Timestamp)
		}
	}

	// the sink clock never moves on its own, so every frame after the first
	// pulls it forward
	require.NotEmpty(t, h.sink.setCalls)
	assert.Len(t, h.sink.setCalls, 99)
	assert.Equal(t, 99, res.Corrections)
	for i := 1; i < len(h.sink.setCalls); i++ {
		assert.Greater(t, h.sink.setCalls[i], h.sink.setCalls[i-1])
	}

	assert.Equal(t, 1, h.sink.started)
	assert.Equal(t, 1, h.sink.stopped)
	assert.Equal(t, 1, h.sink.closed)
	assert.Equal(t, 4*time.Second, res.Duration)
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, res, h.c.Result())
	assert.NotEmpty(t, res.SessionID)
}

func TestLoopPacedToFrameRate(t *testing.T) {
	sink := &fakeSink{advance: 40_000}
	results := make(chan Result, 1)
	c := New(Deps{
		Frames:   &fakeFrames{},
		NewAudio: func() AudioSource { return newFakeAudio() },
		NewSink:  func() encode.Sink { return sink },
		Log:      zerolog.Nop(),
		OnFinish: func(r Result) { results <- r },
	}, Config{
		Region:  screen.Rect{Width: 64, Height: 48},
		Output:  "/tmp/test.mp4",
		Options: encode.DefaultOptions(),
	})

	start := time.Now()
	require.NoError(t, c.StartRecording(context.Background()))
	time.Sleep(200 * time.Millisecond)
	c.StopRecording()

	var res Result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	elapsed := time.Since(start)

	// one frame at once, then at most one per 40ms slot
	require.NoError(t, res.Err)
	assert.GreaterOrEqual(t, res.Frames, 2)
	assert.LessOrEqual(t, res.Frames, int(elapsed/(40*time.Millisecond))+1)
	assert.LessOrEqual(t, sink.Timestamp(), elapsed.Microseconds()+40_000)
}

func TestNoCorrectionWhileEncoderAhead(t *testing.T) {
	h := newHarness(t, Config{})
	h.sink.advance = 1_000_000
	h.stopAt(20)

	require.NoError(t, h.c.StartRecording(context.Background()))
	res := h.wait(t)

	require.NoError(t, res.Err)
	assert.Equal(t, 20, h.sink.recordCount())
	assert.Empty(t, h.sink.setCalls)
	assert.Equal(t, 0, res.Corrections)
}

func TestStopFinishesInFlightFrame(t *testing.T) {
	h := newHarness(t, Config{})
	h.stopAt(5)

	require.NoError(t, h.c.StartRecording(context.Background()))
	h.wait(t)

	assert.Equal(t, 5, h.sink.recordCount())
	assert.Equal(t, 5, h.frames.calls)
	assert.Equal(t, 0, h.sink.afterClose)
}

func TestStopFromOutside(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.c.StartRecording(context.Background()))
	require.Eventually(t, func() bool { return h.sink.recordCount() >= 3 }, 5*time.Second, time.Millisecond)

	h.c.StopRecording()
	atSignal := h.sink.recordCount()
	h.c.StopRecording()
	h.wait(t)

	assert.LessOrEqual(t, h.sink.recordCount()-atSignal, 1)
	assert.Equal(t, 1, h.sink.stopped)
	assert.Equal(t, 1, h.sink.closed)
	assert.Equal(t, 1, h.sink.audio)
}

func TestAudioOpenFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.audio.openErr = errors.Wrap(audio.ErrDeviceOpen, "no microphone")

	err := h.c.StartRecording(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, audio.ErrDeviceOpen))

	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, 0, h.frames.calls)
	assert.Empty(t, h.sink.records)
	assert.Equal(t, 0, h.sink.started)
	assert.Equal(t, 1, h.sink.closed)
}

func TestSinkStartFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.sink.startErr = errors.New("ffmpeg not found")

	err := h.c.StartRecording(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, encode.ErrEncodeFailure))
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, 1, h.audio.closed)
	assert.Equal(t, 1, h.sink.closed)
	assert.Equal(t, 0, h.frames.calls)
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.c.StartRecording(context.Background()))
	assert.Equal(t, ErrBusy, h.c.StartRecording(context.Background()))

	h.c.StopRecording()
	h.wait(t)
}

func TestAudioFailureEndsSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.audio.fail = errors.New("encoder rejected block")

	require.NoError(t, h.c.StartRecording(context.Background()))
	res := h.wait(t)

	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrAudioFailed))
	assert.Contains(t, res.Err.Error(), "encoder rejected block")
	assert.Equal(t, 1, h.sink.stopped)
	assert.Equal(t, 1, h.sink.closed)
}

func TestCaptureFailureEndsNaturally(t *testing.T) {
	h := newHarness(t, Config{})
	h.frames.failAt = 4

	require.NoError(t, h.c.StartRecording(context.Background()))
	res := h.wait(t)

	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 1, h.sink.stopped)
}

func TestEncodeFailureEndsSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.sink.recordErr = errors.New("disk full")

	require.NoError(t, h.c.StartRecording(context.Background()))
	res := h.wait(t)

	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, encode.ErrEncodeFailure))
	assert.Equal(t, 0, res.Frames)
	assert.Equal(t, 1, h.frames.calls)
	assert.Equal(t, 1, h.sink.closed)
}

func TestContextCancelEndsSession(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.c.StartRecording(ctx))
	cancel()
	res := h.wait(t)
	assert.NoError(t, res.Err)
}

func TestSessionsRunBackToBack(t *testing.T) {
	h := newHarness(t, Config{})
	h.stopAt(2)
	require.NoError(t, h.c.StartRecording(context.Background()))
	first := h.wait(t)

	h.sink = &fakeSink{}
	h.audio = newFakeAudio()
	h.frames.mu.Lock()
	h.frames.calls = 0
	h.frames.mu.Unlock()
	require.NoError(t, h.c.StartRecording(context.Background()))
	second := h.wait(t)

	assert.Equal(t, 2, first.Frames)
	assert.Equal(t, 2, second.Frames)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

type blockingFrames struct {
	release chan struct{}
}

func (b *blockingFrames) NextFrame(screen.Rect) (*image.RGBA, error) {
	<-b.release
	return nil, errors.Wrap(screen.ErrCaptureUnavailable, "released")
}

func TestCaptureTimeout(t *testing.T) {
	h := newHarness(t, Config{CaptureTimeout: 20 * time.Millisecond})
	frames := &blockingFrames{release: make(chan struct{})}
	defer close(frames.release)
	h.c.deps.Frames = frames

	require.NoError(t, h.c.StartRecording(context.Background()))
	res := h.wait(t)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.Frames)
}

func TestOddRegionIsRoundedDown(t *testing.T) {
	h := newHarness(t, Config{Region: screen.Rect{X: 3, Y: 5, Width: 65, Height: 49}})
	h.stopAt(1)

	require.NoError(t, h.c.StartRecording(context.Background()))
	h.wait(t)
	require.Len(t, h.sink.records, 1)
	assert.Equal(t, 64, h.sink.records[0].Width)
	assert.Equal(t, 48, h.sink.records[0].Height)
}

func TestTooSmallRegion(t *testing.T) {
	h := newHarness(t, Config{Region: screen.Rect{Width: 1, Height: 1}})
	assert.Error(t, h.c.StartRecording(context.Background()))
	assert.Equal(t, StateIdle, h.c.State())
}

func TestInvalidFrameRate(t *testing.T) {
	h := newHarness(t, Config{Options: encode.Options{FrameRate: -1}})
	assert.Error(t, h.c.StartRecording(context.Background()))
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, 0, h.sink.started)
}

func TestConversionThreadsDefault(t *testing.T) {
	assert.Equal(t, screen.DefaultThreads(), New(Deps{}, Config{}).cfg.Threads)
	assert.Equal(t, 3, New(Deps{}, Config{Threads: 3}).cfg.Threads)
}

func TestMarkStartOnce(t *testing.T) {
	s := newSession(screen.Rect{Width: 2, Height: 2}, "", 25, 50)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.MarkStart(base.Add(time.Duration(i) * time.Second)) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	start := s.StartTime()
	assert.False(t, start.IsZero())
	assert.False(t, s.MarkStart(base.Add(time.Hour)))
	assert.Equal(t, start, s.StartTime())
}

func TestVideoTimestamp(t *testing.T) {
	s := newSession(screen.Rect{}, "", 25, 50)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, int64(0), s.VideoTimestamp(base))
	s.MarkStart(base)
	assert.Equal(t, int64(40_000), s.VideoTimestamp(base.Add(40*time.Millisecond)))
	// sub-millisecond precision is dropped
	assert.Equal(t, int64(1_000), s.VideoTimestamp(base.Add(1999*time.Microsecond)))
}

func TestDrift(t *testing.T) {
	ts, ok := Drift(80_000, 40_000)
	assert.True(t, ok)
	assert.Equal(t, int64(80_000), ts)

	ts, ok = Drift(40_000, 40_000)
	assert.False(t, ok)
	assert.Equal(t, int64(40_000), ts)

	_, ok = Drift(10_000, 40_000)
	assert.False(t, ok)
}
