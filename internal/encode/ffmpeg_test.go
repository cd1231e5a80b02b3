package encode

import (
	"bytes"
	"encoding/binary"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPipe struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	fail   error
}

func (p *memPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return 0, p.fail
	}
	if p.closed {
		return 0, errors.New("write to closed pipe")
	}
	return p.buf.Write(b)
}

func (p *memPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeProcess struct {
	name   string
	args   []string
	video  *memPipe
	audio  *memPipe
	waited int
	killed int
}

func newTestSink(t *testing.T, w, h int) (*FFmpegSink, *fakeProcess) {
	t.Helper()
	fp := &fakeProcess{video: &memPipe{}, audio: &memPipe{}}
	s := NewFFmpegSink(zerolog.Nop())
	s.launch = func(name string, args []string) (*process, error) {
		fp.name, fp.args = name, args
		return &process{
			video: fp.video,
			audio: fp.audio,
			wait:  func() error { fp.waited++; return nil },
			kill:  func() error { fp.killed++; return nil },
		}, nil
	}
	require.NoError(t, s.Open("/tmp/out.mkv", w, h, 2, DefaultOptions()))
	return s, fp
}

func frame(w, h int, fill byte) VideoFrame {
	data := bytes.Repeat([]byte{fill}, w*h*3/2)
	return VideoFrame{Width: w, Height: h, Format: PixelFormatI420, Data: data}
}

func TestFFmpegArgs(t *testing.T) {
	s, fp := newTestSink(t, 640, 480)
	require.NoError(t, s.Start())

	assert.Equal(t, "ffmpeg", fp.name)
	cmd := strings.Join(fp.args, " ")
	for _, want := range []string{
		"-f rawvideo -pix_fmt yuv420p -s 640x480 -r 25 -i pipe:0",
		"-f s16le -ar 44100 -ac 2 -i pipe:3",
		"-c:v libx264 -preset ultrafast -tune zerolatency -crf 22 -b:v 2000000 -g 50",
		"-c:a aac -b:a 192000",
		"-f matroska /tmp/out.mkv",
	} {
		assert.Contains(t, cmd, want)
	}
}

func TestFFmpegRejectsOddSize(t *testing.T) {
	s := NewFFmpegSink(zerolog.Nop())
	assert.Error(t, s.Open("/tmp/a.mp4", 641, 480, 2, DefaultOptions()))
}

func TestFFmpegClockAdvancesPerFrame(t *testing.T) {
	s, fp := newTestSink(t, 4, 2)
	require.NoError(t, s.Start())

	assert.Equal(t, int64(0), s.Timestamp())
	require.NoError(t, s.Record(frame(4, 2, 1)))
	assert.Equal(t, int64(40_000), s.Timestamp())
	require.NoError(t, s.Record(frame(4, 2, 2)))
	assert.Equal(t, int64(80_000), s.Timestamp())

	assert.Equal(t, 2*12, fp.video.buf.Len())
	assert.Equal(t, int64(2), s.written)
}

func TestFFmpegForwardTimestampFillsGap(t *testing.T) {
	s, fp := newTestSink(t, 4, 2)
	require.NoError(t, s.Start())

	require.NoError(t, s.Record(frame(4, 2, 1)))
	// jump three slots ahead: 40ms -> 160ms
	require.NoError(t, s.SetTimestamp(160_000))
	assert.Equal(t, int64(160_000), s.Timestamp())
	require.NoError(t, s.Record(frame(4, 2, 9)))

	assert.Equal(t, int64(200_000), s.Timestamp())
	assert.Equal(t, int64(5), s.written)

	out := fp.video.buf.Bytes()
	require.Len(t, out, 5*12)
	// slots 1-3 repeat the first frame, slot 4 is the new one
	for slot := 0; slot < 4; slot++ {
		assert.Equal(t, byte(1), out[slot*12], "slot %d", slot)
	}
	assert.Equal(t, byte(9), out[4*12])
}

func TestFFmpegRejectsBackwardTimestamp(t *testing.T) {
	s, _ := newTestSink(t, 4, 2)
	require.NoError(t, s.Start())
	require.NoError(t, s.SetTimestamp(400_000))

	err := s.SetTimestamp(100_000)
	assert.True(t, errors.Is(err, ErrBackwardTimestamp))
	assert.Equal(t, int64(400_000), s.Timestamp())
}

func TestFFmpegRecordAudio(t *testing.T) {
	s, fp := newTestSink(t, 4, 2)
	require.NoError(t, s.Start())

	block := AudioBlock{Samples: []int16{1, -1, 256, -32768}, Channels: 2, SampleRate: 44100}
	require.NoError(t, s.RecordAudio(44100, 2, block))

	want := make([]byte, 8)
	for i, v := range block.Samples {
		binary.LittleEndian.PutUint16(want[i*2:], uint16(v))
	}
	assert.Equal(t, want, fp.audio.buf.Bytes())

	err := s.RecordAudio(48000, 2, block)
	assert.True(t, errors.Is(err, ErrEncodeFailure))
}

func TestFFmpegRecordBeforeStart(t *testing.T) {
	s, _ := newTestSink(t, 4, 2)
	err := s.Record(frame(4, 2, 0))
	assert.True(t, errors.Is(err, ErrEncodeFailure))
	assert.True(t, errors.Is(err, ErrNotStarted))
}

func TestFFmpegWriteFailureIsEncodeFailure(t *testing.T) {
	s, fp := newTestSink(t, 4, 2)
	require.NoError(t, s.Start())
	fp.video.fail = errors.New("disk full")

	err := s.Record(frame(4, 2, 0))
	assert.True(t, errors.Is(err, ErrEncodeFailure))
	assert.Contains(t, err.Error(), "disk full")
}

func TestFFmpegStopThenClose(t *testing.T) {
	s, fp := newTestSink(t, 4, 2)
	require.NoError(t, s.Start())
	require.NoError(t, s.Record(frame(4, 2, 0)))

	require.NoError(t, s.Stop())
	assert.True(t, fp.video.closed)
	assert.True(t, fp.audio.closed)
	assert.Equal(t, 1, fp.waited)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, fp.killed)
	assert.Equal(t, 1, fp.waited)

	assert.True(t, errors.Is(s.Record(frame(4, 2, 0)), ErrClosed))
}

func TestFFmpegCloseKillsRunningEncoder(t *testing.T) {
	s, fp := newTestSink(t, 4, 2)
	require.NoError(t, s.Start())

	require.NoError(t, s.Close())
	assert.Equal(t, 1, fp.killed)
	assert.Equal(t, 1, fp.waited)
}

func TestTailKeepsLastBytes(t *testing.T) {
	tl := newTail(5)
	_, _ = tl.Write([]byte("hello "))
	_, _ = tl.Write([]byte("world"))
	assert.Equal(t, "world", tl.String())
}
