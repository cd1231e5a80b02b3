package capture

import (
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"

	"github.com/petems/screencap-tray/internal/screen"
)

// Session is one recording run.
type Session struct {
	ID        string
	Region    screen.Rect
	Output    string
	FrameRate int
	GOPSize   int

	start atomic.Int64 // unix nanos, 0 until the first frame
}

func newSession(region screen.Rect, output string, frameRate, gop int) *Session {
	id, err := uuid.NewV4()
	s := &Session{Region: region, Output: output, FrameRate: frameRate, GOPSize: gop}
	if err == nil {
		s.ID = id.String()
	}
	return s
}

// MarkStart sets the start time if it is still unset and reports whether
// this call set it.
func (s *Session) MarkStart(now time.Time) bool {
	n := now.UnixNano()
	if n == 0 {
		n = 1
	}
	return s.start.CompareAndSwap(0, n)
}

// StartTime returns the time of the first frame, or the zero time.
func (s *Session) StartTime() time.Time {
	n := s.start.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// VideoTimestamp is the presentation time of a frame captured at now, in
// microseconds: elapsed milliseconds scaled by 1000.
func (s *Session) VideoTimestamp(now time.Time) int64 {
	n := s.start.Load()
	if n == 0 {
		return 0
	}
	return 1000 * now.Sub(time.Unix(0, n)).Milliseconds()
}
