package capture

import "time"

// Drift decides whether the encoder clock has to be moved to the video
// clock. Only a video clock ahead of the encoder triggers a correction; a
// lagging video clock never pulls the encoder back.
func Drift(videoTS, encoderTS int64) (int64, bool) {
	if videoTS > encoderTS {
		return videoTS, true
	}
	return encoderTS, false
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Ticker paces the video loop to one frame slot per tick.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type systemTicker struct{ t *time.Ticker }

func newSystemTicker(d time.Duration) Ticker { return systemTicker{time.NewTicker(d)} }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }
