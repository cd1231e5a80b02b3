// Package screen samples a fixed rectangle of the desktop and converts the
// captured bitmaps into the planar format the encoder consumes.
package screen

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
	"github.com/pkg/errors"
)

// ErrCaptureUnavailable is returned when the screen cannot be sampled,
// e.g. permission denied or the display went away.
var ErrCaptureUnavailable = errors.New("screen capture unavailable")

// Rect is a capture rectangle in screen pixels.
type Rect struct {
	X, Y, Width, Height int
}

func (r Rect) Bounds() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Even rounds the size down to even numbers, as 4:2:0 chroma subsampling
// requires.
func (r Rect) Even() Rect {
	r.Width &^= 1
	r.Height &^= 1
	return r
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Source produces full bitmaps of a screen rectangle.
type Source interface {
	// NextFrame blocks until r has been sampled. It returns either a fully
	// populated bitmap of exactly r's size or an error wrapping
	// ErrCaptureUnavailable.
	NextFrame(r Rect) (*image.RGBA, error)
}

// ScreenshotSource samples the desktop through the OS screenshot APIs.
// Rectangles are in virtual screen coordinates, so one source covers every
// display.
type ScreenshotSource struct{}

func NewScreenshotSource() *ScreenshotSource {
	return &ScreenshotSource{}
}

func (s *ScreenshotSource) NextFrame(r Rect) (*image.RGBA, error) {
	if r.Empty() {
		return nil, errors.Wrapf(ErrCaptureUnavailable, "empty region %s", r)
	}
	img, err := screenshot.CaptureRect(r.Bounds())
	if err != nil {
		return nil, errors.Wrapf(ErrCaptureUnavailable, "capture %s: %v", r, err)
	}
	if img.Bounds().Dx() != r.Width || img.Bounds().Dy() != r.Height {
		return nil, errors.Wrapf(ErrCaptureUnavailable, "capture %s returned %v", r, img.Bounds())
	}
	return img, nil
}

// DisplayBounds returns the full rectangle of a display.
func DisplayBounds(display int) (Rect, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return Rect{}, errors.Wrap(ErrCaptureUnavailable, "no active displays")
	}
	if display < 0 || display >= n {
		return Rect{}, errors.Errorf("display %d not found (%d active)", display, n)
	}
	b := screenshot.GetDisplayBounds(display)
	return Rect{X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()}, nil
}
