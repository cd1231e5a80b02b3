package screen

import (
	"image"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// I420Converter turns RGBA bitmaps into planar YUV 4:2:0 (BT.601, studio
// swing). Chroma is averaged over each 2x2 block. The returned slice is
// reused by the next Convert call.
type I420Converter struct {
	w, h    int
	threads int
	buf     []byte
}

type Option func(*I420Converter)

// WithThreads splits the rows across n goroutines.
func WithThreads(n int) Option {
	return func(c *I420Converter) {
		if n > 0 {
			c.threads = n
		}
	}
}

// NewI420Converter creates a converter for w x h frames. Both sizes must be
// even.
func NewI420Converter(w, h int, opts ...Option) *I420Converter {
	c := &I420Converter{w: w, h: h, threads: 1}
	for _, opt := range opts {
		opt(c)
	}
	c.buf = make([]byte, w*h+w*h/2)
	return c
}

// DefaultThreads is the row split used by the capture loop.
func DefaultThreads() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		return 1
	}
	return n
}

func (c *I420Converter) Convert(img *image.RGBA) ([]byte, error) {
	if img.Rect.Dx() != c.w || img.Rect.Dy() != c.h {
		return nil, errors.Errorf("frame is %dx%d, converter expects %dx%d", img.Rect.Dx(), img.Rect.Dy(), c.w, c.h)
	}

	// chunk rows evenly, keeping every chunk an even number of rows
	chunk := c.h / c.threads
	chunk &^= 1
	if c.threads == 1 || chunk < 2 {
		c.rows(img, 0, c.h)
		return c.buf, nil
	}

	var wg sync.WaitGroup
	for y := 0; y < c.h; y += chunk {
		end := y + chunk
		if end > c.h || c.h-end < chunk {
			end = c.h
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			c.rows(img, y0, y1)
		}(y, end)
		if end == c.h {
			break
		}
	}
	wg.Wait()
	return c.buf, nil
}

// rows converts the rows [y0, y1); y0 must be even.
func (c *I420Converter) rows(img *image.RGBA, y0, y1 int) {
	w := c.w
	yPlane := c.buf[:w*c.h]
	uPlane := c.buf[w*c.h : w*c.h+w*c.h/4]
	vPlane := c.buf[w*c.h+w*c.h/4:]

	for y := y0; y < y1; y += 2 {
		top := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
		bottom := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y+1):]
		yTop := yPlane[y*w : y*w+w]
		yBottom := yPlane[(y+1)*w : (y+1)*w+w]
		cOff := (y / 2) * (w / 2)

		for x := 0; x < w; x += 2 {
			i := x * 4
			r0, g0, b0 := int(top[i]), int(top[i+1]), int(top[i+2])
			r1, g1, b1 := int(top[i+4]), int(top[i+5]), int(top[i+6])
			r2, g2, b2 := int(bottom[i]), int(bottom[i+1]), int(bottom[i+2])
			r3, g3, b3 := int(bottom[i+4]), int(bottom[i+5]), int(bottom[i+6])

			yTop[x] = luma(r0, g0, b0)
			yTop[x+1] = luma(r1, g1, b1)
			yBottom[x] = luma(r2, g2, b2)
			yBottom[x+1] = luma(r3, g3, b3)

			r := (r0 + r1 + r2 + r3 + 2) >> 2
			g := (g0 + g1 + g2 + g3 + 2) >> 2
			b := (b0 + b1 + b2 + b3 + 2) >> 2
			uPlane[cOff+x/2] = byte(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
			vPlane[cOff+x/2] = byte(((112*r - 94*g - 18*b + 128) >> 8) + 128)
		}
	}
}

func luma(r, g, b int) byte {
	return byte(((66*r + 129*g + 25*b + 128) >> 8) + 16)
}
