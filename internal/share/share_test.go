package share

import (
	"context"
	"testing"
	"time"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/screencap-tray/internal/config"
)

func newTestSharer(enabled bool, write func(string) error) *clipboardSharer {
	s := New(config.OutputConfig{CopyPath: enabled}).(*clipboardSharer)
	s.write = write
	return s
}

func TestCopyPathDisabled(t *testing.T) {
	called := false
	s := newTestSharer(false, func(string) error { called = true; return nil })

	require.NoError(t, s.CopyPath(context.Background(), "/tmp/a.mp4"))
	assert.False(t, called)
}

func TestCopyPath(t *testing.T) {
	if clipboard.Unsupported {
		t.Skip("no clipboard tool available")
	}
	var got string
	s := newTestSharer(true, func(p string) error { got = p; return nil })

	require.NoError(t, s.CopyPath(context.Background(), "/tmp/a.mp4"))
	assert.Equal(t, "/tmp/a.mp4", got)

	s.write = func(string) error { return errors.New("xclip failed") }
	assert.Error(t, s.CopyPath(context.Background(), "/tmp/a.mp4"))
}

func TestCopyPathHonoursContext(t *testing.T) {
	if clipboard.Unsupported {
		t.Skip("no clipboard tool available")
	}
	block := make(chan struct{})
	defer close(block)
	s := newTestSharer(true, func(string) error { <-block; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.CopyPath(ctx, "/tmp/a.mp4"), context.DeadlineExceeded)
}
