// Package share hands a finished recording to the user.
package share

import (
	"context"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"

	"github.com/petems/screencap-tray/internal/config"
)

// Sharer publishes the path of a finished recording.
type Sharer interface {
	CopyPath(ctx context.Context, path string) error
}

type clipboardSharer struct {
	enabled bool
	write   func(string) error
}

// New returns a Sharer that copies paths to the clipboard when
// cfg.CopyPath is set and does nothing otherwise.
func New(cfg config.OutputConfig) Sharer {
	return &clipboardSharer{
		enabled: cfg.CopyPath,
		write:   clipboard.WriteAll,
	}
}

func (s *clipboardSharer) CopyPath(ctx context.Context, path string) error {
	if !s.enabled || path == "" {
		return nil
	}
	if clipboard.Unsupported {
		return errors.New("clipboard not supported on this system")
	}

	// clipboard tools may hang without a display
	errCh := make(chan error, 1)
	go func() { errCh <- s.write(path) }()
	select {
	case err := <-errCh:
		return errors.Wrap(err, "copy path to clipboard")
	case <-ctx.Done():
		return ctx.Err()
	}
}
