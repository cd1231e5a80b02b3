// Package output names recording files and guards them against concurrent
// writers.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrLocked is returned when another recorder already holds the output file.
var ErrLocked = errors.New("output file is in use")

// muxers maps file extensions to ffmpeg muxer names where they differ.
var muxers = map[string]string{
	"mkv":  "matroska",
	"ts":   "mpegts",
	"m2ts": "mpegts",
	"m4v":  "mp4",
}

// Container infers the container format from the file extension.
func Container(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return "mp4"
	}
	if m, ok := muxers[ext]; ok {
		return m
	}
	return ext
}

// NewPath returns a timestamped file name in dir.
func NewPath(dir, ext string, now time.Time) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp4"
	}
	return filepath.Join(dir, fmt.Sprintf("recording-%s.%s", now.Format("20060102-150405"), ext))
}

// maxSuffix bounds the names tried for one timestamp.
const maxSuffix = 100

// Reserve picks a file name in dir that is neither written nor locked and
// locks it. Names already taken in the same second get a -N suffix.
func Reserve(dir, ext string, now time.Time) (string, *Lock, error) {
	base := NewPath(dir, ext, now)
	for i := 0; i < maxSuffix; i++ {
		path := base
		if i > 0 {
			path = withSuffix(base, i)
		}
		if exists(path) {
			continue
		}
		lock, err := Acquire(path)
		if errors.Is(err, ErrLocked) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		// the previous holder may have finished the file before we locked it
		if exists(path) {
			_ = lock.Release()
			continue
		}
		return path, lock, nil
	}
	return "", nil, errors.Wrapf(ErrLocked, "no free name for %s", base)
}

func withSuffix(path string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), n, ext)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return !os.IsNotExist(err)
}

// Lock is an advisory lock on an output file, held for one session.
type Lock struct {
	f *flock.Flock
}

// Acquire creates the output directory and locks <path>.lock without
// blocking.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create output dir")
	}
	f := flock.New(path + ".lock")
	ok, err := f.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !ok {
		return nil, errors.Wrap(ErrLocked, path)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := l.f.Unlock(); err != nil {
		return err
	}
	_ = os.Remove(l.f.Path())
	return nil
}
