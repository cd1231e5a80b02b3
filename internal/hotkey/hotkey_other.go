//go:build !linux && !darwin

package hotkey

// New reports ErrUnsupported; the tray menu still starts and stops
// recordings.
func New() (Manager, error) {
	return nil, ErrUnsupported
}
