//go:build !linux

package observer

import (
	"fmt"
	"log/slog"
)

// inotifyAvailable is always false off Linux; Resolve falls back to fsnotify.
func inotifyAvailable() bool { return false }

func newInotifyObserver(_ string, _ Handler, _ *slog.Logger) (Observer, error) {
	return nil, fmt.Errorf("inotify observer: %w on this platform", ErrBackendUnavailable)
}
