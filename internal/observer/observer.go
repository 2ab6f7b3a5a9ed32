// Package observer provides the OS-level watch handles used by the monitor.
//
// Two backends exist. On Linux the inotify backend adds a single watch
// descriptor and forwards the kernel's raw event masks unchanged (apart from
// the IN_ISDIR flag). Everywhere else, or when inotify cannot be initialised,
// the fsnotify backend watches the path through github.com/fsnotify/fsnotify
// and synthesizes equivalent raw codes from fsnotify operations.
//
// Callers never pick an implementation directly: NewFactory resolves a
// Backend through a runtime capability check and returns one Factory.
package observer

import (
	"errors"
	"fmt"
	"log/slog"
)

// Handler receives one raw change code. name is relative to the watched
// directory and is empty when the change concerns the watched path itself.
// Handlers run on the observer's delivery goroutine.
type Handler func(code uint32, name string)

// Observer is a single OS-level watch on one path.
type Observer interface {
	// StartWatching installs the OS watch and begins delivering events to
	// the Handler. It returns an error if the watch cannot be installed.
	StartWatching() error
	// StopWatching releases the OS watch. It blocks until the delivery
	// goroutine has exited, so the Handler is never called after it
	// returns. It is safe to call more than once, and before or after a
	// failed StartWatching.
	StopWatching()
}

// Factory builds an Observer for path. The returned Observer is not started.
type Factory func(path string, h Handler) (Observer, error)

// Backend names an observer implementation.
type Backend string

const (
	// BackendAuto selects inotify when the kernel supports it, fsnotify
	// otherwise.
	BackendAuto Backend = "auto"
	// BackendInotify is the descriptor-based Linux inotify backend.
	BackendInotify Backend = "inotify"
	// BackendFsnotify is the path-based fsnotify backend.
	BackendFsnotify Backend = "fsnotify"
)

// ErrBackendUnavailable is returned when an explicitly requested backend is
// not supported on this host.
var ErrBackendUnavailable = errors.New("observer backend unavailable")

// ParseBackend validates a backend name. The empty string means BackendAuto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendInotify, BackendFsnotify:
		return b, nil
	default:
		return "", fmt.Errorf("observer: backend %q must be one of: auto, inotify, fsnotify", s)
	}
}

// Resolve turns b into a concrete backend for this host.
func Resolve(b Backend) (Backend, error) {
	switch b {
	case "", BackendAuto:
		if inotifyAvailable() {
			return BackendInotify, nil
		}
		return BackendFsnotify, nil
	case BackendInotify:
		if !inotifyAvailable() {
			return "", fmt.Errorf("observer: %w: %s", ErrBackendUnavailable, b)
		}
		return b, nil
	case BackendFsnotify:
		return b, nil
	default:
		return "", fmt.Errorf("observer: unknown backend %q", b)
	}
}

// NewFactory resolves b and returns the Factory for the chosen backend.
func NewFactory(b Backend, logger *slog.Logger) (Factory, error) {
	resolved, err := Resolve(b)
	if err != nil {
		return nil, err
	}

	logger.Info("observer: backend selected",
		slog.String("requested", string(b)),
		slog.String("backend", string(resolved)))

	if resolved == BackendInotify {
		return func(path string, h Handler) (Observer, error) {
			return newInotifyObserver(path, h, logger)
		}, nil
	}
	return func(path string, h Handler) (Observer, error) {
		return newFsnotifyObserver(path, h, logger), nil
	}, nil
}
