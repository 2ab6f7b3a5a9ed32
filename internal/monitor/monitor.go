// Package monitor contains the watch controller: the single point of truth
// for whether a path is being watched, and which one.
//
// A Controller holds at most one OS-level watch. Start replaces any active
// watch, releasing the old handle before the new one is installed; Stop is
// idempotent. Every transition updates the foreground status sink
// synchronously, and the sink is set to status.Disabled when the controller
// is created.
//
// Events are delivered on the observer's goroutine, never on the goroutine
// that called Start or Stop. Stop waits for that goroutine to exit, so a
// callback is never invoked after Stop returns. For the same reason a
// callback must not call Start or Stop itself.
package monitor

import (
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/filemonitor/filemon/internal/event"
	"github.com/filemonitor/filemon/internal/observer"
	"github.com/filemonitor/filemon/internal/status"
)

// Callback consumes one translated event. path is relative to the watched
// target and empty when the event concerns the target itself.
type Callback func(kind event.Kind, path string)

// WatchState is Idle when Target is empty, Watching(Target) otherwise.
type WatchState struct {
	Target string    `json:"target,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// Watching reports whether a watch is active.
func (s WatchState) Watching() bool { return s.Target != "" }

func (s WatchState) String() string {
	if !s.Watching() {
		return "Idle"
	}
	return fmt.Sprintf("Watching(%s)", s.Target)
}

// Controller owns the single active watch. It is safe for concurrent use.
type Controller struct {
	factory observer.Factory
	sink    status.Sink
	logger  *slog.Logger

	mu     sync.Mutex
	obs    observer.Observer
	target string
	since  time.Time

	closeOnce sync.Once
}

// New returns an Idle Controller that installs watches through factory and
// reports transitions to sink. The sink receives status.Disabled before New
// returns.
func New(factory observer.Factory, sink status.Sink, logger *slog.Logger) *Controller {
	c := &Controller{
		factory: factory,
		sink:    sink,
		logger:  logger,
	}
	sink.SetStatus(status.Disabled)
	return c
}

// Start watches path and delivers its events to onEvent. An active watch is
// stopped first, whatever the outcome of installing the new one.
//
// If the new watch cannot be installed Start returns a *WatchInstallError
// and the controller is left Idle with the status set to Disabled.
func (c *Controller) Start(path string, onEvent Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("monitor: starting watch", slog.String("path", path))

	if prev := c.target; c.releaseLocked() {
		c.logger.Info("monitor: replaced active watch",
			slog.String("previous", prev),
			slog.String("path", path))
	}

	if path == "" {
		return c.failLocked(path, fs.ErrInvalid)
	}

	obs, err := c.factory(path, c.deliverer(path, onEvent))
	if err != nil {
		return c.failLocked(path, err)
	}
	if err := obs.StartWatching(); err != nil {
		obs.StopWatching()
		return c.failLocked(path, err)
	}

	c.obs = obs
	c.target = path
	c.since = time.Now().UTC()
	c.sink.SetStatus(status.Enabled)
	return nil
}

// Stop releases the active watch, if any, and sets the status to Disabled.
// Calling Stop while Idle only re-asserts the Disabled status.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.target; c.releaseLocked() {
		c.logger.Info("monitor: stopped watch", slog.String("path", prev))
	}
	c.sink.SetStatus(status.Disabled)
}

// Close stops the controller for teardown of the owning process. Only the
// first call has any effect.
func (c *Controller) Close() {
	c.closeOnce.Do(c.Stop)
}

// State returns the current watch state.
func (c *Controller) State() WatchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WatchState{Target: c.target, Since: c.since}
}

// releaseLocked stops the active observer and clears the target. It reports
// whether a watch was active. c.mu must be held.
func (c *Controller) releaseLocked() bool {
	if c.obs == nil {
		return false
	}
	c.obs.StopWatching()
	c.obs = nil
	c.target = ""
	c.since = time.Time{}
	return true
}

func (c *Controller) failLocked(path string, err error) error {
	c.sink.SetStatus(status.Disabled)
	c.logger.Warn("monitor: watch install failed",
		slog.String("path", path),
		slog.Any("error", err))
	return &WatchInstallError{Path: path, Err: err}
}

// deliverer adapts onEvent to the observer's raw handler. Unrecognized codes
// and callback panics are logged and dropped; the watch keeps running.
func (c *Controller) deliverer(target string, onEvent Callback) observer.Handler {
	return func(code uint32, name string) {
		kind, err := event.Translate(code)
		if err != nil {
			c.logger.Debug("monitor: dropping unrecognized event",
				slog.String("path", target),
				slog.String("name", name),
				slog.String("code", fmt.Sprintf("%#x", code)))
			return
		}

		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("monitor: event callback panicked",
					slog.String("path", target),
					slog.String("kind", kind.String()),
					slog.Any("panic", r))
			}
		}()
		onEvent(kind, name)
	}
}
