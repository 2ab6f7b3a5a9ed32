// Package service is the long-lived background side of filemon. A Service is
// a single actor goroutine that owns the watch controller: foreground
// clients send it Start, Stop and QueryState commands and receive a Snapshot
// in reply, while delivered events are published on an EventBus and handed
// to an optional Notifier.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/filemonitor/filemon/internal/event"
	"github.com/filemonitor/filemon/internal/monitor"
	"github.com/filemonitor/filemon/internal/observer"
	"github.com/filemonitor/filemon/internal/status"
	"github.com/filemonitor/filemon/internal/uistate"
)

// ErrNotRunning is returned by Do when the actor is not accepting commands.
var ErrNotRunning = errors.New("service: not running")

// Command is one of Start, Stop or QueryState.
type Command interface {
	command()
}

// Start replaces any active watch with one on Path. With KeepActive set it
// does nothing when Path is already the active target.
type Start struct {
	Path       string
	KeepActive bool
}

// Stop releases the active watch.
type Stop struct{}

// QueryState only reports the current state.
type QueryState struct{}

func (Start) command() {}
func (Stop) command() {}
func (QueryState) command() {}

// Watch states reported in a Snapshot.
const (
	StateIdle     = "idle"
	StateWatching = "watching"
)

// Snapshot is the service state returned for every command.
type Snapshot struct {
	State  string    `json:"state"`
	Target string    `json:"target,omitempty"`
	Status string    `json:"status"`
	Since  time.Time `json:"since,omitempty"`
}

// Notifier receives every delivered event.
type Notifier interface {
	Notify(ev event.Event)
}

type request struct {
	cmd   Command
	reply chan reply
}

type reply struct {
	snap Snapshot
	err  error
}

// Service owns one monitor.Controller and serializes every command to it.
type Service struct {
	ctrl      *monitor.Controller
	indicator *status.Indicator
	bus       *EventBus
	notifier  Notifier
	store     *uistate.Store
	logger    *slog.Logger

	requests chan request
	done     chan struct{}
}

// Option is a functional option for Service construction.
type Option func(*Service)

// WithNotifier hands every delivered event to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithStore keeps store's MonitoringNow and MonitoredDir in line with
// commands that did not originate from the store itself.
func WithStore(store *uistate.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithEventBus publishes events on bus instead of a private one.
func WithEventBus(bus *EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// New returns a Service whose controller installs watches through factory
// and reports to indicator. Call Run to start accepting commands.
func New(factory observer.Factory, indicator *status.Indicator, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		indicator: indicator,
		logger:    logger,
		requests:  make(chan request),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewEventBus(logger, 0)
	}
	s.ctrl = monitor.New(factory, indicator, logger)
	return s
}

// Events returns the bus every delivered event is published on.
func (s *Service) Events() *EventBus { return s.bus }

// Indicator returns the status indicator the controller reports to.
func (s *Service) Indicator() *status.Indicator { return s.indicator }

// Run handles commands until ctx is done, then stops the active watch and
// closes the event bus. Run must be called once.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	defer s.bus.Close()
	defer s.ctrl.Close()

	s.logger.Info("service: running")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("service: shutting down")
			return
		case req := <-s.requests:
			snap, err := s.handle(req.cmd)
			req.reply <- reply{snap: snap, err: err}
		}
	}
}

// Do sends cmd to the actor and waits for its reply. The returned Snapshot
// is valid even when err is non-nil.
func (s *Service) Do(ctx context.Context, cmd Command) (Snapshot, error) {
	req := request{cmd: cmd, reply: make(chan reply, 1)}

	select {
	case s.requests <- req:
	case <-s.done:
		return Snapshot{}, ErrNotRunning
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Service) handle(cmd Command) (Snapshot, error) {
	switch c := cmd.(type) {
	case Start:
		path := c.Path
		if path != "" {
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
		}
		if c.KeepActive {
			if ws := s.ctrl.State(); ws.Watching() && ws.Target == path {
				return s.snapshot(), nil
			}
		}
		err := s.ctrl.Start(path, s.deliver(path))
		s.syncStore(err == nil, path, err)
		return s.snapshot(), err

	case Stop:
		s.ctrl.Stop()
		s.syncStore(false, "", nil)
		return s.snapshot(), nil

	case QueryState:
		return s.snapshot(), nil

	default:
		return s.snapshot(), fmt.Errorf("service: unknown command %T", cmd)
	}
}

func (s *Service) snapshot() Snapshot {
	ws := s.ctrl.State()
	text, _ := s.indicator.Current()

	snap := Snapshot{State: StateIdle, Status: text}
	if ws.Watching() {
		snap.State = StateWatching
		snap.Target = ws.Target
		snap.Since = ws.Since
	}
	return snap
}

// syncStore mirrors a command outcome into the UI store. A failed Start
// leaves the controller Idle, so the toggle goes off as well.
func (s *Service) syncStore(watching bool, path string, err error) {
	if s.store == nil {
		return
	}
	switch {
	case err != nil:
		s.store.EnableMonitoring(false)
		if errors.Is(err, fs.ErrPermission) {
			s.store.ShowPermissionRationale(true)
		}
	case watching:
		s.store.SetMonitoredDir(path)
		s.store.EnableMonitoring(true)
	default:
		s.store.EnableMonitoring(false)
	}
}

// deliver builds the controller callback for target. It runs on the
// observer's goroutine.
func (s *Service) deliver(target string) monitor.Callback {
	return func(kind event.Kind, path string) {
		ev := event.Event{
			Kind:   kind,
			Path:   path,
			Target: target,
			Time:   time.Now().UTC(),
		}
		s.bus.Publish(ev)
		if s.notifier != nil {
			s.notifier.Notify(ev)
		}
	}
}

// Toggler adapts the service to uistate.Bind. Start is a no-op when path is
// already the active target, so a store updated by syncStore does not
// restart the watch it describes. Each call is a single command to the
// actor.
func (s *Service) Toggler() uistate.Toggler {
	return toggler{s: s}
}

type toggler struct {
	s *Service
}

func (t toggler) Start(ctx context.Context, path string) error {
	_, err := t.s.Do(ctx, Start{Path: path, KeepActive: true})
	return err
}

func (t toggler) Stop(ctx context.Context) error {
	_, err := t.s.Do(ctx, Stop{})
	return err
}
