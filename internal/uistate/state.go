// Package uistate is the explicit state container owned by the foreground
// UI. The monitor never polls it: Bind watches the container and turns
// transition edges of MonitoringNow and MonitoredDir into Start and Stop
// commands.
package uistate

import (
	"context"
	"sync"
)

// DefaultMonitoredDir is the target offered before the user picks one.
const DefaultMonitoredDir = "/"

// State is the UI's view of the monitor.
type State struct {
	// ServiceConnected is set once the UI has bound to the background service.
	ServiceConnected bool `json:"service_connected"`
	// MonitoringNow is the user's "watch enabled" toggle.
	MonitoringNow bool `json:"monitoring_now"`
	// MonitoredDir is the path to watch when MonitoringNow is set.
	MonitoredDir string `json:"monitored_dir"`
	// PermissionRationale asks the UI to explain why read permission is needed.
	PermissionRationale bool `json:"permission_rationale"`
}

// DefaultState returns the state of a freshly opened UI.
func DefaultState() State {
	return State{MonitoredDir: DefaultMonitoredDir}
}

// Store holds one State and publishes every change. Subscribers see the
// latest value; intermediate values may be skipped when a subscriber lags.
// It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	state State
	subs  map[chan State]struct{}
}

// NewStore returns a Store holding initial.
func NewStore(initial State) *Store {
	if initial.MonitoredDir == "" {
		initial.MonitoredDir = DefaultMonitoredDir
	}
	return &Store{
		state: initial,
		subs:  make(map[chan State]struct{}),
	}
}

// Current returns the current state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServiceConnected records that the UI is bound to the service.
func (s *Store) ServiceConnected() {
	s.update(func(st *State) { st.ServiceConnected = true })
}

// EnableMonitoring sets the watch toggle.
func (s *Store) EnableMonitoring(enable bool) {
	s.update(func(st *State) { st.MonitoringNow = enable })
}

// SetMonitoredDir changes the target path.
func (s *Store) SetMonitoredDir(dir string) {
	s.update(func(st *State) { st.MonitoredDir = dir })
}

// ShowPermissionRationale shows or hides the permission explanation.
func (s *Store) ShowPermissionRationale(enable bool) {
	s.update(func(st *State) { st.PermissionRationale = enable })
}

// Subscribe returns a channel that first receives the current state and then
// every later change. The channel is closed when ctx is done.
func (s *Store) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	s.mu.Lock()
	ch <- s.state
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	fn(&next)
	if next == s.state {
		return
	}
	s.state = next

	for ch := range s.subs {
		publish(ch, next)
	}
}

// publish replaces any unread value in ch with st. Callers hold s.mu, so
// there is only ever one sender.
func publish(ch chan State, st State) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- st
}
