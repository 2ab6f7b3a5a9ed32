package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemonitor/filemon/internal/event"
	"github.com/filemonitor/filemon/internal/monitor"
	"github.com/filemonitor/filemon/internal/observer"
	"github.com/filemonitor/filemon/internal/service"
	"github.com/filemonitor/filemon/internal/status"
	"github.com/filemonitor/filemon/internal/uistate"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeObserver forwards Fire calls to its handler while it is running.
type fakeObserver struct {
	mu      sync.Mutex
	handler observer.Handler
	running bool
}

func (o *fakeObserver) StartWatching() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = true
	return nil
}

func (o *fakeObserver) StopWatching() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

func (o *fakeObserver) Fire(code uint32, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.handler(code, name)
	}
}

type fakeFactory struct {
	mu     sync.Mutex
	last   *fakeObserver
	builds int
	errFor map[string]error
}

func (f *fakeFactory) Build(path string, h observer.Handler) (observer.Observer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if err := f.errFor[path]; err != nil {
		return nil, err
	}
	f.last = &fakeObserver{handler: h}
	return f.last, nil
}

func (f *fakeFactory) Last() *fakeObserver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeFactory) Builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []event.Event
}

func (n *recordingNotifier) Notify(ev event.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, ev)
}

func (n *recordingNotifier) Events() []event.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]event.Event(nil), n.got...)
}

func runService(t *testing.T, factory *fakeFactory, opts ...service.Option) *service.Service {
	t.Helper()
	svc := service.New(factory.Build, status.NewIndicator(quietLogger(), 4), quietLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc
}

func TestService_QueryStateInitiallyIdle(t *testing.T) {
	svc := runService(t, &fakeFactory{})

	snap, err := svc.Do(context.Background(), service.QueryState{})
	require.NoError(t, err)
	assert.Equal(t, service.StateIdle, snap.State)
	assert.Empty(t, snap.Target)
	assert.Equal(t, status.Disabled, snap.Status)
}

func TestService_StartStop(t *testing.T) {
	svc := runService(t, &fakeFactory{})
	ctx := context.Background()

	snap, err := svc.Do(ctx, service.Start{Path: "/srv/data"})
	require.NoError(t, err)
	assert.Equal(t, service.StateWatching, snap.State)
	assert.Equal(t, "/srv/data", snap.Target)
	assert.Equal(t, status.Enabled, snap.Status)
	assert.False(t, snap.Since.IsZero())

	snap, err = svc.Do(ctx, service.Stop{})
	require.NoError(t, err)
	assert.Equal(t, service.StateIdle, snap.State)
	assert.Equal(t, status.Disabled, snap.Status)

	// Stop is idempotent.
	snap, err = svc.Do(ctx, service.Stop{})
	require.NoError(t, err)
	assert.Equal(t, service.StateIdle, snap.State)
}

func TestService_StartFailureIsReported(t *testing.T) {
	factory := &fakeFactory{errFor: map[string]error{"/locked": fmt.Errorf("open: %w", fs.ErrPermission)}}
	store := uistate.NewStore(uistate.DefaultState())
	svc := runService(t, factory, service.WithStore(store))

	snap, err := svc.Do(context.Background(), service.Start{Path: "/locked"})
	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrWatchInstall)
	assert.ErrorIs(t, err, fs.ErrPermission)

	var wie *monitor.WatchInstallError
	require.True(t, errors.As(err, &wie))
	assert.Equal(t, "/locked", wie.Path)

	assert.Equal(t, service.StateIdle, snap.State)
	assert.Equal(t, status.Disabled, snap.Status)
	assert.True(t, store.Current().PermissionRationale)
	assert.False(t, store.Current().MonitoringNow)
}

func TestService_EventsReachBusAndNotifier(t *testing.T) {
	factory := &fakeFactory{}
	notifier := &recordingNotifier{}
	svc := runService(t, factory, service.WithNotifier(notifier))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := svc.Events().Subscribe(ctx)

	_, err := svc.Do(ctx, service.Start{Path: "/srv/data"})
	require.NoError(t, err)

	factory.Last().Fire(uint32(event.Create), "a.txt")
	factory.Last().Fire(0x8000, "ignored") // unrecognized, dropped
	factory.Last().Fire(uint32(event.Delete), "a.txt")

	var got []event.Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %d events", len(got))
		}
	}

	assert.Equal(t, event.Create, got[0].Kind)
	assert.Equal(t, "a.txt", got[0].Path)
	assert.Equal(t, "/srv/data", got[0].Target)
	assert.Equal(t, event.Delete, got[1].Kind)
	assert.Len(t, notifier.Events(), 2)
}

func TestService_StoreFollowsCommands(t *testing.T) {
	store := uistate.NewStore(uistate.DefaultState())
	svc := runService(t, &fakeFactory{}, service.WithStore(store))
	ctx := context.Background()

	_, err := svc.Do(ctx, service.Start{Path: "/var/tmp"})
	require.NoError(t, err)
	st := store.Current()
	assert.True(t, st.MonitoringNow)
	assert.Equal(t, "/var/tmp", st.MonitoredDir)

	_, err = svc.Do(ctx, service.Stop{})
	require.NoError(t, err)
	assert.False(t, store.Current().MonitoringNow)
}

func TestService_TogglerDoesNotRestartActiveTarget(t *testing.T) {
	factory := &fakeFactory{}
	svc := runService(t, factory)
	ctx := context.Background()
	tog := svc.Toggler()

	require.NoError(t, tog.Start(ctx, "/srv/data"))
	require.NoError(t, tog.Start(ctx, "/srv/data"))
	assert.Equal(t, 1, factory.Builds())

	require.NoError(t, tog.Start(ctx, "/srv/other"))
	assert.Equal(t, 2, factory.Builds())

	require.NoError(t, tog.Stop(ctx))
	snap, err := svc.Do(ctx, service.QueryState{})
	require.NoError(t, err)
	assert.Equal(t, service.StateIdle, snap.State)
}

func TestService_StartKeepActive(t *testing.T) {
	factory := &fakeFactory{}
	svc := runService(t, factory)
	ctx := context.Background()

	first, err := svc.Do(ctx, service.Start{Path: "/srv/data"})
	require.NoError(t, err)

	snap, err := svc.Do(ctx, service.Start{Path: "/srv/data", KeepActive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, factory.Builds())
	assert.Equal(t, first.Since, snap.Since)

	// Without KeepActive the same target is reinstalled.
	_, err = svc.Do(ctx, service.Start{Path: "/srv/data"})
	require.NoError(t, err)
	assert.Equal(t, 2, factory.Builds())

	snap, err = svc.Do(ctx, service.Start{Path: "/srv/other", KeepActive: true})
	require.NoError(t, err)
	assert.Equal(t, 3, factory.Builds())
	assert.Equal(t, "/srv/other", snap.Target)
}

func TestService_TogglerFollowsInterleavedCommands(t *testing.T) {
	factory := &fakeFactory{}
	svc := runService(t, factory)
	ctx := context.Background()
	tog := svc.Toggler()

	require.NoError(t, tog.Start(ctx, "/srv/ui"))
	_, err := svc.Do(ctx, service.Start{Path: "/srv/api"})
	require.NoError(t, err)

	// The toggler checks against the target current when its command runs.
	require.NoError(t, tog.Start(ctx, "/srv/api"))
	assert.Equal(t, 2, factory.Builds())

	require.NoError(t, tog.Start(ctx, "/srv/ui"))
	snap, err := svc.Do(ctx, service.QueryState{})
	require.NoError(t, err)
	assert.Equal(t, "/srv/ui", snap.Target)
	assert.Equal(t, 3, factory.Builds())
}

func TestService_TogglerConcurrentWithCommands(t *testing.T) {
	factory := &fakeFactory{}
	svc := runService(t, factory)
	ctx := context.Background()
	tog := svc.Toggler()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, tog.Start(ctx, "/srv/ui"))
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Do(ctx, service.Start{Path: "/srv/api"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := svc.Do(ctx, service.QueryState{})
	require.NoError(t, err)
	assert.Equal(t, service.StateWatching, snap.State)
	assert.Contains(t, []string{"/srv/ui", "/srv/api"}, snap.Target)
}

func TestService_BindRoundTrip(t *testing.T) {
	factory := &fakeFactory{}
	store := uistate.NewStore(uistate.State{MonitoredDir: "/srv/data"})
	svc := runService(t, factory, service.WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	bound := make(chan struct{})
	go func() {
		uistate.Bind(ctx, store, svc.Toggler(), quietLogger())
		close(bound)
	}()
	defer func() {
		cancel()
		<-bound
	}()

	waitState := func(want string) {
		t.Helper()
		require.Eventually(t, func() bool {
			snap, err := svc.Do(context.Background(), service.QueryState{})
			return err == nil && snap.State == want
		}, time.Second, 5*time.Millisecond, "want %s", want)
	}

	store.EnableMonitoring(true)
	waitState(service.StateWatching)
	store.EnableMonitoring(false)
	waitState(service.StateIdle)
	store.EnableMonitoring(true)
	waitState(service.StateWatching)

	assert.Equal(t, 2, factory.Builds())
}

func TestService_DoAfterRunReturns(t *testing.T) {
	svc := service.New((&fakeFactory{}).Build, status.NewIndicator(quietLogger(), 4), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	_, err := svc.Do(context.Background(), service.Start{Path: "/srv/data"})
	require.NoError(t, err)

	cancel()
	<-done

	text, _ := svc.Indicator().Current()
	assert.Equal(t, status.Disabled, text)

	_, err = svc.Do(context.Background(), service.QueryState{})
	assert.ErrorIs(t, err, service.ErrNotRunning)
}

func TestEventBus_DropsWhenFull(t *testing.T) {
	bus := service.NewEventBus(quietLogger(), 1)
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Subscribe(ctx)
	bus.Publish(event.Event{Kind: event.Create, Path: "a"})
	bus.Publish(event.Event{Kind: event.Delete, Path: "a"})

	ev := <-ch
	assert.Equal(t, event.Create, ev.Kind)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev.Kind)
	default:
	}

	cancel()
	require.Eventually(t, func() bool { return bus.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventBus_CloseClosesSubscribers(t *testing.T) {
	bus := service.NewEventBus(quietLogger(), 0)
	ch := bus.Subscribe(context.Background())

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late := bus.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok)
	bus.Publish(event.Event{Kind: event.Open})
}
