package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/filemonitor/filemon/internal/api"
	"github.com/filemonitor/filemon/internal/event"
	"github.com/filemonitor/filemon/internal/monitor"
	"github.com/filemonitor/filemon/internal/service"
	"github.com/filemonitor/filemon/internal/status"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockCommander struct {
	mock.Mock
}

func (m *mockCommander) Do(_ context.Context, cmd service.Command) (service.Snapshot, error) {
	args := m.Called(cmd)
	return args.Get(0).(service.Snapshot), args.Error(1)
}

type fixedStatus string

func (s fixedStatus) Current() (string, time.Time) { return string(s), time.Time{} }

var (
	idle     = service.Snapshot{State: service.StateIdle, Status: status.Disabled}
	watching = service.Snapshot{State: service.StateWatching, Target: "/data", Status: status.Enabled}
)

func newHandler(t *testing.T, cmd api.Commander, pub *rsa.PublicKey) (http.Handler, *api.Hub) {
	t.Helper()
	hub := api.NewHub(quietLogger(), 8)
	t.Cleanup(hub.Close)
	srv := api.NewServer(cmd, hub, fixedStatus(status.Disabled), quietLogger())
	return api.NewRouter(srv, pub), hub
}

func serve(h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) service.Snapshot {
	t.Helper()
	var snap service.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	return snap
}

func TestHealthz(t *testing.T) {
	h, _ := newHandler(t, &mockCommander{}, nil)

	rec := serve(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetWatch(t *testing.T) {
	cmd := &mockCommander{}
	cmd.On("Do", service.QueryState{}).Return(watching, nil)
	h, _ := newHandler(t, cmd, nil)

	rec := serve(h, http.MethodGet, "/api/v1/watch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, watching.Target, decodeSnapshot(t, rec).Target)
	cmd.AssertExpectations(t)
}

func TestPutWatch(t *testing.T) {
	cmd := &mockCommander{}
	cmd.On("Do", service.Start{Path: "/data"}).Return(watching, nil)
	h, _ := newHandler(t, cmd, nil)

	rec := serve(h, http.MethodPut, "/api/v1/watch", `{"path":"/data"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.Equal(t, service.StateWatching, snap.State)
	assert.Equal(t, status.Enabled, snap.Status)
	cmd.AssertExpectations(t)
}

func TestPutWatch_BadRequests(t *testing.T) {
	cmd := &mockCommander{}
	h, _ := newHandler(t, cmd, nil)

	for _, body := range []string{"", "not json", `{"path":""}`, `{}`} {
		rec := serve(h, http.MethodPut, "/api/v1/watch", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
	cmd.AssertNotCalled(t, "Do", mock.Anything)
}

func TestPutWatch_InstallFailureIs422(t *testing.T) {
	cmd := &mockCommander{}
	cmd.On("Do", service.Start{Path: "/missing"}).
		Return(idle, &monitor.WatchInstallError{Path: "/missing", Err: fs.ErrNotExist})
	h, _ := newHandler(t, cmd, nil)

	rec := serve(h, http.MethodPut, "/api/v1/watch", `{"path":"/missing"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "/missing")
}

func TestDeleteWatch(t *testing.T) {
	cmd := &mockCommander{}
	cmd.On("Do", service.Stop{}).Return(idle, nil).Twice()
	h, _ := newHandler(t, cmd, nil)

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodDelete, "/api/v1/watch", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, service.StateIdle, decodeSnapshot(t, rec).State)
	}
	cmd.AssertExpectations(t)
}

func TestServiceUnavailable(t *testing.T) {
	cmd := &mockCommander{}
	cmd.On("Do", service.QueryState{}).Return(service.Snapshot{}, service.ErrNotRunning)
	h, _ := newHandler(t, cmd, nil)

	rec := serve(h, http.MethodGet, "/api/v1/watch", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func signToken(t *testing.T, priv *rsa.PrivateKey, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "ui",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestRouter_JWT(t *testing.T) {
	priv := generateKey(t)
	cmd := &mockCommander{}
	cmd.On("Do", service.QueryState{}).Return(idle, nil)
	h, _ := newHandler(t, cmd, &priv.PublicKey)

	// Healthz stays open.
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", "").Code)

	tests := []struct {
		name   string
		target string
		header []string
		want   int
	}{
		{"missing token", "/api/v1/watch", nil, http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/watch", []string{"Authorization", "Basic abc"}, http.StatusUnauthorized},
		{"garbage token", "/api/v1/watch", []string{"Authorization", "Bearer a.b.c"}, http.StatusUnauthorized},
		{"expired", "/api/v1/watch", []string{"Authorization", "Bearer " + signToken(t, priv, time.Now().Add(-time.Hour))}, http.StatusUnauthorized},
		{"other key", "/api/v1/watch", []string{"Authorization", "Bearer " + signToken(t, generateKey(t), time.Now().Add(time.Hour))}, http.StatusUnauthorized},
		{"valid header", "/api/v1/watch", []string{"Authorization", "Bearer " + signToken(t, priv, time.Now().Add(time.Hour))}, http.StatusOK},
		{"valid query", "/api/v1/watch?access_token=" + signToken(t, priv, time.Now().Add(time.Hour)), nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.target, "", tt.header...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRouter_HS256Rejected(t *testing.T) {
	priv := generateKey(t)
	h, _ := newHandler(t, &mockCommander{}, &priv.PublicKey)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).
		SignedString([]byte("secret"))
	require.NoError(t, err)

	rec := serve(h, http.MethodGet, "/api/v1/watch", "", "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTMiddleware_ClaimsAndLogger(t *testing.T) {
	priv := generateKey(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	var subject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := api.ClaimsFromContext(r.Context())
		require.True(t, ok)
		subject = claims.Subject
		w.WriteHeader(http.StatusNoContent)
	})
	h := api.JWTMiddleware(&priv.PublicKey, logger)(next)

	rec := serve(h, http.MethodGet, "/api/v1/watch", "",
		"Authorization", "Bearer "+signToken(t, priv, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "ui", subject)
	assert.Empty(t, logs.String())

	rec = serve(h, http.MethodGet, "/api/v1/watch", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, logs.String(), "api: authentication failed")
	assert.Contains(t, logs.String(), "missing bearer token")
}

func TestClaimsFromContext_Unauthenticated(t *testing.T) {
	_, ok := api.ClaimsFromContext(context.Background())
	assert.False(t, ok)
}

func TestHub_SubscriberIsDistinctFromClient(t *testing.T) {
	hub := api.NewHub(quietLogger(), 0)
	defer hub.Close()

	var sub *api.Subscriber = hub.Register("a")
	var cl *api.Client = api.NewClient("http://127.0.0.1:7070", "")
	assert.Equal(t, "a", sub.ID())
	assert.NotNil(t, cl)
}

func TestHub_BroadcastAndDrop(t *testing.T) {
	hub := api.NewHub(quietLogger(), 1)
	defer hub.Close()

	c := hub.Register("a")
	assert.Equal(t, 1, hub.ClientCount())

	hub.Broadcast(api.StatusFrame(status.Enabled, time.Now()))
	hub.Broadcast(api.StatusFrame(status.Disabled, time.Now()))

	var f api.Frame
	require.NoError(t, json.Unmarshal(<-c.Send(), &f))
	assert.Equal(t, api.FrameStatus, f.Type)
	assert.Equal(t, status.Enabled, f.Status)
	assert.Equal(t, int64(1), c.Dropped.Load())

	hub.Unregister("a")
	hub.Unregister("a")
	_, ok := <-c.Send()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_CloseThenRegister(t *testing.T) {
	hub := api.NewHub(quietLogger(), 0)
	c := hub.Register("a")
	hub.Close()

	_, ok := <-c.Send()
	assert.False(t, ok)

	late := hub.Register("b")
	_, ok = <-late.Send()
	assert.False(t, ok)
}

func TestHub_Run(t *testing.T) {
	hub := api.NewHub(quietLogger(), 8)
	defer hub.Close()
	c := hub.Register("a")

	events := make(chan event.Event, 1)
	statuses := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		hub.Run(context.Background(), events, statuses)
		close(done)
	}()

	events <- event.Event{Kind: event.Create, Path: "x", Target: "/data"}
	var f api.Frame
	require.NoError(t, json.Unmarshal(<-c.Send(), &f))
	assert.Equal(t, api.FrameEvent, f.Type)
	require.NotNil(t, f.Event)
	assert.Equal(t, event.Create, f.Event.Kind)

	close(events)
	close(statuses)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after both sources closed")
	}
}

func TestEventsStream(t *testing.T) {
	h, hub := newHandler(t, &mockCommander{}, nil)
	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first api.Frame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, api.FrameStatus, first.Type)
	assert.Equal(t, status.Disabled, first.Status)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast(api.EventFrame(event.Event{Kind: event.Delete, Path: "a.txt", Target: "/data", Time: time.Now()}))

	var got api.Frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, api.FrameEvent, got.Type)
	require.NotNil(t, got.Event)
	assert.Equal(t, event.Delete, got.Event.Kind)
	assert.Equal(t, "a.txt", got.Event.Path)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient(t *testing.T) {
	cmd := &mockCommander{}
	cmd.On("Do", service.QueryState{}).Return(idle, nil)
	cmd.On("Do", service.Start{Path: "/data"}).Return(watching, nil)
	cmd.On("Do", service.Start{Path: "/missing"}).
		Return(idle, &monitor.WatchInstallError{Path: "/missing", Err: fs.ErrNotExist})
	cmd.On("Do", service.Stop{}).Return(idle, nil)

	h, _ := newHandler(t, cmd, nil)
	ts := httptest.NewServer(h)
	defer ts.Close()

	c := api.NewClient(ts.URL+"/", "")
	ctx := context.Background()

	snap, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.StateIdle, snap.State)

	snap, err = c.Start(ctx, "/data")
	require.NoError(t, err)
	assert.Equal(t, "/data", snap.Target)

	_, err = c.Start(ctx, "/missing")
	assert.ErrorIs(t, err, api.ErrInstallRejected)

	snap, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.StateIdle, snap.State)
}
