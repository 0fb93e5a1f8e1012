package mcpauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) ByType(eventType EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newRefreshServer(t *testing.T, accessToken string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		writeJSON(t, w, http.StatusOK, tokenResponse{AccessToken: accessToken, TokenType: "Bearer", ExpiresIn: 3600})
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func monitorFixture(t *testing.T, tokenURL string, expiresIn time.Duration, refreshToken string) (*Monitor, *Store, *eventRecorder) {
	t.Helper()
	now := time.Now()
	store := NewStore(t.TempDir())
	token := testToken(now, expiresIn)
	token.RefreshToken = refreshToken
	if err := store.Save("svc", token); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(store)
	monitor := NewMonitor(mgr)
	monitor.Track("svc", &AuthConfig{Type: AuthTypeDeviceCode, ClientID: "c", TokenURL: tokenURL})

	recorder := &eventRecorder{}
	monitor.OnEvent(recorder.Handle)
	return monitor, store, recorder
}

func TestCheckOnceRefreshesExpiringToken(t *testing.T) {
	server, requests := newRefreshServer(t, "r2")
	monitor, store, recorder := monitorFixture(t, server.URL, 2*time.Minute, "r")

	monitor.CheckOnce(context.Background())

	stored := store.Load("svc")
	if stored == nil || stored.AccessToken != "r2" {
		t.Fatalf("stored token = %+v, want AccessToken r2", stored)
	}
	refreshed := recorder.ByType(EventRefreshed)
	if len(refreshed) != 1 {
		t.Fatalf("auth:refreshed events = %d, want exactly 1 (all: %v)", len(refreshed), recorder.Events())
	}
	if refreshed[0].Server != "svc" {
		t.Errorf("event server = %q, want svc", refreshed[0].Server)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("refresh requests = %d, want 1", got)
	}
}

func TestCheckOnceEmitsExpiredWithoutRefreshing(t *testing.T) {
	server, requests := newRefreshServer(t, "never")
	store := NewStore(t.TempDir())

	obtained := time.Now().Add(-2 * time.Hour)
	token := testToken(obtained, time.Hour) // expired an hour ago
	token.RefreshToken = "r"
	if err := store.Save("svc", token); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(store)
	monitor := NewMonitor(mgr)
	monitor.Track("svc", &AuthConfig{Type: AuthTypeDeviceCode, ClientID: "c", TokenURL: server.URL})
	recorder := &eventRecorder{}
	monitor.OnEvent(recorder.Handle)

	monitor.CheckOnce(context.Background())

	if got := recorder.ByType(EventExpired); len(got) != 1 {
		t.Fatalf("auth:expired events = %d, want 1 (all: %v)", len(got), recorder.Events())
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("refresh attempted %d times for an expired token, want 0", got)
	}
}

func TestCheckOnceExpiringSoonWithoutRefreshToken(t *testing.T) {
	server, requests := newRefreshServer(t, "never")
	monitor, _, recorder := monitorFixture(t, server.URL, 2*time.Minute, "")

	monitor.CheckOnce(context.Background())

	if got := recorder.ByType(EventExpiringSoon); len(got) != 1 {
		t.Fatalf("auth:expiring_soon events = %d, want 1 (all: %v)", len(got), recorder.Events())
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("refresh attempted %d times without a refresh token, want 0", got)
	}
}

func TestCheckOnceRefreshFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_grant"})
	}))
	defer server.Close()
	monitor, store, recorder := monitorFixture(t, server.URL, 2*time.Minute, "r")

	monitor.CheckOnce(context.Background())

	if got := recorder.ByType(EventRefreshFailed); len(got) != 1 {
		t.Fatalf("auth:refresh_failed events = %d, want 1 (all: %v)", len(got), recorder.Events())
	}
	// The stale token stays in place for a later retry.
	if stored := store.Load("svc"); stored == nil || stored.AccessToken != "secret-token" {
		t.Errorf("stored token = %+v, want untouched original", stored)
	}
}

func TestCheckOnceSkipsHealthyToken(t *testing.T) {
	server, requests := newRefreshServer(t, "never")
	monitor, _, recorder := monitorFixture(t, server.URL, time.Hour, "r")

	monitor.CheckOnce(context.Background())

	if events := recorder.Events(); len(events) != 0 {
		t.Errorf("events = %v, want none for a healthy token", events)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("refresh requests = %d, want 0", got)
	}
}

func TestCheckOnceSkipsTokenWithoutExpiry(t *testing.T) {
	server, requests := newRefreshServer(t, "never")
	monitor, store, recorder := monitorFixture(t, server.URL, time.Hour, "r")

	eternal := testToken(time.Now(), 0) // no expiry
	if err := store.Save("svc", eternal); err != nil {
		t.Fatal(err)
	}

	monitor.CheckOnce(context.Background())

	if events := recorder.Events(); len(events) != 0 {
		t.Errorf("events = %v, want none for a token without expiry", events)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("refresh requests = %d, want 0", got)
	}
}

func TestUntrackStopsChecking(t *testing.T) {
	server, requests := newRefreshServer(t, "r2")
	monitor, _, recorder := monitorFixture(t, server.URL, 2*time.Minute, "r")

	monitor.Untrack("svc")
	monitor.CheckOnce(context.Background())

	if events := recorder.Events(); len(events) != 0 {
		t.Errorf("events after Untrack = %v, want none", events)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("refresh requests after Untrack = %d, want 0", got)
	}
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	server, _ := newRefreshServer(t, "r2")
	monitor, _, _ := monitorFixture(t, server.URL, 2*time.Minute, "r")

	var secondCalled atomic.Bool
	monitor.OnEvent(func(Event) { panic("handler bug") })
	monitor.OnEvent(func(Event) { secondCalled.Store(true) })

	monitor.CheckOnce(context.Background())

	if !secondCalled.Load() {
		t.Error("handler registered after the panicking one was not invoked")
	}
}

func TestMonitorStartStop(t *testing.T) {
	server, _ := newRefreshServer(t, "r2")

	store := NewStore(t.TempDir())
	token := testToken(time.Now(), 2*time.Minute)
	token.RefreshToken = "r"
	if err := store.Save("svc", token); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(store)
	monitor := NewMonitor(mgr, WithInterval(10*time.Millisecond))
	monitor.Track("svc", &AuthConfig{Type: AuthTypeDeviceCode, ClientID: "c", TokenURL: server.URL})

	refreshedCh := make(chan Event, 16)
	monitor.OnEvent(func(e Event) {
		if e.Type == EventRefreshed {
			select {
			case refreshedCh <- e:
			default:
			}
		}
	})

	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := monitor.Start(context.Background()); err == nil {
		t.Error("second Start succeeded, want error")
	}

	select {
	case <-refreshedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the monitor loop to refresh")
	}

	monitor.Stop()
	// Stop twice must not panic or deadlock.
	monitor.Stop()
}
