package mcpauth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
)

// RefreshThreshold is how close to expiry a token may get before the monitor
// refreshes it proactively.
const RefreshThreshold = 5 * time.Minute

// DefaultCheckInterval is the monitor's polling cadence.
const DefaultCheckInterval = time.Minute

// EventType labels monitor lifecycle events.
type EventType string

const (
	EventExpiringSoon  EventType = "auth:expiring_soon"
	EventExpired       EventType = "auth:expired"
	EventRefreshed     EventType = "auth:refreshed"
	EventRefreshFailed EventType = "auth:refresh_failed"
)

// Event describes a change in a tracked server's token health.
type Event struct {
	Type    EventType
	Server  string
	Message string
}

// EventHandler receives monitor events. Handlers run synchronously in
// registration order; a panicking handler is logged and skipped.
type EventHandler func(Event)

// refresher is the slice of Manager the monitor depends on.
type refresher interface {
	RefreshToken(ctx context.Context, serverName string, config *AuthConfig, refreshValue string) (*StoredToken, error)
	Store() *Store
}

// Monitor periodically inspects tracked tokens and refreshes the ones about
// to expire, emitting events so operators can see auth health drift before
// connections start failing.
type Monitor struct {
	manager  refresher
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	interval time.Duration

	mu       sync.Mutex
	tracked  map[string]*AuthConfig
	handlers []EventHandler
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the check cadence.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMonitorMetrics records refresh outcomes.
func WithMonitorMetrics(metrics *observability.Metrics) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithMonitorNow overrides the clock.
func WithMonitorNow(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor returns a stopped monitor; call Start to begin the loop, or
// drive it manually with CheckOnce.
func NewMonitor(manager refresher, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		manager:  manager,
		logger:   slog.Default().With("component", "mcpauth.monitor"),
		now:      time.Now,
		interval: DefaultCheckInterval,
		tracked:  make(map[string]*AuthConfig),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track begins monitoring serverName's token. Re-tracking replaces the
// config.
func (m *Monitor) Track(serverName string, config *AuthConfig) {
	if config == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[serverName] = config
}

// Untrack stops monitoring serverName.
func (m *Monitor) Untrack(serverName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, serverName)
}

// OnEvent registers a handler for monitor events.
func (m *Monitor) OnEvent(handler EventHandler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Start launches the periodic check loop. A monitor runs at most once;
// starting a second time (running or stopped) returns an error.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("refresh monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CheckOnce(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for it to exit. Calling Stop on a monitor
// that never started, or calling it repeatedly, is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.done
	})
}

// CheckOnce inspects every tracked token exactly once. Errors are reported
// through events and logs; the sweep always visits all servers.
func (m *Monitor) CheckOnce(ctx context.Context) {
	m.mu.Lock()
	servers := make([]string, 0, len(m.tracked))
	configs := make(map[string]*AuthConfig, len(m.tracked))
	for name, config := range m.tracked {
		servers = append(servers, name)
		configs[name] = config
	}
	m.mu.Unlock()
	sort.Strings(servers)

	for _, server := range servers {
		m.checkServer(ctx, server, configs[server])
	}
}

func (m *Monitor) checkServer(ctx context.Context, server string, config *AuthConfig) {
	store := m.manager.Store()
	token := store.Load(server)
	if token == nil || token.ExpiresAt == nil {
		return
	}

	left := token.ExpiresAt.Sub(m.now())
	switch {
	case left <= 0:
		m.emit(Event{
			Type:    EventExpired,
			Server:  server,
			Message: fmt.Sprintf("token expired %s ago", -left),
		})

	case left <= RefreshThreshold:
		if token.RefreshToken == "" {
			m.emit(Event{
				Type:    EventExpiringSoon,
				Server:  server,
				Message: fmt.Sprintf("token expires in %s and has no refresh token", left.Round(time.Second)),
			})
			return
		}
		refreshed, err := m.manager.RefreshToken(ctx, server, config, token.RefreshToken)
		if err != nil {
			m.metrics.RecordAuthRefresh(server, "failed")
			m.emit(Event{
				Type:    EventRefreshFailed,
				Server:  server,
				Message: fmt.Sprintf("refresh failed: %v", err),
			})
			return
		}
		if err := store.Save(server, refreshed); err != nil {
			m.metrics.RecordAuthRefresh(server, "failed")
			m.emit(Event{
				Type:    EventRefreshFailed,
				Server:  server,
				Message: fmt.Sprintf("refreshed but could not persist: %v", err),
			})
			return
		}
		m.metrics.RecordAuthRefresh(server, "refreshed")
		m.emit(Event{
			Type:    EventRefreshed,
			Server:  server,
			Message: "token refreshed proactively",
		})
	}
}

func (m *Monitor) emit(event Event) {
	m.mu.Lock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.logger.Info("auth event", "type", string(event.Type), "server", event.Server, "message", event.Message)
	for _, handler := range handlers {
		m.invoke(handler, event)
	}
}

func (m *Monitor) invoke(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("auth event handler panicked", "type", string(event.Type), "server", event.Server, "panic", r)
		}
	}()
	handler(event)
}
