package mcpauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/haasonsaas/relay/internal/observability"
)

// TransportAuthMode selects how the MCP transport authorizes requests.
type TransportAuthMode string

const (
	// TransportAuthNone leaves requests unauthenticated.
	TransportAuthNone TransportAuthMode = "none"
	// TransportAuthProvider delegates token acquisition to a TokenProvider
	// consulted by the transport at connect time.
	TransportAuthProvider TransportAuthMode = "provider"
	// TransportAuthHeaders attaches a fixed header set to every request.
	TransportAuthHeaders TransportAuthMode = "headers"
)

// TransportAuth is the resolved authorization strategy for one MCP server.
type TransportAuth struct {
	Mode     TransportAuthMode
	Headers  map[string]string
	Provider TokenProvider
}

// TokenProvider mints bearer tokens on demand. Implementations cache
// internally; callers invoke Token once per connection attempt.
type TokenProvider interface {
	Token(ctx context.Context) (*StoredToken, error)
}

// Manager routes auth configs to the matching grant flow and caches the
// results in the token store. One Manager serves all configured servers.
type Manager struct {
	store      *Store
	flow       *DeviceFlow
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
	retryDelay time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerHTTPClient sets the HTTP client for token endpoints.
func WithManagerHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDeviceFlow replaces the device-code flow driver.
func WithDeviceFlow(flow *DeviceFlow) ManagerOption {
	return func(m *Manager) {
		if flow != nil {
			m.flow = flow
		}
	}
}

// WithManagerNow overrides the clock.
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRetryDelay sets the pause before the single client-credentials retry.
func WithRetryDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.retryDelay = d
		}
	}
}

// NewManager returns a Manager backed by store.
func NewManager(store *Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "mcpauth"),
		now:        time.Now,
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.flow == nil {
		m.flow = NewDeviceFlow(WithHTTPClient(m.client), WithFlowLogger(m.logger))
	}
	return m
}

// Store exposes the backing token store.
func (m *Manager) Store() *Store { return m.store }

// ResolveTransportAuth decides how the transport for serverName should
// authorize, acquiring a token first when the cache cannot satisfy the
// config. A nil config means the server is public.
func (m *Manager) ResolveTransportAuth(ctx context.Context, serverName string, config *AuthConfig) (*TransportAuth, error) {
	if config == nil {
		return &TransportAuth{Mode: TransportAuthNone}, nil
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case AuthTypeClientCredentials:
		if strings.TrimSpace(config.TokenURL) == "" {
			// No static token endpoint: hand the transport a provider that
			// resolves the endpoint from server metadata at connect time.
			return &TransportAuth{
				Mode:     TransportAuthProvider,
				Provider: m.newClientCredentialsProvider(serverName, config),
			}, nil
		}
		if token := m.store.Load(serverName); m.store.IsValid(token) {
			return bearerAuth(token), nil
		}
		token, err := m.fetchClientCredentials(ctx, serverName, config)
		if err != nil {
			return nil, err
		}
		m.persist(serverName, token)
		return bearerAuth(token), nil

	case AuthTypeDeviceCode:
		cached := m.store.Load(serverName)
		if m.store.IsValid(cached) {
			return bearerAuth(cached), nil
		}
		if cached != nil && cached.RefreshToken != "" {
			refreshed, err := m.RefreshToken(ctx, serverName, config, cached.RefreshToken)
			if err == nil {
				m.persist(serverName, refreshed)
				return bearerAuth(refreshed), nil
			}
			m.logger.Warn("token refresh failed, falling back to device flow",
				"server", serverName, "error", err)
		}
		token, err := m.flow.Authorize(ctx, serverName, config)
		if err != nil {
			return nil, err
		}
		m.persist(serverName, token)
		return bearerAuth(token), nil

	default:
		return nil, fmt.Errorf("unsupported auth type %q for %s", config.Type, serverName)
	}
}

// RefreshToken exchanges refreshValue for a fresh token at config.TokenURL.
// When the server omits a new refresh_token the original value is carried
// forward so the rotation chain never breaks.
func (m *Manager) RefreshToken(ctx context.Context, serverName string, config *AuthConfig, refreshValue string) (*StoredToken, error) {
	if strings.TrimSpace(config.TokenURL) == "" {
		return nil, fmt.Errorf("refresh for %s: token_url is not configured", serverName)
	}
	if strings.TrimSpace(refreshValue) == "" {
		return nil, fmt.Errorf("refresh for %s: no refresh token", serverName)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshValue)
	form.Set("client_id", config.ClientID)
	if config.ClientSecret != "" {
		form.Set("client_secret", config.ClientSecret)
	}

	body, status, err := postForm(ctx, m.client, config.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("refresh for %s: %w", serverName, err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("refresh for %s: token endpoint returned status %d: %s",
			serverName, status, truncateBody(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("refresh for %s: parse response: %w", serverName, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("refresh for %s: response missing access_token", serverName)
	}

	token := tr.storedToken(config.Type, m.now())
	if token.RefreshToken == "" {
		token.RefreshToken = refreshValue
	}
	return token, nil
}

// fetchClientCredentials runs the client-credentials grant with one retry
// after retryDelay. Token endpoints flake under load; a single spaced retry
// covers the common case without masking real outages.
func (m *Manager) fetchClientCredentials(ctx context.Context, serverName string, config *AuthConfig) (*StoredToken, error) {
	cc := &clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     config.TokenURL,
		Scopes:       splitScopes(config.Scope),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	tok, err := cc.Token(ctx)
	if err != nil {
		m.logger.Warn("client credentials fetch failed, retrying once",
			"server", serverName, "error", err)
		timer := time.NewTimer(m.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		tok, err = cc.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("client credentials grant for %s: %w", serverName, err)
		}
	}
	return m.fromOAuth2Token(tok, config), nil
}

func (m *Manager) fromOAuth2Token(tok *oauth2.Token, config *AuthConfig) *StoredToken {
	token := &StoredToken{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ObtainedAt:   m.now(),
		AuthType:     config.Type,
		RefreshToken: tok.RefreshToken,
		Scope:        config.Scope,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		token.ExpiresAt = &expiry
	}
	return token
}

func (m *Manager) persist(serverName string, token *StoredToken) {
	if err := m.store.Save(serverName, token); err != nil {
		m.logger.Warn("failed to persist token", "server", serverName, "error", err)
		return
	}
	m.logger.Debug("token persisted",
		"server", serverName, "token", observability.RedactToken(token.AccessToken))
}

func bearerAuth(token *StoredToken) *TransportAuth {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &TransportAuth{
		Mode:    TransportAuthHeaders,
		Headers: map[string]string{"Authorization": tokenType + " " + token.AccessToken},
	}
}

func splitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// ClientCredentialsProvider implements TokenProvider for servers whose token
// endpoint is not configured statically. The transport discovers the
// endpoint from the server's OAuth metadata and injects it via
// SetTokenEndpoint before requesting tokens. Fetched tokens are persisted so
// later runs can start from the cache.
type ClientCredentialsProvider struct {
	serverName string
	config     *AuthConfig
	store      *Store
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	endpoint string
	cached   *StoredToken
}

func (m *Manager) newClientCredentialsProvider(serverName string, config *AuthConfig) *ClientCredentialsProvider {
	p := &ClientCredentialsProvider{
		serverName: serverName,
		config:     config,
		store:      m.store,
		client:     m.client,
		logger:     m.logger,
		now:        m.now,
	}
	if seed := m.store.Load(serverName); m.store.IsValid(seed) {
		p.cached = seed
	}
	return p
}

// SetTokenEndpoint installs the discovered token endpoint.
func (p *ClientCredentialsProvider) SetTokenEndpoint(tokenURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoint = tokenURL
}

// Token returns the cached token while it remains valid, otherwise fetches a
// fresh one from the discovered endpoint and persists it.
func (p *ClientCredentialsProvider) Token(ctx context.Context) (*StoredToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.store.IsValid(p.cached) {
		return p.cached, nil
	}
	if strings.TrimSpace(p.endpoint) == "" {
		return nil, fmt.Errorf("token endpoint for %s not discovered yet", p.serverName)
	}

	cc := &clientcredentials.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		TokenURL:     p.endpoint,
		Scopes:       splitScopes(p.config.Scope),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, p.client))
	if err != nil {
		return nil, fmt.Errorf("client credentials grant for %s: %w", p.serverName, err)
	}

	token := &StoredToken{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ObtainedAt:   p.now(),
		AuthType:     AuthTypeClientCredentials,
		RefreshToken: tok.RefreshToken,
		Scope:        p.config.Scope,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		token.ExpiresAt = &expiry
	}
	if err := p.store.Save(p.serverName, token); err != nil {
		p.logger.Warn("failed to persist token", "server", p.serverName, "error", err)
	}
	p.cached = token
	return token, nil
}
