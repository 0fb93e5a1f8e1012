package mcpauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
)

// ErrorKind classifies terminal device-flow failures.
type ErrorKind string

const (
	ErrorKindDenied  ErrorKind = "denied"
	ErrorKindExpired ErrorKind = "expired"
	ErrorKindNetwork ErrorKind = "network"
	ErrorKindTimeout ErrorKind = "timeout"
)

// AuthError is a terminal authorization failure with a stable discriminator
// so callers can distinguish "user said no" from "endpoint unreachable".
type AuthError struct {
	Kind    ErrorKind
	Server  string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s for %s: %s: %v", e.Kind, e.Server, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s for %s: %s", e.Kind, e.Server, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthErrorKind extracts the discriminator from err, or "" if err is not an
// AuthError.
func AuthErrorKind(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return ""
}

// DeviceAuthorizationResponse is the RFC 8628 §3.2 authorization response.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// UserPrompt carries the verification details an operator needs to approve a
// pending device authorization.
type UserPrompt struct {
	Server                  string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
}

// PromptFunc receives the user prompt once the authorization request has
// been accepted. It must not block: polling starts as soon as it returns.
type PromptFunc func(UserPrompt)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// slowDownStep is how much the polling interval grows on each slow_down
// response, per RFC 8628 §3.5.
const slowDownStep = 5 * time.Second

// SleepFunc pauses between polls. The default implementation waits on a
// timer and aborts when ctx is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// DeviceFlow drives the RFC 8628 device authorization grant for one or more
// servers. The zero value is not usable; construct with NewDeviceFlow.
type DeviceFlow struct {
	client *http.Client
	logger *slog.Logger
	prompt PromptFunc
	now    func() time.Time
	sleep  SleepFunc
}

// DeviceFlowOption configures a DeviceFlow.
type DeviceFlowOption func(*DeviceFlow)

// WithHTTPClient sets the HTTP client used for both endpoints.
func WithHTTPClient(client *http.Client) DeviceFlowOption {
	return func(f *DeviceFlow) {
		if client != nil {
			f.client = client
		}
	}
}

// WithFlowLogger sets the logger for polling progress.
func WithFlowLogger(logger *slog.Logger) DeviceFlowOption {
	return func(f *DeviceFlow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPrompt sets the sink that surfaces the user code to the operator.
func WithPrompt(prompt PromptFunc) DeviceFlowOption {
	return func(f *DeviceFlow) {
		if prompt != nil {
			f.prompt = prompt
		}
	}
}

// WithFlowNow overrides the clock used for deadlines and token timestamps.
func WithFlowNow(now func() time.Time) DeviceFlowOption {
	return func(f *DeviceFlow) {
		if now != nil {
			f.now = now
		}
	}
}

// WithSleep overrides the inter-poll pause.
func WithSleep(sleep SleepFunc) DeviceFlowOption {
	return func(f *DeviceFlow) {
		if sleep != nil {
			f.sleep = sleep
		}
	}
}

// NewDeviceFlow returns a flow with a 30s HTTP timeout and a prompt that
// logs the verification details.
func NewDeviceFlow(opts ...DeviceFlowOption) *DeviceFlow {
	f := &DeviceFlow{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default().With("component", "mcpauth.deviceflow"),
		now:    time.Now,
		sleep:  defaultSleep,
	}
	f.prompt = f.logPrompt
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *DeviceFlow) logPrompt(p UserPrompt) {
	f.logger.Info("device authorization pending",
		"server", p.Server,
		"verification_uri", p.VerificationURI,
		"user_code", p.UserCode,
		"verification_uri_complete", p.VerificationURIComplete,
	)
}

// Authorize runs the device-code grant to completion: it requests a device
// code, surfaces the user prompt, and polls the token endpoint until the
// grant is approved, denied, or times out. Transient poll failures (network
// hiccups, unparseable bodies, unknown error codes) are logged and retried.
func (f *DeviceFlow) Authorize(ctx context.Context, serverName string, config *AuthConfig) (*StoredToken, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	auth, err := f.requestDeviceCode(ctx, serverName, config)
	if err != nil {
		return nil, err
	}

	f.prompt(UserPrompt{
		Server:                  serverName,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
	})

	interval := time.Duration(config.PollIntervalSeconds) * time.Second
	if auth.Interval > 0 {
		interval = time.Duration(auth.Interval) * time.Second
	}
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if auth.ExpiresIn > 0 {
		if codeLife := time.Duration(auth.ExpiresIn) * time.Second; codeLife < timeout {
			timeout = codeLife
		}
	}
	deadline := f.now().Add(timeout)

	for {
		if err := f.sleep(ctx, interval); err != nil {
			return nil, &AuthError{Kind: ErrorKindTimeout, Server: serverName, Message: "authorization cancelled", Err: err}
		}
		if !f.now().Before(deadline) {
			break
		}

		token, pollErr := f.pollToken(ctx, serverName, config, auth.DeviceCode)
		if pollErr == nil && token != nil {
			return token, nil
		}
		if pollErr == nil {
			continue
		}
		if errors.Is(pollErr, errSlowDown) {
			interval += slowDownStep
			f.logger.Debug("server requested slower polling", "server", serverName, "interval", interval)
			continue
		}

		var authErr *AuthError
		if errors.As(pollErr, &authErr) {
			return nil, authErr
		}
		f.logger.Warn("device token poll failed, retrying", "server", serverName, "error", pollErr)
	}

	return nil, &AuthError{
		Kind:    ErrorKindTimeout,
		Server:  serverName,
		Message: fmt.Sprintf("device authorization not completed within %s", timeout),
	}
}

func (f *DeviceFlow) requestDeviceCode(ctx context.Context, serverName string, config *AuthConfig) (*DeviceAuthorizationResponse, error) {
	form := url.Values{}
	form.Set("client_id", config.ClientID)
	if config.ClientSecret != "" {
		form.Set("client_secret", config.ClientSecret)
	}
	if config.Scope != "" {
		form.Set("scope", config.Scope)
	}

	body, status, err := postForm(ctx, f.client, config.DeviceAuthorizationURL, form)
	if err != nil {
		return nil, &AuthError{Kind: ErrorKindNetwork, Server: serverName, Message: "device authorization request failed", Err: err}
	}
	if status < 200 || status >= 300 {
		return nil, &AuthError{
			Kind:    ErrorKindNetwork,
			Server:  serverName,
			Message: fmt.Sprintf("device authorization endpoint returned status %d: %s", status, truncateBody(body)),
		}
	}

	var auth DeviceAuthorizationResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, &AuthError{Kind: ErrorKindNetwork, Server: serverName, Message: "invalid device authorization response", Err: err}
	}
	if auth.DeviceCode == "" || auth.UserCode == "" || auth.VerificationURI == "" {
		return nil, &AuthError{Kind: ErrorKindNetwork, Server: serverName, Message: "device authorization response missing required fields"}
	}
	return &auth, nil
}

// pollToken performs one token-endpoint poll. It returns (token, nil) on
// grant, (nil, nil) when the grant is still pending, a *AuthError for
// terminal states, and any other error for retryable failures. slow_down is
// handled by the caller via errSlowDown.
func (f *DeviceFlow) pollToken(ctx context.Context, serverName string, config *AuthConfig, deviceCode string) (*StoredToken, error) {
	form := url.Values{}
	form.Set("grant_type", deviceGrantType)
	form.Set("device_code", deviceCode)
	form.Set("client_id", config.ClientID)

	body, status, err := postForm(ctx, f.client, config.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("token poll request: %w", err)
	}

	if status >= 200 && status < 300 {
		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, fmt.Errorf("parse token response: %w", err)
		}
		if tr.AccessToken == "" {
			return nil, fmt.Errorf("token response missing access_token")
		}
		return tr.storedToken(AuthTypeDeviceCode, f.now()), nil
	}

	var oauthErr oauthErrorBody
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil, fmt.Errorf("parse token error body (status %d): %w", status, err)
	}
	switch oauthErr.Error {
	case "authorization_pending":
		return nil, nil
	case "slow_down":
		return nil, errSlowDown
	case "expired_token":
		return nil, &AuthError{Kind: ErrorKindExpired, Server: serverName, Message: "device code expired before authorization"}
	case "access_denied":
		return nil, &AuthError{Kind: ErrorKindDenied, Server: serverName, Message: "authorization denied by user"}
	default:
		if config.FailFastOnUnknownError {
			return nil, &AuthError{
				Kind:    ErrorKindNetwork,
				Server:  serverName,
				Message: fmt.Sprintf("token endpoint returned terminal error %q: %s", oauthErr.Error, oauthErr.ErrorDescription),
			}
		}
		return nil, fmt.Errorf("token endpoint returned %q (status %d)", oauthErr.Error, status)
	}
}

var errSlowDown = fmt.Errorf("oauth server requested slower polling")

// tokenResponse is the RFC 6749 §5.1 token success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func (tr *tokenResponse) storedToken(authType AuthType, now time.Time) *StoredToken {
	token := &StoredToken{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		ObtainedAt:   now,
		AuthType:     authType,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if tr.ExpiresIn > 0 {
		expires := now.Add(time.Duration(tr.ExpiresIn) * time.Second)
		token.ExpiresAt = &expires
	}
	return token
}

type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// truncateBody prepares a server response body for inclusion in an error.
// Token endpoints receive client secrets; a reflecting error page would echo
// them, so token-shaped runs are redacted before the body leaves the package.
func truncateBody(body []byte) string {
	const max = 256
	s := observability.RedactSecrets(strings.TrimSpace(string(body)))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
