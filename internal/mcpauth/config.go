// Package mcpauth acquires and maintains OAuth credentials for remote MCP
// servers. It implements the RFC 8628 device authorization grant, the
// client-credentials grant, refresh-token rotation, a filesystem token store,
// and a proactive refresh monitor that keeps long-lived connections authorized.
package mcpauth

import (
	"fmt"
	"net/url"
	"strings"
)

// AuthType discriminates the supported OAuth grant families.
type AuthType string

const (
	AuthTypeClientCredentials AuthType = "client_credentials"
	AuthTypeDeviceCode        AuthType = "device_code"
)

// Default polling parameters for the device-code flow.
const (
	DefaultPollIntervalSeconds = 5
	DefaultTimeoutSeconds      = 300
)

// AuthConfig describes how to authorize against a single MCP server.
// It is a tagged union over AuthType: client_credentials requires
// ClientSecret, device_code requires DeviceAuthorizationURL and TokenURL.
type AuthConfig struct {
	Type         AuthType `yaml:"type" json:"type"`
	ClientID     string   `yaml:"client_id" json:"clientId"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"clientSecret,omitempty"`
	Scope        string   `yaml:"scope,omitempty" json:"scope,omitempty"`

	// TokenURL is required for device_code and optional for
	// client_credentials (without it the flow is delegated to the
	// transport's own auth provider).
	TokenURL string `yaml:"token_url,omitempty" json:"tokenUrl,omitempty"`

	// DeviceAuthorizationURL is the RFC 8628 authorization endpoint.
	DeviceAuthorizationURL string `yaml:"device_authorization_url,omitempty" json:"deviceAuthorizationUrl,omitempty"`

	// PollIntervalSeconds is the initial device-code polling cadence.
	// Zero means DefaultPollIntervalSeconds.
	PollIntervalSeconds int `yaml:"poll_interval_seconds,omitempty" json:"pollIntervalSeconds,omitempty"`

	// TimeoutSeconds bounds the device-code flow end to end. Zero means
	// DefaultTimeoutSeconds.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`

	// FailFastOnUnknownError treats unrecognized OAuth error bodies during
	// device-code polling as terminal instead of transient.
	FailFastOnUnknownError bool `yaml:"fail_fast_on_unknown_error,omitempty" json:"failFastOnUnknownError,omitempty"`
}

// ApplyDefaults fills zero-valued polling parameters in place.
func (c *AuthConfig) ApplyDefaults() {
	if c == nil {
		return
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

// Validate checks that the config carries the fields its grant type needs.
func (c *AuthConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("auth config is nil")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("auth config: client_id is required")
	}
	switch c.Type {
	case AuthTypeClientCredentials:
		if strings.TrimSpace(c.ClientSecret) == "" {
			return fmt.Errorf("auth config: client_secret is required for client_credentials")
		}
		if c.TokenURL != "" {
			if err := validateURL(c.TokenURL); err != nil {
				return fmt.Errorf("auth config: token_url: %w", err)
			}
		}
	case AuthTypeDeviceCode:
		if err := validateURL(c.DeviceAuthorizationURL); err != nil {
			return fmt.Errorf("auth config: device_authorization_url: %w", err)
		}
		if err := validateURL(c.TokenURL); err != nil {
			return fmt.Errorf("auth config: token_url: %w", err)
		}
	default:
		return fmt.Errorf("auth config: unknown type %q", c.Type)
	}
	return nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https, got %q", u.Scheme)
	}
	return nil
}
