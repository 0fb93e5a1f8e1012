package mcpauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ExpiryBuffer is subtracted from a token's expiry when deciding whether a
// cached token is still usable. A token with exactly this much life left is
// treated as expired so in-flight requests do not race the deadline.
const ExpiryBuffer = 60 * time.Second

// StoredToken is the persisted form of an acquired OAuth token.
type StoredToken struct {
	AccessToken  string     `json:"accessToken"`
	TokenType    string     `json:"tokenType"`
	ObtainedAt   time.Time  `json:"obtainedAt"`
	AuthType     AuthType   `json:"authType"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Validate rejects tokens that could not have come from a completed grant.
func (t *StoredToken) Validate() error {
	if t == nil {
		return fmt.Errorf("token is nil")
	}
	if strings.TrimSpace(t.AccessToken) == "" {
		return fmt.Errorf("token missing accessToken")
	}
	switch t.AuthType {
	case AuthTypeClientCredentials, AuthTypeDeviceCode:
	default:
		return fmt.Errorf("token has unknown authType %q", t.AuthType)
	}
	if t.ExpiresAt != nil && t.ObtainedAt.After(*t.ExpiresAt) {
		return fmt.Errorf("token obtainedAt is after expiresAt")
	}
	return nil
}

var tokenNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeServerName maps a server name onto the restricted character set
// used for token filenames. Distinct names can collide after sanitization;
// CheckNameCollisions reports such groups.
func SanitizeServerName(name string) string {
	return tokenNameSanitizer.ReplaceAllString(name, "_")
}

// Store persists one token file per MCP server under <dir>/mcp/. The
// directory is created lazily with mode 0700 and files are written with mode
// 0600 so credentials stay private to the owning user.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for swallowed load errors.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreNow overrides the clock used for validity checks.
func WithStoreNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a token store rooted at authDir. Nothing is created on
// disk until the first Save.
func NewStore(authDir string, opts ...StoreOption) *Store {
	s := &Store{
		dir:    filepath.Join(authDir, "mcp"),
		logger: slog.Default().With("component", "mcpauth.store"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory token files live in.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(serverName string) string {
	return filepath.Join(s.dir, SanitizeServerName(serverName)+".json")
}

// Load reads the token for serverName. A missing, unreadable, or malformed
// file yields nil rather than an error: a corrupt token file is equivalent to
// being logged out, and the caller re-authorizes.
func (s *Store) Load(serverName string) *StoredToken {
	path := s.path(serverName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read token file", "server", serverName, "path", path, "error", err)
		}
		return nil
	}
	var token StoredToken
	if err := json.Unmarshal(data, &token); err != nil {
		s.logger.Warn("failed to parse token file", "server", serverName, "path", path, "error", err)
		return nil
	}
	if err := token.Validate(); err != nil {
		s.logger.Warn("ignoring invalid token file", "server", serverName, "path", path, "error", err)
		return nil
	}
	return &token
}

// Save writes the token for serverName, creating the store directory on
// first use. The file is staged alongside its destination and renamed into
// place so readers never observe a partial write.
func (s *Store) Save(serverName string, token *StoredToken) error {
	if err := token.Validate(); err != nil {
		return fmt.Errorf("refusing to save token for %s: %w", serverName, err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	path := s.path(serverName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}

// Delete removes the token for serverName. Deleting a token that does not
// exist is not an error.
func (s *Store) Delete(serverName string) error {
	err := os.Remove(s.path(serverName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete token file: %w", err)
	}
	return nil
}

// IsValid reports whether a token can still be presented. Tokens without an
// expiry never go stale locally; the rest must have more than ExpiryBuffer
// of life left.
func (s *Store) IsValid(token *StoredToken) bool {
	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		return false
	}
	if token.ExpiresAt == nil {
		return true
	}
	return token.ExpiresAt.Sub(s.now()) > ExpiryBuffer
}

// CheckNameCollisions reports server names that map to the same token file
// after sanitization. Collisions are configuration mistakes: the colliding
// servers would silently share credentials.
func (s *Store) CheckNameCollisions(names []string) []string {
	groups := make(map[string][]string)
	for _, name := range names {
		key := SanitizeServerName(name)
		groups[key] = append(groups[key], name)
	}
	keys := make([]string, 0, len(groups))
	for key, members := range groups {
		if len(members) >= 2 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var messages []string
	for _, key := range keys {
		members := groups[key]
		sort.Strings(members)
		messages = append(messages, fmt.Sprintf(
			"MCP servers %s share the token file %q; rename them to avoid overwriting each other's credentials",
			strings.Join(quoteAll(members), ", "), key+".json"))
	}
	return messages
}

func quoteAll(items []string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = fmt.Sprintf("%q", item)
	}
	return out
}
