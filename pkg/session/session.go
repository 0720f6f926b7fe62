// Package session supplies the bearer credential used by the client packages.
// Callers inject a Context; nothing in the client reads ambient state.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
)

// RoleAdmin may select any zone and branch.
const RoleAdmin = "Admin"

// Context is the credential capability handed to the client.
type Context interface {
	// Token returns the bearer token and whether one is present.
	Token() (string, bool)
	IsAuthenticated() bool
}

// Identity is what the client can learn from its own token without the
// signing secret. It is used for defaults only; the server verifies.
type Identity struct {
	UserID    string
	Username  string
	Role      string
	Zone      string
	Branch    string
	ExpiresAt time.Time
}

// IsAdmin reports whether the identity carries the Admin role.
func (id Identity) IsAdmin() bool {
	return strings.EqualFold(id.Role, RoleAdmin)
}

type identityClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Zone     string `json:"zone"`
	Branch   string `json:"branch"`
	jwt.RegisteredClaims
}

// ErrNoToken is returned by Describe when the context holds no token.
var ErrNoToken = errors.New("no session token")

// Describe decodes the identity claims of the token held by c.
func Describe(c Context) (Identity, error) {
	if c == nil {
		return Identity{}, ErrNoToken
	}
	tok, ok := c.Token()
	if !ok {
		return Identity{}, ErrNoToken
	}
	return ParseIdentity(tok)
}

// ParseIdentity decodes claims without verifying the signature.
func ParseIdentity(token string) (Identity, error) {
	var claims identityClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	id := Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
		Zone:     claims.Zone,
		Branch:   claims.Branch,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Static is a fixed token. The empty string means "not logged in".
type Static string

func (s Static) Token() (string, bool) { return string(s), s != "" }

func (s Static) IsAuthenticated() bool { return s != "" }

// File reads the token from a file on every call, so a token refreshed by
// another process is picked up without restarting. Expired JWTs count as
// absent.
type File struct {
	fs   afero.Fs
	path string
}

// NewFile creates a file-backed session. A nil fs means the OS filesystem.
func NewFile(fs afero.Fs, path string) *File {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &File{fs: fs, path: path}
}

// Token implements Context.
func (f *File) Token() (string, bool) {
	tok := f.read()
	if tok == "" {
		return "", false
	}
	if id, err := ParseIdentity(tok); err == nil && !id.ExpiresAt.IsZero() && time.Now().After(id.ExpiresAt) {
		return "", false
	}
	return tok, true
}

// IsAuthenticated implements Context.
func (f *File) IsAuthenticated() bool {
	_, ok := f.Token()
	return ok
}

// Save writes a token to the file with owner-only permissions.
func (f *File) Save(token string) error {
	if err := afero.WriteFile(f.fs, f.path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

func (f *File) read() string {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
