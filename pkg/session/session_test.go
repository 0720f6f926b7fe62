package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
)

func signed(t *testing.T, role, zone, branch string, exp time.Time) string {
	t.Helper()
	claims := identityClaims{
		UserID:   "u-17",
		Username: "amira",
		Role:     role,
		Zone:     zone,
		Branch:   branch,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestStatic(t *testing.T) {
	if Static("").IsAuthenticated() {
		t.Error("empty static session reported authenticated")
	}
	if _, ok := Static("").Token(); ok {
		t.Error("empty static session returned a token")
	}
	tok, ok := Static("abc").Token()
	if !ok || tok != "abc" {
		t.Errorf("Token() = %q, %v", tok, ok)
	}
}

func TestParseIdentity(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	id, err := Describe(Static(signed(t, "Manager", "North", "B1", exp)))
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if id.Username != "amira" || id.Zone != "North" || id.Branch != "B1" || id.UserID != "u-17" {
		t.Errorf("identity = %+v", id)
	}
	if id.IsAdmin() {
		t.Error("Manager reported as admin")
	}
	if !id.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", id.ExpiresAt, exp)
	}

	admin, _ := ParseIdentity(signed(t, "admin", "", "", exp))
	if !admin.IsAdmin() {
		t.Error("admin role not recognised")
	}

	if _, err := Describe(Static("")); !errors.Is(err, ErrNoToken) {
		t.Errorf("Describe(empty) = %v, want ErrNoToken", err)
	}
	if _, err := ParseIdentity("not.a.jwt"); err == nil {
		t.Error("expected parse error")
	}
}

func TestFileSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFile(fs, "/home/u/.muawin/token")

	if s.IsAuthenticated() {
		t.Fatal("missing file reported authenticated")
	}

	live := signed(t, "Admin", "", "", time.Now().Add(time.Hour))
	if err := s.Save(live); err != nil {
		t.Fatalf("Save: %v", err)
	}
	tok, ok := s.Token()
	if !ok || tok != live {
		t.Fatalf("Token() = %q, %v", tok, ok)
	}

	// Re-read on every call.
	expired := signed(t, "Admin", "", "", time.Now().Add(-time.Minute))
	if err := s.Save(expired); err != nil {
		t.Fatal(err)
	}
	if s.IsAuthenticated() {
		t.Error("expired token reported authenticated")
	}

	// Opaque tokens are passed through untouched.
	if err := s.Save("opaque-token"); err != nil {
		t.Fatal(err)
	}
	if tok, ok := s.Token(); !ok || tok != "opaque-token" {
		t.Errorf("Token() = %q, %v", tok, ok)
	}
}
