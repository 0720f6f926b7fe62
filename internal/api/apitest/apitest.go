// Package apitest runs the real file API over a temporary bolt store and an
// in-memory content backend.
package apitest

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/muawin/muawin/internal/api"
	"github.com/muawin/muawin/internal/auth"
	"github.com/muawin/muawin/internal/events"
	"github.com/muawin/muawin/internal/logging"
	"github.com/muawin/muawin/internal/metadata/bolt"
	"github.com/muawin/muawin/internal/storage/local"
)

// Secret signs every test token.
const Secret = "apitest-secret"

// Env is a running test server.
type Env struct {
	Server      *httptest.Server
	Auth        *auth.Auth
	Store       *bolt.Store
	Storage     *local.Backend
	Broadcaster *events.Broadcaster
	Fs          afero.Fs
}

// New starts a server and registers cleanup on t.
func New(t testing.TB, opts api.Options) *Env {
	t.Helper()
	logging.UseLogger(zap.NewNop())

	store, err := bolt.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	fs := afero.NewMemMapFs()
	backend, err := local.NewWithFs(fs, local.Config{RootPath: "/objects", CreateDirs: true})
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}

	a := auth.New(Secret)
	b := events.NewBroadcaster()
	srv := api.NewServer(store, backend, a, b, opts)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return &Env{Server: ts, Auth: a, Store: store, Storage: backend, Broadcaster: b, Fs: fs}
}

// Token mints a token for role scoped to zone/branch.
func (e *Env) Token(t testing.TB, username, role, zone, branch string) string {
	t.Helper()
	tok, _, err := e.Auth.IssueToken(auth.Claims{
		UserID:   "id-" + username,
		Username: username,
		Role:     role,
		Zone:     zone,
		Branch:   branch,
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// AdminToken mints an Admin token.
func (e *Env) AdminToken(t testing.TB) string {
	return e.Token(t, "admin", auth.RoleAdmin, "", "")
}
