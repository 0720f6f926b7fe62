package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pterm/pterm"

	"github.com/muawin/muawin/internal/api"
	"github.com/muawin/muawin/internal/api/apitest"
	"github.com/muawin/muawin/internal/auth"
	"github.com/muawin/muawin/pkg/models"
	"github.com/muawin/muawin/pkg/pathcodec"
	"github.com/muawin/muawin/pkg/session"
	"github.com/muawin/muawin/pkg/transport"
)

func init() {
	pterm.DisableStyling()
}

type cliEnv struct {
	env       *apitest.Env
	dir       string
	tokenFile string
}

func newCLIEnv(t *testing.T, role, zone, branch string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	for _, k := range []string{"MUAWIN_SERVER", "MUAWIN_CATEGORY", "MUAWIN_ZONE", "MUAWIN_BRANCH", "MUAWIN_TOKEN_FILE"} {
		t.Setenv(k, "")
	}

	env := apitest.New(t, api.Options{})
	tokenFile := filepath.Join(dir, "token")
	tok := env.Token(t, "amina", role, zone, branch)
	if err := os.WriteFile(tokenFile, []byte(tok+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return &cliEnv{env: env, dir: dir, tokenFile: tokenFile}
}

func (c *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	base := []string{"--server", c.env.Server.URL, "--token-file", c.tokenFile}
	cmd.SetArgs(append(base, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cliEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(c.dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

var scopeArgs = []string{"--category", "hse-records", "--zone", "North", "--branch", "B1"}

func TestUploadListRemove(t *testing.T) {
	c := newCLIEnv(t, auth.RoleAdmin, "", "")
	report := c.writeFile(t, "Site Audit.pdf", "%PDF-1.4 audit")
	notes := c.writeFile(t, "notes.txt", "hello")

	out, err := c.run(t, append(scopeArgs, "upload", report, notes)...)
	if err != nil {
		t.Fatalf("upload: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Site_Audit.pdf") || !strings.Contains(out, "00002") {
		t.Errorf("upload output:\n%s", out)
	}

	out, err = c.run(t, append(scopeArgs, "ls")...)
	if err != nil {
		t.Fatalf("ls: %v\n%s", err, out)
	}
	for _, want := range []string{"Site Audit", "notes", "PDF", "TXT", "hse-records/North/B1/Site_Audit"} {
		if !strings.Contains(out, want) {
			t.Errorf("ls output missing %q:\n%s", want, out)
		}
	}

	out, err = c.run(t, append(scopeArgs, "ls", "--search", "audit")...)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "notes") {
		t.Errorf("search kept notes:\n%s", out)
	}

	out, err = c.run(t, append(scopeArgs, "rm", "-y", "notes.txt")...)
	if err != nil {
		t.Fatalf("rm: %v\n%s", err, out)
	}
	out, _ = c.run(t, append(scopeArgs, "ls")...)
	if strings.Contains(out, "notes") {
		t.Errorf("deleted file still listed:\n%s", out)
	}

	if _, err := c.run(t, append(scopeArgs, "rm", "-y", "notes.txt")...); err == nil {
		t.Error("removing a missing file should fail")
	}
}

func TestUploadRejectedTypeFails(t *testing.T) {
	c := newCLIEnv(t, auth.RoleAdmin, "", "")
	bin := c.writeFile(t, "tool.exe", "MZ")
	out, err := c.run(t, append(scopeArgs, "upload", bin)...)
	if err == nil {
		t.Fatalf("expected failure, output:\n%s", out)
	}
	if !strings.Contains(out, "tool.exe") {
		t.Errorf("output:\n%s", out)
	}
}

func TestGet(t *testing.T) {
	c := newCLIEnv(t, auth.RoleAdmin, "", "")
	plan := c.writeFile(t, "plan.pdf", "%PDF-1.4 plan")
	if out, err := c.run(t, append(scopeArgs, "upload", plan)...); err != nil {
		t.Fatalf("upload: %v\n%s", err, out)
	}

	dest := filepath.Join(c.dir, "out", "copy.pdf")
	if out, err := c.run(t, "get", "plan.pdf", "-o", dest); err != nil {
		t.Fatalf("get: %v\n%s", err, out)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "%PDF-1.4 plan" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}

	out, err := c.run(t, append(scopeArgs, "get", "plan.pdf", "-o", "-")...)
	if err != nil {
		t.Fatal(err)
	}
	if out != "%PDF-1.4 plan" {
		t.Errorf("stdout = %q", out)
	}

	if _, err := c.run(t, "get", "missing.pdf", "-o", filepath.Join(c.dir, "missing.pdf")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestScopeDefaultsFromToken(t *testing.T) {
	c := newCLIEnv(t, "Manager", "North", "B1")
	out, err := c.run(t, "--category", "hse-records", "ls")
	if err != nil {
		t.Fatalf("ls: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No files.") {
		t.Errorf("output:\n%s", out)
	}

	if _, err := c.run(t, "--category", "hse-records", "--zone", "South", "ls"); err == nil {
		t.Error("expected forbidden listing for another zone")
	}
}

func TestAdminNeedsScope(t *testing.T) {
	c := newCLIEnv(t, auth.RoleAdmin, "", "")
	_, err := c.run(t, "--category", "hse-records", "ls")
	if err == nil || !strings.Contains(err.Error(), "--zone") {
		t.Errorf("err = %v", err)
	}
	_, err = c.run(t, "ls")
	if err == nil || !strings.Contains(err.Error(), "--category") {
		t.Errorf("err = %v", err)
	}
}

func TestEnvAndConfigFile(t *testing.T) {
	c := newCLIEnv(t, auth.RoleAdmin, "", "")
	t.Setenv("MUAWIN_CATEGORY", "hse-records")

	cfg := c.writeFile(t, "muawin.yaml", "zone: North\nbranch: B1\n")
	out, err := c.run(t, "--config", cfg, "ls")
	if err != nil {
		t.Fatalf("ls: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No files.") {
		t.Errorf("output:\n%s", out)
	}

	if _, err := c.run(t, "--config", filepath.Join(c.dir, "absent.yaml"), "ls"); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestNotLoggedIn(t *testing.T) {
	c := newCLIEnv(t, auth.RoleAdmin, "", "")
	os.Remove(c.tokenFile)
	_, err := c.run(t, append(scopeArgs, "ls")...)
	if err == nil || !strings.Contains(err.Error(), "Authentication required") {
		t.Errorf("err = %v", err)
	}
}

func TestLogin(t *testing.T) {
	c := newCLIEnv(t, auth.RoleAdmin, "", "")
	tok := c.env.Token(t, "bilal", "Clerk", "South", "B2")
	c.tokenFile = filepath.Join(c.dir, "nested", "token")

	out, err := c.run(t, "login", "--token", tok)
	if err != nil {
		t.Fatalf("login: %v\n%s", err, out)
	}
	if !strings.Contains(out, "bilal") || !strings.Contains(out, "South/B2") {
		t.Errorf("output:\n%s", out)
	}
	saved, err := os.ReadFile(c.tokenFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(saved)) != tok {
		t.Error("saved token differs")
	}

	if _, err := c.run(t, "login", "--token", "not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatchKeepsListingInSync(t *testing.T) {
	c := newCLIEnv(t, auth.RoleAdmin, "", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	var out syncBuffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	args := append([]string{"--server", c.env.Server.URL, "--token-file", c.tokenFile}, scopeArgs...)
	cmd.SetArgs(append(args, "watch", "--table"))
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	waitUntil(t, "event subscription", func() bool { return c.env.Broadcaster.Count() == 1 })
	if !strings.Contains(out.String(), "No files.") {
		t.Errorf("initial listing missing:\n%s", out.String())
	}

	client := transport.New(transport.Config{BaseURL: c.env.Server.URL, Session: session.Static(c.env.AdminToken(t))})
	scope := pathcodec.Scope{Category: "hse-records", Zone: "North", Branch: "B1"}
	if _, err := client.Upload(ctx, scope, models.BytesFile("Fire Drill.pdf", "application/pdf", []byte("%PDF-1.4 drill")), nil); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "event line", func() bool { return strings.Contains(out.String(), "create") })
	waitUntil(t, "refreshed table", func() bool { return strings.Contains(out.String(), "Fire Drill") })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestHumanizeSize(t *testing.T) {
	tests := map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.0 KB",
		5 << 20: "5.0 MB",
	}
	for in, want := range tests {
		if got := humanizeSize(in); got != want {
			t.Errorf("humanizeSize(%d) = %q, want %q", in, got, want)
		}
	}
}
