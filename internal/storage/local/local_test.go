package local

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func newBackend(t *testing.T) (*Backend, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	b, err := NewWithFs(fs, Config{RootPath: "/data", CreateDirs: true})
	if err != nil {
		t.Fatalf("NewWithFs: %v", err)
	}
	return b, fs
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestPutGetDelete(t *testing.T) {
	b, fs := newBackend(t)
	ctx := context.Background()
	key := "hse-records/North/B1/audit.pdf"

	if err := b.PutObject(ctx, key, strings.NewReader("hello world"), 11); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if ok, _ := afero.Exists(fs, "/data/"+key); !ok {
		t.Error("object not under root path")
	}

	rc, size, err := b.GetObject(ctx, key, 0, 0)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if size != 11 || readAll(t, rc) != "hello world" {
		t.Errorf("size = %d", size)
	}

	rc, size, err = b.GetObject(ctx, key, 6, 3)
	if err != nil {
		t.Fatalf("GetObject range: %v", err)
	}
	if got := readAll(t, rc); got != "wor" || size != 3 {
		t.Errorf("range = %q (%d)", got, size)
	}

	if err := b.PutObject(ctx, key, strings.NewReader("v2"), 2); err != nil {
		t.Fatal(err)
	}
	rc, _, _ = b.GetObject(ctx, key, 0, 0)
	if got := readAll(t, rc); got != "v2" {
		t.Errorf("overwrite = %q", got)
	}

	if err := b.DeleteObject(ctx, key); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if ok, _ := b.ObjectExists(ctx, key); ok {
		t.Error("object still exists")
	}
	if err := b.DeleteObject(ctx, key); err != nil {
		t.Errorf("deleting a missing object: %v", err)
	}
}

func TestCopyObject(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()
	b.PutObject(ctx, "a/b/c/x.txt", strings.NewReader("copy me"), 7)

	if err := b.CopyObject(ctx, "a/b/c/x.txt", "a/b/d/y.txt"); err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	rc, _, err := b.GetObject(ctx, "a/b/d/y.txt", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, rc); got != "copy me" {
		t.Errorf("copy = %q", got)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()
	for _, key := range []string{"", "../etc/passwd", "a/../../b"} {
		if err := b.PutObject(ctx, key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutObject(%q) accepted", key)
		}
	}
}

func TestRootMustBeDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/file", []byte("x"), 0644)
	if _, err := NewWithFs(fs, Config{RootPath: "/file"}); err == nil {
		t.Error("expected error for non-directory root")
	}
	if _, err := NewWithFs(fs, Config{RootPath: "/missing"}); err == nil {
		t.Error("expected error for missing root without CreateDirs")
	}
}
