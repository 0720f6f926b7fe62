// Package metadatatest holds behaviour tests shared by every metadata.Store.
package metadatatest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/muawin/muawin/internal/metadata"
	"github.com/muawin/muawin/pkg/pathcodec"
)

// Run exercises a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) metadata.Store) {
	t.Run("CreateAssignsNumbers", func(t *testing.T) { testCreate(t, newStore(t)) })
	t.Run("OverwriteKeepsIdentity", func(t *testing.T) { testOverwrite(t, newStore(t)) })
	t.Run("ScopesAreIsolated", func(t *testing.T) { testScopes(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("FindByFilename", func(t *testing.T) { testFind(t, newStore(t)) })
}

var north = pathcodec.Scope{Category: "hse-records", Zone: "North", Branch: "B1"}

func rec(scope pathcodec.Scope, name string, size int64) metadata.Record {
	return metadata.Record{
		Category:   scope.Category,
		Zone:       scope.Zone,
		Branch:     scope.Branch,
		Filename:   name,
		MIMEType:   "application/pdf",
		Size:       size,
		StorageKey: pathcodec.StorageKey(scope, name),
		UploadedBy: "tester",
	}
}

func put(t *testing.T, s metadata.Store, r metadata.Record) (metadata.Record, bool) {
	t.Helper()
	got, created, err := s.Put(context.Background(), r)
	if err != nil {
		t.Fatalf("Put(%s): %v", r.Filename, err)
	}
	return got, created
}

func testCreate(t *testing.T, s metadata.Store) {
	ctx := context.Background()

	a, created := put(t, s, rec(north, "a.pdf", 10))
	if !created || a.FileID == "" || a.FileNumber != 1 || a.LastModified.IsZero() {
		t.Errorf("first = %+v created=%v", a, created)
	}
	b, _ := put(t, s, rec(north, "b.pdf", 20))
	if b.FileNumber != 2 {
		t.Errorf("second file number = %d", b.FileNumber)
	}
	if b.Confirmed().FileNumber != "00002" {
		t.Errorf("wire file number = %q", b.Confirmed().FileNumber)
	}

	list, err := s.List(ctx, north)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Filename != "a.pdf" || list[1].Filename != "b.pdf" {
		t.Errorf("List = %+v", list)
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Errorf("Count = %d", n)
	}
}

func testOverwrite(t *testing.T, s metadata.Store) {
	ctx := context.Background()

	first, _ := put(t, s, rec(north, "a.pdf", 10))
	time.Sleep(5 * time.Millisecond)
	second, created := put(t, s, rec(north, "a.pdf", 99))
	if created {
		t.Error("overwrite reported as create")
	}
	if second.FileID != first.FileID || second.FileNumber != first.FileNumber {
		t.Errorf("identity changed: %+v -> %+v", first, second)
	}
	if !second.LastModified.After(first.LastModified) {
		t.Error("LastModified not advanced")
	}

	got, err := s.Get(ctx, north, "a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 99 {
		t.Errorf("size = %d", got.Size)
	}
	list, _ := s.List(ctx, north)
	if len(list) != 1 {
		t.Errorf("duplicate rows: %d", len(list))
	}
}

func testScopes(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	south := pathcodec.Scope{Category: "hse-records", Zone: "South", Branch: "B1"}

	put(t, s, rec(north, "a.pdf", 1))
	other, _ := put(t, s, rec(south, "a.pdf", 2))
	if other.FileNumber != 1 {
		t.Errorf("file numbers are not per scope: %d", other.FileNumber)
	}

	list, err := s.List(ctx, pathcodec.Scope{Category: "hse-records", Zone: "East", Branch: "B1"})
	if err != nil {
		t.Fatal(err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("empty scope = %#v, want empty non-nil slice", list)
	}
}

func testDelete(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	put(t, s, rec(north, "a.pdf", 1))

	gone, err := s.Delete(ctx, north, "a.pdf")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gone.Filename != "a.pdf" {
		t.Errorf("deleted = %+v", gone)
	}
	if _, err := s.Get(ctx, north, "a.pdf"); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if _, err := s.Delete(ctx, north, "a.pdf"); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("second Delete = %v", err)
	}

	again, _ := put(t, s, rec(north, "a.pdf", 1))
	if again.FileNumber == 1 {
		t.Error("file number reused after delete")
	}
}

func testFind(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	south := pathcodec.Scope{Category: "vehicles-registration", Zone: "South", Branch: "B2"}

	put(t, s, rec(north, "report.pdf", 1))
	time.Sleep(5 * time.Millisecond)
	put(t, s, rec(south, "report.pdf", 2))
	put(t, s, rec(south, "other.pdf", 3))

	found, err := s.FindByFilename(ctx, "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d records", len(found))
	}
	if found[0].Zone != "South" {
		t.Errorf("newest first: got %s first", found[0].Zone)
	}
}
