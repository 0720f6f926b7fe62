package filelist

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muawin/muawin/internal/api"
	"github.com/muawin/muawin/internal/api/apitest"
	"github.com/muawin/muawin/pkg/models"
	"github.com/muawin/muawin/pkg/pathcodec"
	"github.com/muawin/muawin/pkg/protocol"
	"github.com/muawin/muawin/pkg/session"
	"github.com/muawin/muawin/pkg/transport"
)

const testCategory = "hse-records"

// harness fronts the real API with a handler that counts listings and can
// fail deletes.
type harness struct {
	env        *apitest.Env
	front      *httptest.Server
	token      string
	lists      atomic.Int32
	failDelete atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{env: apitest.New(t, api.Options{})}
	h.token = h.env.AdminToken(t)
	backend := h.env.Server.Config.Handler
	h.front = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/"+testCategory+"/") {
			h.lists.Add(1)
		}
		if r.Method == http.MethodDelete && h.failDelete.Load() {
			http.Error(w, `{"error":"boom","code":500}`, http.StatusInternalServerError)
			return
		}
		backend.ServeHTTP(w, r)
	}))
	t.Cleanup(h.front.Close)
	return h
}

func (h *harness) client() *transport.Client {
	return transport.New(transport.Config{
		BaseURL:    h.front.URL,
		Session:    session.Static(h.token),
		HTTPClient: h.front.Client(),
	})
}

func (h *harness) view(t *testing.T, refreshDelay time.Duration) *View {
	t.Helper()
	v, err := New(Config{
		Category:       testCategory,
		Session:        session.Static(h.token),
		Remote:         h.client(),
		RefreshDelay:   refreshDelay,
		SearchDebounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(v.Close)
	return v
}

func (h *harness) seed(t *testing.T, zone, branch string, names ...string) {
	t.Helper()
	c := h.client()
	scope := pathcodec.Scope{Category: testCategory, Zone: zone, Branch: branch}
	for _, n := range names {
		if _, err := c.Upload(context.Background(), scope, models.BytesFile(n, "application/pdf", []byte("%PDF-1.4 "+n)), nil); err != nil {
			t.Fatalf("seed %s: %v", n, err)
		}
	}
}

func names(records []models.FileRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Name()
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUploadReconcilesOptimisticRows(t *testing.T) {
	h := newHarness(t)
	v := h.view(t, 50*time.Millisecond)
	ctx := context.Background()

	if err := v.Select(ctx, "North", "B1"); err != nil {
		t.Fatal(err)
	}
	events, unsubscribe := v.Subscribe()
	defer unsubscribe()

	pdf := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 2<<20)...)
	out, err := v.Upload(ctx, []models.LocalFile{models.BytesFile("Site Report.pdf", "application/pdf", pdf)})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || len(out.Errors) != 0 {
		t.Fatalf("outcome = %+v", out)
	}

	sawOptimistic := false
	for drained := false; !drained; {
		select {
		case ev := <-events:
			if ev.Kind == EventFiles && len(ev.Files) == 1 && models.IsOptimistic(ev.Files[0]) {
				sawOptimistic = true
			}
		default:
			drained = true
		}
	}
	if !sawOptimistic {
		t.Error("no optimistic row was shown while uploading")
	}

	files := v.Files()
	if len(files) != 1 {
		t.Fatalf("files = %v", names(files))
	}
	rec, ok := files[0].(models.ConfirmedFile)
	if !ok {
		t.Fatalf("row is %T, want ConfirmedFile", files[0])
	}
	if rec.FileID != out.Results[0].Record.FileID || rec.FileID == "" {
		t.Errorf("row id = %q, server id = %q", rec.FileID, out.Results[0].Record.FileID)
	}
	if rec.Filename != "Site_Report.pdf" {
		t.Errorf("filename = %q", rec.Filename)
	}

	eventually(t, "cache repopulated", func() bool {
		e, hit := v.Cache().Get("North", "B1")
		return hit && len(e.Files) == 1
	})
}

func TestUploadNormalizesWhitespaceOnly(t *testing.T) {
	h := newHarness(t)
	v := h.view(t, time.Hour)
	ctx := context.Background()
	if err := v.Select(ctx, "North", "B1"); err != nil {
		t.Fatal(err)
	}

	for _, n := range []string{"Site Report.pdf", "site_report.pdf"} {
		if _, err := v.Upload(ctx, []models.LocalFile{models.BytesFile(n, "application/pdf", []byte("%PDF"))}); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.Refresh(ctx, true); err != nil {
		t.Fatal(err)
	}
	got := names(v.Files())
	if len(got) != 2 {
		t.Fatalf("files = %v, want two distinct names", got)
	}
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen["Site_Report.pdf"] || !seen["site_report.pdf"] {
		t.Errorf("files = %v", got)
	}
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   int
	list    func(ctx context.Context) ([]models.ConfirmedFile, error)
	byScope func(ctx context.Context, s pathcodec.Scope) ([]models.ConfirmedFile, error)
	deleted []string
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) List(ctx context.Context, s pathcodec.Scope) ([]models.ConfirmedFile, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.byScope != nil {
		return f.byScope(ctx, s)
	}
	if f.list != nil {
		return f.list(ctx)
	}
	return []models.ConfirmedFile{}, nil
}

func (f *fakeRemote) Upload(context.Context, pathcodec.Scope, models.LocalFile, chan<- int) (models.ConfirmedFile, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return models.ConfirmedFile{}, errors.New("unexpected upload")
}

func (f *fakeRemote) Delete(_ context.Context, _ pathcodec.Scope, name string) error {
	f.mu.Lock()
	f.calls++
	f.deleted = append(f.deleted, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Download(context.Context, pathcodec.Scope, string, io.Writer, func(int64, int64)) (int64, error) {
	return 0, errors.New("unexpected download")
}

func newFakeView(t *testing.T, remote Remote, sess session.Context) *View {
	t.Helper()
	v, err := New(Config{
		Category:     testCategory,
		Session:      sess,
		Remote:       remote,
		RefreshDelay: time.Hour,
		FetchTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(v.Close)
	return v
}

func TestOversizedUploadNeverReachesNetwork(t *testing.T) {
	remote := &fakeRemote{}
	v := newFakeView(t, remote, session.Static("tok"))
	if err := v.Select(context.Background(), "North", "B1"); err != nil {
		t.Fatal(err)
	}
	before := remote.count()

	big := models.NewLocalFile("manual.pdf", "application/pdf", 60<<20, nil)
	out, err := v.Upload(context.Background(), []models.LocalFile{big})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results)+len(out.Errors) != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if remote.count() != before {
		t.Error("network was called for a rejected file")
	}
	n := v.Notice()
	if n.Severity != SeverityWarning || !strings.Contains(n.Message, "50 MB") {
		t.Errorf("notice = %+v", n)
	}
	if len(v.Files()) != 0 {
		t.Errorf("files = %v", names(v.Files()))
	}
}

func TestFailedDeleteRefetchesOnce(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "North", "B1", "a.pdf", "report.pdf", "z.pdf")
	v := h.view(t, time.Hour)
	ctx := context.Background()

	if err := v.Select(ctx, "North", "B1"); err != nil {
		t.Fatal(err)
	}
	if len(v.Files()) != 3 {
		t.Fatalf("files = %v", names(v.Files()))
	}

	events, unsubscribe := v.Subscribe()
	defer unsubscribe()

	h.failDelete.Store(true)
	listsBefore := h.lists.Load()
	out, err := v.Delete(ctx, "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("outcome = %+v", out)
	}

	first := <-events
	if first.Kind != EventFiles || len(first.Files) != 2 {
		t.Errorf("first event = %+v, want two remaining rows", first)
	}
	if got := h.lists.Load() - listsBefore; got != 1 {
		t.Errorf("refetches = %d, want 1", got)
	}
	if got := names(v.Files()); len(got) != 3 {
		t.Errorf("after resync files = %v", got)
	}
	if n := v.Notice(); n.Message != "Failed to delete 1 file(s)." {
		t.Errorf("notice = %+v", n)
	}
}

func TestSuccessfulDeleteDefersRefresh(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "North", "B1", "a.pdf", "report.pdf")
	v := h.view(t, time.Hour)
	ctx := context.Background()
	if err := v.Select(ctx, "North", "B1"); err != nil {
		t.Fatal(err)
	}

	listsBefore := h.lists.Load()
	out, err := v.Delete(ctx, "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if h.lists.Load() != listsBefore {
		t.Error("successful delete refetched immediately")
	}
	if got := names(v.Files()); len(got) != 1 || got[0] != "a.pdf" {
		t.Errorf("files = %v", got)
	}
	scope := pathcodec.Scope{Category: testCategory, Zone: "North", Branch: "B1"}
	if !v.RefreshPending(scope) {
		t.Error("no delayed refresh scheduled")
	}
	if n := v.Notice(); n.Message != "Successfully deleted 1 file(s)." {
		t.Errorf("notice = %+v", n)
	}
}

func TestSelectServesFreshCache(t *testing.T) {
	remote := &fakeRemote{}
	v := newFakeView(t, remote, session.Static("tok"))
	ctx := context.Background()

	if err := v.Select(ctx, "North", "B1"); err != nil {
		t.Fatal(err)
	}
	if err := v.Select(ctx, "South", "B2"); err != nil {
		t.Fatal(err)
	}
	if err := v.Select(ctx, "North", "B1"); err != nil {
		t.Fatal(err)
	}
	if remote.count() != 2 {
		t.Errorf("list calls = %d, want 2", remote.count())
	}
	if err := v.Refresh(ctx, true); err != nil {
		t.Fatal(err)
	}
	if remote.count() != 3 {
		t.Errorf("forced refresh did not refetch")
	}
}

func TestRefreshPreconditions(t *testing.T) {
	v := newFakeView(t, &fakeRemote{}, session.Static(""))
	if err := v.Refresh(context.Background(), false); !errors.Is(err, transport.ErrAuthRequired) {
		t.Errorf("err = %v", err)
	}
	if v.Notice().Message != MsgAuthFetch {
		t.Errorf("notice = %+v", v.Notice())
	}

	v = newFakeView(t, &fakeRemote{}, session.Static("tok"))
	if err := v.Refresh(context.Background(), false); !errors.Is(err, ErrNoSelection) {
		t.Errorf("err = %v", err)
	}
	if _, err := v.Delete(context.Background(), "a.pdf"); !errors.Is(err, ErrNoSelection) {
		t.Errorf("delete err = %v", err)
	}
}

func TestRefreshTimeoutKeepsListing(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	var slow atomic.Bool
	remote := &fakeRemote{list: func(ctx context.Context) ([]models.ConfirmedFile, error) {
		if slow.Load() {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []models.ConfirmedFile{{FileID: "1", Filename: "kept.pdf", FileNumber: "00001"}}, nil
	}}
	v := newFakeView(t, remote, session.Static("tok"))
	ctx := context.Background()
	if err := v.Select(ctx, "North", "B1"); err != nil {
		t.Fatal(err)
	}

	slow.Store(true)
	if err := v.Refresh(ctx, true); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if v.Loading() {
		t.Error("still loading after timeout")
	}
	if v.Notice().Message != MsgTimeout {
		t.Errorf("notice = %+v", v.Notice())
	}
	if got := names(v.Files()); len(got) != 1 || got[0] != "kept.pdf" {
		t.Errorf("files = %v", got)
	}
}

func TestLateListingDoesNotOverwriteNewerSelection(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	remote := &fakeRemote{byScope: func(ctx context.Context, s pathcodec.Scope) ([]models.ConfirmedFile, error) {
		if s.Zone == "North" {
			close(started)
			<-release
			return []models.ConfirmedFile{{FileID: "1", Filename: "late.pdf", FileNumber: "00001"}}, nil
		}
		return []models.ConfirmedFile{}, nil
	}}
	v, err := New(Config{
		Category:     testCategory,
		Session:      session.Static("tok"),
		Remote:       remote,
		RefreshDelay: time.Hour,
		FetchTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(v.Close)
	v.Cache().Set("South", "B2", []models.ConfirmedFile{{FileID: "2", Filename: "cached.pdf", FileNumber: "00001"}})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- v.Select(ctx, "North", "B1") }()
	<-started
	if !v.Loading() {
		t.Error("not loading while the first listing is outstanding")
	}

	if err := v.Select(ctx, "South", "B2"); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got := names(v.Files()); len(got) != 1 || got[0] != "cached.pdf" {
		t.Errorf("files = %v, want [cached.pdf]", got)
	}
	if v.Loading() {
		t.Error("loading left set with no listing outstanding")
	}
	if s, _ := v.Selection(); s.Zone != "South" || s.Branch != "B2" {
		t.Errorf("selection = %+v", s)
	}
}

func TestSupersededFetchKeepsNewerLoading(t *testing.T) {
	first := make(chan struct{})
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	remote := &fakeRemote{byScope: func(ctx context.Context, s pathcodec.Scope) ([]models.ConfirmedFile, error) {
		if s.Zone == "North" {
			close(first)
			<-releaseFirst
		} else {
			<-releaseSecond
		}
		return []models.ConfirmedFile{{FileID: s.Zone, Filename: s.Zone + ".pdf", FileNumber: "00001"}}, nil
	}}
	v, err := New(Config{
		Category:     testCategory,
		Session:      session.Static("tok"),
		Remote:       remote,
		RefreshDelay: time.Hour,
		FetchTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(v.Close)

	ctx := context.Background()
	firstDone := make(chan error, 1)
	go func() { firstDone <- v.Select(ctx, "North", "B1") }()
	<-first
	secondDone := make(chan error, 1)
	go func() { secondDone <- v.Select(ctx, "South", "B2") }()
	eventually(t, "second listing started", func() bool { return remote.count() == 2 })

	close(releaseFirst)
	if err := <-firstDone; err != nil {
		t.Fatal(err)
	}
	if !v.Loading() {
		t.Error("stale result cleared loading while the newer listing is outstanding")
	}
	if len(v.Files()) != 0 {
		t.Errorf("stale rows applied: %v", names(v.Files()))
	}

	close(releaseSecond)
	if err := <-secondDone; err != nil {
		t.Fatal(err)
	}
	if v.Loading() {
		t.Error("still loading")
	}
	if got := names(v.Files()); len(got) != 1 || got[0] != "South.pdf" {
		t.Errorf("files = %v", got)
	}
}

func TestSearchIsDebounced(t *testing.T) {
	remote := &fakeRemote{list: func(context.Context) ([]models.ConfirmedFile, error) {
		return []models.ConfirmedFile{
			{FileID: "1", Filename: "Fire_Drill.pdf", FileNumber: "00001"},
			{FileID: "2", Filename: "audit.xlsx", FileNumber: "00002"},
		}, nil
	}}
	v, err := New(Config{
		Category:       testCategory,
		Session:        session.Static("tok"),
		Remote:         remote,
		SearchDebounce: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	if err := v.Select(context.Background(), "North", "B1"); err != nil {
		t.Fatal(err)
	}

	v.Search("fire")
	v.Search("00002")
	if len(v.Visible()) != 2 {
		t.Error("query applied before debounce")
	}
	eventually(t, "debounced query", func() bool { return v.Query() == "00002" })
	if got := names(v.Visible()); len(got) != 1 || got[0] != "audit.xlsx" {
		t.Errorf("visible = %v", got)
	}
}

func TestWatchInvalidatesAndSchedules(t *testing.T) {
	remote := &fakeRemote{}
	v := newFakeView(t, remote, session.Static("tok"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := v.Select(ctx, "North", "B1"); err != nil {
		t.Fatal(err)
	}
	v.Cache().Set("South", "B2", []models.ConfirmedFile{})

	ch := make(chan protocol.Event, 3)
	ch <- protocol.Event{Type: protocol.EventCreate, Category: "other", Zone: "North", Branch: "B1"}
	ch <- protocol.Event{Type: protocol.EventDelete, Category: testCategory, Zone: "South", Branch: "B2"}
	ch <- protocol.Event{Type: protocol.EventCreate, Category: testCategory, Zone: "North", Branch: "B1"}
	close(ch)
	v.Watch(ctx, ch)

	if _, hit := v.Cache().Get("South", "B2"); hit {
		t.Error("other scope not invalidated")
	}
	if _, hit := v.Cache().Get("North", "B1"); hit {
		t.Error("selected scope not invalidated")
	}
	if !v.RefreshPending(pathcodec.Scope{Category: testCategory, Zone: "North", Branch: "B1"}) {
		t.Error("no refresh scheduled for selected scope")
	}
}

func TestDownloadThroughView(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "North", "B1", "plan.pdf")
	v := h.view(t, time.Hour)

	var buf bytes.Buffer
	n, err := v.Download(context.Background(), "plan.pdf", &buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(buf.Len()) || buf.String() != "%PDF-1.4 plan.pdf" {
		t.Errorf("downloaded %d bytes: %q", n, buf.String())
	}
}

func TestNewRejectsBadCategory(t *testing.T) {
	if _, err := New(Config{Category: "a/b", Remote: &fakeRemote{}}); err == nil {
		t.Error("expected error for category with separator")
	}
	if _, err := New(Config{Category: "ok"}); err == nil {
		t.Error("expected error without remote")
	}
}
