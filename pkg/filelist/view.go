// Package filelist is the client-side file browser for one category: it
// owns the listing of the selected zone/branch and drives uploads,
// deletes, search and downloads against it.
package filelist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/muawin/muawin/pkg/batch"
	"github.com/muawin/muawin/pkg/filecache"
	"github.com/muawin/muawin/pkg/imagecompress"
	"github.com/muawin/muawin/pkg/logger"
	"github.com/muawin/muawin/pkg/models"
	"github.com/muawin/muawin/pkg/pathcodec"
	"github.com/muawin/muawin/pkg/protocol"
	"github.com/muawin/muawin/pkg/session"
	"github.com/muawin/muawin/pkg/transport"
	"github.com/muawin/muawin/pkg/validate"
)

// Defaults.
const (
	DefaultRefreshDelay   = 1 * time.Second
	DefaultFetchTimeout   = 30 * time.Second
	DefaultSearchDebounce = 300 * time.Millisecond
)

// User-visible messages.
const (
	MsgAuthFetch       = "Authentication required to fetch files."
	MsgSelectScope     = "Please select a zone and branch first."
	MsgTimeout         = "Request timed out. Please try again."
	MsgLoginToView     = "Please log in to view files."
	MsgLoginAgain      = "Authentication required. Please log in again."
	MsgDownloadFailed  = "Failed to download file. Please try again."
	MsgRefreshing      = "Refreshing files..."
	MsgRefreshed       = "Files refreshed successfully!"
	MsgRefreshFailed   = "Failed to refresh files. Please try again."
	MsgLoginToModify   = "Please log in to modify files."
	msgFetchFailedFmt  = "Failed to fetch files: %s"
	msgUploadedFmt     = "Successfully uploaded %d file(s). Auto-refreshing table..."
	msgUploadFailedFmt = "Failed to upload %d file(s)."
	msgDeletedFmt      = "Successfully deleted %d file(s)."
	msgDeleteFailedFmt = "Failed to delete %d file(s)."
)

var (
	// ErrTimeout is returned when a listing does not answer within the fetch deadline.
	ErrTimeout = errors.New("listing timed out")
	// ErrNoSelection is returned when no zone/branch is selected.
	ErrNoSelection = errors.New("no zone and branch selected")
)

// Remote is the file service as seen by the view. *transport.Client
// implements it.
type Remote interface {
	List(ctx context.Context, scope pathcodec.Scope) ([]models.ConfirmedFile, error)
	Upload(ctx context.Context, scope pathcodec.Scope, f models.LocalFile, progress chan<- int) (models.ConfirmedFile, error)
	Delete(ctx context.Context, scope pathcodec.Scope, filename string) error
	Download(ctx context.Context, scope pathcodec.Scope, filename string, w io.Writer, progress func(done, total int64)) (int64, error)
}

// Config wires a View. Category, Session and Remote are required.
type Config struct {
	Category   string
	Session    session.Context
	Remote     Remote
	Cache      *filecache.Cache
	Validator  *validate.Validator
	Compressor *imagecompress.Compressor
	Batch      *batch.Coordinator

	TTL            time.Duration
	RefreshDelay   time.Duration
	FetchTimeout   time.Duration
	SearchDebounce time.Duration
}

// View holds the listing of one category for the selected zone/branch.
type View struct {
	cfg   Config
	sf    singleflight.Group
	sched *Scheduler

	mu          sync.Mutex
	zone        string
	branch      string
	files       []models.FileRecord
	query       string
	loading     bool
	batches     int
	notice      Notice
	gen         uint64
	fetching    uint64 // gen of the network fetch that owns loading, 0 if none
	searchTimer *time.Timer

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a View.
func New(cfg Config) (*View, error) {
	if err := pathcodec.ValidateSegment("category", cfg.Category); err != nil {
		return nil, err
	}
	if cfg.Remote == nil {
		return nil, errors.New("filelist: remote is required")
	}
	if cfg.Session == nil {
		cfg.Session = session.Static("")
	}
	if cfg.Cache == nil {
		cfg.Cache = filecache.New()
	}
	if cfg.Validator == nil {
		cfg.Validator = validate.New()
	}
	if cfg.Batch == nil {
		cfg.Batch = batch.New(batch.Options{})
	}
	if cfg.TTL <= 0 {
		cfg.TTL = filecache.DefaultTTL
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.SearchDebounce <= 0 {
		cfg.SearchDebounce = DefaultSearchDebounce
	}
	return &View{
		cfg:   cfg,
		sched: NewScheduler(),
		subs:  make(map[int]chan Event),
	}, nil
}

// Close stops pending timers.
func (v *View) Close() {
	v.sched.Stop()
	v.mu.Lock()
	if v.searchTimer != nil {
		v.searchTimer.Stop()
	}
	v.mu.Unlock()
}

// Batch returns the coordinator tracking this view's operations.
func (v *View) Batch() *batch.Coordinator { return v.cfg.Batch }

// Cache returns the listing cache.
func (v *View) Cache() *filecache.Cache { return v.cfg.Cache }

// DefaultScope returns the zone/branch a session is pinned to. Only Admin
// may choose freely; for Admin, or when the token carries no scope, ok is
// false.
func (v *View) DefaultScope() (zone, branch string, ok bool) {
	id, err := session.Describe(v.cfg.Session)
	if err != nil || id.IsAdmin() || id.Zone == "" || id.Branch == "" {
		return "", "", false
	}
	return id.Zone, id.Branch, true
}

// Selection returns the selected scope, if any.
func (v *View) Selection() (pathcodec.Scope, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selectionLocked()
}

func (v *View) selectionLocked() (pathcodec.Scope, bool) {
	s := pathcodec.Scope{Category: v.cfg.Category, Zone: v.zone, Branch: v.branch}
	return s, v.zone != "" && v.branch != ""
}

// Select changes zone/branch and loads its listing, cache first.
func (v *View) Select(ctx context.Context, zone, branch string) error {
	v.mu.Lock()
	if zone != v.zone || branch != v.branch {
		v.zone, v.branch = zone, branch
		v.files = nil
		v.gen++
		v.emitFilesLocked()
	}
	v.mu.Unlock()
	return v.Refresh(ctx, false)
}

// Files returns the full listing, optimistic rows included.
func (v *View) Files() []models.FileRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.FileRecord(nil), v.files...)
}

// Visible returns the listing filtered by the applied search query.
func (v *View) Visible() []models.FileRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Filter(v.files, v.query)
}

// Query returns the applied (debounced) search query.
func (v *View) Query() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.query
}

// Loading reports whether a listing fetch is outstanding.
func (v *View) Loading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

// BatchProcessing reports whether an upload or delete batch is running.
func (v *View) BatchProcessing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.batches > 0
}

// Notice returns the last notice.
func (v *View) Notice() Notice {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.notice
}

// Filter keeps records whose filename or file number contains q, ignoring case.
func Filter(records []models.FileRecord, q string) []models.FileRecord {
	q = strings.ToLower(strings.TrimSpace(q))
	out := make([]models.FileRecord, 0, len(records))
	for _, r := range records {
		if q == "" ||
			strings.Contains(strings.ToLower(r.Name()), q) ||
			strings.Contains(strings.ToLower(r.Number()), q) {
			out = append(out, r)
		}
	}
	return out
}

// Search applies q after the debounce interval. A newer call replaces a
// pending one.
func (v *View) Search(q string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.searchTimer != nil {
		v.searchTimer.Stop()
	}
	v.searchTimer = time.AfterFunc(v.cfg.SearchDebounce, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.query = q
		v.emitFilesLocked()
	})
}

// Refresh loads the listing for the selection. Without force a fresh cache
// entry is used. On failure the last listing is kept and a notice is set.
func (v *View) Refresh(ctx context.Context, force bool) error {
	if !v.cfg.Session.IsAuthenticated() {
		v.setNotice(SeverityError, MsgAuthFetch)
		return transport.ErrAuthRequired
	}

	v.mu.Lock()
	scope, ok := v.selectionLocked()
	if !ok {
		v.mu.Unlock()
		v.setNotice(SeverityWarning, MsgSelectScope)
		return ErrNoSelection
	}
	if !force {
		if e, hit := v.cfg.Cache.Get(scope.Zone, scope.Branch); hit && e.Fresh(time.Now(), v.cfg.TTL) {
			v.gen++
			v.fetching = 0
			v.setLoadingLocked(false)
			v.applyLocked(e.Files)
			v.mu.Unlock()
			logger.Debug("listing %s served from cache", scope)
			return nil
		}
	}
	v.gen++
	gen := v.gen
	v.fetching = gen
	v.setLoadingLocked(true)
	v.mu.Unlock()

	files, err := v.fetch(ctx, scope)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fetching == gen {
		v.fetching = 0
		v.setLoadingLocked(false)
	}
	if gen != v.gen || v.zone != scope.Zone || v.branch != scope.Branch {
		logger.Debug("discarding stale listing result for %s", scope)
		return err
	}

	switch {
	case errors.Is(err, ErrTimeout):
		// Abandon: whatever the request returns later is ignored.
		v.gen++
		v.setNoticeLocked(SeverityError, MsgTimeout)
		return err
	case err != nil:
		v.setNoticeLocked(SeverityError, fetchMessage(err))
		return err
	}

	v.cfg.Cache.Set(scope.Zone, scope.Branch, files)
	v.applyLocked(files)
	return nil
}

// ManualRefresh is Refresh(force) with progress notices.
func (v *View) ManualRefresh(ctx context.Context) error {
	if _, ok := v.Selection(); !ok {
		v.setNotice(SeverityWarning, MsgSelectScope)
		return ErrNoSelection
	}
	v.setNotice(SeverityInfo, MsgRefreshing)
	if err := v.Refresh(ctx, true); err != nil {
		if !errors.Is(err, transport.ErrAuthRequired) && !errors.Is(err, ErrTimeout) {
			v.setNotice(SeverityError, MsgRefreshFailed)
		}
		return err
	}
	v.setNotice(SeverityInfo, MsgRefreshed)
	return nil
}

// fetch lists scope, sharing one request among concurrent callers.
func (v *View) fetch(ctx context.Context, scope pathcodec.Scope) ([]models.ConfirmedFile, error) {
	key := scope.Category + "|" + scope.Zone + "|" + scope.Branch
	ch := v.sf.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.FetchTimeout)
		defer cancel()
		return v.cfg.Remote.List(fctx, scope)
	})

	timer := time.NewTimer(v.cfg.FetchTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, res.Err
		}
		return res.Val.([]models.ConfirmedFile), nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fetchMessage(err error) string {
	if errors.Is(err, transport.ErrAuthRequired) {
		return MsgAuthFetch
	}
	if se, ok := transport.AsStatus(err); ok {
		return fmt.Sprintf(msgFetchFailedFmt, fmt.Sprintf("%d", se.StatusCode))
	}
	return fmt.Sprintf(msgFetchFailedFmt, err.Error())
}

// applyLocked replaces the confirmed rows with files, keeping in-flight
// optimistic rows on top.
func (v *View) applyLocked(files []models.ConfirmedFile) {
	var pending []models.FileRecord
	inFlight := make(map[string]bool)
	for _, r := range v.files {
		if o, ok := r.(models.OptimisticFile); ok {
			pending = append(pending, o)
			inFlight[o.Filename] = true
		}
	}
	next := make([]models.FileRecord, 0, len(pending)+len(files))
	next = append(next, pending...)
	for _, f := range files {
		if !inFlight[f.Filename] {
			next = append(next, f)
		}
	}
	v.files = next
	v.emitFilesLocked()
}

// ScheduleDelayedRefresh forces a refetch of scope after delay if it is
// still selected then. A later call for the same scope replaces this one.
func (v *View) ScheduleDelayedRefresh(scope pathcodec.Scope, delay time.Duration) {
	v.sched.Schedule(scope.String(), delay, func() {
		if cur, ok := v.Selection(); !ok || cur != scope {
			return
		}
		if err := v.Refresh(context.Background(), true); err != nil {
			logger.Debug("delayed refresh of %s: %v", scope, err)
		}
	})
}

// RefreshPending reports whether a delayed refresh is queued for scope.
func (v *View) RefreshPending(scope pathcodec.Scope) bool {
	return v.sched.Pending(scope.String())
}

func (v *View) requireScope(authMsg string) (pathcodec.Scope, error) {
	if !v.cfg.Session.IsAuthenticated() {
		v.setNotice(SeverityError, authMsg)
		return pathcodec.Scope{}, transport.ErrAuthRequired
	}
	scope, ok := v.Selection()
	if !ok {
		v.setNotice(SeverityWarning, MsgSelectScope)
		return pathcodec.Scope{}, ErrNoSelection
	}
	return scope, nil
}

// Upload validates, compresses and uploads files to the selected scope.
// Rejected files become notices and do not stop the others.
func (v *View) Upload(ctx context.Context, files []models.LocalFile) (batch.UploadOutcome, error) {
	scope, err := v.requireScope(MsgLoginToModify)
	if err != nil {
		return batch.UploadOutcome{}, err
	}

	res := v.cfg.Validator.Validate(files)
	for _, rej := range res.Invalid {
		v.setNotice(SeverityWarning, rej.File.Name+": "+rej.Reason)
	}
	if len(res.Valid) == 0 {
		return batch.UploadOutcome{}, nil
	}

	ready := make([]models.LocalFile, len(res.Valid))
	for i, f := range res.Valid {
		if v.cfg.Compressor != nil && validate.IsImage(f.MIMEType) {
			f = v.cfg.Compressor.Compress(ctx, f)
		}
		ready[i] = f
	}

	now := time.Now()
	temps := make(map[string]bool, len(ready))
	placeholders := make([]models.FileRecord, 0, len(ready))
	for _, f := range ready {
		o := models.OptimisticFile{
			TempID:       newTempID(now),
			Filename:     pathcodec.NormalizeFilename(f.Name),
			FileType:     f.MIMEType,
			LastModified: now,
		}
		temps[o.TempID] = true
		placeholders = append(placeholders, o)
	}

	v.mu.Lock()
	v.files = append(placeholders, v.files...)
	v.batches++
	v.emitFilesLocked()
	v.mu.Unlock()

	out := v.cfg.Batch.RunUpload(ctx, ready, func(ctx context.Context, f models.LocalFile, progress chan<- int) (models.ConfirmedFile, error) {
		return v.cfg.Remote.Upload(ctx, scope, f, progress)
	})

	v.mu.Lock()
	v.batches--
	kept := v.files[:0:0]
	for _, r := range v.files {
		if o, ok := r.(models.OptimisticFile); ok && temps[o.TempID] {
			continue
		}
		kept = append(kept, r)
	}
	v.files = kept
	if cur, ok := v.selectionLocked(); ok && cur == scope {
		for _, r := range out.Results {
			v.spliceLocked(r.Record)
		}
	}
	v.emitFilesLocked()
	v.mu.Unlock()

	v.cfg.Cache.Invalidate(scope.Zone, scope.Branch)
	v.ScheduleDelayedRefresh(scope, v.cfg.RefreshDelay)

	if n := len(out.Results); n > 0 {
		v.setNotice(SeverityInfo, fmt.Sprintf(msgUploadedFmt, n))
	}
	if n := len(out.Errors); n > 0 {
		v.setNotice(SeverityError, fmt.Sprintf(msgUploadFailedFmt, n))
	}
	return out, nil
}

// spliceLocked puts rec on top, replacing any row with the same filename.
func (v *View) spliceLocked(rec models.ConfirmedFile) {
	next := make([]models.FileRecord, 0, len(v.files)+1)
	next = append(next, rec)
	for _, r := range v.files {
		if r.Name() != rec.Filename {
			next = append(next, r)
		}
	}
	v.files = next
}

// Delete removes filenames from the listing at once, then deletes them
// remotely. Any failure triggers one forced refetch instead of restoring
// rows locally.
func (v *View) Delete(ctx context.Context, filenames ...string) (batch.DeleteOutcome, error) {
	scope, err := v.requireScope(MsgLoginToModify)
	if err != nil {
		return batch.DeleteOutcome{}, err
	}
	if len(filenames) == 0 {
		return batch.DeleteOutcome{}, nil
	}

	doomed := make(map[string]bool, len(filenames))
	for _, n := range filenames {
		doomed[n] = true
	}
	v.mu.Lock()
	kept := v.files[:0:0]
	for _, r := range v.files {
		if !doomed[r.Name()] {
			kept = append(kept, r)
		}
	}
	v.files = kept
	v.batches++
	v.emitFilesLocked()
	v.mu.Unlock()

	out := v.cfg.Batch.RunDelete(ctx, filenames, func(ctx context.Context, name string) error {
		return v.cfg.Remote.Delete(ctx, scope, name)
	})

	v.mu.Lock()
	v.batches--
	v.emitFilesLocked()
	v.mu.Unlock()

	v.cfg.Cache.Invalidate(scope.Zone, scope.Branch)

	if len(out.Errors) == 0 {
		v.setNotice(SeverityInfo, fmt.Sprintf(msgDeletedFmt, len(out.Results)))
		v.ScheduleDelayedRefresh(scope, v.cfg.RefreshDelay)
		return out, nil
	}

	v.setNotice(SeverityError, fmt.Sprintf(msgDeleteFailedFmt, len(out.Errors)))
	v.sched.Cancel(scope.String())
	if cur, ok := v.Selection(); ok && cur == scope {
		if err := v.Refresh(ctx, true); err != nil {
			logger.Debug("resync after failed delete: %v", err)
		}
	}
	return out, nil
}

// Download writes filename from the selected scope (or the newest
// accessible match when nothing is selected) to w.
func (v *View) Download(ctx context.Context, filename string, w io.Writer, progress func(done, total int64)) (int64, error) {
	if !v.cfg.Session.IsAuthenticated() {
		v.setNotice(SeverityError, MsgLoginToView)
		return 0, transport.ErrAuthRequired
	}
	scope, ok := v.Selection()
	if !ok {
		scope = pathcodec.Scope{}
	}
	n, err := v.cfg.Remote.Download(ctx, scope, filename, w, progress)
	if err != nil {
		if errors.Is(err, transport.ErrAuthRequired) {
			v.setNotice(SeverityError, MsgLoginAgain)
		} else {
			v.setNotice(SeverityError, MsgDownloadFailed)
		}
		return n, err
	}
	return n, nil
}

// Watch applies change events from the server until ctx ends or events
// closes. A change to the selected scope invalidates its cache entry and
// schedules a delayed refresh; other scopes of the category are only
// invalidated.
func (v *View) Watch(ctx context.Context, events <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Category != v.cfg.Category {
				continue
			}
			v.cfg.Cache.Invalidate(ev.Zone, ev.Branch)
			scope := pathcodec.Scope{Category: ev.Category, Zone: ev.Zone, Branch: ev.Branch}
			if cur, ok := v.Selection(); ok && cur == scope {
				logger.Debug("remote %s of %s, scheduling refresh", ev.Type, ev.Filename)
				v.ScheduleDelayedRefresh(scope, v.cfg.RefreshDelay)
			}
		}
	}
}

func newTempID(now time.Time) string {
	return fmt.Sprintf("temp-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
