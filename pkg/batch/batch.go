// Package batch sequences multi-file upload and delete operations and tracks
// per-item status and aggregate progress.
package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/muawin/muawin/pkg/logger"
	"github.com/muawin/muawin/pkg/models"
)

// Status is the lifecycle state of one batch item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusDeleting  Status = "deleting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultClearDelay is how long settled items stay visible.
const DefaultClearDelay = 3 * time.Second

// Item is the progress record of one file in a batch.
type Item struct {
	ID       string
	File     string
	Status   Status
	Progress int
	Error    string
}

// Event reports a change to one item. Settled events close a batch and
// carry no item.
type Event struct {
	ItemID   string
	File     string
	Status   Status
	Progress int
	Error    string
	Settled  bool
}

// UploadFunc transfers one file. It may send percentages on progress and
// must not send after it returns. It must not close progress.
type UploadFunc func(ctx context.Context, f models.LocalFile, progress chan<- int) (models.ConfirmedFile, error)

// DeleteFunc removes one file by name.
type DeleteFunc func(ctx context.Context, filename string) error

// UploadResult is a successful upload.
type UploadResult struct {
	File   models.LocalFile
	Record models.ConfirmedFile
}

// UploadFailure is a failed upload.
type UploadFailure struct {
	File models.LocalFile
	Err  error
}

// UploadOutcome is the settle of one upload batch, in input order.
type UploadOutcome struct {
	Results []UploadResult
	Errors  []UploadFailure
}

// DeleteResult is a successful delete.
type DeleteResult struct {
	Filename string
}

// DeleteFailure is a failed delete.
type DeleteFailure struct {
	Filename string
	Err      error
}

// DeleteOutcome is the settle of one delete batch, in input order.
type DeleteOutcome struct {
	Results []DeleteResult
	Errors  []DeleteFailure
}

// Summary counts items by status.
type Summary struct {
	Pending   int
	Completed int
	Failed    int
	Uploading int
	Deleting  int
	Total     int
}

// Options configures a Coordinator.
type Options struct {
	// ClearDelay defaults to DefaultClearDelay.
	ClearDelay time.Duration
	// Workers > 1 runs items in parallel on a bounded pool. The default
	// runs them one after another.
	Workers int
}

// Coordinator owns the progress map of every batch it runs. Concurrent
// batches share the map; it is cleared only once none is active.
type Coordinator struct {
	opts Options

	mu         sync.Mutex
	items      map[string]*Item
	order      []string
	active     int
	clearTimer *time.Timer

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.ClearDelay <= 0 {
		opts.ClearDelay = DefaultClearDelay
	}
	return &Coordinator{
		opts:  opts,
		items: make(map[string]*Item),
		subs:  make(map[int]chan Event),
	}
}

// Subscribe returns a channel of item events. Events are dropped for a
// subscriber that does not keep up; Snapshot is authoritative. Call cancel
// to unsubscribe and close the channel.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (c *Coordinator) emit(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// RunUpload uploads files and returns once every item is terminal. A
// failure never stops the remaining items.
func (c *Coordinator) RunUpload(ctx context.Context, files []models.LocalFile, fn UploadFunc) UploadOutcome {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	ids := c.begin(names)
	defer c.end()

	records := make([]models.ConfirmedFile, len(files))
	errs := make([]error, len(files))

	c.run(len(files), func(i int) {
		id := ids[i]
		c.transition(id, StatusUploading, 0, "")

		progress := make(chan int, 16)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for p := range progress {
				c.advance(id, p)
			}
		}()

		rec, err := fn(ctx, files[i], progress)
		close(progress)
		<-forwarded

		if err != nil {
			errs[i] = err
			c.transition(id, StatusFailed, 0, err.Error())
			logger.Debug("upload %s failed: %v", files[i].Name, err)
			return
		}
		records[i] = rec
		c.transition(id, StatusCompleted, 100, "")
	})

	var out UploadOutcome
	for i, f := range files {
		if errs[i] != nil {
			out.Errors = append(out.Errors, UploadFailure{File: f, Err: errs[i]})
			continue
		}
		out.Results = append(out.Results, UploadResult{File: f, Record: records[i]})
	}
	return out
}

// RunDelete deletes filenames with the same state machine as RunUpload.
func (c *Coordinator) RunDelete(ctx context.Context, filenames []string, fn DeleteFunc) DeleteOutcome {
	ids := c.begin(filenames)
	defer c.end()

	errs := make([]error, len(filenames))
	c.run(len(filenames), func(i int) {
		id := ids[i]
		c.transition(id, StatusDeleting, 0, "")
		if err := fn(ctx, filenames[i]); err != nil {
			errs[i] = err
			c.transition(id, StatusFailed, 0, err.Error())
			logger.Debug("delete %s failed: %v", filenames[i], err)
			return
		}
		c.transition(id, StatusCompleted, 100, "")
	})

	var out DeleteOutcome
	for i, name := range filenames {
		if errs[i] != nil {
			out.Errors = append(out.Errors, DeleteFailure{Filename: name, Err: errs[i]})
			continue
		}
		out.Results = append(out.Results, DeleteResult{Filename: name})
	}
	return out
}

// run executes task for 0..n-1, sequentially or on a pool.
func (c *Coordinator) run(n int, task func(i int)) {
	if c.opts.Workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			task(i)
		}
		return
	}

	pool, err := ants.NewPool(c.opts.Workers)
	if err != nil {
		logger.Warn("batch pool unavailable, running sequentially: %v", err)
		for i := 0; i < n; i++ {
			task(i)
		}
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			task(i)
		}); err != nil {
			wg.Done()
			task(i)
		}
	}
	wg.Wait()
}

// begin registers pending items and returns their ids.
func (c *Coordinator) begin(names []string) []string {
	c.mu.Lock()
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
	c.active++

	ms := time.Now().UnixMilli()
	ids := make([]string, len(names))
	for i, name := range names {
		id := fmt.Sprintf("%s-%d-%d", name, ms, i)
		for bump := ms + 1; c.items[id] != nil; bump++ {
			id = fmt.Sprintf("%s-%d-%d", name, bump, i)
		}
		c.items[id] = &Item{ID: id, File: name, Status: StatusPending}
		c.order = append(c.order, id)
		ids[i] = id
	}
	c.mu.Unlock()

	for i, id := range ids {
		c.emit(Event{ItemID: id, File: names[i], Status: StatusPending})
	}
	return ids
}

// end closes a batch and arms the clear timer when it was the last one.
func (c *Coordinator) end() {
	c.mu.Lock()
	c.active--
	if c.active == 0 {
		c.clearTimer = time.AfterFunc(c.opts.ClearDelay, c.clear)
	}
	c.mu.Unlock()

	c.emit(Event{Settled: true})
}

func (c *Coordinator) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		return
	}
	c.items = make(map[string]*Item)
	c.order = nil
	c.clearTimer = nil
}

func (c *Coordinator) transition(id string, to Status, progress int, errMsg string) {
	c.mu.Lock()
	it, ok := c.items[id]
	if !ok || it.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	it.Status = to
	it.Progress = progress
	it.Error = errMsg
	ev := Event{ItemID: id, File: it.File, Status: to, Progress: progress, Error: errMsg}
	c.mu.Unlock()

	c.emit(ev)
}

// advance records in-flight progress. It never goes backwards and stays
// below 100 until the item completes.
func (c *Coordinator) advance(id string, p int) {
	if p > 99 {
		p = 99
	}
	c.mu.Lock()
	it, ok := c.items[id]
	if !ok || it.Status.Terminal() || p <= it.Progress {
		c.mu.Unlock()
		return
	}
	it.Progress = p
	ev := Event{ItemID: id, File: it.File, Status: it.Status, Progress: p}
	c.mu.Unlock()

	c.emit(ev)
}

// Snapshot returns the items in creation order.
func (c *Coordinator) Snapshot() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.items[id])
	}
	return out
}

// OverallProgress is the share of completed items as a rounded percentage.
func (c *Coordinator) OverallProgress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return 0
	}
	done := 0
	for _, it := range c.items {
		if it.Status == StatusCompleted {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(c.items))))
}

// StatusSummary counts items by status.
func (c *Coordinator) StatusSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Summary{Total: len(c.items)}
	for _, it := range c.items {
		switch it.Status {
		case StatusPending:
			s.Pending++
		case StatusUploading:
			s.Uploading++
		case StatusDeleting:
			s.Deleting++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// IsProcessing reports whether any batch is running.
func (c *Coordinator) IsProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active > 0
}
