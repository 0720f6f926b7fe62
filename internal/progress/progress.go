// Package progress renders transfer progress for the CLI: one mpb bar per
// batch item and a progressbar for single downloads. Non-terminal output
// gets plain lines instead.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/muawin/muawin/pkg/batch"
)

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// BatchUI draws batch coordinator events.
type BatchUI struct {
	out      io.Writer
	terminal bool
	progress *mpb.Progress

	mu   sync.Mutex
	bars map[string]*mpb.Bar
	done map[string]bool
}

// NewBatchUI creates a BatchUI writing to out. Bars are drawn only when
// out is a terminal.
func NewBatchUI(out io.Writer) *BatchUI {
	return newBatchUI(out, IsTerminal(out))
}

func newBatchUI(out io.Writer, terminal bool) *BatchUI {
	u := &BatchUI{
		out:      out,
		terminal: terminal,
		bars:     make(map[string]*mpb.Bar),
		done:     make(map[string]bool),
	}
	if terminal {
		u.progress = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(150*time.Millisecond),
			mpb.WithWidth(60),
		)
	}
	return u
}

// Track consumes events until events is closed. Bars still open then are
// aborted.
func (u *BatchUI) Track(events <-chan batch.Event) {
	for ev := range events {
		if !ev.Settled {
			u.handle(ev)
		}
	}
	u.abortRemaining()
}

func (u *BatchUI) handle(ev batch.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done[ev.ItemID] {
		return
	}

	bar := u.bars[ev.ItemID]
	if bar == nil && u.terminal {
		bar = u.progress.AddBar(100,
			mpb.PrependDecorators(decor.Name(ev.File, decor.WCSyncSpaceR)),
			mpb.AppendDecorators(decor.Percentage(decor.WCSyncSpace)),
		)
		u.bars[ev.ItemID] = bar
	}

	switch ev.Status {
	case batch.StatusCompleted:
		u.done[ev.ItemID] = true
		if bar != nil {
			bar.SetCurrent(100)
		} else {
			fmt.Fprintf(u.out, "✓ %s\n", ev.File)
		}
	case batch.StatusFailed:
		u.done[ev.ItemID] = true
		if bar != nil {
			bar.Abort(false)
			fmt.Fprintf(u.progress, "✗ %s: %s\n", ev.File, ev.Error)
		} else {
			fmt.Fprintf(u.out, "✗ %s: %s\n", ev.File, ev.Error)
		}
	default:
		if bar != nil {
			bar.SetCurrent(int64(ev.Progress))
		}
	}
}

func (u *BatchUI) abortRemaining() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, bar := range u.bars {
		if !u.done[id] {
			bar.Abort(false)
			u.done[id] = true
		}
	}
}

// Wait blocks until every bar has finished rendering.
func (u *BatchUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Download is a byte counter for one download.
type Download struct {
	bar *progressbar.ProgressBar
}

// NewDownload creates a Download bar on out. The total is learned from the
// first callback.
func NewDownload(out io.Writer, description string) *Download {
	return newDownload(out, description, IsTerminal(out))
}

func newDownload(out io.Writer, description string, terminal bool) *Download {
	if !terminal {
		return &Download{}
	}
	return &Download{bar: progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(out, "\n") }),
		progressbar.OptionSetRenderBlankState(true),
	)}
}

// Callback returns the function to hand to a download call.
func (d *Download) Callback() func(done, total int64) {
	if d.bar == nil {
		return nil
	}
	return func(done, total int64) {
		if total > 0 && d.bar.GetMax64() != total {
			d.bar.ChangeMax64(total)
		}
		_ = d.bar.Set64(done)
	}
}

// Finish completes the bar.
func (d *Download) Finish() {
	if d.bar != nil {
		_ = d.bar.Finish()
	}
}
