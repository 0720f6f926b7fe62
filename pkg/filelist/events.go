package filelist

import (
	"sync"

	"github.com/muawin/muawin/pkg/models"
)

// Severity grades a notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is a user-facing message.
type Notice struct {
	Severity Severity
	Message  string
}

// EventKind says which part of the view changed.
type EventKind int

const (
	EventFiles EventKind = iota
	EventLoading
	EventNotice
)

// Event is a view change. Files carries the visible rows for EventFiles.
type Event struct {
	Kind    EventKind
	Files   []models.FileRecord
	Loading bool
	Notice  Notice
}

// Subscribe returns a channel of view changes. Slow subscribers miss
// events; the accessors are authoritative.
func (v *View) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	v.subMu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch
	v.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.subMu.Lock()
			delete(v.subs, id)
			v.subMu.Unlock()
			close(ch)
		})
	}
}

func (v *View) emit(ev Event) {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// emitFilesLocked must be called with v.mu held.
func (v *View) emitFilesLocked() {
	v.emit(Event{Kind: EventFiles, Files: Filter(v.files, v.query)})
}

func (v *View) setLoadingLocked(loading bool) {
	if v.loading == loading {
		return
	}
	v.loading = loading
	v.emit(Event{Kind: EventLoading, Loading: loading})
}

func (v *View) setNotice(sev Severity, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setNoticeLocked(sev, msg)
}

func (v *View) setNoticeLocked(sev Severity, msg string) {
	v.notice = Notice{Severity: sev, Message: msg}
	v.emit(Event{Kind: EventNotice, Notice: v.notice})
}
