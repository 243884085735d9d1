package forum

import (
	"time"

	"github.com/google/uuid"
)

// Message is one admitted chat message. Messages are never mutated after
// admission.
type Message struct {
	ID        string
	ThreadID  ThreadID
	Content   string
	Username  string
	Timestamp time.Time
	IsOwn     bool
}

// Reconciler merges history snapshots and live messages into one ordered
// view per thread. It is not safe for concurrent use; Session serializes
// access.
type Reconciler struct {
	username string
	selected ThreadID
	all      []Message

	current []Message
	dirty   bool
	version uint64
}

// NewReconciler returns an empty reconciler with MainThreadID selected.
func NewReconciler() *Reconciler {
	return &Reconciler{selected: MainThreadID, all: make([]Message, 0, 64)}
}

// SetUser sets the username IsOwn is computed against for newly admitted
// messages.
func (r *Reconciler) SetUser(username string) { r.username = username }

// Selected returns the currently selected thread.
func (r *Reconciler) Selected() ThreadID { return r.selected }

// ReplaceHistory replaces every held message of thread with entries, in
// order. Other threads are untouched.
func (r *Reconciler) ReplaceHistory(thread ThreadID, entries []WireMessage) {
	kept := make([]Message, 0, len(r.all)+len(entries))
	for _, m := range r.all {
		if m.ThreadID != thread {
			kept = append(kept, m)
		}
	}
	for _, e := range entries {
		kept = append(kept, r.admit("h-", thread, e))
	}
	r.all = kept
	r.invalidate(thread)
}

// Append admits one live message at the end of thread.
func (r *Reconciler) Append(thread ThreadID, e WireMessage) Message {
	m := r.admit("m-", thread, e)
	r.all = append(r.all, m)
	r.invalidate(thread)
	return m
}

func (r *Reconciler) admit(prefix string, thread ThreadID, e WireMessage) Message {
	return Message{
		ID:        prefix + uuid.NewString(),
		ThreadID:  thread,
		Content:   e.Message,
		Username:  e.Username,
		Timestamp: parseTimestamp(e.Timestamp),
		IsOwn:     r.username != "" && e.Username == r.username,
	}
}

// Select changes the thread Current projects. Held messages of other
// threads are kept.
func (r *Reconciler) Select(thread ThreadID) {
	if thread == r.selected {
		return
	}
	r.selected = thread
	r.dirty = true
}

// Current returns the messages of the selected thread in receipt order.
// The returned slice is shared until the next change and must not be
// modified.
func (r *Reconciler) Current() []Message {
	if r.dirty || r.current == nil {
		out := make([]Message, 0, len(r.all))
		for _, m := range r.all {
			if m.ThreadID == r.selected {
				out = append(out, m)
			}
		}
		r.current = out
		r.dirty = false
		r.version++
	}
	return r.current
}

// Version changes exactly when the identity of the Current list changes.
func (r *Reconciler) Version() uint64 {
	r.Current()
	return r.version
}

// Len returns the number of held messages across all threads.
func (r *Reconciler) Len() int { return len(r.all) }

// Reset drops every held message; used on full session reset. Resetting an
// empty reconciler leaves the version unchanged.
func (r *Reconciler) Reset() {
	if len(r.all) == 0 && len(r.current) == 0 {
		return
	}
	r.all = make([]Message, 0, 64)
	r.dirty = true
}

func (r *Reconciler) invalidate(thread ThreadID) {
	if thread == r.selected {
		r.dirty = true
	}
}
