package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/gosuda/forum-chat/forum"
)

// terminal prints views as a scrolling transcript. Appending to the printed
// rows only prints the new ones; a replaced list is printed again in full.
type terminal struct {
	out io.Writer

	mu      sync.Mutex
	last    forum.View
	printed []string
	wasChat bool
	left    chan struct{}
	once    sync.Once
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out, left: make(chan struct{})}
}

// Left is closed once the chat screen has been shown and then left.
func (t *terminal) Left() <-chan struct{} { return t.left }

func (t *terminal) Render(v forum.View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.last
	t.last = v

	if v.Screen != forum.ScreenChat {
		if prev.Screen != v.Screen || prev.Detail != v.Detail {
			t.printScreen(v)
		}
		if t.wasChat {
			t.once.Do(func() { close(t.left) })
		}
		return
	}
	if !t.wasChat {
		t.wasChat = true
		fmt.Fprintf(t.out, "== %s | %s ==\n", v.ThreadTitle, v.Detail)
	}
	if v.Notice != "" && v.Notice != prev.Notice {
		fmt.Fprintf(t.out, "* %s\n", v.Notice)
	}
	if v.InputEnabled != prev.InputEnabled || prev.Screen != forum.ScreenChat {
		fmt.Fprintf(t.out, "[%s] %s\n", v.SubmitLabel, v.Placeholder)
	}
	if forum.NeedsScroll(prev, v) {
		t.scroll(v.Rows)
	}
}

func (t *terminal) printScreen(v forum.View) {
	fmt.Fprintf(t.out, "== %s ==\n", v.Title)
	if v.Detail != "" {
		fmt.Fprintln(t.out, v.Detail)
	}
}

// scroll brings the transcript up to date with rows.
func (t *terminal) scroll(rows []forum.Row) {
	extends := len(rows) >= len(t.printed)
	for i := 0; extends && i < len(t.printed); i++ {
		extends = rows[i].ID == t.printed[i]
	}
	start := len(t.printed)
	if !extends {
		fmt.Fprintln(t.out, "-- history --")
		t.printed = t.printed[:0]
		start = 0
	}
	for _, r := range rows[start:] {
		marker := " "
		if r.Own {
			marker = ">"
		}
		fmt.Fprintf(t.out, "%s %s %s: %s\n", marker, r.Time, r.Username, r.Text)
		t.printed = append(t.printed, r.ID)
	}
}
