package forum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectScreens(t *testing.T) {
	v := Project(ProjectionInput{State: StateLoading})
	assert.Equal(t, ScreenLoading, v.Screen)
	assert.Equal(t, "Loading...", v.Title)

	v = Project(ProjectionInput{State: StateUnauthenticated})
	assert.Equal(t, ScreenLogin, v.Screen)
	assert.Equal(t, "Authorization error", v.Title)
	assert.Equal(t, "Please log in to access the forum.", v.Detail)

	v = Project(ProjectionInput{State: StateUnauthenticated, Reason: "Your session has expired. Please log in again."})
	assert.Equal(t, "Your session has expired. Please log in again.", v.Detail)

	v = Project(ProjectionInput{State: StateLocked, User: &User{Username: "alice"}})
	assert.Equal(t, ScreenLocked, v.Screen)
	assert.Equal(t, "Account locked", v.Title)
	assert.Empty(t, v.Rows)
	assert.False(t, v.InputEnabled)
}

func TestProjectChat(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	in := ProjectionInput{
		State:       StateActive,
		User:        &User{Username: "alice", IsActive: true},
		ListVersion: 7,
		Threads:     DefaultThreads(),
		Selected:    MainThreadID,
		Messages: []Message{
			{ID: "h-1", ThreadID: MainThreadID, Username: "bob", Content: "wrap it in <div> or <b>x</b> ok", Timestamp: at},
			{ID: "m-2", ThreadID: MainThreadID, Username: "alice", Content: "a &amp; b\x1b[2J", IsOwn: true},
			{ID: "m-3", ThreadID: ThreadID(2), Username: "carol", Content: "elsewhere"},
		},
	}

	v := Project(in)
	assert.Equal(t, ScreenChat, v.Screen)
	assert.Equal(t, "Forum", v.Title)
	assert.Equal(t, "Logged in as alice", v.Detail)
	assert.Equal(t, "Main thread", v.ThreadTitle)
	assert.Equal(t, uint64(7), v.ListVersion)
	assert.False(t, v.InputEnabled)
	assert.Equal(t, "Connecting to chat...", v.Placeholder)
	assert.Equal(t, "Connecting...", v.SubmitLabel)

	require.Len(t, v.Rows, 2)
	assert.Equal(t, "wrap it in <div> or <b>x</b> ok", v.Rows[0].Text, "markup is shown, not stripped")
	assert.Equal(t, at.Local().Format("15:04:05"), v.Rows[0].Time)
	assert.False(t, v.Rows[0].Own)
	assert.Equal(t, "a &amp; b[2J", v.Rows[1].Text)
	assert.Equal(t, "--:--:--", v.Rows[1].Time)
	assert.True(t, v.Rows[1].Own)

	in.ChannelOpen = true
	in.Notice = "Welcome"
	v = Project(in)
	assert.True(t, v.InputEnabled)
	assert.Equal(t, "Type your message...", v.Placeholder)
	assert.Equal(t, "Send", v.SubmitLabel)
	assert.Equal(t, "Welcome", v.Notice)
}

func TestProjectIsPure(t *testing.T) {
	in := ProjectionInput{
		State:    StateActive,
		User:     &User{Username: "alice"},
		Threads:  DefaultThreads(),
		Selected: MainThreadID,
		Messages: []Message{{ID: "m-1", ThreadID: MainThreadID, Username: "bob", Content: "x"}},
	}
	assert.Equal(t, Project(in), Project(in))
}

func TestNeedsScroll(t *testing.T) {
	a := View{ListVersion: 1}
	assert.False(t, NeedsScroll(a, a))
	assert.True(t, NeedsScroll(a, View{ListVersion: 2}))
}

func TestDisplayText(t *testing.T) {
	assert.Equal(t, "a &lt; b", DisplayText("a &lt; b"))
	assert.Equal(t, `<a href="x">click</a>`, DisplayText(`<a href="x">click</a>`))
	assert.Equal(t, "  spaced  ", DisplayText("  spaced  "))
	assert.Equal(t, "line one\nline\ttwo", DisplayText("line one\nline\ttwo"))
	assert.Equal(t, "bell", DisplayText("be\all"))
	assert.Equal(t, "red", DisplayText("\x1b\x00red\r\x7f"))
}

func TestProjectRowsMatchMessages(t *testing.T) {
	r := NewReconciler()
	for _, text := range []string{"wrap it in <div> or <b>x</b> ok", "<script>alert(1)</script>", "5 > 3 && 2 < 4"} {
		r.Append(MainThreadID, WireMessage{Username: "bob", Message: text})
	}
	v := Project(ProjectionInput{
		State:       StateActive,
		User:        &User{Username: "alice"},
		Threads:     DefaultThreads(),
		Selected:    MainThreadID,
		Messages:    r.Current(),
		ListVersion: r.Version(),
	})
	require.Len(t, v.Rows, 3)
	for i, m := range r.Current() {
		assert.Equal(t, m.Content, v.Rows[i].Text)
		assert.Equal(t, m.ID, v.Rows[i].ID)
	}
}

func TestThreadSet(t *testing.T) {
	s := threadSetFrom([]Thread{{ID: 3, Title: "Off topic"}, {ID: 1, Title: "General"}, {ID: 2}})
	assert.Equal(t, "General", s.Title(1))
	assert.Equal(t, "Thread 2", s.Title(2))
	assert.Equal(t, "Thread 42", s.Title(42))
	sorted := s.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, []ThreadID{1, 2, 3}, []ThreadID{sorted[0].ID, sorted[1].ID, sorted[2].ID})
}
