package forum

import (
	"strings"
	"unicode"
)

// Screen selects what the front end renders.
type Screen int

const (
	ScreenLoading Screen = iota
	ScreenLogin
	ScreenLocked
	ScreenChat
)

func (s Screen) String() string {
	switch s {
	case ScreenLoading:
		return "loading"
	case ScreenLogin:
		return "login"
	case ScreenLocked:
		return "locked"
	case ScreenChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Row is one renderable message line.
type Row struct {
	ID       string
	Username string
	Text     string
	Time     string
	Own      bool
}

// View is everything a front end needs to draw the current state.
type View struct {
	Screen       Screen
	Title        string
	Detail       string
	Username     string
	ThreadTitle  string
	Rows         []Row
	ListVersion  uint64
	InputEnabled bool
	Placeholder  string
	SubmitLabel  string
	Notice       string
}

// ProjectionInput is the state a View is derived from.
type ProjectionInput struct {
	State       State
	User        *User
	Reason      string
	Notice      string
	Messages    []Message
	ListVersion uint64
	ChannelOpen bool
	Threads     ThreadSet
	Selected    ThreadID
}

const (
	placeholderConnected  = "Type your message..."
	placeholderConnecting = "Connecting to chat..."
	labelSend             = "Send"
	labelConnecting       = "Connecting..."
	timeLayout            = "15:04:05"
	unknownTime           = "--:--:--"
)

// Project derives the View. It holds no state and has no side effects.
func Project(in ProjectionInput) View {
	switch in.State {
	case StateLoading:
		return View{Screen: ScreenLoading, Title: "Loading..."}
	case StateUnauthenticated:
		detail := in.Reason
		if detail == "" {
			detail = "Please log in to access the forum."
		}
		return View{Screen: ScreenLogin, Title: "Authorization error", Detail: detail}
	case StateLocked:
		return View{
			Screen: ScreenLocked,
			Title:  "Account locked",
			Detail: "Your account is inactive or has been locked. Contact an administrator.",
		}
	}

	v := View{
		Screen:       ScreenChat,
		Title:        "Forum",
		ThreadTitle:  in.Threads.Title(in.Selected),
		ListVersion:  in.ListVersion,
		InputEnabled: in.ChannelOpen,
		Notice:       in.Notice,
		Rows:         make([]Row, 0, len(in.Messages)),
	}
	if in.User != nil {
		v.Username = in.User.Username
		v.Detail = "Logged in as " + in.User.Username
	}
	if in.ChannelOpen {
		v.Placeholder, v.SubmitLabel = placeholderConnected, labelSend
	} else {
		v.Placeholder, v.SubmitLabel = placeholderConnecting, labelConnecting
	}
	for _, m := range in.Messages {
		if m.ThreadID != in.Selected {
			continue
		}
		ts := unknownTime
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.Local().Format(timeLayout)
		}
		v.Rows = append(v.Rows, Row{
			ID:       m.ID,
			Username: DisplayText(m.Username),
			Text:     DisplayText(m.Content),
			Time:     ts,
			Own:      m.IsOwn,
		})
	}
	return v
}

// NeedsScroll reports whether the front end should scroll to the latest
// message: exactly when the message list identity changed.
func NeedsScroll(prev, next View) bool {
	return prev.ListVersion != next.ListVersion
}

// DisplayText returns s as admitted, markup included, minus control
// characters other than newline and tab.
func DisplayText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
}
