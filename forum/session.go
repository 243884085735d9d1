package forum

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the session lifecycle state.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StateLocked
	StateActive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateLocked:
		return "locked"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// transitions lists the automatic transitions. Unauthenticated and locked
// are terminal for a Session.
var transitions = map[State][]State{
	StateLoading: {StateUnauthenticated, StateLocked, StateActive},
	StateActive:  {StateUnauthenticated},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	reasonNoToken     = "Please log in to access the forum."
	reasonAuthFailed  = "Your session is no longer valid. Please log in again."
	reasonLoggedOut   = "You have been logged out."
	reasonStoreError  = "Your saved login could not be read. Please log in again."
	reasonUnreachable = "The server could not be reached. Please check your connection and log in again."
	noticeDialFailed  = "Could not connect to the chat. Reload to try again."
)

// ErrAlreadyStarted is returned by a second Start on the same Session.
var ErrAlreadyStarted = errors.New("session already started")

// Session is the client state machine. It resolves the stored credential
// once, gates the live channel on the active state and feeds inbound frames
// into the reconciler. All state changes are serialized by mu; observers
// are called in order, one view at a time.
type Session struct {
	log         zerolog.Logger
	creds       CredentialStore
	resolver    Resolver
	channel     *ChannelManager
	dialTimeout time.Duration

	mu        sync.Mutex
	started   bool
	closed    bool
	state     State
	user      *User
	reason    string
	notice    string
	threads   ThreadSet
	recon     *Reconciler
	observers []func(View)

	notifyMu sync.Mutex
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithThread selects the thread the session starts on.
func WithThread(id ThreadID) SessionOption {
	return func(s *Session) { s.recon.Select(id) }
}

func WithDialTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.dialTimeout = d }
}

// WithObserver registers fn before Start so it sees the loading view.
func WithObserver(fn func(View)) SessionOption {
	return func(s *Session) { s.observers = append(s.observers, fn) }
}

func NewSession(creds CredentialStore, resolver Resolver, channel *ChannelManager, opts ...SessionOption) *Session {
	s := &Session{
		log:         log.Logger.With().Str("component", "session").Logger(),
		creds:       creds,
		resolver:    resolver,
		channel:     channel,
		dialTimeout: 10 * time.Second,
		state:       StateLoading,
		threads:     DefaultThreads(),
		recon:       NewReconciler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn to receive every new View. fn runs on the
// goroutine that caused the change and must not call Start, Logout or
// Close synchronously.
func (s *Session) Subscribe(fn func(View)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Start resolves the stored credential and drives the session out of
// loading. It runs once per Session; failures are routed to states, and
// the returned error only reports a channel that could not be opened.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()
	s.publish()

	cred, ok, err := s.creds.Get()
	if err != nil {
		s.log.Error().Err(err).Msg("[session] read credential")
		s.move(StateUnauthenticated, reasonStoreError, false)
		return nil
	}
	if !ok {
		s.move(StateUnauthenticated, reasonNoToken, false)
		return nil
	}

	user, err := s.resolver.Resolve(ctx, cred.Token)
	if err != nil {
		reason := reasonUnreachable
		var aerr *AuthError
		if errors.As(err, &aerr) {
			reason = aerr.UserMessage()
			if aerr.Kind == InvalidToken {
				if cerr := s.creds.Clear(); cerr != nil {
					s.log.Error().Err(cerr).Msg("[session] clear rejected credential")
				}
			}
		}
		s.log.Warn().Err(err).Msg("[session] identity check failed")
		s.move(StateUnauthenticated, reason, false)
		return nil
	}

	s.mu.Lock()
	s.user = &user
	s.recon.SetUser(user.Username)
	s.mu.Unlock()

	if !user.IsActive {
		s.move(StateLocked, "", false)
		return nil
	}
	if !s.move(StateActive, "", false) {
		return nil
	}
	return s.openChannel(ctx, cred.Token)
}

func (s *Session) openChannel(ctx context.Context, token string) error {
	s.mu.Lock()
	thread := s.recon.Selected()
	s.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	_, err := s.channel.Open(dctx, token, thread, s)

	s.mu.Lock()
	if err != nil {
		if s.state == StateActive {
			s.notice = noticeDialFailed
		}
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("[session] open channel")
		s.publish()
		return err
	}
	if s.state != StateActive || s.closed {
		// Left active or torn down while dialing.
		s.channel.Close()
	}
	s.mu.Unlock()
	s.publish()
	return nil
}

// move performs a transition and publishes the new view. explicit marks
// consumer-initiated logout, the one way out of locked.
func (s *Session) move(to State, reason string, explicit bool) bool {
	s.mu.Lock()
	ok := s.moveLocked(to, reason, explicit)
	s.mu.Unlock()
	if ok {
		s.publish()
	}
	return ok
}

func (s *Session) moveLocked(to State, reason string, explicit bool) bool {
	from := s.state
	if !allowed(from, to) && !(explicit && to == StateUnauthenticated && from != StateUnauthenticated) {
		s.log.Warn().Stringer("from", from).Stringer("to", to).Msg("[session] transition ignored")
		return false
	}
	if from == StateActive {
		s.channel.Close()
	}
	s.state = to
	s.reason = reason
	if to != StateActive {
		s.notice = ""
		s.recon.Reset()
	}
	if to == StateUnauthenticated {
		s.user = nil
		s.recon.SetUser("")
	}
	s.log.Info().Stringer("from", from).Stringer("to", to).Msg("[session] transition")
	return true
}

// handleFrame dispatches one inbound frame. Frames of a retired channel
// generation, or arriving after the session left active, are dropped.
func (s *Session) handleFrame(gen uint64, f Frame) {
	s.mu.Lock()
	if s.state != StateActive || !s.channel.IsCurrent(gen) {
		s.mu.Unlock()
		return
	}
	switch f.Type {
	case FrameAuthFailed:
		s.log.Warn().Str("detail", f.Detail).Msg("[session] channel authentication failed")
		s.moveLocked(StateUnauthenticated, reasonAuthFailed, false)
	case FrameHistory:
		s.recon.ReplaceHistory(threadOf(f, s.channel.Thread()), f.Messages)
	case FrameMessage:
		s.recon.Append(threadOf(f, s.recon.Selected()), f.Entry())
	case FrameThreadList:
		s.threads = threadSetFrom(f.Threads)
	case FrameSystem:
		s.notice = DisplayText(f.Message)
	default:
		s.mu.Unlock()
		s.log.Warn().Str("type", string(f.Type)).Msg("[session] dropping frame of unknown type")
		return
	}
	s.mu.Unlock()
	s.publish()
}

func (s *Session) handleClosed(gen uint64, err *ChannelError) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.notice = err.UserMessage()
	s.mu.Unlock()
	s.publish()
}

func threadOf(f Frame, fallback ThreadID) ThreadID {
	if f.ThreadID != nil {
		return *f.ThreadID
	}
	return fallback
}

// Submit sends text on the live channel. Blank text, or a session that is
// not connected, is a silent no-op reported as false.
func (s *Session) Submit(text string) bool {
	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		return false
	}
	return s.channel.Send(text)
}

// SelectThread changes the projected thread without discarding messages of
// other threads.
func (s *Session) SelectThread(id ThreadID) {
	s.mu.Lock()
	s.recon.Select(id)
	s.mu.Unlock()
	s.publish()
}

// Logout clears the stored credential and ends the session.
func (s *Session) Logout() error {
	if err := s.creds.Clear(); err != nil {
		return err
	}
	s.move(StateUnauthenticated, reasonLoggedOut, true)
	return nil
}

// Close tears down the channel and waits for its read loop. A dial still
// in flight is closed as soon as it completes. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.channel.Close()
	s.mu.Unlock()
	s.channel.Wait()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the resolved user while the session holds one.
func (s *Session) User() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// Threads returns a copy of the known thread metadata.
func (s *Session) Threads() ThreadSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(ThreadSet, len(s.threads))
	for k, v := range s.threads {
		out[k] = v
	}
	return out
}

// Messages returns the messages of the selected thread.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil
	}
	return append([]Message(nil), s.recon.Current()...)
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectLocked()
}

func (s *Session) projectLocked() View {
	return Project(ProjectionInput{
		State:       s.state,
		User:        s.user,
		Reason:      s.reason,
		Notice:      s.notice,
		Messages:    s.recon.Current(),
		ListVersion: s.recon.Version(),
		ChannelOpen: s.channel.IsOpen(),
		Threads:     s.threads,
		Selected:    s.recon.Selected(),
	})
}

func (s *Session) publish() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	v := s.projectLocked()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(v)
	}
}
