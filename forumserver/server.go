// Package forumserver is a reference backend for the forum chat protocol:
// account registration, token login, the identity endpoint and the live
// chat channel with first-frame token authentication.
package forumserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/forum-chat/forum"
)

const authWait = 10 * time.Second

// Options configures a Server.
type Options struct {
	// Secret signs access tokens. Required.
	Secret []byte
	// TokenTTL defaults to 30 minutes.
	TokenTTL time.Duration
	// DataPath persists accounts and messages via PebbleDB when set.
	DataPath string
	// HistoryLimit is the backlog sent on connect; defaults to 50.
	HistoryLimit int
}

// Server owns the account registry, the chat hub and the optional store.
type Server struct {
	accounts *accounts
	tokens   *tokenIssuer
	hub      *hub
	store    *store
	upgrader websocket.Upgrader
}

func New(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("forumserver: empty token secret")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Minute
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	st, err := openStore(opts.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	accs, err := newAccounts(st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	h, err := newHub(st, opts.HistoryLimit)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load history: %w", err)
	}
	return &Server{
		accounts: accs,
		tokens:   &tokenIssuer{secret: opts.Secret, ttl: opts.TokenTTL, now: time.Now},
		hub:      h,
		store:    st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Forum API is running"})
	})
	r.Post("/register", s.handleRegister)
	r.Post("/token", s.handleToken)
	r.Get("/users/me", s.handleMe)
	r.Get("/chat/history", s.handleHistory)
	r.Get("/ws/chat", s.handleWS)
	return r
}

// SetActive activates or deactivates an account.
func (s *Server) SetActive(username string, active bool) error {
	return s.accounts.setActive(username, active)
}

// IssueToken signs an access token for username without a password check.
func (s *Server) IssueToken(username string) (string, error) {
	return s.tokens.issue(username)
}

// Shutdown closes every chat connection, waits for their goroutines and
// closes the store.
func (s *Server) Shutdown() error {
	s.hub.closeAll()
	s.hub.wait()
	return s.store.Close()
}

type userResponse struct {
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

func toResponse(a account) userResponse {
	return userResponse{Username: a.Username, Email: a.Email, CreatedAt: a.CreatedAt, IsActive: a.IsActive}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid registration payload")
		return
	}
	acc, err := s.accounts.register(req.Username, req.Email, req.Password)
	switch {
	case err == nil:
		log.Info().Str("user", acc.Username).Msg("[forum] registered")
		writeJSON(w, http.StatusCreated, toResponse(acc))
	case errors.Is(err, errUsernameTaken), errors.Is(err, errEmailTaken),
		errors.Is(err, errBadUsername), errors.Is(err, errBadEmail), errors.Is(err, errBadPassword):
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("[forum] register")
		writeDetail(w, http.StatusInternalServerError, "Registration failed")
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid login form")
		return
	}
	acc, err := s.accounts.authenticate(r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, errBadCredentials.Error())
		return
	}
	tok, err := s.tokens.issue(acc.Username)
	if err != nil {
		log.Error().Err(err).Msg("[forum] issue token")
		writeDetail(w, http.StatusInternalServerError, "Login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": tok, "token_type": "bearer"})
}

// bearerAccount resolves the account named by the request's bearer token.
func (s *Server) bearerAccount(r *http.Request) (account, bool) {
	h := r.Header.Get("Authorization")
	scheme, raw, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return account{}, false
	}
	name, err := s.tokens.verify(strings.TrimSpace(raw))
	if err != nil {
		return account{}, false
	}
	return s.accounts.get(name)
}

// handleMe answers 200 for deactivated accounts too, with is_active false,
// so clients can tell a locked account from a bad token.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.bearerAccount(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(acc))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.bearerAccount(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	if !acc.IsActive {
		writeDetail(w, http.StatusBadRequest, "Inactive user")
		return
	}
	limit := s.hub.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxHistory)
		}
	}
	writeJSON(w, http.StatusOK, s.hub.recent(limit))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)

	// The first frame is the raw access token.
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	name, err := s.tokens.verify(strings.TrimSpace(string(raw)))
	acc, known := s.accounts.get(name)
	if err != nil || !known || !acc.IsActive {
		log.Debug().Err(err).Str("user", name).Msg("[forum] channel auth failed")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(forum.Frame{Type: forum.FrameAuthFailed, Detail: "Invalid or expired token"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := newClient(acc.Username, conn, s.hub)
	c.pushSystem(fmt.Sprintf("Welcome %s! You are now connected to the chat.", acc.Username))
	if backlog := s.hub.recent(s.hub.historyLimit); len(backlog) > 0 {
		c.push(forum.Frame{Type: forum.FrameHistory, Messages: backlog})
	}
	log.Info().Str("user", acc.Username).Msg("[forum] channel connected")
	c.run()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
