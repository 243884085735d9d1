package forumserver

import (
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/crypto/bcrypt"
)

var (
	errUsernameTaken   = errors.New("Username already registered")
	errEmailTaken      = errors.New("Email already registered")
	errBadUsername     = errors.New("Username must be 3-24 characters of plain text")
	errBadEmail        = errors.New("A valid email address is required")
	errBadPassword     = errors.New("Password must be at least 6 characters")
	errBadCredentials  = errors.New("Incorrect username or password")
	errUnknownUsername = errors.New("unknown user")
)

var nicknamePolicy = bluemonday.StrictPolicy()

type account struct {
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"hashed_password"`
	CreatedAt      time.Time `json:"created_at"`
	IsActive       bool      `json:"is_active"`
}

// accounts is the in-memory account registry, mirrored to the store.
type accounts struct {
	mu     sync.RWMutex
	byName map[string]*account
	store  *store
}

func newAccounts(st *store) (*accounts, error) {
	a := &accounts{byName: map[string]*account{}, store: st}
	list, err := st.loadAccounts()
	if err != nil {
		return nil, err
	}
	for i := range list {
		acc := list[i]
		a.byName[acc.Username] = &acc
	}
	return a, nil
}

func validUsername(name string) bool {
	if len(name) < 3 || len(name) > 24 || strings.TrimSpace(name) != name {
		return false
	}
	return nicknamePolicy.Sanitize(name) == name
}

func (a *accounts) register(username, email, password string) (account, error) {
	if !validUsername(username) {
		return account{}, errBadUsername
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return account{}, errBadEmail
	}
	if len(password) < 6 {
		return account{}, errBadPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return account{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byName[username]; ok {
		return account{}, errUsernameTaken
	}
	for _, acc := range a.byName {
		if strings.EqualFold(acc.Email, email) {
			return account{}, errEmailTaken
		}
	}
	acc := &account{
		Username:       username,
		Email:          email,
		HashedPassword: string(hashed),
		CreatedAt:      time.Now().UTC(),
		IsActive:       true,
	}
	if err := a.store.putAccount(*acc); err != nil {
		return account{}, err
	}
	a.byName[username] = acc
	return *acc, nil
}

func (a *accounts) authenticate(username, password string) (account, error) {
	a.mu.RLock()
	acc, ok := a.byName[username]
	a.mu.RUnlock()
	if !ok {
		return account{}, errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.HashedPassword), []byte(password)); err != nil {
		return account{}, errBadCredentials
	}
	return *acc, nil
}

func (a *accounts) get(username string) (account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.byName[username]
	if !ok {
		return account{}, false
	}
	return *acc, true
}

func (a *accounts) setActive(username string, active bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.byName[username]
	if !ok {
		return errUnknownUsername
	}
	acc.IsActive = active
	return a.store.putAccount(*acc)
}
