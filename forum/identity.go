package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// User is the profile snapshot resolved once per session.
type User struct {
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// UnmarshalJSON accepts both is_active and isActive.
func (u *User) UnmarshalJSON(b []byte) error {
	var raw struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		CreatedAt string `json:"created_at"`
		IsActive  *bool  `json:"is_active"`
		IsActive2 *bool  `json:"isActive"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Username == "" {
		return fmt.Errorf("user: missing username")
	}
	u.Username = raw.Username
	u.Email = raw.Email
	u.CreatedAt = parseTimestamp(raw.CreatedAt)
	switch {
	case raw.IsActive != nil:
		u.IsActive = *raw.IsActive
	case raw.IsActive2 != nil:
		u.IsActive = *raw.IsActive2
	}
	return nil
}

// Resolver exchanges a stored token for the current user's profile.
type Resolver interface {
	Resolve(ctx context.Context, token string) (User, error)
}

// AuthAPI talks to the HTTP authentication endpoints.
type AuthAPI struct {
	BaseURL string
	Client  *http.Client
}

// NewAuthAPI builds an AuthAPI for the given base URL.
func NewAuthAPI(baseURL string, timeout time.Duration) *AuthAPI {
	return &AuthAPI{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (a *AuthAPI) httpClient() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

// Resolve calls GET /users/me with the token as a bearer credential.
func (a *AuthAPI) Resolve(ctx context.Context, token string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/users/me", nil)
	if err != nil {
		return User{}, &AuthError{Kind: Unreachable, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return User{}, &AuthError{Kind: Unreachable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return User{}, &AuthError{Kind: InvalidToken, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return User{}, &AuthError{Kind: ServerRejected, Status: resp.StatusCode}
	}

	var u User
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&u); err != nil {
		return User{}, &AuthError{Kind: Unreachable, Status: resp.StatusCode, Err: fmt.Errorf("decode user: %w", err)}
	}
	return u, nil
}
