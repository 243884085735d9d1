package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

// Login exchanges a username and password for a credential via POST /token.
// The caller stores the returned credential.
func (a *AuthAPI) Login(ctx context.Context, username, password string) (Credential, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read login response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, &LoginError{Status: resp.StatusCode, Detail: detailOf(body)}
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return Credential{}, fmt.Errorf("decode login response: %w", err)
	}
	if tok.AccessToken == "" {
		return Credential{}, &LoginError{Status: resp.StatusCode, Detail: "The server did not issue a token."}
	}
	if tok.TokenType == "" {
		tok.TokenType = DefaultTokenType
	}
	return Credential{Token: tok.AccessToken, Type: tok.TokenType}, nil
}

// Register creates an account via POST /register.
func (a *AuthAPI) Register(ctx context.Context, username, email, password string) error {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/register", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("register request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &LoginError{Status: resp.StatusCode, Detail: detailOf(body)}
	}
	return nil
}

// detailOf extracts a string detail field; validation errors with structured
// details fall back to the generic message.
func detailOf(body []byte) string {
	var d detailResponse
	if err := json.Unmarshal(body, &d); err != nil {
		return ""
	}
	return d.Detail
}
