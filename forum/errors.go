package forum

import (
	"errors"
	"fmt"
)

// AuthErrorKind classifies identity resolution failures.
type AuthErrorKind int

const (
	Unreachable AuthErrorKind = iota + 1
	InvalidToken
	ServerRejected
)

func (k AuthErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case InvalidToken:
		return "invalid_token"
	case ServerRejected:
		return "server_rejected"
	default:
		return "unknown"
	}
}

var (
	ErrUnreachable    = errors.New("identity endpoint unreachable")
	ErrInvalidToken   = errors.New("token rejected")
	ErrServerRejected = errors.New("identity request rejected by server")
)

// AuthError is returned by Resolver implementations.
type AuthError struct {
	Kind   AuthErrorKind
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	msg := "auth " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrInvalidToken:
		return e.Kind == InvalidToken
	case ErrServerRejected:
		return e.Kind == ServerRejected
	}
	return false
}

// UserMessage is the plain-language explanation shown to the end user.
func (e *AuthError) UserMessage() string {
	switch e.Kind {
	case InvalidToken:
		return "Your session has expired. Please log in again."
	case ServerRejected:
		return "The server could not verify your account. Please log in again later."
	default:
		return "The server could not be reached. Please check your connection and log in again."
	}
}

// ChannelErrorKind classifies live channel failures.
type ChannelErrorKind int

const (
	HandshakeRejected ChannelErrorKind = iota + 1
	MalformedFrame
	UnexpectedClose
)

func (k ChannelErrorKind) String() string {
	switch k {
	case HandshakeRejected:
		return "handshake_rejected"
	case MalformedFrame:
		return "malformed_frame"
	case UnexpectedClose:
		return "unexpected_close"
	default:
		return "unknown"
	}
}

// ChannelError describes a failure of the live channel.
type ChannelError struct {
	Kind ChannelErrorKind
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return "channel " + e.Kind.String()
	}
	return "channel " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error { return e.Err }

func (e *ChannelError) UserMessage() string {
	switch e.Kind {
	case HandshakeRejected:
		return "The chat server refused the connection."
	case UnexpectedClose:
		return "The connection to the chat was lost. Reload to reconnect."
	default:
		return "Received an unreadable update from the chat server."
	}
}

// LoginError carries the server's explanation of a failed login or registration.
type LoginError struct {
	Status int
	Detail string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login rejected (status %d): %s", e.Status, e.UserMessage())
}

func (e *LoginError) UserMessage() string {
	if e.Detail != "" {
		return e.Detail
	}
	return "Login failed. Please try again."
}
