package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("reset token invalid")
	ErrTokenExpired       = errors.New("reset token expired")
	ErrTokenUsed          = errors.New("reset token already used")

	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	ErrEmailTaken    = errors.New("email already in use")
	ErrUsernameTaken = errors.New("username already in use")
	ErrUserNotFound  = errors.New("user not found")
)

type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	return "too many login attempts"
}
