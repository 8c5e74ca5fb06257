package identity

import "errors"

var (
	// ErrInvalidCredentials covers both unknown email and wrong password,
	// so responses cannot be used to enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactive           = errors.New("account inactive")
	ErrEmailTaken         = errors.New("email taken")
	ErrStaleRefresh       = errors.New("stale refresh token")
	ErrIdentityGone       = errors.New("identity gone")
	ErrAlreadyOnboarded   = errors.New("already onboarded")
	ErrUnknownStore       = errors.New("unknown legacy store")
)
