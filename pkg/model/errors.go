package model

import (
	"errors"
	"strings"
)

// Error kinds surfaced by the chat core. Callers wrap them with fmt.Errorf
// and %w; boundaries classify with errors.Is.
var (
	ErrAuth             = errors.New("authentication failed")
	ErrNotAuthorized    = errors.New("access denied")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Reason converts err into the short string sent to clients. Only
// validation errors keep their detail, since those are produced locally.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		msg := err.Error()
		if i := strings.LastIndex(msg, ErrInvalidInput.Error()+": "); i >= 0 {
			return msg[i+len(ErrInvalidInput.Error())+2:]
		}
		return ErrInvalidInput.Error()
	case errors.Is(err, ErrAuth):
		return ErrAuth.Error()
	case errors.Is(err, ErrNotAuthorized):
		return ErrNotAuthorized.Error()
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.Is(err, ErrStoreUnavailable):
		return "temporarily unavailable"
	default:
		return "internal error"
	}
}
