// Package errs holds the sentinel errors shared by the lobby subsystems and
// maps each of them to a coarse Kind used on the wire and in HTTP responses.
package errs

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies a failure for propagation to the requester.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindForbidden  Kind = "forbidden"
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindInternal   Kind = "internal"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotMember       = errors.New("player is not a member of this session")
	ErrPlayerNotFound  = errors.New("player not found")

	ErrSessionFull    = errors.New("session is full")
	ErrJoinsLocked    = errors.New("session does not accept new players")
	ErrAlreadyStarted = errors.New("game already started")
	ErrNotEnough      = errors.New("not enough players to start")
	ErrInvalidTarget  = errors.New("host cannot target themselves")
	ErrCodeExhausted  = errors.New("no free session code available")

	ErrNotHost      = errors.New("only the host can do this")
	ErrPlayerBanned = errors.New("player is banned from this session")
	ErrNotBound     = errors.New("connection has not joined this session")

	ErrInvalidSettings = errors.New("invalid settings")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrUnknownEvent    = errors.New("unknown event type")

	ErrDeliveryFailed   = errors.New("delivery failed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRateLimited      = errors.New("too many messages")
)

// BannedError is returned when a banned player tries to join. It matches ErrPlayerBanned.
type BannedError struct {
	Reason string
}

func (e *BannedError) Error() string {
	if e.Reason == "" {
		return ErrPlayerBanned.Error()
	}
	return ErrPlayerBanned.Error() + ": " + e.Reason
}

func (e *BannedError) Unwrap() error { return ErrPlayerBanned }

var kinds = map[error]Kind{
	ErrSessionNotFound:  KindNotFound,
	ErrNotMember:        KindNotFound,
	ErrPlayerNotFound:   KindNotFound,
	ErrSessionFull:      KindConflict,
	ErrJoinsLocked:      KindConflict,
	ErrAlreadyStarted:   KindConflict,
	ErrNotEnough:        KindConflict,
	ErrInvalidTarget:    KindConflict,
	ErrCodeExhausted:    KindConflict,
	ErrNotHost:          KindForbidden,
	ErrPlayerBanned:     KindForbidden,
	ErrNotBound:         KindForbidden,
	ErrInvalidSettings:  KindValidation,
	ErrInvalidPayload:   KindValidation,
	ErrUnknownEvent:     KindValidation,
	ErrDeliveryFailed:   KindTransient,
	ErrConnectionClosed: KindTransient,
	ErrRateLimited:      KindTransient,
}

// KindOf walks the wrap chain of err and returns the kind of the first known sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindInternal
}

// HTTPStatus maps err to the status code a handler should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
