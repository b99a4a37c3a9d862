package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfFollowsWrapping(t *testing.T) {
	wrapped := fmt.Errorf("join ABC123: %w", ErrSessionFull)
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, KindForbidden, KindOf(fmt.Errorf("x: %w", ErrPlayerBanned)))
	assert.Equal(t, KindValidation, KindOf(fmt.Errorf("%w: articles_number", ErrInvalidSettings)))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrSessionNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(ErrJoinsLocked))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(ErrNotHost))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrInvalidPayload))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrDeliveryFailed))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestBannedErrorCarriesReason(t *testing.T) {
	var err error = fmt.Errorf("join: %w", &BannedError{Reason: "spam"})
	assert.ErrorIs(t, err, ErrPlayerBanned)
	var banned *BannedError
	require.ErrorAs(t, err, &banned)
	assert.Equal(t, "spam", banned.Reason)
	assert.Equal(t, KindForbidden, KindOf(err))
}
