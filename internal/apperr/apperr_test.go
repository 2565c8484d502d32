package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorfKeepsKind(t *testing.T) {
	err := Errorf(ErrInvalidLabel, "label %d not declared", 7)
	require.ErrorIs(t, err, ErrInvalidLabel)
	assert.Equal(t, "invalid label: label 7 not declared", err.Error())
	assert.Equal(t, ErrInvalidLabel, KindOf(fmt.Errorf("outer: %w", err)))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(ErrStoreUnavailable, os.ErrPermission, "create dataset root")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		nil:                              http.StatusOK,
		errors.New("boom"):               http.StatusInternalServerError,
		Errorf(ErrValidationFailed, "x"): http.StatusBadRequest,
		Errorf(ErrInvalidLabel, "x"):     http.StatusBadRequest,
		Errorf(ErrNotFound, "x"):         http.StatusNotFound,
		Errorf(ErrArtifactMissing, "x"):  http.StatusNotFound,
		Errorf(ErrDerivationFailed, "x"): http.StatusInternalServerError,
		Errorf(ErrStoreUnavailable, "x"): http.StatusInternalServerError,
		Errorf(ErrQueueUnavailable, "x"): http.StatusServiceUnavailable,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), "err=%v", err)
	}
}
