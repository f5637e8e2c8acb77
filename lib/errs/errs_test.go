package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	var tests = []struct {
		err   error
		code  int
		kind  Kind
		retry bool
	}{
		{Authorization("wom.notDeedOwner"), http.StatusUnauthorized, KindAuthorization, false},
		{Retry("wom.invalidTokenForSignedMessage"), http.StatusUnauthorized, KindAuthorization, true},
		{Request("wom.deedAlreadyUsedByAHub"), http.StatusBadRequest, KindRequest, false},
		{Parsing("wom.invalidRequest", errors.New("eof")), http.StatusUnprocessableEntity, KindParsing, false},
		{fmt.Errorf("getting offer: %w", NotFound("deeds.offerNotFound")), http.StatusNotFound, KindNotFound, false},
		{errors.New("connection refused"), http.StatusInternalServerError, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, HTTPCode(tt.err), tt.err.Error())

		if tt.kind == 0 {
			assert.Nil(t, As(tt.err))

			continue
		}

		assert.True(t, IsKind(tt.err, tt.kind), tt.err.Error())
		assert.Equal(t, tt.retry, As(tt.err).ShouldRetry)
	}

	assert.ErrorIs(t, fmt.Errorf("x: %w", Request("a.b")), Request("a.b"))
	assert.NotErrorIs(t, Request("a.b"), Authorization("a.b"))
}

func TestFromRevert(t *testing.T) {
	cause := errors.New("execution reverted: wom.deedAlreadyConnected")

	e := FromRevert(fmt.Errorf("updateDeed: %w", cause))
	if assert.NotNil(t, e) {
		assert.Equal(t, "wom.deedAlreadyConnected", e.Key)
		assert.Equal(t, KindRequest, e.Kind)
		assert.ErrorIs(t, e, cause)
	}

	assert.Nil(t, FromRevert(errors.New("execution reverted")))
	assert.Nil(t, FromRevert(nil))
}
