package dberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	e := New(KindNotFound, "entity %s missing", "orders/1")
	assert.True(t, errors.Is(e, NotFound))
	assert.False(t, errors.Is(e, AlreadyExists))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(KindBackendUnavailable, cause, "put object failed")
	assert.Equal(t, cause, errors.Unwrap(e))
	assert.Contains(t, e.Error(), "connection reset")
}

func TestClassificationHelpers(t *testing.T) {
	cases := []struct {
		err   error
		check func(error) bool
	}{
		{New(KindNotFound, "x"), IsNotFound},
		{New(KindAlreadyExists, "x"), IsAlreadyExists},
		{New(KindCommitConflict, "x"), IsCommitConflict},
		{New(KindReadError, "x"), IsReadError},
		{New(KindInvalidInput, "x"), IsInvalidInput},
		{New(KindSchemaMismatch, "x"), IsSchemaMismatch},
		{New(KindBackendUnavailable, "x"), IsBackendUnavailable},
	}
	for _, c := range cases {
		assert.True(t, c.check(c.err))
	}
	assert.False(t, IsNotFound(errors.New("plain error")))
}
