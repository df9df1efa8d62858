package runtimeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesOnCodeOnly(t *testing.T) {
	err := Newf(CodeNotFound, "run %q missing", "r1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrStorageError))
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeStorageError, "insert run", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New(CodeInvalidInput, "missing agent_id")
	assert.Equal(t, "INVALID_INPUT: missing agent_id", err.Error())
}

func TestErrorsAsRecoversStructuredFields(t *testing.T) {
	var err error = Newf(CodeDelegationCycle, "run %q would delegate back to ancestor", "r1")
	var target *Error
	require.True(t, errors.As(err, &target))
	assert.Equal(t, CodeDelegationCycle, target.Code)
}
