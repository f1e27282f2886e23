package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("submit: %w", DuplicateRequest("u1", "s1"))
	assert.Equal(t, CodeDuplicateRequest, CodeOf(err))
	assert.True(t, Is(err, CodeDuplicateRequest))
	assert.False(t, Is(err, CodeNotFound))
}

func TestCodeOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.False(t, Is(nil, CodeInternal))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("redis down")
	err := Wrap(CodeUnavailable, cause, "index")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "UNAVAILABLE")
}
