package taperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindSignatureInvalid, "bad signature on %s", "msg-1")
	assert.Equal(t, KindSignatureInvalid, KindOf(err))
	assert.True(t, Is(err, KindSignatureInvalid))
	assert.False(t, Is(err, KindMalformed))
}

// Kind must survive fmt.Errorf wrapping through intermediate layers.
func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindDecryptionFailed, "no matching recipient key")
	outer := fmt.Errorf("unpack envelope: %w", inner)
	assert.Equal(t, KindDecryptionFailed, KindOf(outer))
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorage, cause, "insert received row")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindStorage, "busy")))
	assert.True(t, Retryable(New(KindDeliveryTransient, "503")))
	assert.False(t, Retryable(New(KindSignatureInvalid, "nope")))
	assert.False(t, Retryable(errors.New("plain")))
}
