package vkclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesSentinelByKind(t *testing.T) {
	err := wrapError(KindTimeout, "deadline exceeded", nil)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrConnection))
}

func TestErrorMessageFormatting(t *testing.T) {
	err := newError(KindRouting, "atomic batch spans more than one slot")
	assert.Equal(t, "routing: atomic batch spans more than one slot", err.Error())

	bare := newError(KindClosing, "")
	assert.Equal(t, "closing", bare.Error())
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := wrapError(KindConnection, "dial failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestServerErrorKindPassesThroughRecognized(t *testing.T) {
	assert.Equal(t, KindWrongType, serverErrorKind("WRONGTYPE"))
	assert.Equal(t, KindMoved, serverErrorKind("MOVED"))
	assert.Equal(t, KindClusterDown, serverErrorKind("CLUSTERDOWN"))
}

func TestServerErrorKindDefaultsToErr(t *testing.T) {
	assert.Equal(t, KindErr, serverErrorKind("SOMETHING-UNKNOWN"))
}
