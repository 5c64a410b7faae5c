package vkclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLoggerImplementsLoggerWithoutPanicking(t *testing.T) {
	l := defaultLogger()
	assert.NotPanics(t, func() {
		l.Debugf("debug %s", "x")
		l.Infof("info %d", 1)
		l.Warnf("warn")
		l.Errorf("error %v", assert.AnError)
	})
}

func TestWithFieldsReturnsUsableLogger(t *testing.T) {
	l := defaultLogger()
	tagged := withFields(l, map[string]any{"addr": "127.0.0.1:6379", "slot": 42})
	assert.NotPanics(t, func() {
		tagged.Infof("dialed")
	})
}

func TestWithFieldsPassesThroughNonLogrusLogger(t *testing.T) {
	tagged := withFields(noopLogger{}, map[string]any{"x": 1})
	assert.NotPanics(t, func() {
		tagged.Infof("anything")
	})
}

func TestNoopLoggerDiscardsEverything(t *testing.T) {
	var l Logger = noopLogger{}
	assert.NotPanics(t, func() {
		l.Debugf("a")
		l.Infof("b")
		l.Warnf("c")
		l.Errorf("d")
	})
}
