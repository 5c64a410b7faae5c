package vkclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMetricsIncrementAndGet(t *testing.T) {
	m := NewDefaultMetrics()

	m.IncrementRequestsSubmitted()
	m.IncrementRequestsSubmitted()
	m.IncrementRepliesReceived()
	m.IncrementTimeouts()
	m.IncrementReconnects()
	m.IncrementRedirections()
	m.IncrementBytesSent(100)
	m.IncrementBytesReceived(200)
	m.IncrementPubSubDelivered()
	m.IncrementPubSubDropped()
	m.SetInflightDepth(7)

	assert.Equal(t, int64(2), m.GetRequestsSubmitted())
	assert.Equal(t, int64(1), m.GetRepliesReceived())
	assert.Equal(t, int64(1), m.GetTimeouts())
	assert.Equal(t, int64(1), m.GetReconnects())
	assert.Equal(t, int64(1), m.GetRedirections())
	assert.Equal(t, int64(100), m.GetBytesSent())
	assert.Equal(t, int64(200), m.GetBytesReceived())
	assert.Equal(t, int64(1), m.GetPubSubDelivered())
	assert.Equal(t, int64(1), m.GetPubSubDropped())
	assert.Equal(t, int64(7), m.GetInflightDepth())
}

func TestDefaultMetricsSetInflightDepthOverwrites(t *testing.T) {
	m := NewDefaultMetrics()
	m.SetInflightDepth(3)
	m.SetInflightDepth(1)
	assert.Equal(t, int64(1), m.GetInflightDepth())
}
