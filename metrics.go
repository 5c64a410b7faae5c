package vkclient

import "sync/atomic"

// Metrics is an interface for tracking client statistics. The core calls
// Increment*/Set* at the points named by each method; a collector reads
// via Get*.
type Metrics interface {
	IncrementRequestsSubmitted()
	IncrementRepliesReceived()
	IncrementTimeouts()
	IncrementReconnects()
	IncrementRedirections()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementPubSubDelivered()
	IncrementPubSubDropped()
	SetInflightDepth(n int64)

	GetRequestsSubmitted() int64
	GetRepliesReceived() int64
	GetTimeouts() int64
	GetReconnects() int64
	GetRedirections() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetPubSubDelivered() int64
	GetPubSubDropped() int64
	GetInflightDepth() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	requestsSubmitted int64
	repliesReceived   int64
	timeouts          int64
	reconnects        int64
	redirections      int64
	bytesSent         int64
	bytesReceived     int64
	pubsubDelivered   int64
	pubsubDropped     int64
	inflightDepth     int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementRequestsSubmitted() { atomic.AddInt64(&m.requestsSubmitted, 1) }
func (m *DefaultMetrics) IncrementRepliesReceived()   { atomic.AddInt64(&m.repliesReceived, 1) }
func (m *DefaultMetrics) IncrementTimeouts()          { atomic.AddInt64(&m.timeouts, 1) }
func (m *DefaultMetrics) IncrementReconnects()        { atomic.AddInt64(&m.reconnects, 1) }
func (m *DefaultMetrics) IncrementRedirections()      { atomic.AddInt64(&m.redirections, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)  { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) {
	atomic.AddInt64(&m.bytesReceived, n)
}
func (m *DefaultMetrics) IncrementPubSubDelivered() { atomic.AddInt64(&m.pubsubDelivered, 1) }
func (m *DefaultMetrics) IncrementPubSubDropped()   { atomic.AddInt64(&m.pubsubDropped, 1) }
func (m *DefaultMetrics) SetInflightDepth(n int64)  { atomic.StoreInt64(&m.inflightDepth, n) }

func (m *DefaultMetrics) GetRequestsSubmitted() int64 { return atomic.LoadInt64(&m.requestsSubmitted) }
func (m *DefaultMetrics) GetRepliesReceived() int64   { return atomic.LoadInt64(&m.repliesReceived) }
func (m *DefaultMetrics) GetTimeouts() int64          { return atomic.LoadInt64(&m.timeouts) }
func (m *DefaultMetrics) GetReconnects() int64        { return atomic.LoadInt64(&m.reconnects) }
func (m *DefaultMetrics) GetRedirections() int64      { return atomic.LoadInt64(&m.redirections) }
func (m *DefaultMetrics) GetBytesSent() int64         { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64     { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetPubSubDelivered() int64   { return atomic.LoadInt64(&m.pubsubDelivered) }
func (m *DefaultMetrics) GetPubSubDropped() int64     { return atomic.LoadInt64(&m.pubsubDropped) }
func (m *DefaultMetrics) GetInflightDepth() int64     { return atomic.LoadInt64(&m.inflightDepth) }
