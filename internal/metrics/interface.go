package metrics

import "time"

// MetricsInterface defines the interface every subsystem depends on, rather
// than the concrete Prometheus-backed type — the same seam the teacher kept
// between server.go and *Metrics, now also covering the four core
// subsystems' own counters.
type MetricsInterface interface {
	// Connection tracking
	IncrementConnections()
	DecrementConnections()
	RecordConnectionError()
	RecordConnectionDuration(duration time.Duration)
	GetActiveConnections() int64

	// Message tracking
	IncrementMessagesReceived()
	IncrementMessagesSent()
	RecordMessageSize(size int)
	IncrementDuplicates()
	UpdateMessagesPerSecond(rate float64)

	// Latency tracking
	RecordMessageLatency(duration time.Duration)
	RecordNATSLatency(duration time.Duration)

	// Error tracking
	RecordError(errorType string)

	// System metrics
	UpdateGoroutinesCount(count int)
	UpdateMemoryUsage(bytes uint64)
	UpdateCPUUsage(percent float64)

	// NATS metrics
	SetNATSConnected(connected bool)
	IncrementNATSReconnects()
	IncrementNATSMessages()

	// Subscription registry (internal/registry)
	RecordBroadcastTick(name string, frameCount int, duration time.Duration)
	UpdateSubscriptionCount(topic string, count int)

	// Record cache (internal/records)
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheEviction()
	UpdatePinnedRecords(count int)

	// RPC handler (internal/rpc)
	RecordRPCOutcome(name, outcome string) // outcome: done, ack_timeout, response_timeout, rejected, no_provider, provider_closed, requestor_closed

	// Listener registry (internal/listener)
	RecordListenerReconcile(duration time.Duration)
	UpdateProviderChurn(count int)

	// Getters
	GetUptime() time.Duration
}

var _ MetricsInterface = (*Metrics)(nil)
