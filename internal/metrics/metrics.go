package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Connection metrics
	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionDuration  prometheus.Histogram
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsErrors   prometheus.Counter

	// Message metrics
	messagesReceived    prometheus.Counter
	messagesSent        prometheus.Counter
	messagesPerSecond   prometheus.Gauge
	messageSize         prometheus.Histogram
	messageDuplicates   prometheus.Counter

	// Latency metrics
	messageLatency prometheus.Histogram
	natsLatency    prometheus.Histogram

	// Error metrics
	errorsTotal      prometheus.Counter
	errorsByType     *prometheus.CounterVec
	lastErrorTime    prometheus.Gauge

	// System metrics
	goroutinesCount prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuUsage        prometheus.Gauge

	// NATS metrics
	natsConnectionStatus prometheus.Gauge
	natsReconnects       prometheus.Counter
	natsMessages         prometheus.Counter

	// Subscription registry metrics
	broadcastTicks     prometheus.Counter
	broadcastFrames    prometheus.Histogram
	broadcastLatency   *prometheus.HistogramVec
	subscriptionsGauge *prometheus.GaugeVec

	// Record cache metrics
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	cacheEvictions prometheus.Counter
	pinnedRecords prometheus.Gauge

	// RPC metrics
	rpcOutcomes *prometheus.CounterVec

	// Listener registry metrics
	listenerReconcileDuration prometheus.Histogram
	providerChurn             prometheus.Gauge

	// Internal tracking
	startTime    time.Time
	mu           sync.RWMutex
	clientsCount int64
}

// NewMetrics registers every metric against reg. Production call sites pass
// the process-wide prometheus.DefaultRegisterer (exposed on /metrics via
// promhttp); tests pass a fresh prometheus.NewRegistry() so repeated calls
// within one test binary don't collide on duplicate metric names the way
// they would against the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		// Connection metrics
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total number of WebSocket connections attempted",
		}),
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of currently active WebSocket connections",
		}),
		connectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "Duration of WebSocket connections",
			Buckets: prometheus.DefBuckets,
		}),
		connectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "websocket_connections_accepted_total",
			Help: "Total number of accepted WebSocket connections",
		}),
		connectionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "websocket_connections_closed_total",
			Help: "Total number of closed WebSocket connections",
		}),
		connectionsErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "websocket_connections_errors_total",
			Help: "Total number of WebSocket connection errors",
		}),

		// Message metrics
		messagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "websocket_messages_received_total",
			Help: "Total number of messages received from clients",
		}),
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of messages sent to clients",
		}),
		messagesPerSecond: f.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_messages_per_second",
			Help: "Current messages per second rate",
		}),
		messageSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "websocket_message_size_bytes",
			Help:    "Size of WebSocket messages in bytes",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000},
		}),
		messageDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "websocket_messages_duplicates_total",
			Help: "Total number of duplicate messages dropped",
		}),

		// Latency metrics
		messageLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "websocket_message_latency_seconds",
			Help:    "Latency of message processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		natsLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Latency of NATS message processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		// Error metrics
		errorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "websocket_errors_total",
			Help: "Total number of errors",
		}),
		errorsByType: f.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_errors_by_type_total",
			Help: "Total number of errors by type",
		}, []string{"type"}),
		lastErrorTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_last_error_timestamp",
			Help: "Timestamp of the last error",
		}),

		// System metrics
		goroutinesCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_goroutines_count",
			Help: "Number of goroutines",
		}),
		memoryUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_memory_usage_bytes",
			Help: "Memory usage in bytes",
		}),
		cpuUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_cpu_usage_percent",
			Help: "CPU usage percentage",
		}),

		// NATS metrics
		natsConnectionStatus: f.NewGauge(prometheus.GaugeOpts{
			Name: "nats_connection_status",
			Help: "NATS connection status (1=connected, 0=disconnected)",
		}),
		natsReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "nats_reconnects_total",
			Help: "Total number of NATS reconnections",
		}),
		natsMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed",
		}),

		// Subscription registry metrics
		broadcastTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_broadcast_ticks_total",
			Help: "Total number of subscription registry broadcast ticks flushed",
		}),
		broadcastFrames: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "registry_broadcast_frames",
			Help:    "Number of frames coalesced into a single broadcast tick",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		broadcastLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_broadcast_latency_seconds",
			Help:    "Time to distribute one broadcast tick to its subscribers",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
		subscriptionsGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registry_subscriptions",
			Help: "Current number of subscribed names, by topic",
		}, []string{"topic"}),

		// Record cache metrics
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "record_cache_hits_total",
			Help: "Total number of record cache hits",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "record_cache_misses_total",
			Help: "Total number of record cache misses requiring a storage load",
		}),
		cacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "record_cache_evictions_total",
			Help: "Total number of unpinned records evicted from the cache",
		}),
		pinnedRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "record_cache_pinned",
			Help: "Current number of records pinned by at least one subscriber",
		}),

		// RPC metrics
		rpcOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_invocations_total",
			Help: "Total number of RPC invocations by terminal outcome",
		}, []string{"name", "outcome"}),

		// Listener registry metrics
		listenerReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "listener_reconcile_duration_seconds",
			Help:    "Duration of one listener registry reconcile pass",
			Buckets: prometheus.DefBuckets,
		}),
		providerChurn: f.NewGauge(prometheus.GaugeOpts{
			Name: "listener_provider_churn",
			Help: "Number of provider reassignments in the most recent reconcile pass",
		}),
	}

	return m
}

// Subscription registry
func (m *Metrics) RecordBroadcastTick(name string, frameCount int, duration time.Duration) {
	m.broadcastTicks.Inc()
	m.broadcastFrames.Observe(float64(frameCount))
	m.broadcastLatency.WithLabelValues(name).Observe(duration.Seconds())
}

func (m *Metrics) UpdateSubscriptionCount(topic string, count int) {
	m.subscriptionsGauge.WithLabelValues(topic).Set(float64(count))
}

// Record cache
func (m *Metrics) RecordCacheHit()      { m.cacheHits.Inc() }
func (m *Metrics) RecordCacheMiss()     { m.cacheMisses.Inc() }
func (m *Metrics) RecordCacheEviction() { m.cacheEvictions.Inc() }
func (m *Metrics) UpdatePinnedRecords(count int) {
	m.pinnedRecords.Set(float64(count))
}

// RPC handler
func (m *Metrics) RecordRPCOutcome(name, outcome string) {
	m.rpcOutcomes.WithLabelValues(name, outcome).Inc()
}

// Listener registry
func (m *Metrics) RecordListenerReconcile(duration time.Duration) {
	m.listenerReconcileDuration.Observe(duration.Seconds())
}

func (m *Metrics) UpdateProviderChurn(count int) {
	m.providerChurn.Set(float64(count))
}

// Connection tracking
func (m *Metrics) IncrementConnections() {
	m.connectionsTotal.Inc()
	m.connectionsAccepted.Inc()
	m.mu.Lock()
	m.clientsCount++
	m.mu.Unlock()
	m.connectionsActive.Inc()
}

func (m *Metrics) DecrementConnections() {
	m.connectionsClosed.Inc()
	m.mu.Lock()
	m.clientsCount--
	m.mu.Unlock()
	m.connectionsActive.Dec()
}

func (m *Metrics) RecordConnectionError() {
	m.connectionsErrors.Inc()
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues("connection").Inc()
}

func (m *Metrics) RecordConnectionDuration(duration time.Duration) {
	m.connectionDuration.Observe(duration.Seconds())
}

// Message tracking
func (m *Metrics) IncrementMessagesReceived() {
	m.messagesReceived.Inc()
}

func (m *Metrics) IncrementMessagesSent() {
	m.messagesSent.Inc()
}

func (m *Metrics) RecordMessageSize(size int) {
	m.messageSize.Observe(float64(size))
}

func (m *Metrics) IncrementDuplicates() {
	m.messageDuplicates.Inc()
}

func (m *Metrics) UpdateMessagesPerSecond(rate float64) {
	m.messagesPerSecond.Set(rate)
}

// Latency tracking
func (m *Metrics) RecordMessageLatency(duration time.Duration) {
	m.messageLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordNATSLatency(duration time.Duration) {
	m.natsLatency.Observe(duration.Seconds())
}

// Error tracking
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues(errorType).Inc()
	m.lastErrorTime.SetToCurrentTime()
}

// System metrics
func (m *Metrics) UpdateGoroutinesCount(count int) {
	m.goroutinesCount.Set(float64(count))
}

func (m *Metrics) UpdateMemoryUsage(bytes uint64) {
	m.memoryUsage.Set(float64(bytes))
}

func (m *Metrics) UpdateCPUUsage(percent float64) {
	m.cpuUsage.Set(percent)
}

// NATS metrics
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnectionStatus.Set(1)
	} else {
		m.natsConnectionStatus.Set(0)
	}
}

func (m *Metrics) IncrementNATSReconnects() {
	m.natsReconnects.Inc()
}

func (m *Metrics) IncrementNATSMessages() {
	m.natsMessages.Inc()
}

// Getters for current values
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientsCount
}

func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// MessageRate calculates messages per second over the last interval
type MessageRateTracker struct {
	lastCount     float64
	lastTime      time.Time
	currentRate   float64
	mu           sync.RWMutex
}

func NewMessageRateTracker() *MessageRateTracker {
	return &MessageRateTracker{
		lastTime: time.Now(),
	}
}

func (mrt *MessageRateTracker) Update(currentCount float64) {
	mrt.mu.Lock()
	defer mrt.mu.Unlock()

	now := time.Now()
	timeDelta := now.Sub(mrt.lastTime).Seconds()

	if timeDelta > 0 {
		countDelta := currentCount - mrt.lastCount
		mrt.currentRate = countDelta / timeDelta
		mrt.lastCount = currentCount
		mrt.lastTime = now
	}
}

func (mrt *MessageRateTracker) GetRate() float64 {
	mrt.mu.RLock()
	defer mrt.mu.RUnlock()
	return mrt.currentRate
}