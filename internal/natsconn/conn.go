// Package natsconn owns the single shared NATS connection both
// internal/storage's NatsKV implementation and internal/cluster's NatsKV
// implementation open their JetStream KeyValue buckets against. Adapted
// from the teacher's pkg/nats/client.go connection-lifecycle style
// (reconnect options, connect/disconnect/reconnect/error handlers reporting
// into MetricsInterface), stripped of the teacher's Odin-specific
// Subscribe/Publish/Subjects surface — this repo talks to NATS only through
// JetStream KV, never raw pub/sub.
package natsconn

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
)

// Config mirrors the teacher's nats.Config shape.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// Conn wraps a *nats.Conn with the teacher's handler wiring into metrics and
// structured logging.
type Conn struct {
	nc      *nats.Conn
	metrics metrics.MetricsInterface
	log     *zap.Logger
}

// Connect opens the shared connection used by both storage and cluster-state
// NatsKV implementations.
func Connect(cfg Config, m metrics.MetricsInterface, log *zap.Logger) (*Conn, error) {
	c := &Conn{metrics: m, log: log.Named("nats")}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(c.onConnect),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ErrorHandler(c.onError),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsconn: connect to %s: %w", cfg.URL, err)
	}

	c.nc = nc
	c.metrics.SetNATSConnected(true)
	return c, nil
}

func (c *Conn) onConnect(nc *nats.Conn) {
	c.log.Info("connected", zap.String("url", nc.ConnectedUrl()))
	c.metrics.SetNATSConnected(true)
}

func (c *Conn) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		c.log.Warn("disconnected", zap.Error(err))
		c.metrics.RecordError("nats_disconnect")
	} else {
		c.log.Info("disconnected")
	}
	c.metrics.SetNATSConnected(false)
}

func (c *Conn) onReconnect(nc *nats.Conn) {
	c.log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
	c.metrics.SetNATSConnected(true)
	c.metrics.IncrementNATSReconnects()
}

func (c *Conn) onError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.log.Error("nats error", zap.Error(err))
	c.metrics.RecordError("nats_error")
}

// NATS exposes the underlying connection for JetStream context creation.
func (c *Conn) NATS() *nats.Conn { return c.nc }

func (c *Conn) IsConnected() bool { return c.nc != nil && c.nc.IsConnected() }

func (c *Conn) Close() {
	if c.nc != nil {
		c.nc.Close()
		c.metrics.SetNATSConnected(false)
	}
}
