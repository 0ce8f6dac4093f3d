// Package server wires the four core subsystems (records, rpc, listener,
// and their shared transport/storage/cluster plugins) into one HTTP
// process. Grounded on the teacher's internal/server/server.go: same
// setupHTTPServer/corsMiddleware/waitForShutdown shape, generalized from
// Odin's price-feed hub to the core's record/RPC dispatch.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/auth"
	"github.com/hoxton-one/deepstream-core-go/internal/cluster"
	"github.com/hoxton-one/deepstream-core-go/internal/config"
	"github.com/hoxton-one/deepstream-core-go/internal/listener"
	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
	"github.com/hoxton-one/deepstream-core-go/internal/natsconn"
	"github.com/hoxton-one/deepstream-core-go/internal/proto"
	"github.com/hoxton-one/deepstream-core-go/internal/records"
	"github.com/hoxton-one/deepstream-core-go/internal/rpc"
	"github.com/hoxton-one/deepstream-core-go/internal/storage"
	"github.com/hoxton-one/deepstream-core-go/pkg/socket"
	"github.com/hoxton-one/deepstream-core-go/pkg/transport"
)

// Server owns the HTTP listener and every subsystem reachable through it.
type Server struct {
	cfg config.Config

	httpServer *http.Server
	directory  *socket.Registry

	recordsHandler *records.Handler
	rpcHandler     *rpc.Handler
	listenerReg    *listener.Registry

	natsConn  *natsconn.Conn
	store     storage.Storage
	clusterSt cluster.State

	jwtManager *auth.JWTManager
	metrics    *metrics.Metrics
	sysMetrics *metrics.SystemMetrics
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the Server and every subsystem it wires together, using
// cfg.NATS.URL to decide between the NatsKV-backed plugins and the
// in-memory ones (an empty URL runs single-node, grounded on
// internal/storage and internal/cluster each shipping a Memory backend for
// exactly this case).
func New(cfg config.Config, log *zap.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var storageExclusion *regexp.Regexp
	if cfg.Core.StorageExclusion != "" {
		re, err := regexp.Compile(cfg.Core.StorageExclusion)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid core.storage_exclusion pattern: %w", err)
		}
		storageExclusion = re
	}

	s := &Server{
		cfg:        cfg,
		directory:  socket.NewRegistry(),
		jwtManager: auth.NewJWTManager(cfg.Auth.SecretKey, cfg.Auth.TokenDuration),
		metrics:    m,
		sysMetrics: metrics.NewSystemMetrics(),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}

	var store storage.Storage
	var clusterSt cluster.State

	if cfg.NATS.URL != "" {
		conn, err := natsconn.Connect(natsconn.Config{
			URL:             cfg.NATS.URL,
			MaxReconnects:   cfg.NATS.MaxReconnects,
			ReconnectWait:   cfg.NATS.ReconnectWait,
			ReconnectJitter: cfg.NATS.ReconnectJitter,
			MaxPingsOut:     cfg.NATS.MaxPingsOut,
			PingInterval:    cfg.NATS.PingInterval,
		}, m, log)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		s.natsConn = conn

		natsStore, err := storage.NewNatsKV(ctx, conn, cfg.NATS.StorageBucket, log)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("storage nats kv: %w", err)
		}
		store = natsStore

		natsCluster, err := cluster.NewNatsKV(ctx, conn, cfg.NATS.ClusterBucket, cfg.Core.ServerName, log)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("cluster nats kv: %w", err)
		}
		natsCluster.StartHeartbeat(ctx, cfg.NATS.HeartbeatInterval)
		clusterSt = natsCluster
	} else {
		store = storage.NewMemory()
		clusterSt = cluster.NewMemory()
		log.Warn("nats.url not set, running single-node with in-memory storage and cluster state")
	}
	s.store = store
	s.clusterSt = clusterSt

	recordsHandler, err := records.New(records.Config{
		CacheSize:        cfg.Core.CacheSize,
		BroadcastTimeout: cfg.Core.BroadcastTimeout,
		StorageExclusion: storageExclusion,
	}, store, m, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("records handler: %w", err)
	}
	s.recordsHandler = recordsHandler

	rpcHandler := rpc.New(rpc.Config{
		AckTimeout:      cfg.Core.RPCAckTimeout,
		ResponseTimeout: cfg.Core.RPCResponseTimeout,
	}, m, log)
	s.rpcHandler = rpcHandler

	listenerReg := listener.New(listener.Config{
		ListenResponseTimeout: cfg.Core.ListenResponseTimeout,
		ServerName:            cfg.Core.ServerName,
	}, clusterSt, recordsHandler.Registry(), m, log)
	s.listenerReg = listenerReg

	recordsHandler.SetListenerHandler(listenerReg)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.corsMiddleware(s.routes()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// Dispatch implements transport.Dispatcher, routing every inbound frame by
// topic to the subsystem that owns it (spec.md §6's two wire topics).
func (s *Server) Dispatch(f proto.Frame, sender socket.Socket) {
	switch f.Topic {
	case proto.TopicRecord:
		s.recordsHandler.Dispatch(f, sender)
	case proto.TopicRPC:
		s.rpcHandler.Dispatch(f, sender)
	default:
		s.metrics.RecordError("unknown_topic")
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebSocket.Path, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/auth/token", s.handleGenerateToken)
	if s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Endpoint, promhttp.Handler())
	}
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tcfg := transport.Config{
		ReadBufferSize:    s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:   s.cfg.WebSocket.WriteBufferSize,
		SendChannelSize:   s.cfg.WebSocket.SendChannelSize,
		EnableCompression: s.cfg.WebSocket.EnableCompression,
		PingInterval:      s.cfg.WebSocket.PingInterval,
		PongTimeout:       s.cfg.WebSocket.PongTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		MaxMessageSize:    512 << 10,
		RateLimitPerSec:   s.cfg.WebSocket.RateLimitPerSec,
		RateLimitBurst:    s.cfg.WebSocket.RateLimitBurst,
		RequireAuth:       s.cfg.Auth.RequireAuth,
	}

	if _, err := transport.Upgrade(w, r, tcfg, s.directory, s, s.jwtManager, s.metrics, s.log); err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.metrics.IncrementConnections()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.natsConn != nil && !s.natsConn.IsConnected() {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"server": s.cfg.Core.ServerName,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"connections":   s.directory.Count(),
		"uptimeSeconds": s.metrics.GetUptime().Seconds(),
		"server":        s.cfg.Core.ServerName,
	})
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.RequireAuth {
		http.Error(w, "token issuance disabled when auth is enforced", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, err := s.jwtManager.GenerateTestToken()
	if err != nil {
		s.log.Error("generate test token", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	s.log.Info("starting deepstream core", zap.String("addr", s.httpServer.Addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collectSystemMetrics()
	}()

	s.waitForShutdown()
	return nil
}

// collectSystemMetrics periodically samples process CPU/memory/goroutine
// counts and feeds them into the Prometheus gauges. Grounded on the
// teacher's EnhancedMetrics.StartCollection ticker loop, narrowed to the
// one sampler (SystemMetrics, gopsutil-backed CPU) this core actually
// exposes through MetricsInterface.
func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sysMetrics.Update()
			s.metrics.UpdateCPUUsage(s.sysMetrics.GetCPUPercent())
			s.metrics.UpdateMemoryUsage(uint64(s.sysMetrics.GetMemoryMB() * 1024 * 1024))
			s.metrics.UpdateGoroutinesCount(runtime.NumGoroutine())
		}
	}
}

func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	s.log.Info("received shutdown signal", zap.String("signal", sig.String()))
	s.Shutdown()
}

// Shutdown drains connections and closes every subsystem's plugins.
func (s *Server) Shutdown() {
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http server shutdown", zap.Error(err))
	}

	if err := s.store.Close(); err != nil {
		s.log.Error("storage close", zap.Error(err))
	}
	if err := s.clusterSt.Close(); err != nil {
		s.log.Error("cluster state close", zap.Error(err))
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("shutdown complete")
	case <-shutdownCtx.Done():
		s.log.Warn("shutdown timed out")
	}
}
