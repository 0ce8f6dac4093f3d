package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/natsconn"
)

const serverKeyPrefix = "_servers."

// serverFreshness bounds how stale a heartbeat key may be before its server
// is no longer considered live by RemoteServers.
const serverFreshness = 15 * time.Second

// NatsKV is a State backed by a second NATS JetStream KeyValue bucket,
// separate from internal/storage's record bucket (spec.md §6 treats the
// two as independent external collaborators, even though this repo happens
// to implement both against the same NATS deployment). Upsert implements
// the spec's compare-and-swap primitive via kv.Update's expected-revision
// argument, retried on revision mismatch — the natural Go mapping of
// "upsert(name, fn)" onto an optimistic-concurrency KV store.
type NatsKV struct {
	conn     *natsconn.Conn
	kv       jetstream.KeyValue
	serverID string
	log      *zap.Logger

	cancelWatch       context.CancelFunc
	cancelHeartbeat   context.CancelFunc
}

// NewNatsKV opens (creating if absent) the named KV bucket for cluster
// listener-provider state. serverID identifies this process in
// RemoteServers() and heartbeat keys.
func NewNatsKV(ctx context.Context, conn *natsconn.Conn, bucket, serverID string, log *zap.Logger) (*NatsKV, error) {
	js, err := jetstreamFrom(conn)
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
		if err != nil {
			return nil, fmt.Errorf("cluster: create/open bucket %s: %w", bucket, err)
		}
	}

	return &NatsKV{conn: conn, kv: kv, serverID: serverID, log: log.Named("cluster.natskv")}, nil
}

func jetstreamFrom(conn *natsconn.Conn) (jetstream.JetStream, error) {
	js, err := jetstream.New(conn.NATS())
	if err != nil {
		return nil, fmt.Errorf("cluster: jetstream context: %w", err)
	}
	return js, nil
}

func (s *NatsKV) Get(ctx context.Context, name string) (Provider, bool, error) {
	entry, err := s.kv.Get(ctx, providerKey(name))
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return Provider{}, false, nil
		}
		return Provider{}, false, fmt.Errorf("cluster: get %s: %w", name, err)
	}
	p, ok := decodeProvider(entry.Value())
	if !ok {
		return Provider{}, false, fmt.Errorf("cluster: malformed provider value for %s", name)
	}
	return p, true, nil
}

// Upsert retries kv.Update against the key's current revision until fn
// declines or the write lands without a concurrent modification.
func (s *NatsKV) Upsert(ctx context.Context, name string, fn UpsertFunc) (Provider, Provider, error) {
	key := providerKey(name)

	for {
		var current Provider
		var exists bool
		var revision uint64

		entry, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			exists = true
			revision = entry.Revision()
			current, exists = decodeProvider(entry.Value())
		case err == jetstream.ErrKeyNotFound:
			exists = false
		default:
			return Provider{}, Provider{}, fmt.Errorf("cluster: upsert get %s: %w", name, err)
		}

		next, ok := fn(current, exists)
		if !ok {
			return current, current, nil
		}

		if !exists {
			if _, err := s.kv.Create(ctx, key, encodeProvider(next)); err != nil {
				if err == jetstream.ErrKeyExists {
					continue // someone else created it first; retry with the fresh value
				}
				return Provider{}, Provider{}, fmt.Errorf("cluster: upsert create %s: %w", name, err)
			}
			return next, current, nil
		}

		if _, err := s.kv.Update(ctx, key, encodeProvider(next), revision); err != nil {
			continue // revision mismatch: someone else wrote first, retry against fresh state
		}
		return next, current, nil
	}
}

func (s *NatsKV) Watch(fn func(name string)) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelWatch = cancel

	w, err := s.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		cancel()
		return fmt.Errorf("cluster: watch: %w", err)
	}

	go func() {
		for update := range w.Updates() {
			if update == nil {
				continue
			}
			if strings.HasPrefix(update.Key(), serverKeyPrefix) {
				continue
			}
			fn(nameFromProviderKey(update.Key()))
		}
	}()

	return nil
}

// StartHeartbeat periodically touches this server's presence key so peers'
// RemoteServers() sees it as live. Grounded on the teacher's
// SubjectBuilder.Heartbeat() idiom, adapted from a pub/sub heartbeat
// subject to a KV freshness key since cluster state here is KV-native.
func (s *NatsKV) StartHeartbeat(ctx context.Context, interval time.Duration) {
	hbCtx, cancel := context.WithCancel(ctx)
	s.cancelHeartbeat = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.touchHeartbeat(hbCtx)
		for {
			select {
			case <-ticker.C:
				s.touchHeartbeat(hbCtx)
			case <-hbCtx.Done():
				return
			}
		}
	}()
}

func (s *NatsKV) touchHeartbeat(ctx context.Context) {
	key := serverKeyPrefix + s.serverID
	value := strconv.FormatInt(time.Now().Unix(), 10)
	if _, err := s.kv.Put(ctx, key, []byte(value)); err != nil {
		s.log.Warn("heartbeat put failed", zap.Error(err))
	}
}

func (s *NatsKV) RemoteServers(ctx context.Context) ([]string, error) {
	keys, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("cluster: list server keys: %w", err)
	}

	var out []string
	now := time.Now().Unix()
	for key := range keys.Keys() {
		if !strings.HasPrefix(key, serverKeyPrefix) {
			continue
		}
		id := strings.TrimPrefix(key, serverKeyPrefix)
		if id == s.serverID {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			continue
		}
		if now-ts <= int64(serverFreshness.Seconds()) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *NatsKV) Close() error {
	if s.cancelWatch != nil {
		s.cancelWatch()
	}
	if s.cancelHeartbeat != nil {
		s.cancelHeartbeat()
	}
	return nil
}

func providerKey(name string) string {
	r := strings.NewReplacer(".", "%2E", " ", "%20", "/", "%2F")
	return r.Replace(name)
}

func nameFromProviderKey(key string) string {
	r := strings.NewReplacer("%2E", ".", "%20", " ", "%2F", "/")
	return r.Replace(key)
}

// providerWire is Provider's over-the-wire encoding. Deadline is carried as
// Unix millis (0 meaning "none") rather than relying on JSON's RFC3339
// encoding of time.Time, so a zero value round-trips unambiguously.
type providerWire struct {
	ServerID      string   `json:"serverId"`
	SocketUUID    string   `json:"socketUuid"`
	Pattern       string   `json:"pattern"`
	DeadlineMilli int64    `json:"deadlineMs,omitempty"`
	History       []string `json:"history,omitempty"`
}

func encodeProvider(p Provider) []byte {
	w := providerWire{
		ServerID:   p.ServerID,
		SocketUUID: p.SocketUUID,
		Pattern:    p.Pattern,
		History:    p.History,
	}
	if !p.Deadline.IsZero() {
		w.DeadlineMilli = p.Deadline.UnixMilli()
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil
	}
	return b
}

func decodeProvider(value []byte) (Provider, bool) {
	var w providerWire
	if err := json.Unmarshal(value, &w); err != nil {
		return Provider{}, false
	}
	p := Provider{ServerID: w.ServerID, SocketUUID: w.SocketUUID, Pattern: w.Pattern, History: w.History}
	if w.DeadlineMilli != 0 {
		p.Deadline = time.UnixMilli(w.DeadlineMilli)
	}
	return p, true
}
