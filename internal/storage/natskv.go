package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/natsconn"
)

// versionFieldSep separates the two parts of the value stored in the KV
// bucket: the version string, then the JSON body, so Watch updates can read
// the new version without decoding the full body.
const versionFieldSep = '\x1F'

// NatsKV is a Storage backed by a NATS JetStream KeyValue bucket. Grounded
// on the teacher's pkg/nats/client.go connection-management idiom via
// internal/natsconn; Get/Set map onto kv.Get/kv.Put and the changefeed is
// kv.Watch decoding the version prefix off each update.
type NatsKV struct {
	conn   *natsconn.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	bucket string
	log    *zap.Logger

	cancelWatch context.CancelFunc
}

// NewNatsKV opens (creating if absent) the named KV bucket on conn.
func NewNatsKV(ctx context.Context, conn *natsconn.Conn, bucket string, log *zap.Logger) (*NatsKV, error) {
	js, err := jetstream.New(conn.NATS())
	if err != nil {
		return nil, fmt.Errorf("storage: jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
		if err != nil {
			return nil, fmt.Errorf("storage: create/open bucket %s: %w", bucket, err)
		}
	}

	return &NatsKV{conn: conn, js: js, kv: kv, bucket: bucket, log: log.Named("storage.natskv")}, nil
}

// kvKey maps a record name onto a KV-safe key: NATS KV keys forbid '.' as a
// leading/trailing character and forbid most punctuation record names are
// free to use, so names are percent-escaped one punctuation class at a
// time rather than pulled in a general encoding dependency.
func kvKey(name string) string {
	r := strings.NewReplacer(".", "%2E", " ", "%20", "/", "%2F")
	return r.Replace(name)
}

func (s *NatsKV) Get(ctx context.Context, name string) (Record, bool, error) {
	entry, err := s.kv.Get(ctx, kvKey(name))
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("storage: get %s: %w", name, err)
	}

	version, body, ok := splitVersioned(entry.Value())
	if !ok {
		return Record{}, false, fmt.Errorf("storage: malformed stored value for %s", name)
	}
	return Record{Name: name, Version: version, Body: body}, true, nil
}

func (s *NatsKV) Set(ctx context.Context, rec Record) error {
	value := joinVersioned(rec.Version, rec.Body)
	if _, err := s.kv.Put(ctx, kvKey(rec.Name), value); err != nil {
		return fmt.Errorf("storage: set %s: %w", rec.Name, err)
	}
	return nil
}

func (s *NatsKV) Watch(fn func(name, version string)) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelWatch = cancel

	w, err := s.kv.WatchAll(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("storage: watch: %w", err)
	}

	go func() {
		for update := range w.Updates() {
			if update == nil {
				continue // nil marks "caught up to the current state", not a deletion
			}
			if update.Operation() == jetstream.KeyValueDelete || update.Operation() == jetstream.KeyValuePurge {
				continue
			}
			version, _, ok := splitVersioned(update.Value())
			if !ok {
				s.log.Warn("watch: malformed value", zap.String("key", update.Key()))
				continue
			}
			fn(unescapeKVKey(update.Key()), version)
		}
	}()

	return nil
}

func (s *NatsKV) Close() error {
	if s.cancelWatch != nil {
		s.cancelWatch()
	}
	return nil
}

func unescapeKVKey(key string) string {
	r := strings.NewReplacer("%2E", ".", "%20", " ", "%2F", "/")
	return r.Replace(key)
}

func joinVersioned(version string, body []byte) []byte {
	out := make([]byte, 0, len(version)+1+len(body))
	out = append(out, version...)
	out = append(out, versionFieldSep)
	out = append(out, body...)
	return out
}

func splitVersioned(value []byte) (version string, body []byte, ok bool) {
	for i, b := range value {
		if b == versionFieldSep {
			return string(value[:i]), value[i+1:], true
		}
	}
	return "", nil, false
}
