// Package records implements RecordHandler and its RecordCache
// (spec.md §4.2): an LRU of versioned JSON records with conflict
// resolution, storage write-through, and changefeed replay.
package records

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
	"github.com/hoxton-one/deepstream-core-go/internal/proto"
	"github.com/hoxton-one/deepstream-core-go/internal/registry"
	"github.com/hoxton-one/deepstream-core-go/internal/storage"
	"github.com/hoxton-one/deepstream-core-go/pkg/socket"
)

// ListenerHandler is the subset of ListenerRegistry's behavior RecordHandler
// drives: pattern declarations from LISTEN/UNLISTEN frames, accept/reject
// replies, and a reconcile trigger whenever a name's local subscriber count
// crosses 0<->1 (spec.md §4.4's "subscription interaction"). Declared here
// rather than imported from internal/listener so this package does not
// depend on it; internal/listener is built against the RECORD topic's
// *registry.Registry (see Handler.Registry), not against this package.
type ListenerHandler interface {
	Listen(s socket.Socket, pattern string)
	Unlisten(s socket.Socket, pattern string)
	ListenAccept(s socket.Socket, pattern, name string)
	ListenReject(s socket.Socket, pattern, name string)
	Reconcile(name string)
}

// Handler is the RecordHandler: dispatches record-topic frames, owns the
// RECORD SubscriptionRegistry, and mediates all reads/writes through the
// RecordCache and Storage.
type Handler struct {
	reg   *registry.Registry
	cache *cache

	store            storage.Storage
	storageExclusion *regexp.Regexp

	listeners ListenerHandler

	metrics metrics.MetricsInterface
	log     *zap.Logger
}

// Config bundles the options spec.md §6 lists for RecordHandler.
type Config struct {
	CacheSize        int
	BroadcastTimeout time.Duration
	StorageExclusion *regexp.Regexp
}

// New constructs a RecordHandler, starts its broadcast loop, and subscribes
// to the storage changefeed.
func New(cfg Config, store storage.Storage, m metrics.MetricsInterface, log *zap.Logger) (*Handler, error) {
	c, err := newCache(cfg.CacheSize, m)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		cache:            c,
		store:            store,
		storageExclusion: cfg.StorageExclusion,
		metrics:          m,
		log:              log.Named("records"),
	}
	h.reg = registry.New(proto.TopicRecord, cfg.BroadcastTimeout, h)

	if err := store.Watch(h.handleStorageChange); err != nil {
		return nil, err
	}

	return h, nil
}

// SetListenerHandler wires the ListenerRegistry in after construction,
// since internal/listener's registry is itself built against this
// Handler's SubscriptionRegistry (HasName/Names/Send) and the two can't be
// constructed in a single cyclic step.
func (h *Handler) SetListenerHandler(lh ListenerHandler) {
	h.listeners = lh
}

// Registry exposes the RECORD topic's SubscriptionRegistry for
// internal/listener to query subscriber counts and membership.
func (h *Handler) Registry() *registry.Registry { return h.reg }

// Dispatch routes one parsed record-topic frame.
func (h *Handler) Dispatch(f proto.Frame, sender socket.Socket) {
	switch f.Action {
	case proto.ActionRead:
		if len(f.Data) < 1 {
			h.sendError(sender, proto.ErrInvalidMessageData, f.Action)
			return
		}
		h.handleRead(f.Data[0], sender)

	case proto.ActionUpdate:
		if len(f.Data) < 3 {
			h.sendError(sender, proto.ErrInvalidMessageData, f.Action)
			return
		}
		h.handleUpdate(f.Data[0], f.Data[1], []byte(f.Data[2]), f.Raw, sender)

	case proto.ActionUnsubscribe:
		if len(f.Data) < 1 {
			h.sendError(sender, proto.ErrInvalidMessageData, f.Action)
			return
		}
		h.reg.Unsubscribe(f.Data[0], sender, false)

	case proto.ActionListen:
		if h.listeners != nil && len(f.Data) >= 1 {
			h.listeners.Listen(sender, f.Data[0])
		}

	case proto.ActionUnlisten:
		if h.listeners != nil && len(f.Data) >= 1 {
			h.listeners.Unlisten(sender, f.Data[0])
		}

	case proto.ActionListenAccept:
		if h.listeners != nil && len(f.Data) >= 2 {
			h.listeners.ListenAccept(sender, f.Data[0], f.Data[1])
		}

	case proto.ActionListenReject:
		if h.listeners != nil && len(f.Data) >= 2 {
			h.listeners.ListenReject(sender, f.Data[0], f.Data[1])
		}

	default:
		h.sendError(sender, proto.ErrUnknownAction, f.Action)
	}
}

func (h *Handler) handleRead(name string, sender socket.Socket) {
	h.reg.Subscribe(name, sender)

	e, ok := h.cache.get(name)
	if ok && e.raw != nil {
		h.metrics.RecordCacheHit()
		sender.Send(e.raw)
		return
	}
	if ok {
		// a load is already in flight for this name; sender is now
		// subscribed and will receive the broadcast when it lands.
		return
	}

	h.metrics.RecordCacheMiss()

	if h.storageExclusion != nil && h.storageExclusion.MatchString(name) {
		// excluded names are in-memory only (spec.md §4.2 storage
		// exclusion): nothing durable to load, so a cache miss just means
		// no record exists yet.
		return
	}

	h.cache.put(name, &entry{version: ""}) // loading placeholder, dedupes concurrent loads

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec, found, err := h.store.Get(ctx, name)
		if err != nil {
			h.log.Error("record load failed", zap.String("name", name), zap.Error(err))
			sender.Send(proto.Encode(proto.TopicRecord, proto.ErrRecordLoadError, name))
			return
		}
		if !found {
			return
		}

		frame := proto.Encode(proto.TopicRecord, proto.ActionUpdate, rec.Name, rec.Version, string(rec.Body))
		h.broadcast(rec.Name, rec.Version, rec.Body, frame, nil)
	}()
}

func (h *Handler) handleUpdate(name, versionStr string, body, raw []byte, sender socket.Socket) {
	v, ok := parseVersion(versionStr)
	if !ok {
		h.sendError(sender, proto.ErrInvalidVersion, name)
		return
	}

	excluded := h.storageExclusion != nil && h.storageExclusion.MatchString(name)
	if v.N > 0 && v.N < InfVersion && !excluded {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.store.Set(ctx, storage.Record{Name: name, Version: versionStr, Body: body}); err != nil {
				h.log.Error("record write failed", zap.String("name", name), zap.Error(err))
				sender.Send(proto.Encode(proto.TopicRecord, proto.ErrRecordUpdateError, name))
			}
		}()
	}

	h.broadcast(name, versionStr, body, raw, sender)
}

// broadcast is the authoritative conflict-resolution path (spec.md §4.2):
// both locally originated UPDATE frames and storage changefeed replays
// funnel through here so version ordering is decided in exactly one place.
func (h *Handler) broadcast(name, newVersionStr string, body, raw []byte, sender socket.Socket) {
	newV, ok := parseVersion(newVersionStr)
	if !ok {
		return
	}

	prev, hasPrev := h.cache.get(name)
	if hasPrev && prev.raw != nil {
		prevV, _ := parseVersion(prev.version)
		if prevV.dominates(newV) {
			return
		}
	}

	h.cache.put(name, &entry{version: newVersionStr, body: body, raw: raw})
	h.reg.Send(name, raw, sender)
}

// handleStorageChange is the storage changefeed callback: the only
// cross-process record-update signal this handler consumes.
func (h *Handler) handleStorageChange(name, versionStr string) {
	if e, ok := h.cache.get(name); ok && e.raw != nil {
		cachedV, _ := parseVersion(e.version)
		incomingV, okIncoming := parseVersion(versionStr)
		if okIncoming && cachedV.dominates(incomingV) {
			return
		}
	}

	if !h.reg.HasName(name) {
		h.cache.remove(name)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec, found, err := h.store.Get(ctx, name)
		if err != nil {
			h.log.Error("changefeed load failed", zap.String("name", name), zap.Error(err))
			return
		}
		if !found {
			return
		}

		frame := proto.Encode(proto.TopicRecord, proto.ActionUpdate, rec.Name, rec.Version, string(rec.Body))
		h.broadcast(rec.Name, rec.Version, rec.Body, frame, nil)
	}()
}

func (h *Handler) sendError(s socket.Socket, code, ref string) {
	s.Send(proto.Encode(proto.TopicRecord, code, ref))
}

// OnSubscriptionAdded implements registry.Listener: pins the record and
// triggers a listener reconcile on the name's first local subscriber.
func (h *Handler) OnSubscriptionAdded(name string, _ socket.Socket, localCount int) {
	h.cache.pin(name)
	h.metrics.UpdateSubscriptionCount(proto.TopicRecord, len(h.reg.Names()))
	if localCount == 1 && h.listeners != nil {
		h.listeners.Reconcile(name)
	}
}

// OnSubscriptionRemoved implements registry.Listener: unpins the record and
// triggers a listener reconcile once the name has no local subscribers left.
func (h *Handler) OnSubscriptionRemoved(name string, _ socket.Socket, localCount int, _ bool) {
	h.cache.unpin(name)
	h.metrics.UpdateSubscriptionCount(proto.TopicRecord, len(h.reg.Names()))
	if localCount == 0 && h.listeners != nil {
		h.listeners.Reconcile(name)
	}
}
