// Package listener implements ListenerRegistry (spec.md §4.4): a
// cluster-wide assignment loop that picks exactly one live listener per
// active record name from the set of pattern matches, with history-based
// rotation to avoid re-offering a name to a listener that just rejected it.
package listener

import (
	"context"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/cluster"
	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
	"github.com/hoxton-one/deepstream-core-go/internal/proto"
	"github.com/hoxton-one/deepstream-core-go/internal/registry"
	"github.com/hoxton-one/deepstream-core-go/pkg/socket"
)

// Config bundles the options spec.md §6 lists for ListenerRegistry.
type Config struct {
	ListenResponseTimeout time.Duration
	ServerName            string
}

type pattern struct {
	raw string
	re  *regexp.Regexp
}

type listenerEntry struct {
	socket   socket.Socket
	patterns map[string]pattern // raw pattern -> compiled
}

// Registry is the ListenerRegistry. It implements records.ListenerHandler.
type Registry struct {
	state   cluster.State
	records *registry.Registry

	serverName            string
	listenResponseTimeout time.Duration

	mu        sync.Mutex
	listeners map[string]*listenerEntry // socket uuid -> entry
	pending   map[string]struct{}
	flushTimer *time.Timer
	flushMu    sync.Mutex
	offerTimers map[string]*time.Timer // name -> pending-offer expiry timer
	recovering  bool

	metrics metrics.MetricsInterface
	log     *zap.Logger
}

// New constructs a ListenerRegistry. recordsReg is the RECORD topic's
// SubscriptionRegistry (*records.Handler.Registry()), wired in after both
// sides are constructed.
func New(cfg Config, state cluster.State, recordsReg *registry.Registry, m metrics.MetricsInterface, log *zap.Logger) *Registry {
	l := &Registry{
		state:                 state,
		records:               recordsReg,
		serverName:            cfg.ServerName,
		listenResponseTimeout: cfg.ListenResponseTimeout,
		listeners:             make(map[string]*listenerEntry),
		pending:               make(map[string]struct{}),
		offerTimers:           make(map[string]*time.Timer),
		metrics:               m,
		log:                   log.Named("listener"),
	}
	_ = state.Watch(func(name string) { l.Reconcile(name) })
	return l
}

// Listen declares that s can provide any name matching pattern.
func (l *Registry) Listen(s socket.Socket, raw string) {
	re, err := regexp.Compile(raw)
	if err != nil {
		s.Send(proto.Encode(proto.TopicRecord, proto.ErrInvalidMessageData, raw))
		return
	}

	l.mu.Lock()
	entry, ok := l.listeners[s.UUID()]
	if !ok {
		entry = &listenerEntry{socket: s, patterns: make(map[string]pattern)}
		l.listeners[s.UUID()] = entry
		uuid := s.UUID()
		s.OnClose(func() { l.handleSocketClose(uuid) })
	}
	entry.patterns[raw] = pattern{raw: raw, re: re}
	names := l.matchingSubscribedNames(re)
	l.mu.Unlock()

	for _, name := range names {
		l.Reconcile(name)
	}
}

// Unlisten withdraws a previously declared pattern.
func (l *Registry) Unlisten(s socket.Socket, raw string) {
	l.mu.Lock()
	entry, ok := l.listeners[s.UUID()]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(entry.patterns, raw)
	re, compileErr := regexp.Compile(raw)
	var names []string
	if compileErr == nil {
		names = l.matchingSubscribedNames(re)
	}
	l.mu.Unlock()

	for _, name := range names {
		l.Reconcile(name)
	}
}

// ListenAccept handles an ACCEPT for (pattern, name) from provider s.
func (l *Registry) ListenAccept(s socket.Socket, pattern, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next, prev, err := l.state.Upsert(ctx, name, func(current cluster.Provider, exists bool) (cluster.Provider, bool) {
		if !exists || !current.HasDeadline() {
			return cluster.Provider{}, false
		}
		if current.SocketUUID != s.UUID() || current.Pattern != pattern {
			return cluster.Provider{}, false
		}
		return cluster.Provider{
			ServerID:   l.serverName,
			SocketUUID: current.SocketUUID,
			Pattern:    current.Pattern,
			History:    current.History,
		}, true
	})
	if err != nil {
		l.onError(err)
		return
	}

	if providerEqual(next, prev) {
		// the offer had already been rescinded before this ACCEPT arrived.
		s.Send(proto.Encode(proto.TopicRecord, proto.ActionSubscriptionForPatternRemoved, pattern, name))
		return
	}

	l.cancelOfferTimer(name)
	l.records.Send(name, proto.Encode(proto.TopicRecord, proto.ActionSubscriptionHasProvider, name, "T"), nil)
}

// ListenReject handles a REJECT for (pattern, name) from provider s.
func (l *Registry) ListenReject(s socket.Socket, pattern, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next, prev, err := l.state.Upsert(ctx, name, func(current cluster.Provider, exists bool) (cluster.Provider, bool) {
		if !exists || current.SocketUUID != s.UUID() || current.Pattern != pattern {
			return cluster.Provider{}, false
		}
		return cluster.Provider{History: current.History}, true
	})
	if err != nil {
		l.onError(err)
		return
	}
	if providerEqual(next, prev) {
		return
	}

	l.cancelOfferTimer(name)
	l.Reconcile(name) // history now excludes s; the next tryAdd picks someone else
}

// Reconcile enqueues name for the next 10ms dispatch flush (spec.md §4.4).
func (l *Registry) Reconcile(name string) {
	l.mu.Lock()
	_, already := l.pending[name]
	l.pending[name] = struct{}{}
	needsTimer := !already && l.flushTimer == nil
	if needsTimer {
		l.flushTimer = time.AfterFunc(10*time.Millisecond, l.flush)
	}
	l.mu.Unlock()
}

func (l *Registry) flush() {
	l.mu.Lock()
	names := make([]string, 0, len(l.pending))
	for n := range l.pending {
		names = append(names, n)
	}
	l.pending = make(map[string]struct{})
	l.flushTimer = nil
	l.mu.Unlock()

	// serialize actual reconciliation so only one flush's worth of work runs
	// at a time, even if a new batch was enqueued while this one is running.
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	start := time.Now()
	var failed bool
	for _, name := range names {
		if err := l.reconcileOne(name); err != nil {
			failed = true
		}
	}
	l.metrics.RecordListenerReconcile(time.Since(start))

	if failed {
		l.scheduleRecovery()
	}
}

func (l *Registry) reconcileOne(name string) error {
	if l.records.HasName(name) {
		return l.tryAdd(name)
	}
	return l.tryRemove(name)
}

// tryAdd implements spec.md §4.4's tryAdd.
func (l *Registry) tryAdd(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var picked cluster.Provider
	next, prev, err := l.state.Upsert(ctx, name, func(current cluster.Provider, exists bool) (cluster.Provider, bool) {
		if exists && current.SocketUUID != "" && l.alive(ctx, current) {
			return cluster.Provider{}, false
		}

		all := l.matchingListeners(name, nil)
		if len(all) == 0 {
			if len(current.History) == 0 {
				return cluster.Provider{}, false // nothing to offer, nothing to change
			}
			return cluster.Provider{History: current.History}, true
		}

		// spec.md §9: history is capped at the number of matching listeners
		// and reset once every one of them has been tried, so a name whose
		// whole candidate pool has rejected/expired once can be reassigned
		// again rather than staying unprovided forever.
		hist := current.History
		candidates := l.matchingListeners(name, hist)
		if len(candidates) == 0 {
			hist = nil
			candidates = all
		}

		pick := candidates[rand.Intn(len(candidates))]
		newHist := append(append([]string{}, hist...), cluster.HistoryKey(pick.uuid, pick.pattern))
		if len(newHist) > len(all) {
			newHist = newHist[len(newHist)-len(all):]
		}
		picked = cluster.Provider{
			ServerID:   l.serverName,
			SocketUUID: pick.uuid,
			Pattern:    pick.pattern,
			Deadline:   time.Now().Add(l.listenResponseTimeout),
			History:    newHist,
		}
		return picked, true
	})
	if err != nil {
		return err
	}
	if providerEqual(next, prev) {
		return nil // declined: already alive
	}

	if prev.SocketUUID != "" {
		l.records.Send(name, proto.Encode(proto.TopicRecord, proto.ActionSubscriptionHasProvider, name, "F"), nil)
	}
	if next.SocketUUID != "" && next.HasDeadline() {
		l.offerTo(name, next)
	}
	l.metrics.UpdateProviderChurn(1)
	return nil
}

// tryRemove implements spec.md §4.4's tryRemove.
func (l *Registry) tryRemove(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next, prev, err := l.state.Upsert(ctx, name, func(current cluster.Provider, exists bool) (cluster.Provider, bool) {
		if !exists || current.SocketUUID == "" {
			return cluster.Provider{}, false
		}
		if current.ServerID == l.serverName {
			if l.isLocallyConnected(current.SocketUUID, current.Pattern) {
				return cluster.Provider{}, false
			}
			return cluster.Provider{}, true
		}
		servers, rErr := l.state.RemoteServers(ctx)
		if rErr != nil {
			return cluster.Provider{}, false
		}
		if contains(servers, current.ServerID) {
			return cluster.Provider{}, false
		}
		return cluster.Provider{}, true
	})
	if err != nil {
		return err
	}
	if providerEqual(next, prev) {
		return nil
	}

	l.cancelOfferTimer(name)
	if prev.ServerID == l.serverName {
		if s := l.lookupSocket(prev.SocketUUID); s != nil {
			s.Send(proto.Encode(proto.TopicRecord, proto.ActionSubscriptionForPatternRemoved, prev.Pattern, name))
		}
	}
	return nil
}

// offerTo sends SUBSCRIPTION_FOR_PATTERN_FOUND to the picked provider (always
// local, since candidates are drawn only from this server's own listeners
// map) and arms the listenResponseTimeout re-reconcile timer.
func (l *Registry) offerTo(name string, p cluster.Provider) {
	s := l.lookupSocket(p.SocketUUID)
	if s == nil {
		return
	}
	s.Send(proto.Encode(proto.TopicRecord, proto.ActionSubscriptionForPatternFound, p.Pattern, name))

	timer := time.AfterFunc(l.listenResponseTimeout, func() { l.Reconcile(name) })
	l.mu.Lock()
	if old, ok := l.offerTimers[name]; ok {
		old.Stop()
	}
	l.offerTimers[name] = timer
	l.mu.Unlock()
}

func (l *Registry) cancelOfferTimer(name string) {
	l.mu.Lock()
	if t, ok := l.offerTimers[name]; ok {
		t.Stop()
		delete(l.offerTimers, name)
	}
	l.mu.Unlock()
}

// alive implements spec.md §4.4's aliveness predicate.
func (l *Registry) alive(ctx context.Context, p cluster.Provider) bool {
	if p.HasDeadline() && !p.Deadline.After(time.Now()) {
		return false
	}
	if p.ServerID == l.serverName {
		return l.isLocallyConnected(p.SocketUUID, p.Pattern)
	}
	servers, err := l.state.RemoteServers(ctx)
	if err != nil {
		return false
	}
	return contains(servers, p.ServerID)
}

func (l *Registry) isLocallyConnected(uuid, pattern string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.listeners[uuid]
	if !ok {
		return false
	}
	_, ok = entry.patterns[pattern]
	return ok
}

func (l *Registry) lookupSocket(uuid string) socket.Socket {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.listeners[uuid]
	if !ok {
		return nil
	}
	return entry.socket
}

type candidate struct {
	uuid    string
	pattern string
}

func (l *Registry) matchingListeners(name string, history []string) []candidate {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []candidate
	for uuid, entry := range l.listeners {
		for raw, p := range entry.patterns {
			if !p.re.MatchString(name) {
				continue
			}
			if inHistory(history, uuid, raw) {
				continue
			}
			out = append(out, candidate{uuid: uuid, pattern: raw})
		}
	}
	return out
}

// matchingSubscribedNames returns every currently-subscribed record name re
// matches. Caller must hold l.mu.
func (l *Registry) matchingSubscribedNames(re *regexp.Regexp) []string {
	var out []string
	for _, name := range l.records.Names() {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	return out
}

func (l *Registry) handleSocketClose(uuid string) {
	l.mu.Lock()
	delete(l.listeners, uuid)
	l.mu.Unlock()
	// the provider's aliveness check will now fail on the next reconcile;
	// nothing else to do synchronously here since cluster state is shared.
}

func (l *Registry) scheduleRecovery() {
	l.mu.Lock()
	if l.recovering {
		l.mu.Unlock()
		return
	}
	l.recovering = true
	l.mu.Unlock()

	time.AfterFunc(10*time.Second, func() {
		l.mu.Lock()
		l.recovering = false
		names := l.records.Names()
		l.mu.Unlock()
		for _, name := range names {
			l.Reconcile(name)
		}
	})
}

func (l *Registry) onError(err error) {
	l.log.Warn("cluster state upsert failed", zap.Error(err))
	l.scheduleRecovery()
}

func providerEqual(a, b cluster.Provider) bool {
	if a.ServerID != b.ServerID || a.SocketUUID != b.SocketUUID || a.Pattern != b.Pattern {
		return false
	}
	if !a.Deadline.Equal(b.Deadline) {
		return false
	}
	if len(a.History) != len(b.History) {
		return false
	}
	for i := range a.History {
		if a.History[i] != b.History[i] {
			return false
		}
	}
	return true
}

func inHistory(history []string, uuid, pattern string) bool {
	key := cluster.HistoryKey(uuid, pattern)
	for _, h := range history {
		if h == key {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
