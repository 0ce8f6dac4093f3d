// Package registry implements the SubscriptionRegistry described in
// spec.md §4.1: a per-topic map from subscription name to the set of
// sockets subscribed to it, with coalesced broadcast delivery and
// sender-exclusion so a socket never receives an echo of the frame it
// just sent.
//
// One Registry instance is constructed per topic (record data and RPC
// provider sets each get their own instance) so
// that a name collision between topics is impossible by construction,
// matching spec.md's "registries are namespaced per topic" note.
package registry

import (
	"sync"
	"time"

	"github.com/hoxton-one/deepstream-core-go/internal/proto"
	"github.com/hoxton-one/deepstream-core-go/pkg/socket"
)

// Listener observes membership changes in a Registry. RecordHandler uses
// this to pin cached records while they have subscribers and to trigger a
// ListenerRegistry reconcile when a name's local subscriber count crosses
// 0<->1. RpcHandler's registry has no Listener.
type Listener interface {
	OnSubscriptionAdded(name string, s socket.Socket, localCount int)
	OnSubscriptionRemoved(name string, s socket.Socket, localCount int, hadSubscribers bool)
}

// subscription holds the live socket set and the pending-broadcast
// accumulation state for one name.
type subscription struct {
	mu            sync.Mutex
	sockets       map[string]socket.Socket
	scratch       *scratchBuffer
	uniqueSenders map[string][][2]int
	pending       bool
}

// Registry is a single-topic subscription table. All exported methods are
// safe for concurrent use; Send appends to a subscription's pending frame
// and flush drains it, on the broadcast loop's goroutine or, when
// broadcastTimeout is zero, on the caller's.
type Registry struct {
	topic            string
	broadcastTimeout time.Duration
	listener         Listener

	mu          sync.RWMutex
	subs        map[string]*subscription
	socketNames map[string]map[string]struct{} // socket uuid -> names this socket holds in this registry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Registry for one topic. broadcastTimeout of zero flushes
// every send synchronously (no coalescing window); a positive value
// batches sends that land within the same tick, matching spec.md §4.1's
// "messages are queued and flushed on a timer" broadcast behavior.
func New(topic string, broadcastTimeout time.Duration, listener Listener) *Registry {
	r := &Registry{
		topic:            topic,
		broadcastTimeout: broadcastTimeout,
		listener:         listener,
		subs:             make(map[string]*subscription),
		socketNames:      make(map[string]map[string]struct{}),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	if broadcastTimeout > 0 {
		go r.broadcastLoop()
	} else {
		close(r.doneCh)
	}
	return r
}

// Stop terminates the broadcast loop, flushing any pending frames first.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

func (r *Registry) getOrCreate(name string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[name]
	if !ok {
		sub = &subscription{
			sockets:       make(map[string]socket.Socket),
			uniqueSenders: make(map[string][][2]int),
		}
		r.subs[name] = sub
	}
	return sub
}

func (r *Registry) get(name string) (*subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[name]
	return sub, ok
}

// Subscribe adds s to the set of sockets subscribed to name. Subscribing
// the same socket to the same name twice is an error frame back to the
// socket (spec.md's MULTIPLE_SUBSCRIPTIONS), not a silent no-op.
func (r *Registry) Subscribe(name string, s socket.Socket) {
	sub := r.getOrCreate(name)

	sub.mu.Lock()
	if _, exists := sub.sockets[s.UUID()]; exists {
		sub.mu.Unlock()
		s.Send(proto.Encode(r.topic, proto.ErrMultipleSubscriptions, name))
		return
	}
	sub.sockets[s.UUID()] = s
	localCount := len(sub.sockets)
	sub.mu.Unlock()

	r.trackSocketName(s, name)

	if r.listener != nil {
		r.listener.OnSubscriptionAdded(name, s, localCount)
	}
}

// Unsubscribe removes s from name's subscriber set. silent suppresses the
// NOT_SUBSCRIBED error frame, used when unsubscribe is driven by a socket
// close rather than an explicit client request (spec.md §5 Cancellation).
func (r *Registry) Unsubscribe(name string, s socket.Socket, silent bool) {
	sub, ok := r.get(name)
	if !ok {
		if !silent {
			s.Send(proto.Encode(r.topic, proto.ErrNotSubscribed, name))
		}
		return
	}

	sub.mu.Lock()
	_, existed := sub.sockets[s.UUID()]
	delete(sub.sockets, s.UUID())
	localCount := len(sub.sockets)
	sub.mu.Unlock()

	if !existed {
		if !silent {
			s.Send(proto.Encode(r.topic, proto.ErrNotSubscribed, name))
		}
		return
	}

	r.untrackSocketName(s, name)

	if r.listener != nil {
		r.listener.OnSubscriptionRemoved(name, s, localCount, localCount > 0)
	}
}

// HasName reports whether name currently has at least one subscriber.
func (r *Registry) HasName(name string) bool {
	sub, ok := r.get(name)
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.sockets) > 0
}

// Names returns every name with at least one live subscriber.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for name, sub := range r.subs {
		sub.mu.Lock()
		n := len(sub.sockets)
		sub.mu.Unlock()
		if n > 0 {
			out = append(out, name)
		}
	}
	return out
}

// Subscribers returns the sockets currently subscribed to name.
func (r *Registry) Subscribers(name string) []socket.Socket {
	sub, ok := r.get(name)
	if !ok {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make([]socket.Socket, 0, len(sub.sockets))
	for _, s := range sub.sockets {
		out = append(out, s)
	}
	return out
}

// Send queues frame for delivery to every subscriber of name. When sender
// is non-nil, that socket's copy has the byte range it contributed spliced
// out so senders never see their own update echoed back (spec.md §4.1
// uniqueSenders gap-exclusion). With broadcastTimeout of zero the frame is
// flushed immediately; otherwise it is coalesced with other sends to the
// same name until the next tick.
func (r *Registry) Send(name string, frame []byte, sender socket.Socket) {
	sub, ok := r.get(name)
	if !ok {
		return
	}

	sub.mu.Lock()
	if sub.scratch == nil {
		sub.scratch = getScratch()
	}
	start := sub.scratch.len()
	sub.scratch.write(frame)
	if !proto.HasTrailingSeparator(frame) {
		sub.scratch.write([]byte{proto.RecordSeparator})
	}
	end := sub.scratch.len()
	if sender != nil {
		sub.uniqueSenders[sender.UUID()] = append(sub.uniqueSenders[sender.UUID()], [2]int{start, end})
	}
	sub.pending = true
	sub.mu.Unlock()

	if r.broadcastTimeout == 0 {
		r.flush(sub)
	}
}

func (r *Registry) broadcastLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.broadcastTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flushAll()
		case <-r.stopCh:
			r.flushAll()
			return
		}
	}
}

func (r *Registry) flushAll() {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		r.flush(sub)
	}
}

// flush drains a subscription's pending frame, if any, and distributes it
// to every current subscriber, splicing out each sender's own contribution.
func (r *Registry) flush(sub *subscription) {
	sub.mu.Lock()
	if !sub.pending {
		sub.mu.Unlock()
		return
	}
	scratch := sub.scratch
	gaps := sub.uniqueSenders
	sockets := make(map[string]socket.Socket, len(sub.sockets))
	for uuid, s := range sub.sockets {
		sockets[uuid] = s
	}
	sub.scratch = nil
	sub.uniqueSenders = make(map[string][][2]int)
	sub.pending = false
	sub.mu.Unlock()

	data := scratch.snapshot()
	putScratch(scratch)

	for uuid, g := range gaps {
		s, ok := sockets[uuid]
		if !ok {
			continue
		}
		if out := spliceExcluding(data, g); len(out) > 0 {
			s.Send(out)
		}
	}
	for uuid, s := range sockets {
		if _, isSender := gaps[uuid]; isSender {
			continue
		}
		s.Send(data)
	}
}

func (r *Registry) trackSocketName(s socket.Socket, name string) {
	r.mu.Lock()
	names, ok := r.socketNames[s.UUID()]
	if !ok {
		names = make(map[string]struct{})
		r.socketNames[s.UUID()] = names
		r.mu.Unlock()
		s.OnClose(func() { r.handleSocketClose(s) })
	} else {
		r.mu.Unlock()
	}
	r.mu.Lock()
	names[name] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) untrackSocketName(s socket.Socket, name string) {
	r.mu.Lock()
	names, ok := r.socketNames[s.UUID()]
	if ok {
		delete(names, name)
		if len(names) == 0 {
			delete(r.socketNames, s.UUID())
		}
	}
	r.mu.Unlock()
}

// handleSocketClose unsubscribes s from every name it held in this
// registry, silently (spec.md §5 Cancellation: a close triggers
// unsubscribe(name, socket, silent) for every name the socket is in).
func (r *Registry) handleSocketClose(s socket.Socket) {
	r.mu.Lock()
	names, ok := r.socketNames[s.UUID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	list := make([]string, 0, len(names))
	for n := range names {
		list = append(list, n)
	}
	delete(r.socketNames, s.UUID())
	r.mu.Unlock()

	for _, name := range list {
		r.Unsubscribe(name, s, true)
	}
}
