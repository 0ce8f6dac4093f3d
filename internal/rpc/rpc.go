// Package rpc implements RpcHandler (spec.md §4.3): a correlation-id keyed
// request/accept/response state machine with two independent timeouts and
// provider load-spreading.
package rpc

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
	"github.com/hoxton-one/deepstream-core-go/internal/proto"
	"github.com/hoxton-one/deepstream-core-go/internal/registry"
	"github.com/hoxton-one/deepstream-core-go/pkg/socket"
)

type state int

const (
	stateAwaitAccept state = iota
	stateAwaitResponse
	stateDone
)

// terminalRetention is how long a DONE invocation is kept around so a late
// ACCEPT/RESPONSE/ERROR can be rejected with INVALID_RPC_CORRELATION_ID
// instead of silently vanishing (spec.md §4.3).
const terminalRetention = 30 * time.Second

type invocation struct {
	name          string
	correlationID string
	requestor     socket.Socket
	provider      socket.Socket
	state         state
	requestFrame  []byte
	tried         map[string]bool
	ackTimer      *time.Timer
	responseTimer *time.Timer
}

// Handler is the RpcHandler: dispatches RPC-topic frames and owns the RPC
// SubscriptionRegistry, whose subscriber set for a name is the set of
// current providers for that name.
type Handler struct {
	reg *registry.Registry

	mu             sync.Mutex
	invocations    map[string]*invocation
	trackedSockets map[string]bool

	ackTimeout      time.Duration
	responseTimeout time.Duration

	metrics metrics.MetricsInterface
	log     *zap.Logger
}

// Config bundles the timeout options spec.md §6 lists for RpcHandler.
type Config struct {
	AckTimeout      time.Duration
	ResponseTimeout time.Duration
}

// New constructs an RpcHandler.
func New(cfg Config, m metrics.MetricsInterface, log *zap.Logger) *Handler {
	h := &Handler{
		invocations:     make(map[string]*invocation),
		trackedSockets:  make(map[string]bool),
		ackTimeout:      cfg.AckTimeout,
		responseTimeout: cfg.ResponseTimeout,
		metrics:         m,
		log:             log.Named("rpc"),
	}
	h.reg = registry.New(proto.TopicRPC, 0, nil)
	return h
}

func invKey(name, correlationID string) string { return name + "\x00" + correlationID }

// Dispatch routes one parsed RPC-topic frame.
func (h *Handler) Dispatch(f proto.Frame, sender socket.Socket) {
	switch f.Action {
	case proto.ActionProvide:
		if len(f.Data) < 1 {
			h.sendError(sender, proto.ErrInvalidMessageData, "", f.Action)
			return
		}
		h.ensureCloseHook(sender)
		h.reg.Subscribe(f.Data[0], sender)

	case proto.ActionUnprovide:
		if len(f.Data) < 1 {
			h.sendError(sender, proto.ErrInvalidMessageData, "", f.Action)
			return
		}
		h.reg.Unsubscribe(f.Data[0], sender, false)

	case proto.ActionRequest:
		if len(f.Data) < 2 {
			h.sendError(sender, proto.ErrInvalidMessageData, "", f.Action)
			return
		}
		h.ensureCloseHook(sender)
		h.handleRequest(f.Data[0], f.Data[1], f.Raw, sender)

	case proto.ActionAccept:
		if len(f.Data) < 2 {
			h.sendError(sender, proto.ErrInvalidMessageData, "", f.Action)
			return
		}
		h.handleAccept(f.Data[0], f.Data[1], sender)

	case proto.ActionResponse, proto.ActionError:
		if len(f.Data) < 2 {
			h.sendError(sender, proto.ErrInvalidMessageData, "", f.Action)
			return
		}
		h.handleTerminal(f.Data[0], f.Data[1], f.Raw, sender)

	case proto.ActionReject:
		if len(f.Data) < 2 {
			h.sendError(sender, proto.ErrInvalidMessageData, "", f.Action)
			return
		}
		h.handleReject(f.Data[0], f.Data[1], sender)

	default:
		h.sendError(sender, proto.ErrUnknownAction, "", f.Action)
	}
}

func (h *Handler) handleRequest(name, correlationID string, raw []byte, requestor socket.Socket) {
	providers := h.reg.Subscribers(name)
	if len(providers) == 0 {
		requestor.Send(proto.Encode(proto.TopicRPC, proto.ErrNoRPCProvider, name, correlationID))
		h.metrics.RecordRPCOutcome(name, "no_provider")
		return
	}

	provider := providers[rand.Intn(len(providers))]
	h.ensureCloseHook(provider)

	key := invKey(name, correlationID)
	inv := &invocation{
		name:          name,
		correlationID: correlationID,
		requestor:     requestor,
		provider:      provider,
		state:         stateAwaitAccept,
		requestFrame:  raw,
		tried:         map[string]bool{provider.UUID(): true},
	}

	h.mu.Lock()
	h.invocations[key] = inv
	inv.ackTimer = time.AfterFunc(h.ackTimeout, func() { h.onAckTimeout(key) })
	h.mu.Unlock()

	provider.Send(raw)
}

func (h *Handler) handleAccept(name, correlationID string, s socket.Socket) {
	key := invKey(name, correlationID)

	h.mu.Lock()
	inv, ok := h.invocations[key]
	if !ok {
		h.mu.Unlock()
		s.Send(proto.Encode(proto.TopicRPC, proto.ErrInvalidRPCCorrelationID, name, correlationID))
		return
	}

	switch inv.state {
	case stateAwaitAccept:
		inv.ackTimer.Stop()
		inv.state = stateAwaitResponse
		responseTimeout := h.responseTimeout
		requestor := inv.requestor
		h.mu.Unlock()

		requestor.Send(proto.Encode(proto.TopicRPC, proto.ActionAccept, name, correlationID))

		h.mu.Lock()
		if inv.state == stateAwaitResponse {
			inv.responseTimer = time.AfterFunc(responseTimeout, func() { h.onResponseTimeout(key) })
		}
		h.mu.Unlock()

	case stateAwaitResponse:
		requestFrame := inv.requestFrame
		h.mu.Unlock()
		s.Send(proto.Encode(proto.TopicRPC, proto.ErrMultipleAccept, name, correlationID))
		s.Send(requestFrame) // re-forward the REQUEST so the late accepter can unwind

	default: // stateDone
		h.mu.Unlock()
		s.Send(proto.Encode(proto.TopicRPC, proto.ErrInvalidRPCCorrelationID, name, correlationID))
	}
}

func (h *Handler) handleTerminal(name, correlationID string, raw []byte, s socket.Socket) {
	key := invKey(name, correlationID)

	h.mu.Lock()
	inv, ok := h.invocations[key]
	if !ok || inv.state != stateAwaitResponse {
		h.mu.Unlock()
		s.Send(proto.Encode(proto.TopicRPC, proto.ErrInvalidRPCCorrelationID, name, correlationID))
		return
	}
	inv.responseTimer.Stop()
	inv.state = stateDone
	requestor := inv.requestor
	h.mu.Unlock()

	requestor.Send(raw)
	h.metrics.RecordRPCOutcome(name, "done")
	h.scheduleCleanup(key)
}

func (h *Handler) handleReject(name, correlationID string, s socket.Socket) {
	key := invKey(name, correlationID)

	h.mu.Lock()
	inv, ok := h.invocations[key]
	if !ok || inv.state != stateAwaitAccept || inv.provider.UUID() != s.UUID() {
		h.mu.Unlock()
		s.Send(proto.Encode(proto.TopicRPC, proto.ErrInvalidRPCCorrelationID, name, correlationID))
		return
	}
	inv.ackTimer.Stop()
	h.mu.Unlock()

	h.retryOrFail(key)
}

// retryOrFail picks the next untried provider for an invocation still in
// AWAIT_ACCEPT and re-sends the original REQUEST to it, or terminates with
// NO_RPC_PROVIDER if every known provider has already been tried.
func (h *Handler) retryOrFail(key string) {
	h.mu.Lock()
	inv, ok := h.invocations[key]
	if !ok || inv.state != stateAwaitAccept {
		h.mu.Unlock()
		return
	}

	candidates := h.reg.Subscribers(inv.name)
	var next socket.Socket
	for _, c := range candidates {
		if !inv.tried[c.UUID()] {
			next = c
			break
		}
	}

	if next == nil {
		inv.state = stateDone
		requestor := inv.requestor
		name := inv.name
		correlationID := inv.correlationID
		h.mu.Unlock()

		requestor.Send(proto.Encode(proto.TopicRPC, proto.ErrNoRPCProvider, name, correlationID))
		h.metrics.RecordRPCOutcome(name, "rejected")
		h.scheduleCleanup(key)
		return
	}

	inv.tried[next.UUID()] = true
	inv.provider = next
	ackTimeout := h.ackTimeout
	requestFrame := inv.requestFrame
	h.mu.Unlock()

	h.ensureCloseHook(next)
	next.Send(requestFrame)

	h.mu.Lock()
	if inv.state == stateAwaitAccept {
		inv.ackTimer = time.AfterFunc(ackTimeout, func() { h.onAckTimeout(key) })
	}
	h.mu.Unlock()
}

func (h *Handler) onAckTimeout(key string) {
	h.mu.Lock()
	inv, ok := h.invocations[key]
	if !ok || inv.state != stateAwaitAccept {
		h.mu.Unlock()
		return
	}
	inv.state = stateDone
	requestor := inv.requestor
	name := inv.name
	correlationID := inv.correlationID
	h.mu.Unlock()

	requestor.Send(proto.Encode(proto.TopicRPC, proto.ErrAcceptTimeout, name, correlationID))
	h.metrics.RecordRPCOutcome(name, "ack_timeout")
	h.scheduleCleanup(key)
}

func (h *Handler) onResponseTimeout(key string) {
	h.mu.Lock()
	inv, ok := h.invocations[key]
	if !ok || inv.state != stateAwaitResponse {
		h.mu.Unlock()
		return
	}
	inv.state = stateDone
	requestor := inv.requestor
	name := inv.name
	correlationID := inv.correlationID
	h.mu.Unlock()

	requestor.Send(proto.Encode(proto.TopicRPC, proto.ErrResponseTimeout, name, correlationID))
	h.metrics.RecordRPCOutcome(name, "response_timeout")
	h.scheduleCleanup(key)
}

func (h *Handler) scheduleCleanup(key string) {
	time.AfterFunc(terminalRetention, func() {
		h.mu.Lock()
		delete(h.invocations, key)
		h.mu.Unlock()
	})
}

// ensureCloseHook registers exactly one close hook per socket this handler
// has ever seen, mirroring internal/registry's per-socket bookkeeping so a
// busy socket doesn't accumulate one hook per RPC it ever touched.
func (h *Handler) ensureCloseHook(s socket.Socket) {
	h.mu.Lock()
	if h.trackedSockets[s.UUID()] {
		h.mu.Unlock()
		return
	}
	h.trackedSockets[s.UUID()] = true
	h.mu.Unlock()

	uuid := s.UUID()
	s.OnClose(func() { h.handleSocketClose(uuid) })
}

// handleSocketClose terminates every in-flight invocation where uuid was
// requestor or provider (spec.md §5 Cancellation). A closed provider is
// handled by handleProviderGone (retry-or-fail before ACCEPT,
// NO_RPC_PROVIDER after it); a closed requestor simply terminates the
// invocation since there's no one left to notify.
func (h *Handler) handleSocketClose(uuid string) {
	h.mu.Lock()
	var asProvider, asRequestor []string
	for key, inv := range h.invocations {
		if inv.state == stateDone {
			continue
		}
		if inv.provider.UUID() == uuid {
			asProvider = append(asProvider, key)
		} else if inv.requestor.UUID() == uuid {
			asRequestor = append(asRequestor, key)
		}
	}
	h.mu.Unlock()

	for _, key := range asProvider {
		h.handleProviderGone(key)
	}
	for _, key := range asRequestor {
		h.terminateRequestorGone(key)
	}
}

// handleProviderGone reacts to a provider socket closing according to the
// invocation's current state: before ACCEPT, it's the same as an explicit
// REJECT (try the next untried provider); after ACCEPT, the accepting
// provider has already committed to answering and there is no fallback to
// retry against, so the invocation terminates and the requestor is told
// NO_RPC_PROVIDER (spec.md §5 Cancellation).
func (h *Handler) handleProviderGone(key string) {
	h.mu.Lock()
	inv, ok := h.invocations[key]
	if !ok || inv.state == stateDone {
		h.mu.Unlock()
		return
	}

	switch inv.state {
	case stateAwaitAccept:
		if inv.ackTimer != nil {
			inv.ackTimer.Stop()
		}
		h.mu.Unlock()
		h.retryOrFail(key)

	case stateAwaitResponse:
		if inv.responseTimer != nil {
			inv.responseTimer.Stop()
		}
		inv.state = stateDone
		requestor := inv.requestor
		name := inv.name
		correlationID := inv.correlationID
		h.mu.Unlock()

		requestor.Send(proto.Encode(proto.TopicRPC, proto.ErrNoRPCProvider, name, correlationID))
		h.metrics.RecordRPCOutcome(name, "provider_closed")
		h.scheduleCleanup(key)

	default:
		h.mu.Unlock()
	}
}

func (h *Handler) terminateRequestorGone(key string) {
	h.mu.Lock()
	inv, ok := h.invocations[key]
	if !ok || inv.state == stateDone {
		h.mu.Unlock()
		return
	}
	if inv.ackTimer != nil {
		inv.ackTimer.Stop()
	}
	if inv.responseTimer != nil {
		inv.responseTimer.Stop()
	}
	inv.state = stateDone
	name := inv.name
	h.mu.Unlock()

	h.metrics.RecordRPCOutcome(name, "requestor_closed")
	h.scheduleCleanup(key)
}

func (h *Handler) sendError(s socket.Socket, code, name, ref string) {
	if name != "" {
		s.Send(proto.Encode(proto.TopicRPC, code, name, ref))
		return
	}
	s.Send(proto.Encode(proto.TopicRPC, code, ref))
}
