package rpc

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
	"github.com/hoxton-one/deepstream-core-go/internal/proto"
	"github.com/hoxton-one/deepstream-core-go/pkg/socket"
)

type fakeSocket struct {
	uuid string

	mu        sync.Mutex
	sent      [][]byte
	closeHook func()
}

func newFakeSocket(uuid string) *fakeSocket { return &fakeSocket{uuid: uuid} }

func (f *fakeSocket) UUID() string { return f.uuid }
func (f *fakeSocket) Send(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
}
// OnClose chains hooks so closeHook fires every registered hook in
// registration order, as socket.Socket's contract requires.
func (f *fakeSocket) OnClose(fn func()) {
	prev := f.closeHook
	if prev == nil {
		f.closeHook = fn
		return
	}
	f.closeHook = func() { prev(); fn() }
}
func (f *fakeSocket) Close() {}
func (f *fakeSocket) RemoteAddr() string { return "test" }

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) nth(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.sent) {
		return nil
	}
	return f.sent[i]
}

func (f *fakeSocket) last() []byte { return f.nth(f.sentCount() - 1) }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func newTestHandler(ackTimeout, responseTimeout time.Duration) *Handler {
	return New(Config{AckTimeout: ackTimeout, ResponseTimeout: responseTimeout}, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func dispatch(h *Handler, raw []byte, s socket.Socket) {
	f, err := proto.Parse(raw)
	if err != nil {
		panic(err)
	}
	h.Dispatch(f, s)
}

// TestHappyPath exercises spec.md §8 scenario 1: PROVIDE, REQUEST,
// ACCEPT, RESPONSE all round-trip to the requestor.
func TestHappyPath(t *testing.T) {
	h := newTestHandler(time.Second, time.Second)
	provider := newFakeSocket("provider")
	requestor := newFakeSocket("requestor")

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionProvide, "addTwo"), provider)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionRequest, "addTwo", "c1", `{"a":1,"b":2}`), requestor)

	if provider.sentCount() != 1 {
		t.Fatalf("expected provider to receive the REQUEST, got %d", provider.sentCount())
	}
	req, _ := proto.Parse(provider.last())
	if req.Action != proto.ActionRequest || req.Data[1] != "c1" {
		t.Fatalf("unexpected forwarded request: %+v", req)
	}

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionAccept, "addTwo", "c1"), provider)
	if requestor.sentCount() != 1 {
		t.Fatalf("expected requestor to receive ACCEPT, got %d", requestor.sentCount())
	}
	acc, _ := proto.Parse(requestor.last())
	if acc.Action != proto.ActionAccept {
		t.Fatalf("action = %q, want ACCEPT", acc.Action)
	}

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionResponse, "addTwo", "c1", `{"result":3}`), provider)
	if requestor.sentCount() != 2 {
		t.Fatalf("expected requestor to receive RESPONSE, got %d sends", requestor.sentCount())
	}
	res, _ := proto.Parse(requestor.last())
	if res.Action != proto.ActionResponse || res.Data[2] != `{"result":3}` {
		t.Fatalf("unexpected response: %+v", res)
	}
}

// TestMultipleAcceptRejectsSecondAndRewindsLateAccepter covers spec.md §8
// scenario 2: a second ACCEPT on an already-accepted invocation gets
// MULTIPLE_ACCEPT and the original REQUEST re-forwarded so it can unwind.
func TestMultipleAcceptRejectsSecondAndRewindsLateAccepter(t *testing.T) {
	h := newTestHandler(time.Second, time.Second)
	p1 := newFakeSocket("p1")
	p2 := newFakeSocket("p2")
	requestor := newFakeSocket("requestor")

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionProvide, "addTwo"), p1)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionProvide, "addTwo"), p2)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionRequest, "addTwo", "c1", `{}`), requestor)

	// whichever of p1/p2 got the REQUEST, accept from it first.
	var accepter, bystander *fakeSocket
	if p1.sentCount() == 1 {
		accepter, bystander = p1, p2
	} else {
		accepter, bystander = p2, p1
	}

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionAccept, "addTwo", "c1"), accepter)
	if requestor.sentCount() != 1 {
		t.Fatalf("expected one ACCEPT forwarded, got %d", requestor.sentCount())
	}

	// a late ACCEPT from the bystander (who never got the REQUEST in this
	// harness, but is indistinguishable from a provider that raced in)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionAccept, "addTwo", "c1"), bystander)

	if bystander.sentCount() != 2 {
		t.Fatalf("expected MULTIPLE_ACCEPT plus re-forwarded REQUEST, got %d sends", bystander.sentCount())
	}
	errFrame, _ := proto.Parse(bystander.nth(0))
	if errFrame.Action != proto.ErrMultipleAccept {
		t.Fatalf("action = %q, want MULTIPLE_ACCEPT", errFrame.Action)
	}
	reForwarded, _ := proto.Parse(bystander.nth(1))
	if reForwarded.Action != proto.ActionRequest {
		t.Fatalf("expected the original REQUEST re-forwarded, got %+v", reForwarded)
	}
}

// TestAcceptTimeoutNotifiesRequestor covers spec.md §8 scenario 3: a
// provider that never ACCEPTs within ackTimeout yields ACCEPT_TIMEOUT.
func TestAcceptTimeoutNotifiesRequestor(t *testing.T) {
	h := newTestHandler(20*time.Millisecond, time.Second)
	provider := newFakeSocket("provider")
	requestor := newFakeSocket("requestor")

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionProvide, "addTwo"), provider)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionRequest, "addTwo", "c1", `{}`), requestor)

	waitFor(t, time.Second, func() bool { return requestor.sentCount() > 0 })
	got, _ := proto.Parse(requestor.last())
	if got.Action != proto.ErrAcceptTimeout {
		t.Fatalf("action = %q, want ACCEPT_TIMEOUT", got.Action)
	}

	// a late ACCEPT after the timeout must be rejected as an unknown
	// correlation id rather than silently accepted.
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionAccept, "addTwo", "c1"), provider)
	late, _ := proto.Parse(provider.last())
	if late.Action != proto.ErrInvalidRPCCorrelationID {
		t.Fatalf("late accept action = %q, want INVALID_RPC_CORRELATION_ID", late.Action)
	}
}

// TestLateResponseAfterDoneIsRejected resolves Open Question 1: a second
// RESPONSE for an invocation already completed gets
// INVALID_RPC_CORRELATION_ID, identical treatment to any other post-DONE
// message (including a would-be late ACCEPT after a successful RESPONSE).
func TestLateResponseAfterDoneIsRejected(t *testing.T) {
	h := newTestHandler(time.Second, time.Second)
	provider := newFakeSocket("provider")
	requestor := newFakeSocket("requestor")

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionProvide, "addTwo"), provider)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionRequest, "addTwo", "c1", `{}`), requestor)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionAccept, "addTwo", "c1"), provider)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionResponse, "addTwo", "c1", `{"result":3}`), provider)

	sendsBefore := provider.sentCount()
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionResponse, "addTwo", "c1", `{"result":3}`), provider)
	if provider.sentCount() != sendsBefore+1 {
		t.Fatalf("expected one error reply to the duplicate RESPONSE, got %d new sends", provider.sentCount()-sendsBefore)
	}
	got, _ := proto.Parse(provider.last())
	if got.Action != proto.ErrInvalidRPCCorrelationID {
		t.Fatalf("action = %q, want INVALID_RPC_CORRELATION_ID", got.Action)
	}

	// a late ACCEPT for the same, already-DONE correlation id gets the same
	// treatment.
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionAccept, "addTwo", "c1"), provider)
	lateAccept, _ := proto.Parse(provider.last())
	if lateAccept.Action != proto.ErrInvalidRPCCorrelationID {
		t.Fatalf("late accept after DONE action = %q, want INVALID_RPC_CORRELATION_ID", lateAccept.Action)
	}
}

func TestRequestWithNoProviderFails(t *testing.T) {
	h := newTestHandler(time.Second, time.Second)
	requestor := newFakeSocket("requestor")

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionRequest, "nobody", "c1", `{}`), requestor)

	got, _ := proto.Parse(requestor.last())
	if got.Action != proto.ErrNoRPCProvider {
		t.Fatalf("action = %q, want NO_RPC_PROVIDER", got.Action)
	}
}

// TestProviderCloseDuringAwaitResponseNotifiesRequestor covers spec.md §5
// Cancellation: a provider that has already ACCEPTed and then disconnects
// before sending RESPONSE must terminate the invocation and surface
// NO_RPC_PROVIDER to the requestor, rather than leaving it stuck forever in
// AWAIT_RESPONSE.
func TestProviderCloseDuringAwaitResponseNotifiesRequestor(t *testing.T) {
	h := newTestHandler(time.Second, time.Second)
	provider := newFakeSocket("provider")
	requestor := newFakeSocket("requestor")

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionProvide, "addTwo"), provider)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionRequest, "addTwo", "c1", `{}`), requestor)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionAccept, "addTwo", "c1"), provider)

	if provider.closeHook == nil {
		t.Fatal("expected the provider to have a registered close hook")
	}
	provider.closeHook()

	got, _ := proto.Parse(requestor.last())
	if got.Action != proto.ErrNoRPCProvider {
		t.Fatalf("action = %q, want NO_RPC_PROVIDER", got.Action)
	}

	key := invKey("addTwo", "c1")
	h.mu.Lock()
	inv, stillTracked := h.invocations[key]
	h.mu.Unlock()
	if stillTracked && inv.state != stateDone {
		t.Fatalf("expected invocation to be DONE after provider close, state=%v", inv.state)
	}

	// a subsequent RESPONSE from the now-closed provider must not be
	// accepted as if the invocation were still live.
	sendsBefore := provider.sentCount()
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionResponse, "addTwo", "c1", `{"result":3}`), provider)
	if provider.sentCount() != sendsBefore+1 {
		t.Fatalf("expected one error reply to the post-close RESPONSE, got %d new sends", provider.sentCount()-sendsBefore)
	}
	late, _ := proto.Parse(provider.last())
	if late.Action != proto.ErrInvalidRPCCorrelationID {
		t.Fatalf("action = %q, want INVALID_RPC_CORRELATION_ID", late.Action)
	}
}

func TestRejectRetriesAnotherProvider(t *testing.T) {
	h := newTestHandler(time.Second, time.Second)
	p1 := newFakeSocket("p1")
	p2 := newFakeSocket("p2")
	requestor := newFakeSocket("requestor")

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionProvide, "addTwo"), p1)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionProvide, "addTwo"), p2)
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionRequest, "addTwo", "c1", `{}`), requestor)

	var tried, untried *fakeSocket
	if p1.sentCount() == 1 {
		tried, untried = p1, p2
	} else {
		tried, untried = p2, p1
	}

	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionReject, "addTwo", "c1"), tried)

	if untried.sentCount() != 1 {
		t.Fatalf("expected the untried provider to receive the retried REQUEST, got %d", untried.sentCount())
	}

	// both tried now; a second REJECT from the new provider exhausts the
	// candidate list and fails the call.
	dispatch(h, proto.Encode(proto.TopicRPC, proto.ActionReject, "addTwo", "c1"), untried)
	got, _ := proto.Parse(requestor.last())
	if got.Action != proto.ErrNoRPCProvider {
		t.Fatalf("action = %q, want NO_RPC_PROVIDER after exhausting providers", got.Action)
	}
}
