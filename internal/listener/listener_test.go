package listener

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hoxton-one/deepstream-core-go/internal/cluster"
	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
	"github.com/hoxton-one/deepstream-core-go/internal/proto"
	"github.com/hoxton-one/deepstream-core-go/internal/registry"
	"github.com/hoxton-one/deepstream-core-go/pkg/socket"
)

type fakeSocket struct {
	uuid string

	mu   sync.Mutex
	sent [][]byte
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
func (f *fakeSocket) OnClose(func())     {}
func (f *fakeSocket) Close()             {}
func (f *fakeSocket) RemoteAddr() string { return "test" }

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) frames() []proto.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.Frame, 0, len(f.sent))
	for _, raw := range f.sent {
		fr, err := proto.Parse(raw)
		if err == nil {
			out = append(out, fr)
		}
	}
	return out
}

// reconcileBridge stands in for records.Handler's OnSubscriptionAdded/Removed
// wiring (localCount 0<->1 triggers a reconcile), without pulling in the
// internal/records package from this test.
type reconcileBridge struct {
	lr *Registry
}

func (b *reconcileBridge) OnSubscriptionAdded(name string, _ socket.Socket, localCount int) {
	if localCount == 1 {
		b.lr.Reconcile(name)
	}
}

func (b *reconcileBridge) OnSubscriptionRemoved(name string, _ socket.Socket, localCount int, _ bool) {
	if localCount == 0 {
		b.lr.Reconcile(name)
	}
}

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

func newTestRegistry(t *testing.T) (*Registry, *registry.Registry) {
	t.Helper()
	bridge := &reconcileBridge{}
	recordsReg := registry.New(proto.TopicRecord, 0, bridge)
	lr := New(Config{ListenResponseTimeout: time.Second, ServerName: "srv-1"}, cluster.NewMemory(), recordsReg, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	bridge.lr = lr
	return lr, recordsReg
}

// TestOfferRejectReassign covers spec.md §8 scenario 6: two listeners
// declare an overlapping pattern, the first offer gets rejected, and the
// registry reassigns to the other listener, which accepts.
func TestOfferRejectReassign(t *testing.T) {
	lr, recordsReg := newTestRegistry(t)

	l1 := newFakeSocket("l1")
	l2 := newFakeSocket("l2")
	client := newFakeSocket("client")

	lr.Listen(l1, "user/.*")
	lr.Listen(l2, "user/.*")

	recordsReg.Subscribe("user/42", client)

	waitFor(t, time.Second, func() bool { return l1.sentCount() > 0 || l2.sentCount() > 0 })

	var offered, other *fakeSocket
	var offeredPattern string
	if l1.sentCount() > 0 {
		offered, other = l1, l2
	} else {
		offered, other = l2, l1
	}
	found := offered.frames()[0]
	if found.Action != proto.ActionSubscriptionForPatternFound {
		t.Fatalf("action = %q, want SUBSCRIPTION_FOR_PATTERN_FOUND", found.Action)
	}
	offeredPattern = found.Data[0]
	if found.Data[1] != "user/42" {
		t.Fatalf("unexpected offer target: %+v", found)
	}

	lr.ListenReject(offered, offeredPattern, "user/42")

	waitFor(t, time.Second, func() bool { return other.sentCount() > 0 })
	secondOffer := other.frames()[0]
	if secondOffer.Action != proto.ActionSubscriptionForPatternFound {
		t.Fatalf("action = %q, want SUBSCRIPTION_FOR_PATTERN_FOUND on reassign", secondOffer.Action)
	}

	lr.ListenAccept(other, secondOffer.Data[0], "user/42")

	waitFor(t, time.Second, func() bool { return client.sentCount() > 0 })
	hasProvider := client.frames()[len(client.frames())-1]
	if hasProvider.Action != proto.ActionSubscriptionHasProvider || hasProvider.Data[1] != "T" {
		t.Fatalf("expected SUBSCRIPTION_HAS_PROVIDER true to the subscriber, got %+v", hasProvider)
	}
}

// TestHistoryResetsOnceAllCandidatesTried covers spec.md §9's capped/reset
// history rule: once every matching listener for a name has rejected once,
// the name must still be re-offerable (history resets) instead of staying
// unprovided forever.
func TestHistoryResetsOnceAllCandidatesTried(t *testing.T) {
	lr, recordsReg := newTestRegistry(t)

	l1 := newFakeSocket("l1")
	l2 := newFakeSocket("l2")
	client := newFakeSocket("client")

	lr.Listen(l1, "user/.*")
	lr.Listen(l2, "user/.*")

	recordsReg.Subscribe("user/42", client)

	waitFor(t, time.Second, func() bool { return l1.sentCount() > 0 || l2.sentCount() > 0 })
	first, second := l1, l2
	if l2.sentCount() > 0 {
		first, second = l2, l1
	}
	firstOffer := first.frames()[0]
	lr.ListenReject(first, firstOffer.Data[0], "user/42")

	waitFor(t, time.Second, func() bool { return second.sentCount() > 0 })
	secondOffer := second.frames()[0]
	lr.ListenReject(second, secondOffer.Data[0], "user/42")

	// both listeners have now rejected once, exhausting the candidate pool;
	// history must reset so a third offer still goes out rather than the
	// name staying permanently unprovided.
	waitFor(t, time.Second, func() bool {
		return first.sentCount() > 1 || second.sentCount() > 1
	})
}

func TestNoMatchingListenerLeavesNameUnprovided(t *testing.T) {
	lr, recordsReg := newTestRegistry(t)
	client := newFakeSocket("client")

	recordsReg.Subscribe("orphan/1", client)

	time.Sleep(30 * time.Millisecond)
	if client.sentCount() != 0 {
		t.Fatalf("expected no SUBSCRIPTION_HAS_PROVIDER without a matching listener, got %d sends", client.sentCount())
	}
	_ = lr
}
