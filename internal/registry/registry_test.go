package registry

import (
	"sync"
	"testing"
	"time"

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

func (f *fakeSocket) OnClose(fn func()) { f.closeHook = fn }
func (f *fakeSocket) Close() {
	if f.closeHook != nil {
		f.closeHook()
	}
}
func (f *fakeSocket) RemoteAddr() string { return "test" }

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type countingListener struct {
	mu      sync.Mutex
	added   map[string]int
	removed map[string]int
}

func newCountingListener() *countingListener {
	return &countingListener{added: map[string]int{}, removed: map[string]int{}}
}

func (c *countingListener) OnSubscriptionAdded(name string, _ socket.Socket, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added[name]++
}

func (c *countingListener) OnSubscriptionRemoved(name string, _ socket.Socket, _ int, _ bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed[name]++
}

func TestSubscribeDuplicateSendsError(t *testing.T) {
	r := New(proto.TopicRecord, 0, nil)
	s := newFakeSocket("a")

	r.Subscribe("foo", s)
	r.Subscribe("foo", s)

	if s.sentCount() != 1 {
		t.Fatalf("expected 1 error frame for duplicate subscribe, got %d", s.sentCount())
	}
	frame, err := proto.Parse(s.last())
	if err != nil {
		t.Fatalf("parse error frame: %v", err)
	}
	if frame.Action != proto.ErrMultipleSubscriptions {
		t.Fatalf("action = %q, want %q", frame.Action, proto.ErrMultipleSubscriptions)
	}
}

func TestUnsubscribeNotSubscribed(t *testing.T) {
	r := New(proto.TopicRecord, 0, nil)
	s := newFakeSocket("a")

	r.Unsubscribe("foo", s, false)

	if s.sentCount() != 1 {
		t.Fatalf("expected NOT_SUBSCRIBED error frame, got %d sends", s.sentCount())
	}
	frame, _ := proto.Parse(s.last())
	if frame.Action != proto.ErrNotSubscribed {
		t.Fatalf("action = %q, want %q", frame.Action, proto.ErrNotSubscribed)
	}
}

func TestUnsubscribeSilentSuppressesError(t *testing.T) {
	r := New(proto.TopicRecord, 0, nil)
	s := newFakeSocket("a")

	r.Unsubscribe("foo", s, true)

	if s.sentCount() != 0 {
		t.Fatalf("expected no frames for silent unsubscribe of unknown name, got %d", s.sentCount())
	}
}

func TestSendImmediateFlushExcludesSender(t *testing.T) {
	r := New(proto.TopicRecord, 0, nil)
	sender := newFakeSocket("sender")
	other := newFakeSocket("other")

	r.Subscribe("foo", sender)
	r.Subscribe("foo", other)

	msg := proto.Encode(proto.TopicRecord, proto.ActionUpdate, "foo", "1-aaa", `{"x":1}`)
	r.Send("foo", msg, sender)

	if other.sentCount() != 1 {
		t.Fatalf("expected other subscriber to receive 1 frame, got %d", other.sentCount())
	}
	if sender.sentCount() != 0 {
		t.Fatalf("expected sender to receive 0 frames (self-echo suppressed), got %d", sender.sentCount())
	}

	frame, err := proto.Parse(other.last())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.Action != proto.ActionUpdate || frame.Data[0] != "foo" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestSendCoalescesOnTimer(t *testing.T) {
	r := New(proto.TopicRecord, 20*time.Millisecond, nil)
	defer r.Stop()

	s := newFakeSocket("a")
	r.Subscribe("foo", s)

	r.Send("foo", proto.Encode(proto.TopicRecord, proto.ActionUpdate, "foo", "1-aaa", "v1"), nil)
	r.Send("foo", proto.Encode(proto.TopicRecord, proto.ActionUpdate, "foo", "2-bbb", "v2"), nil)

	if s.sentCount() != 0 {
		t.Fatalf("expected no delivery before the tick fires, got %d", s.sentCount())
	}

	deadline := time.After(500 * time.Millisecond)
	for {
		if s.sentCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for coalesced flush, got %d sends", s.sentCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	frames := proto.Split(s.last())
	if len(frames) != 2 {
		t.Fatalf("expected both updates coalesced into one delivery of 2 frames, got %d", len(frames))
	}
}

func TestSocketCloseUnsubscribesSilently(t *testing.T) {
	listener := newCountingListener()
	r := New(proto.TopicRecord, 0, listener)
	s := newFakeSocket("a")

	r.Subscribe("foo", s)
	r.Subscribe("bar", s)

	s.Close()

	if r.HasName("foo") || r.HasName("bar") {
		t.Fatal("expected both names to lose their subscriber on close")
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.removed["foo"] != 1 || listener.removed["bar"] != 1 {
		t.Fatalf("expected one removal notification per name, got %+v", listener.removed)
	}
	if s.sentCount() != 0 {
		t.Fatalf("expected no error frames for close-driven unsubscribe, got %d", s.sentCount())
	}
}

func TestNamesOnlyListsLiveSubscriptions(t *testing.T) {
	r := New(proto.TopicRecord, 0, nil)
	s := newFakeSocket("a")

	r.Subscribe("foo", s)
	if got := r.Names(); len(got) != 1 || got[0] != "foo" {
		t.Fatalf("Names() = %v, want [foo]", got)
	}

	r.Unsubscribe("foo", s, false)
	if got := r.Names(); len(got) != 0 {
		t.Fatalf("Names() = %v, want empty after unsubscribe", got)
	}
}
