package cluster

import (
	"context"
	"testing"
)

func TestUpsertCreatesWhenAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	next, prev, err := m.Upsert(ctx, "foo", func(current Provider, exists bool) (Provider, bool) {
		if exists {
			t.Fatal("expected no existing provider")
		}
		return Provider{ServerID: "s1", SocketUUID: "u1", Pattern: "foo.*"}, true
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !prev.IsZero() {
		t.Fatalf("prev = %+v, want zero", prev)
	}
	if next.ServerID != "s1" {
		t.Fatalf("next = %+v", next)
	}
}

func TestUpsertDeclineLeavesStateUnchanged(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Upsert(ctx, "foo", func(_ Provider, _ bool) (Provider, bool) {
		return Provider{ServerID: "s1", SocketUUID: "u1"}, true
	})

	next, _, err := m.Upsert(ctx, "foo", func(current Provider, exists bool) (Provider, bool) {
		if !exists || current.ServerID != "s1" {
			t.Fatalf("expected current assignment, got %+v exists=%v", current, exists)
		}
		return Provider{}, false // decline to change
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if next.ServerID != "s1" {
		t.Fatalf("expected unchanged assignment, got %+v", next)
	}

	got, ok, _ := m.Get(ctx, "foo")
	if !ok || got.ServerID != "s1" {
		t.Fatalf("Get after declined upsert = %+v, %v", got, ok)
	}
}

func TestWatchFiresOnUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var notified string
	m.Watch(func(name string) { notified = name })

	m.Upsert(ctx, "bar", func(_ Provider, _ bool) (Provider, bool) {
		return Provider{ServerID: "s1"}, true
	})

	if notified != "bar" {
		t.Fatalf("notified = %q, want bar", notified)
	}
}

func TestRemoteServers(t *testing.T) {
	m := NewMemory()
	m.SetRemoteServers([]string{"s2", "s3"})

	got, err := m.RemoteServers(context.Background())
	if err != nil {
		t.Fatalf("RemoteServers: %v", err)
	}
	if len(got) != 2 || got[0] != "s2" || got[1] != "s3" {
		t.Fatalf("RemoteServers = %v", got)
	}
}
