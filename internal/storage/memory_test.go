package storage

import (
	"context"
	"testing"
)

func TestMemoryGetSetRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, ok, err := m.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing record, got ok=%v err=%v", ok, err)
	}

	rec := Record{Name: "foo", Version: "1-aaaaaaaaaaaaaa", Body: []byte(`{"x":1}`)}
	if err := m.Set(ctx, rec); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := m.Get(ctx, "foo")
	if err != nil || !ok {
		t.Fatalf("expected record, got ok=%v err=%v", ok, err)
	}
	if got.Version != rec.Version || string(got.Body) != string(rec.Body) {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestMemoryWatchTrigger(t *testing.T) {
	m := NewMemory()

	var gotName, gotVersion string
	if err := m.Watch(func(name, version string) {
		gotName, gotVersion = name, version
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	m.TriggerWatch("foo", "2-bbbbbbbbbbbbbb")
	if gotName != "foo" || gotVersion != "2-bbbbbbbbbbbbbb" {
		t.Fatalf("watch callback got (%q, %q)", gotName, gotVersion)
	}
}
