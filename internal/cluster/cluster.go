// Package cluster defines the pluggable cluster-wide state plugin
// ListenerRegistry uses to keep one provider-per-name assignment consistent
// across every server instance, per spec.md §6's cluster state interface.
package cluster

import (
	"context"
	"time"
)

// Provider is the cluster-wide assignment of a listen pattern's matched
// name to the socket currently serving it (spec.md §4.4's
// `{uuid, pattern, serverName, deadline?, history[]}`). ServerID and
// SocketUUID are opaque identifiers: only the owning server instance can
// resolve SocketUUID back to a live socket.Socket.
//
// A name can be stored with no provider at all ("listened for but no one
// wants it") — ServerID/SocketUUID empty, History non-empty — which is why
// IsZero only inspects the assignment fields, not History.
type Provider struct {
	ServerID   string
	SocketUUID string
	Pattern    string

	// Deadline is non-zero while the provider has been offered the name but
	// has not yet ACCEPTed it. Zero means either no offer is outstanding or
	// no provider is assigned at all.
	Deadline time.Time

	// History lists HistoryKey(uuid, pattern) entries already
	// offered-and-either-rejected-or-expired for this name, so tryAdd never
	// re-offers the same candidate.
	History []string
}

// IsZero reports whether p represents "no provider assigned".
func (p Provider) IsZero() bool { return p.ServerID == "" && p.SocketUUID == "" }

// HasDeadline reports whether p has an outstanding, unaccepted offer.
func (p Provider) HasDeadline() bool { return !p.Deadline.IsZero() }

// HistoryKey identifies one (listener socket, pattern) candidate for a
// name's offer history.
func HistoryKey(uuid, pattern string) string { return uuid + "\x1F" + pattern }

// InHistory reports whether (uuid, pattern) has already been tried.
func (p Provider) InHistory(uuid, pattern string) bool {
	key := HistoryKey(uuid, pattern)
	for _, h := range p.History {
		if h == key {
			return true
		}
	}
	return false
}

// UpsertFunc computes the next Provider value given the current one (the
// zero Provider if none is assigned). Returning ok=false aborts the upsert
// without writing — the ListenerRegistry uses this to implement
// compare-and-decide logic (e.g. "only take over if the current provider's
// server is not in RemoteServers()").
type UpsertFunc func(current Provider, exists bool) (next Provider, ok bool)

// State is the external collaborator ListenerRegistry reads and
// CAS-updates through.
type State interface {
	// Get loads the current provider for name.
	Get(ctx context.Context, name string) (Provider, bool, error)

	// Upsert atomically applies fn to the current value for name, retrying
	// on concurrent-modification until fn itself declines (ok=false) or the
	// write succeeds. Returns the value written (or the unchanged current
	// value when fn declines) and the value that was current immediately
	// before the write.
	Upsert(ctx context.Context, name string, fn UpsertFunc) (next, prev Provider, err error)

	// Watch registers a callback invoked whenever any server instance
	// changes the provider for some name, so ListenerRegistry can react to
	// assignments made by peers. The callback must not block.
	Watch(fn func(name string)) error

	// RemoteServers returns the IDs of other live server instances, used to
	// decide whether a previously-assigned provider's server is still
	// around before taking over its assignments.
	RemoteServers(ctx context.Context) ([]string, error)

	// Close releases any resources held by the implementation.
	Close() error
}
