// Package storage defines the pluggable persistence boundary RecordHandler
// writes through and replays from, per spec.md §6's storage plugin
// interface.
package storage

import "context"

// Record is the durable form of one named record. Version is the wire
// version string ("<n>-<tag>" or "INF-<tag>"); Body is the raw JSON body.
type Record struct {
	Name    string
	Version string
	Body    []byte
}

// Storage is the external collaborator RecordHandler writes through to and
// loads from on a cache miss. Implementations must be safe for concurrent
// use.
type Storage interface {
	// Get loads the current record for name. A missing record is not an
	// error: implementations return a zero-value Record with ok=false.
	Get(ctx context.Context, name string) (rec Record, ok bool, err error)

	// Set durably writes rec, overwriting whatever version is currently
	// stored. RecordHandler calls Set for every UPDATE with a storable
	// version, independently of the outcome of its local cache merge, so
	// the storage layer keeps whichever write lands last.
	Set(ctx context.Context, rec Record) error

	// Watch registers a callback invoked whenever another process writes a
	// new version for some name — the cross-process changefeed signal
	// RecordHandler uses to re-merge a cached record it did not itself
	// write. The callback must not block.
	Watch(fn func(name, version string)) error

	// Close releases any resources (connections, watchers) held by the
	// implementation.
	Close() error
}
