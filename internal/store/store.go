// Package store persists call records so a reconnecting client can recover
// call status. Writes are last-write-wins; subscribers are notified of every
// write made through the same store handle. Garbage collection of old
// terminal records is not this package's job.
package store

import (
	"context"
	"sync"

	"github.com/peerline/peerline/internal/record"
)

// RecordStore is the persisted call-record collaborator the call layer
// consumes. Subscribe's predicate filters which writes fire the callback;
// the returned func cancels the subscription.
type RecordStore interface {
	Write(ctx context.Context, c record.Call) error
	Read(ctx context.Context, callID string) (record.Call, bool, error)
	Subscribe(pred func(record.Call) bool, fn func(record.Call)) (cancel func())
	// LatestActive returns the most recent non-terminal record in which
	// userID is a party, for crash recovery at startup.
	LatestActive(ctx context.Context, userID string) (record.Call, bool, error)
	Close() error
}

// watchers is the subscriber table shared by both implementations.
type watchers struct {
	mu   sync.Mutex
	subs map[int]watcher
	next int
}

type watcher struct {
	pred func(record.Call) bool
	fn   func(record.Call)
}

func newWatchers() *watchers {
	return &watchers{subs: make(map[int]watcher)}
}

func (w *watchers) add(pred func(record.Call) bool, fn func(record.Call)) func() {
	w.mu.Lock()
	id := w.next
	w.next++
	w.subs[id] = watcher{pred: pred, fn: fn}
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// notify runs matching callbacks synchronously, in the writer's goroutine.
func (w *watchers) notify(c record.Call) {
	w.mu.Lock()
	matched := make([]func(record.Call), 0, len(w.subs))
	for _, s := range w.subs {
		if s.pred == nil || s.pred(c) {
			matched = append(matched, s.fn)
		}
	}
	w.mu.Unlock()

	for _, fn := range matched {
		fn(c)
	}
}
