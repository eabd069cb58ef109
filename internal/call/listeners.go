package call

import (
	"sync"

	"github.com/peerline/peerline/internal/record"
)

// listenerSet fans call events out to registered listeners. Callbacks run
// synchronously in the event's goroutine; listeners that need to block
// should hand off to their own goroutine.
type listenerSet struct {
	mu       sync.Mutex
	next     int
	incoming map[int]func(record.Call)
	accepted map[int]func(record.Call, MediaStream)
	ended    map[int]func(record.Call, error)
}

func (l *listenerSet) addIncoming(fn func(record.Call)) func() {
	l.mu.Lock()
	if l.incoming == nil {
		l.incoming = make(map[int]func(record.Call))
	}
	id := l.next
	l.next++
	l.incoming[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.incoming, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) addAccepted(fn func(record.Call, MediaStream)) func() {
	l.mu.Lock()
	if l.accepted == nil {
		l.accepted = make(map[int]func(record.Call, MediaStream))
	}
	id := l.next
	l.next++
	l.accepted[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.accepted, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) addEnded(fn func(record.Call, error)) func() {
	l.mu.Lock()
	if l.ended == nil {
		l.ended = make(map[int]func(record.Call, error))
	}
	id := l.next
	l.next++
	l.ended[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.ended, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) fireIncoming(c record.Call) {
	l.mu.Lock()
	fns := make([]func(record.Call), 0, len(l.incoming))
	for _, fn := range l.incoming {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (l *listenerSet) fireAccepted(c record.Call, s MediaStream) {
	l.mu.Lock()
	fns := make([]func(record.Call, MediaStream), 0, len(l.accepted))
	for _, fn := range l.accepted {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(c, s)
	}
}

func (l *listenerSet) fireEnded(c record.Call, err error) {
	l.mu.Lock()
	fns := make([]func(record.Call, error), 0, len(l.ended))
	for _, fn := range l.ended {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(c, err)
	}
}
