package jsonrpc

import "sync"

// Disposable undoes a registration. Dispose is idempotent: the second and
// later calls are no-ops.
type Disposable interface {
	Dispose()
}

// disposeFunc adapts a func to Disposable with once semantics.
type disposeFunc struct {
	once sync.Once
	fn   func()
}

func newDisposable(fn func()) Disposable {
	return &disposeFunc{fn: fn}
}

func (d *disposeFunc) Dispose() {
	d.once.Do(d.fn)
}

// ErrorEvent describes a failure surfaced through OnError. Message is the
// offending message when one is available (its ID, if any, identifies the
// affected request).
type ErrorEvent struct {
	Err     error
	Message *Message
}

// emitter is an ordered subscription list. Delivery is synchronous from the
// firing goroutine, in registration order. Unsubscribing is safe at any
// time, including from a listener currently being fired.
type emitter[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []emitterSub[T]
}

type emitterSub[T any] struct {
	id int
	fn func(T)
}

func (e *emitter[T]) on(fn func(T)) Disposable {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, emitterSub[T]{id: id, fn: fn})

	return newDisposable(func() { e.off(id) })
}

func (e *emitter[T]) off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subs {
		if sub.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)

			break
		}
	}
}

// fire calls every listener registered at the time of the call. Listeners
// run outside the emitter lock so they may subscribe or unsubscribe freely.
func (e *emitter[T]) fire(value T) {
	e.mu.Lock()
	snapshot := make([]emitterSub[T], len(e.subs))
	copy(snapshot, e.subs)
	e.mu.Unlock()

	for _, sub := range snapshot {
		sub.fn(value)
	}
}

// clear drops all listeners.
func (e *emitter[T]) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subs = nil
}
