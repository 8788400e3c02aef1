package telemetry

import (
	"sync"
	"sync/atomic"
)

// observerList is a copy-on-write list of callbacks. Notify never takes a
// lock, so observers may be added or removed from inside a callback.
type observerList[T any] struct {
	mu     sync.Mutex
	nextID uint64
	list   atomic.Pointer[[]observer[T]]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// add registers fn and returns a function that removes it. The remover is
// safe to call more than once.
func (l *observerList[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	var cur []observer[T]
	if p := l.list.Load(); p != nil {
		cur = *p
	}
	next := make([]observer[T], 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, observer[T]{id: id, fn: fn})
	l.list.Store(&next)
	l.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { l.remove(id) }) }
}

func (l *observerList[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.list.Load()
	if p == nil {
		return
	}
	next := make([]observer[T], 0, len(*p))
	for _, o := range *p {
		if o.id != id {
			next = append(next, o)
		}
	}
	l.list.Store(&next)
}

// notify calls every observer with v. A panicking observer is reported to
// onPanic and does not stop the others.
func (l *observerList[T]) notify(v T, onPanic func(any)) {
	p := l.list.Load()
	if p == nil {
		return
	}
	for _, o := range *p {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(r)
				}
			}()
			o.fn(v)
		}()
	}
}

func (l *observerList[T]) size() int {
	if p := l.list.Load(); p != nil {
		return len(*p)
	}
	return 0
}

func (l *observerList[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list.Store(nil)
}
