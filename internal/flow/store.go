// Package flow holds the per-flow stacks of active spans.
//
// A flow is one logical line of execution. Go has no goroutine identity, so
// the flow identifier travels in context.Context: New derives a context with
// a fresh ID and every span started with that context (or a descendant of
// it) lands on that flow's stack. A context that never went through New
// maps to Root, which holds no state: Ensure binds such a context to a
// fresh flow before anything is pushed for it.
package flow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/logzai/logzai-go/core"
	"go.opentelemetry.io/otel/trace"
)

// ID identifies a logical flow.
type ID uint64

// Root is what FromContext reports for a context without a flow. The store
// keeps no stack or error condition for it.
const Root ID = 0

type flowKey struct{}

var lastID atomic.Uint64

// New returns a child of ctx bound to a fresh flow.
func New(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, flowKey{}, ID(lastID.Add(1)))
}

// Ensure returns ctx and its flow, deriving a context bound to a fresh flow
// when ctx carries none.
func Ensure(ctx context.Context) (context.Context, ID) {
	if id := FromContext(ctx); id != Root {
		return ctx, id
	}
	ctx = New(ctx)
	return ctx, FromContext(ctx)
}

// FromContext returns the flow bound to ctx, or Root.
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return Root
	}
	if id, ok := ctx.Value(flowKey{}).(ID); ok {
		return id
	}
	return Root
}

// Entry is one frame of a flow's span stack.
type Entry struct {
	TraceID trace.TraceID
	SpanID  trace.SpanID
}

// Condition is the error a flow is currently handling, with the stack
// captured when it was recorded.
type Condition struct {
	Err   error
	Stack []byte
}

// stack is owned by a single flow. The mutex is uncontended unless a caller
// shares one flow between goroutines.
type stack struct {
	mu      sync.Mutex
	entries []Entry
	cond    *Condition
}

// Store is an arena of span stacks indexed by flow ID.
// The zero value is ready to use.
type Store struct {
	stacks sync.Map // ID -> *stack
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) get(id ID) *stack {
	if v, ok := s.stacks.Load(id); ok {
		return v.(*stack)
	}
	v, _ := s.stacks.LoadOrStore(id, &stack{})
	return v.(*stack)
}

func (s *Store) lookup(id ID) (*stack, bool) {
	v, ok := s.stacks.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*stack), true
}

// evict drops an idle flow so the arena does not keep one stack per dead
// goroutine. Must be called with st.mu held.
func (s *Store) evict(id ID, st *stack) {
	if len(st.entries) == 0 && st.cond == nil {
		s.stacks.CompareAndDelete(id, st)
	}
}

// Push appends e to the flow's stack. Pushing onto Root does nothing.
func (s *Store) Push(id ID, e Entry) {
	if id == Root {
		return
	}
	for {
		st := s.get(id)
		st.mu.Lock()
		// The stack may have been evicted between get and Lock.
		if cur, ok := s.lookup(id); !ok || cur != st {
			st.mu.Unlock()
			continue
		}
		st.entries = append(st.entries, e)
		st.mu.Unlock()
		return
	}
}

// Pop removes the top of the flow's stack. It fails with a
// StackMismatchError, leaving the stack untouched, when the top is not
// expected.
func (s *Store) Pop(id ID, expected trace.SpanID) (Entry, error) {
	st, ok := s.lookup(id)
	if !ok {
		return Entry{}, &core.StackMismatchError{Expected: expected}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	n := len(st.entries)
	if n == 0 {
		return Entry{}, &core.StackMismatchError{Expected: expected}
	}
	top := st.entries[n-1]
	if top.SpanID != expected {
		return Entry{}, &core.StackMismatchError{Expected: expected, Actual: top.SpanID}
	}
	st.entries = st.entries[:n-1]
	s.evict(id, st)
	return top, nil
}

// Remove deletes spanID from anywhere in the flow's stack. It reports
// whether the span was found.
func (s *Store) Remove(id ID, spanID trace.SpanID) bool {
	st, ok := s.lookup(id)
	if !ok {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for i := len(st.entries) - 1; i >= 0; i-- {
		if st.entries[i].SpanID == spanID {
			st.entries = append(st.entries[:i], st.entries[i+1:]...)
			s.evict(id, st)
			return true
		}
	}
	return false
}

// Current returns the top of the flow's stack.
func (s *Store) Current(id ID) (Entry, bool) {
	st, ok := s.lookup(id)
	if !ok {
		return Entry{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.entries) == 0 {
		return Entry{}, false
	}
	return st.entries[len(st.entries)-1], true
}

// Depth returns the number of active spans on the flow.
func (s *Store) Depth(id ID) int {
	st, ok := s.lookup(id)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}

// SetError records the error the flow is handling. It returns the new
// condition and the one it replaced, for a later RestoreError. A nil err
// clears the condition; Root never holds one.
func (s *Store) SetError(id ID, err error, stackTrace []byte) (set, prev *Condition) {
	if id == Root {
		return nil, nil
	}
	if err == nil {
		s.ClearError(id)
		return nil, nil
	}
	for {
		st := s.get(id)
		st.mu.Lock()
		if cur, ok := s.lookup(id); !ok || cur != st {
			st.mu.Unlock()
			continue
		}
		prev = st.cond
		st.cond = &Condition{Err: err, Stack: stackTrace}
		set = st.cond
		st.mu.Unlock()
		return set, prev
	}
}

// RestoreError puts prev back as the flow's condition if the condition is
// still set, as returned by SetError. A condition recorded since then is
// left alone.
func (s *Store) RestoreError(id ID, set, prev *Condition) {
	st, ok := s.lookup(id)
	if !ok || set == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cond != set {
		return
	}
	st.cond = prev
	s.evict(id, st)
}

// Err returns the flow's current error condition, if any.
func (s *Store) Err(id ID) (Condition, bool) {
	st, ok := s.lookup(id)
	if !ok {
		return Condition{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cond == nil {
		return Condition{}, false
	}
	return *st.cond, true
}

// ClearError forgets the flow's error condition.
func (s *Store) ClearError(id ID) {
	st, ok := s.lookup(id)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cond = nil
	s.evict(id, st)
}

// Len returns the number of flows currently holding state.
func (s *Store) Len() int {
	n := 0
	s.stacks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops every flow.
func (s *Store) Reset() {
	s.stacks.Range(func(k, _ any) bool {
		s.stacks.Delete(k)
		return true
	})
}
