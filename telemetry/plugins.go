package telemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/logzai/logzai-go/core"
)

// Cleanup undoes a plugin's setup. Begin starts the work and returns a
// channel that yields exactly one result. Synchronous cleanups return an
// already-resolved channel, so the shutdown pipeline treats both kinds the
// same way.
type Cleanup interface {
	Begin(ctx context.Context) <-chan error
}

// CleanupFunc is a synchronous cleanup. It runs inline inside Begin.
type CleanupFunc func() error

// Begin runs f and returns its result on a resolved channel.
func (f CleanupFunc) Begin(context.Context) <-chan error {
	ch := make(chan error, 1)
	ch <- callCleanup(func() error { return f() })
	close(ch)
	return ch
}

// AsyncCleanupFunc is an asynchronous cleanup. It runs on its own goroutine
// and should return promptly once ctx is done.
type AsyncCleanupFunc func(ctx context.Context) error

// Begin starts f on a new goroutine.
func (f AsyncCleanupFunc) Begin(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- callCleanup(func() error { return f(ctx) })
	}()
	return ch
}

// callCleanup runs fn, converting a panic into an error.
func callCleanup(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// beginCleanup calls cl.Begin, tolerating a Begin implementation that panics
// or returns a nil channel.
func beginCleanup(ctx context.Context, cl Cleanup) (done <-chan error) {
	defer func() {
		if r := recover(); r != nil {
			ch := make(chan error, 1)
			ch <- &PanicError{Value: r, Stack: debug.Stack()}
			close(ch)
			done = ch
		}
	}()
	done = cl.Begin(ctx)
	if done == nil {
		ch := make(chan error, 1)
		close(ch)
		done = ch
	}
	return done
}

// isNilCleanup reports whether cl carries no work, including typed nils.
func isNilCleanup(cl Cleanup) bool {
	switch f := cl.(type) {
	case nil:
		return true
	case CleanupFunc:
		return f == nil
	case AsyncCleanupFunc:
		return f == nil
	}
	return false
}

// PanicError wraps a value recovered from a panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// SetupFunc attaches a plugin. It receives the core API and the config
// passed to Register, and returns the cleanup to run at shutdown (nil when
// there is nothing to undo).
type SetupFunc func(api CoreAPI, config map[string]any) (Cleanup, error)

// registration is one plugin owned by the registry until shutdown consumes
// it.
type registration struct {
	name         string
	index        int
	config       map[string]any
	cleanup      Cleanup
	registeredAt time.Time
}

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Name         string         `json:"name"`
	Index        int            `json:"index"`
	Config       map[string]any `json:"config,omitempty"`
	HasCleanup   bool           `json:"has_cleanup"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// PluginRegistry keeps plugins in registration order. The mutex is held
// only to reserve a name, append or snapshot; setup and cleanup always run
// outside it so a plugin may register another plugin.
type PluginRegistry struct {
	c *Controller

	mu        sync.Mutex
	entries   []*registration
	reserved  map[string]struct{}
	nextIndex int
}

// Register runs setup and records the plugin under name.
//
// It fails with *core.DuplicateNameError if name is registered or being
// registered, and with *core.InvalidStateError once shutdown has begun.
// An error or panic from setup is returned and nothing is recorded.
func (r *PluginRegistry) Register(ctx context.Context, name string, setup SetupFunc, config map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if name == "" {
		return errors.New("plugin name must not be empty")
	}
	if setup == nil {
		return fmt.Errorf("plugin %q: setup function is nil", name)
	}
	if st := r.c.State(); st >= StateShuttingDown {
		return &core.InvalidStateError{Op: "register", State: st.String()}
	}

	r.mu.Lock()
	if _, taken := r.reserved[name]; taken {
		r.mu.Unlock()
		return &core.DuplicateNameError{Name: name}
	}
	r.reserved[name] = struct{}{}
	r.mu.Unlock()

	config = maps.Clone(config)
	cleanup, err := r.runSetup(setup, config)
	if err != nil {
		r.release(name)
		r.c.logger.Error("Plugin setup failed", map[string]interface{}{
			"plugin": name,
			"error":  err.Error(),
		})
		return fmt.Errorf("plugin %q setup failed: %w", name, err)
	}
	if isNilCleanup(cleanup) {
		cleanup = nil
	}

	r.mu.Lock()
	if st := r.c.State(); st >= StateShuttingDown {
		delete(r.reserved, name)
		r.mu.Unlock()
		// Shutdown started while setup ran; undo the setup right away.
		if cleanup != nil {
			if cerr := r.c.awaitCleanup(ctx, cleanup, remainingOr(ctx, time.Second)); cerr != nil {
				r.c.logger.Warn("Cleanup of rejected plugin failed", map[string]interface{}{
					"plugin": name,
					"error":  cerr.Error(),
				})
			}
		}
		return &core.InvalidStateError{Op: "register", State: st.String()}
	}
	r.nextIndex++
	r.entries = append(r.entries, &registration{
		name:         name,
		index:        r.nextIndex,
		config:       config,
		cleanup:      cleanup,
		registeredAt: r.c.clock.Now(),
	})
	r.mu.Unlock()

	r.c.logger.Debug("Plugin registered", map[string]interface{}{
		"plugin":      name,
		"has_cleanup": cleanup != nil,
	})
	return nil
}

func (r *PluginRegistry) runSetup(setup SetupFunc, config map[string]any) (cl Cleanup, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			cl, err = nil, &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return setup(r.c, config)
}

func (r *PluginRegistry) release(name string) {
	r.mu.Lock()
	delete(r.reserved, name)
	r.mu.Unlock()
}

// Unregister removes the named plugin and runs its cleanup now, bounded by
// ctx. It returns an error wrapping core.ErrPluginNotFound when no plugin
// has that name.
func (r *PluginRegistry) Unregister(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	var reg *registration
	for i, e := range r.entries {
		if e.name == name {
			reg = e
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			delete(r.reserved, name)
			break
		}
	}
	r.mu.Unlock()

	if reg == nil {
		return fmt.Errorf("unregister %q: %w", name, core.ErrPluginNotFound)
	}
	r.c.logger.Debug("Plugin unregistered", map[string]interface{}{"plugin": name})

	if reg.cleanup == nil {
		return nil
	}
	budget := remainingOr(ctx, r.c.shutdownTimeout())
	if err := r.c.awaitCleanup(ctx, reg.cleanup, budget); err != nil {
		return fmt.Errorf("plugin %q cleanup failed: %w", name, err)
	}
	return nil
}

// List returns the registered plugin names in registration order.
func (r *PluginRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Info returns a snapshot of every registration in order.
func (r *PluginRegistry) Info() []PluginInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]PluginInfo, len(r.entries))
	for i, e := range r.entries {
		infos[i] = PluginInfo{
			Name:         e.name,
			Index:        e.index,
			Config:       maps.Clone(e.config),
			HasCleanup:   e.cleanup != nil,
			RegisteredAt: e.registeredAt,
		}
	}
	return infos
}

// Len returns the number of registered plugins.
func (r *PluginRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// drain hands every registration to the shutdown sequence, oldest first.
func (r *PluginRegistry) drain() []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.entries
	r.entries = nil
	return regs
}

func (r *PluginRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = nil
	r.reserved = make(map[string]struct{})
	r.nextIndex = 0
}

func (c *Controller) shutdownTimeout() time.Duration {
	if p := c.pipe.Load(); p != nil {
		return p.cfg.ShutdownTimeout
	}
	return core.DefaultConfig().ShutdownTimeout
}

// remainingOr returns the time left before ctx's deadline, or fallback when
// ctx has none.
func remainingOr(ctx context.Context, fallback time.Duration) time.Duration {
	if _, ok := ctx.Deadline(); ok {
		return remaining(ctx)
	}
	return fallback
}
