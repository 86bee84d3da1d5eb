// Package schema resolves protobuf descriptors for gRPC authorities from
// server reflection, .proto roots, or descriptor set files, and caches one
// result per authority.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnresolved marks a terminal resolution failure.
var ErrUnresolved = errors.New("schema: unresolved")

// State is the resolution state of a Reference.
type State int

const (
	Pending State = iota
	Resolved
	Unresolved
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Unresolved:
		return "unresolved"
	}
	return fmt.Sprintf("UnknownState(%d)", s)
}

// Reference is the shared result of resolving one authority. It starts
// Pending and moves exactly once to Resolved or Unresolved.
type Reference struct {
	authority string
	done      chan struct{}
	pool      *Pool
	err       error

	// guarded by Resolver.mu
	waiters  int
	detached bool
	cancel   context.CancelFunc
}

// Authority returns the authority this reference resolves.
func (r *Reference) Authority() string { return r.authority }

// Done is closed once the reference reaches a terminal state.
func (r *Reference) Done() <-chan struct{} { return r.done }

// State reports the current state.
func (r *Reference) State() State {
	select {
	case <-r.done:
		if r.pool != nil {
			return Resolved
		}
		return Unresolved
	default:
		return Pending
	}
}

// Pool returns the resolved pool, or false while pending or after failure.
func (r *Reference) Pool() (*Pool, bool) {
	if r.State() != Resolved {
		return nil, false
	}
	return r.pool, true
}

// Err returns the resolution error of an Unresolved reference.
func (r *Reference) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Resolver owns the authority to Reference cache. Concurrent requests for
// the same authority share one attempt.
type Resolver struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Reference
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used to report resolution results.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates an empty Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		logger:  slog.Default(),
		entries: make(map[string]*Reference),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Lookup returns the cached reference for authority without starting work.
func (r *Resolver) Lookup(authority string) (*Reference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.entries[authority]
	return ref, ok
}

// Start begins resolving authority in the background, or returns the
// existing reference. A reference started this way is never cancelled.
func (r *Resolver) Start(authority string, src Source) *Reference {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := r.acquireLocked(authority, src)
	ref.detached = true
	return ref
}

// Resolve joins or begins the resolution of authority and waits for it.
// If ctx ends first, the caller leaves; when the last waiter of a
// non-detached attempt leaves, the attempt is cancelled and forgotten so a
// later call starts afresh.
func (r *Resolver) Resolve(ctx context.Context, authority string, src Source) (*Reference, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: %s: no schema source", ErrUnresolved, authority)
	}

	r.mu.Lock()
	ref := r.acquireLocked(authority, src)
	ref.waiters++
	r.mu.Unlock()

	select {
	case <-ref.done:
		r.release(ref)
		return ref, ref.err
	case <-ctx.Done():
		r.release(ref)
		return nil, fmt.Errorf("schema: resolve %s: %w", authority, ctx.Err())
	}
}

// Invalidate forgets the cached result for authority. Waiters of an
// in-flight attempt still receive its result.
func (r *Resolver) Invalidate(authority string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, authority)
}

// Reset forgets every cached result.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Reference)
}

func (r *Resolver) acquireLocked(authority string, src Source) *Reference {
	if ref, ok := r.entries[authority]; ok {
		return ref
	}
	ctx, cancel := context.WithCancel(context.Background())
	ref := &Reference{
		authority: authority,
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	r.entries[authority] = ref
	go r.run(ctx, ref, src)
	return ref
}

func (r *Resolver) release(ref *Reference) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref.waiters--
	if ref.waiters > 0 || ref.detached || ref.State() != Pending {
		return
	}
	ref.cancel()
	if r.entries[ref.authority] == ref {
		delete(r.entries, ref.authority)
	}
}

func (r *Resolver) run(ctx context.Context, ref *Reference, src Source) {
	defer ref.cancel()

	set, err := src.Load(ctx, ref.authority)
	var pool *Pool
	if err == nil {
		pool, err = NewPool(set)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrUnresolved, ref.authority, err)
		r.logger.Warn("schema resolution failed", "authority", ref.authority, "error", err)
	} else {
		r.logger.Debug("schema resolved", "authority", ref.authority, "methods", len(pool.methods))
	}

	ref.pool = pool
	ref.err = err
	close(ref.done)
}
