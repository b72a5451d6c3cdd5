// Package reconcile keeps per-scope entity caches consistent with the remote
// source of truth: authoritative pulls, optimistic creates, and invalidation
// signals debounced into pulls.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrInvalidInput = errors.New("invalid input")

type State int

const (
	Fresh State = iota
	Stale
	Pulling
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Pulling:
		return "pulling"
	default:
		return "unknown"
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

// PullRecorder is told the outcome of every pull: "ok", "error" or "coalesced".
type PullRecorder interface {
	ObservePull(family, result string)
}

type LayerOptions[T any] struct {
	// Family names the entity family in logs and metrics.
	Family string
	Fetch  func(ctx context.Context, scope int64) ([]T, error)
	ID     func(T) int64
	// OnStale is called outside the lock whenever a scope must be pulled
	// again; it is normally wired to a Scheduler.
	OnStale  func(scope int64)
	Logger   Logger
	Recorder PullRecorder
}

type entry[T any] struct {
	value T
	// temp is set while the entry is provisional.
	temp string
}

type scopeState[T any] struct {
	state      State
	owed       bool
	owedAll    bool
	scopeStale bool
	stale      map[int64]bool
	owedIDs    map[int64]bool
	entries    []entry[T]
}

func newScopeState[T any](state State) *scopeState[T] {
	return &scopeState[T]{state: state, stale: map[int64]bool{}, owedIDs: map[int64]bool{}}
}

// Layer owns the cache of one entity family. Scope 0 is the global scope;
// project-scoped families use the project id.
type Layer[T any] struct {
	family   string
	fetch    func(context.Context, int64) ([]T, error)
	idOf     func(T) int64
	onStale  func(int64)
	logger   Logger
	recorder PullRecorder

	mu     sync.Mutex
	scopes map[int64]*scopeState[T]

	// inflight holds the fetch running for each scope. It outlives Forget
	// and Reset, so a scope tracked again waits for the old fetch to end.
	inflight  map[int64]chan struct{}
	nextTemp  uint64
	listeners map[int]func(scope int64)
	nextID    int
}

func NewLayer[T any](opts LayerOptions[T]) (*Layer[T], error) {
	family := strings.TrimSpace(opts.Family)
	if family == "" {
		return nil, fmt.Errorf("family is required")
	}
	if opts.Fetch == nil {
		return nil, fmt.Errorf("fetch func is required")
	}
	if opts.ID == nil {
		return nil, fmt.Errorf("id func is required")
	}
	return &Layer[T]{
		family:    family,
		fetch:     opts.Fetch,
		idOf:      opts.ID,
		onStale:   opts.OnStale,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		scopes:    map[int64]*scopeState[T]{},
		inflight:  map[int64]chan struct{}{},
		listeners: map[int]func(int64){},
	}, nil
}

func (l *Layer[T]) Family() string {
	return l.family
}

// Pull fetches the scope unless a fetch for it is already in flight, in which
// case one more pull is owed and Pull returns nil at once. A fetch still
// running for a forgotten state of the scope is waited for first.
func (l *Layer[T]) Pull(ctx context.Context, scope int64) error {
	l.mu.Lock()
	st, ok := l.scopes[scope]
	if !ok {
		st = newScopeState[T](Stale)
		l.scopes[scope] = st
	}
	if st.state == Pulling {
		st.owed = true
		st.owedAll = true
		l.mu.Unlock()
		l.observe("coalesced")
		return nil
	}
	st.state = Pulling
	prev := l.inflight[scope]
	done := make(chan struct{})
	l.inflight[scope] = done
	l.mu.Unlock()
	l.notify(scope)

	var items []T
	var err error
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil {
		items, err = l.fetch(ctx, scope)
		l.finishFetch(scope, done)
	} else {
		go func() {
			<-prev
			l.finishFetch(scope, done)
		}()
	}

	l.mu.Lock()
	if l.scopes[scope] != st {
		// Forgotten or reset while the fetch was in flight.
		l.mu.Unlock()
		return err
	}
	owed, owedAll := st.owed, st.owedAll
	st.owed, st.owedAll = false, false
	if err != nil {
		st.state = Stale
		st.scopeStale = st.scopeStale || owedAll
		for id := range st.owedIDs {
			st.stale[id] = true
		}
		st.owedIDs = map[int64]bool{}
		l.mu.Unlock()
		l.observe("error")
		l.logf("%s pull for scope %d failed: %v", l.family, scope, err)
		l.notify(scope)
		if owed {
			l.stale(scope)
		}
		return fmt.Errorf("pull %s scope %d: %w", l.family, scope, err)
	}

	next := make([]entry[T], 0, len(items)+len(st.entries))
	for _, item := range items {
		next = append(next, entry[T]{value: item})
	}
	for _, e := range st.entries {
		if e.temp != "" {
			next = append(next, e)
		}
	}
	st.entries = next
	st.stale = st.owedIDs
	st.owedIDs = map[int64]bool{}
	st.scopeStale = owedAll
	if owed {
		st.state = Stale
	} else {
		st.state = Fresh
	}
	l.mu.Unlock()
	l.observe("ok")
	l.notify(scope)
	if owed {
		l.stale(scope)
	}
	return nil
}

func (l *Layer[T]) finishFetch(scope int64, done chan struct{}) {
	l.mu.Lock()
	if l.inflight[scope] == done {
		delete(l.inflight, scope)
	}
	l.mu.Unlock()
	close(done)
}

// Invalidate marks the scope stale, or the given ids within it. It returns
// false for scopes this layer does not track.
func (l *Layer[T]) Invalidate(scope int64, ids ...int64) bool {
	l.mu.Lock()
	st, ok := l.scopes[scope]
	if !ok {
		l.mu.Unlock()
		return false
	}
	if st.state == Pulling {
		st.owed = true
		st.owedAll = st.owedAll || len(ids) == 0
		for _, id := range ids {
			st.owedIDs[id] = true
		}
		l.mu.Unlock()
		return true
	}
	st.state = Stale
	if len(ids) == 0 {
		st.scopeStale = true
	}
	for _, id := range ids {
		st.stale[id] = true
	}
	l.mu.Unlock()
	l.notify(scope)
	l.stale(scope)
	return true
}

// OptimisticCreate shows provisional in the scope while create runs. On
// success the created value takes its place; on failure it is removed and
// the error returned.
func (l *Layer[T]) OptimisticCreate(ctx context.Context, scope int64, provisional T, create func(context.Context) (T, error)) (T, error) {
	var zero T
	if create == nil {
		return zero, fmt.Errorf("%w: create func is required", ErrInvalidInput)
	}
	l.mu.Lock()
	st, tracked := l.scopes[scope]
	if !tracked {
		st = newScopeState[T](Stale)
		l.scopes[scope] = st
	}
	l.nextTemp++
	temp := fmt.Sprintf("tmp-%d", l.nextTemp)
	st.entries = append(st.entries, entry[T]{value: provisional, temp: temp})
	l.mu.Unlock()
	l.notify(scope)

	created, err := create(ctx)

	l.mu.Lock()
	if l.scopes[scope] != st {
		l.mu.Unlock()
		return created, err
	}
	idx := -1
	for i, e := range st.entries {
		if e.temp == temp {
			idx = i
			break
		}
	}
	if err != nil {
		if idx >= 0 {
			st.entries = append(st.entries[:idx], st.entries[idx+1:]...)
		}
		if !tracked && len(st.entries) == 0 && st.state == Stale {
			delete(l.scopes, scope)
		}
		l.mu.Unlock()
		l.notify(scope)
		return zero, err
	}
	if idx >= 0 {
		id := l.idOf(created)
		delivered := false
		for _, e := range st.entries {
			if e.temp == "" && l.idOf(e.value) == id {
				delivered = true
				break
			}
		}
		if delivered {
			st.entries = append(st.entries[:idx], st.entries[idx+1:]...)
		} else {
			st.entries[idx] = entry[T]{value: created}
		}
	}
	l.mu.Unlock()
	l.notify(scope)
	return created, nil
}

// MutateAndInvalidate runs mutate and, if it succeeds, invalidates id so the
// next pull brings the authoritative state. A failed mutation leaves the
// cache untouched.
func (l *Layer[T]) MutateAndInvalidate(ctx context.Context, scope, id int64, mutate func(context.Context) error) error {
	if mutate == nil {
		return fmt.Errorf("%w: mutate func is required", ErrInvalidInput)
	}
	if err := mutate(ctx); err != nil {
		return err
	}
	if id > 0 {
		l.Invalidate(scope, id)
	} else {
		l.Invalidate(scope)
	}
	return nil
}

// Snapshot returns the scope's entries in display order, provisional ones last.
func (l *Layer[T]) Snapshot(scope int64) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.scopes[scope]
	if !ok {
		return nil
	}
	out := make([]T, 0, len(st.entries))
	for _, e := range st.entries {
		out = append(out, e.value)
	}
	return out
}

// Export returns the non-provisional entries of every tracked scope.
func (l *Layer[T]) Export() map[int64][]T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int64][]T, len(l.scopes))
	for scope, st := range l.scopes {
		items := make([]T, 0, len(st.entries))
		for _, e := range st.entries {
			if e.temp == "" {
				items = append(items, e.value)
			}
		}
		out[scope] = items
	}
	return out
}

func (l *Layer[T]) State(scope int64) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.scopes[scope]
	if !ok {
		return Stale, false
	}
	return st.state, true
}

func (l *Layer[T]) IsStale(scope, id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.scopes[scope]
	if !ok {
		return false
	}
	return st.scopeStale || st.stale[id]
}

func (l *Layer[T]) Scopes() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.scopes))
	for scope := range l.scopes {
		out = append(out, scope)
	}
	return out
}

// Seed installs items for an untracked scope and marks it stale, so cached
// entries can be shown until the first pull replaces them.
func (l *Layer[T]) Seed(scope int64, items []T) bool {
	l.mu.Lock()
	if _, ok := l.scopes[scope]; ok {
		l.mu.Unlock()
		return false
	}
	st := newScopeState[T](Stale)
	st.scopeStale = true
	for _, item := range items {
		st.entries = append(st.entries, entry[T]{value: item})
	}
	l.scopes[scope] = st
	l.mu.Unlock()
	l.notify(scope)
	return true
}

// Forget drops the scope; later signals for it are ignored until it is pulled again.
func (l *Layer[T]) Forget(scope int64) {
	l.mu.Lock()
	_, ok := l.scopes[scope]
	delete(l.scopes, scope)
	l.mu.Unlock()
	if ok {
		l.notify(scope)
	}
}

func (l *Layer[T]) Reset() {
	l.mu.Lock()
	scopes := make([]int64, 0, len(l.scopes))
	for scope := range l.scopes {
		scopes = append(scopes, scope)
	}
	l.scopes = map[int64]*scopeState[T]{}
	l.mu.Unlock()
	for _, scope := range scopes {
		l.notify(scope)
	}
}

// Subscribe registers fn for cache changes and returns its cancel func.
func (l *Layer[T]) Subscribe(fn func(scope int64)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *Layer[T]) notify(scope int64) {
	l.mu.Lock()
	listeners := make([]func(int64), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(scope)
	}
}

func (l *Layer[T]) stale(scope int64) {
	if l.onStale != nil {
		l.onStale(scope)
	}
}

func (l *Layer[T]) observe(result string) {
	if l.recorder != nil {
		l.recorder.ObservePull(l.family, result)
	}
}

func (l *Layer[T]) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}
