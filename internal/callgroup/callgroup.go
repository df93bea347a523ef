// Package callgroup deduplicates concurrent calls by key.
//
// If several goroutines ask for the same key while a call is in flight, only
// the first one runs the function; the others wait for and share its result.
// Once the function returns, the key is forgotten and the next call runs
// again. The upload worker uses it so that overlapping drains of one feature
// collapse into a single pass over its batches.
package callgroup

import (
	"context"
	"sync"
)

// Result is the outcome of a call. Shared is true for callers that joined a
// call started by someone else.
type Result[V any] struct {
	Val    V
	Err    error
	Shared bool
}

// Group deduplicates concurrent function calls by key.
// The zero value is ready to use.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// DoChan runs fn unless a call for key is already in flight, in which case
// the channel receives that call's result. The channel receives exactly one
// value and is never closed.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	ch := make(chan Result[V], 1)

	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		go func() {
			<-c.done
			ch <- Result[V]{Val: c.val, Err: c.err, Shared: true}
		}()
		return ch
	}
	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.val, c.err = fn()
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
		ch <- Result[V]{Val: c.val, Err: c.err}
	}()
	return ch
}

// Do is DoChan that waits for the result. If ctx ends first, Do returns
// ctx.Err() while the call keeps running for the other callers.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) Result[V] {
	select {
	case r := <-g.DoChan(key, fn):
		return r
	case <-ctx.Done():
		return Result[V]{Err: ctx.Err()}
	}
}

// InFlight reports whether a call for key is running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}
