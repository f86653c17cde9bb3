package pipeline

import (
	"errors"
	"fmt"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability"
)

// Tracker owns every handle created while one chunk is processed, and the context that created them.
// ReleaseAll is meant to be deferred right after the context is initialized.
type Tracker struct {
	ctx capability.Context

	handles []capability.Handle
	index   map[capability.Handle]int

	done bool
}

// NewTracker returns a tracker releasing into ctx.
func NewTracker(ctx capability.Context) *Tracker {
	return &Tracker{
		ctx:   ctx,
		index: make(map[capability.Handle]int),
	}
}

// Track registers h and returns it. Registering the same handle twice is a no-op.
func (t *Tracker) Track(h capability.Handle) capability.Handle {
	if h == nil {
		return nil
	}
	if _, ok := t.index[h]; ok {
		return h
	}
	t.index[h] = len(t.handles)
	t.handles = append(t.handles, h)
	return h
}

// Discard releases a tracked intermediate right away.
func (t *Tracker) Discard(h capability.Handle) error {
	i, ok := t.index[h]
	if !ok {
		return errors.New("discarding an untracked handle")
	}
	delete(t.index, h)
	t.handles[i] = nil
	return t.ctx.Release(h)
}

// Len returns the number of handles still held.
func (t *Tracker) Len() int {
	return len(t.index)
}

// ReleaseAll releases every held handle once, in reverse creation order, then closes the context.
// It keeps going after a failure and returns the first error.
func (t *Tracker) ReleaseAll() error {
	if t.done {
		return nil
	}
	t.done = true

	var first error
	released := 0
	for i := len(t.handles) - 1; i >= 0; i-- {
		h := t.handles[i]
		if h == nil {
			continue
		}
		if err := t.ctx.Release(h); err != nil {
			log.Error("Could not release handle", i, ":", err)
			if first == nil {
				first = err
			}
			continue
		}
		released++
	}
	t.handles = nil
	t.index = make(map[capability.Handle]int)

	if err := t.ctx.Close(); err != nil && first == nil {
		first = fmt.Errorf("could not close context: %w", err)
	}
	log.Lvl4("Released", released, "handles")

	return first
}
