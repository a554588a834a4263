// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compute

import (
	"context"
	"sync"
)

// Event signals completion of a submitted launch or task. An event
// completes exactly once; its error is readable after Done is closed.
type Event struct {
	label string
	done  chan struct{}
	once  sync.Once
	err   error
}

func newEvent(label string) *Event {
	return &Event{label: label, done: make(chan struct{})}
}

// Completed returns an event that has already finished successfully.
func Completed(label string) *Event {
	e := newEvent(label)
	e.finish(nil)
	return e
}

// Failed returns an event that has already failed with err.
func Failed(label string, err error) *Event {
	e := newEvent(label)
	e.finish(err)
	return e
}

func (e *Event) finish(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Label returns the name of the work the event tracks.
func (e *Event) Label() string { return e.label }

// Done returns a channel closed when the event completes.
func (e *Event) Done() <-chan struct{} { return e.done }

// Err returns the completion error. It is nil until the event completes.
func (e *Event) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Wait blocks until the event completes or ctx is done. Canceling ctx does
// not cancel the work.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every event and returns the first error.
func WaitAll(ctx context.Context, events ...*Event) error {
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := e.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
