// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package link

import (
	"sync"

	"github.com/nearnet/go-nearnet/wire"
)

// Feed implements the event delivery half of the Link contract for concrete
// transports: it buffers envelopes that arrive before a handler is attached,
// replays them in order on attachment, and guarantees the Closed event fires
// exactly once and never before buffered envelopes.
//
// Dispatch and Close must be called from a single goroutine per link (the
// transport's reader loop); Attach may race against them freely.
type Feed struct {
	link    Link          // Link handed to the handler callbacks
	handler Handler       // Currently attached handler, nil before attachment
	pending []*wire.Envelope // Envelopes buffered before attachment
	closed  bool          // Whether the link already died
	done    bool          // Whether Closed was already delivered
	lock    sync.Mutex
}

// NewFeed creates an event feed delivering on behalf of the given link.
func NewFeed(l Link) *Feed {
	return &Feed{link: l}
}

// Attach registers the handler and flushes anything that happened before it
// arrived: first the buffered envelopes in order, then a pending teardown.
func (f *Feed) Attach(handler Handler) {
	f.lock.Lock()
	f.handler = handler
	pending, closed := f.pending, f.closed && !f.done
	f.pending = nil
	if closed {
		f.done = true
	}
	f.lock.Unlock()

	if handler == nil {
		return
	}
	for _, env := range pending {
		handler.Received(f.link, env)
	}
	if closed {
		handler.Closed(f.link)
	}
}

// Dispatch delivers one received envelope, buffering it if no handler is
// attached yet. Envelopes after teardown are dropped.
func (f *Feed) Dispatch(env *wire.Envelope) {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return
	}
	handler := f.handler
	if handler == nil {
		f.pending = append(f.pending, env)
		f.lock.Unlock()
		return
	}
	f.lock.Unlock()

	handler.Received(f.link, env)
}

// Close marks the link dead and delivers the Closed event if a handler is
// attached; otherwise the event is held back until attachment. Repeated
// closes are no-ops.
func (f *Feed) Close() {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return
	}
	f.closed = true
	handler := f.handler
	if handler != nil {
		f.done = true
	}
	f.lock.Unlock()

	if handler != nil {
		handler.Closed(f.link)
	}
}
