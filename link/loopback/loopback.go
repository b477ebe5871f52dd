// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package loopback implements a provider that connects the daemon to itself:
// a single synthetic device whose link mirrors every envelope straight back.
// It exists to exercise the full send/receive path without a second machine.
package loopback

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nearnet/go-nearnet/link"
	"github.com/nearnet/go-nearnet/wire"
)

// queueDepth is how many mirrored envelopes may be in flight before sends
// start failing, mimicking a transport with a full outbound queue.
const queueDepth = 16

// Provider produces the single echo link.
type Provider struct {
	logger log.Logger
	loop   *loopLink
}

// New creates a loopback provider.
func New(logger log.Logger) *Provider {
	if logger == nil {
		logger = log.Root()
	}
	return &Provider{logger: logger.New("provider", "loopback")}
}

// Name implements the provider contract.
func (p *Provider) Name() string { return "loopback" }

// Priority implements the provider contract. Everything real outranks the
// mirror.
func (p *Provider) Priority() int { return 0 }

// Start surfaces the synthetic echo device.
func (p *Provider) Start(host link.Host) error {
	l := &loopLink{
		provider: p,
		queue:    make(chan *wire.Envelope, queueDepth),
		quit:     make(chan struct{}),
	}
	l.feed = link.NewFeed(l)
	p.loop = l

	go l.pump()
	host.AttachLink("loopback", "Loopback", l)
	return nil
}

// Stop tears the echo link down.
func (p *Provider) Stop() {
	if p.loop != nil {
		p.loop.Close()
	}
}

// loopLink mirrors every sent envelope back as a received one. Delivery is
// decoupled through a queue and a pump goroutine so a device's send path
// never re-enters its own receive path.
type loopLink struct {
	provider *Provider
	feed     *link.Feed

	queue chan *wire.Envelope
	quit  chan struct{}
	once  sync.Once
}

// Provider implements the link contract.
func (l *loopLink) Provider() link.Provider {
	return l.provider
}

// Send mirrors the envelope back through the queue. The envelope takes a
// serialize/deserialize round trip first, exactly like a real wire, so the
// receiver never shares body storage with the sender.
func (l *loopLink) Send(env *wire.Envelope) bool {
	blob, err := env.Serialize()
	if err != nil {
		return false
	}
	mirror, err := wire.Deserialize(blob)
	if err != nil {
		return false
	}
	select {
	case l.queue <- mirror:
		return true
	default:
		// Queue full, behave like a congested transport
		return false
	}
}

// Attach implements the link contract.
func (l *loopLink) Attach(handler link.Handler) {
	l.feed.Attach(handler)
}

// Close tears the mirror down.
func (l *loopLink) Close() {
	l.once.Do(func() { close(l.quit) })
}

// pump delivers mirrored envelopes until closed.
func (l *loopLink) pump() {
	defer l.feed.Close()

	for {
		select {
		case <-l.quit:
			return
		case env := <-l.queue:
			l.feed.Dispatch(env)
		}
	}
}
