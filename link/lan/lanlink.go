// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package lan

import (
	"bufio"
	"net"
	"sync"

	"github.com/nearnet/go-nearnet/link"
	"github.com/nearnet/go-nearnet/wire"
)

// lanLink is one live TCP session to one peer, carrying newline-delimited
// JSON envelopes in both directions.
type lanLink struct {
	provider *Provider
	conn     net.Conn
	scanner  *bufio.Scanner
	peer     string
	feed     *link.Feed

	wlock sync.Mutex // Serializes concurrent envelope writes
}

// Provider implements the link contract.
func (l *lanLink) Provider() link.Provider {
	return l.provider
}

// Send hands one envelope to the socket. A true result only means the OS
// accepted the bytes; a half-dead TCP session can absorb writes long after
// the peer is gone, which is a known limitation of the transport.
func (l *lanLink) Send(env *wire.Envelope) bool {
	l.wlock.Lock()
	defer l.wlock.Unlock()

	if err := writeEnvelope(l.conn, env, writeTimeout); err != nil {
		l.provider.logger.Debug("Envelope write failed", "peer", l.peer, "err", err)
		return false
	}
	return true
}

// Attach implements the link contract.
func (l *lanLink) Attach(handler link.Handler) {
	l.feed.Attach(handler)
}

// Close tears the session down. The reader loop notices and fires the
// teardown event.
func (l *lanLink) Close() {
	l.conn.Close()
}

// run consumes the session until it breaks, dispatching every decoded
// envelope. Malformed lines are dropped at this boundary, one bad envelope
// does not cost the session.
func (l *lanLink) run() {
	defer func() {
		l.conn.Close()
		l.provider.drop(l.peer, l)
		l.feed.Close()
	}()
	for {
		env, err := readEnvelope(l.scanner)
		if err == wire.ErrMalformedEnvelope {
			l.provider.logger.Debug("Dropping malformed envelope", "peer", l.peer)
			continue
		}
		if err != nil {
			l.provider.logger.Debug("Peer session ended", "peer", l.peer, "err", err)
			return
		}
		l.feed.Dispatch(env)
	}
}
