// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package ws implements a WebSocket fallback transport. Mobile clients that
// cannot hold a raw TCP session open (battery managers, proxied networks)
// connect here instead; the first text message must be the peer's identity
// envelope, every following one is a single envelope. The provider ranks
// below the LAN transport, a direct wire always wins.
package ws

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/nearnet/go-nearnet/link"
	"github.com/nearnet/go-nearnet/wire"
)

const (
	// exchangeTimeout bounds the identity exchange on a fresh connection.
	exchangeTimeout = 10 * time.Second

	// writeTimeout bounds a single envelope hand-off.
	writeTimeout = 5 * time.Second

	// maxEnvelopeSize bounds a single incoming message.
	maxEnvelopeSize = 1024 * 1024
)

// Config tunes a WebSocket provider.
type Config struct {
	Port   int        // HTTP listening port
	Logger log.Logger // Contextual logger, defaults to the root one
}

// Provider accepts WebSocket sessions from remote devices. It only listens,
// the daemon never dials out over WebSocket.
type Provider struct {
	logger log.Logger
	port   int

	host     link.Host
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	pend     sync.WaitGroup

	links map[string]*wsLink // Live links keyed by remote device id
	lock  sync.Mutex
}

// New creates a WebSocket provider.
func New(config Config) *Provider {
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Provider{
		logger: logger.New("provider", "websocket"),
		port:   config.Port,
		links:  make(map[string]*wsLink),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Name implements the provider contract.
func (p *Provider) Name() string { return "websocket" }

// Priority implements the provider contract.
func (p *Provider) Priority() int { return 50 }

// Start opens the HTTP listener and begins accepting sessions.
func (p *Provider) Start(host link.Host) error {
	p.host = host

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", p.port))
	if err != nil {
		return fmt.Errorf("open websocket listener: %w", err)
	}
	p.listener = listener
	p.server = &http.Server{Handler: http.HandlerFunc(p.serve)}

	p.logger.Info("WebSocket transport up", "port", listener.Addr().(*net.TCPAddr).Port)

	p.pend.Add(1)
	go func() {
		defer p.pend.Done()
		p.server.Serve(listener)
	}()
	return nil
}

// Stop tears down the listener and every live session.
func (p *Provider) Stop() {
	if p.server != nil {
		p.server.Close()
	}
	p.lock.Lock()
	links := make([]*wsLink, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.lock.Unlock()

	for _, l := range links {
		l.Close()
	}
	p.pend.Wait()
}

// serve upgrades an HTTP request into an envelope session.
func (p *Provider) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Debug("WebSocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxEnvelopeSize)

	// The client leads with its identity, answer with ours
	conn.SetReadDeadline(time.Now().Add(exchangeTimeout))
	_, blob, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	peer, err := wire.Deserialize(blob)
	if err != nil || peer.Type != wire.TypeIdentity {
		p.logger.Warn("WebSocket client sent no usable identity")
		conn.Close()
		return
	}
	id := peer.GetString("deviceId", "")
	if id == "" {
		conn.Close()
		return
	}
	self, err := p.host.SelfIdentity().Serialize()
	if err != nil {
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(exchangeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, self); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	l := &wsLink{provider: p, conn: conn, peer: id}
	l.feed = link.NewFeed(l)
	p.register(id, l)

	p.host.AttachLink(id, peer.GetString("deviceName", ""), l)
	l.run()
}

// register tracks a new link, replacing any previous session with the peer.
func (p *Provider) register(peer string, l *wsLink) {
	p.lock.Lock()
	old := p.links[peer]
	p.links[peer] = l
	p.lock.Unlock()

	if old != nil {
		p.logger.Debug("Replacing stale peer session", "peer", peer)
		old.Close()
	}
}

// drop forgets a dead link, unless a replacement already took its slot.
func (p *Provider) drop(peer string, l *wsLink) {
	p.lock.Lock()
	if p.links[peer] == l {
		delete(p.links, peer)
	}
	p.lock.Unlock()
}

// wsLink is one live WebSocket session to one peer.
type wsLink struct {
	provider *Provider
	conn     *websocket.Conn
	peer     string
	feed     *link.Feed

	wlock sync.Mutex // Serializes concurrent envelope writes
}

// Provider implements the link contract.
func (l *wsLink) Provider() link.Provider {
	return l.provider
}

// Send hands one envelope to the session.
func (l *wsLink) Send(env *wire.Envelope) bool {
	blob, err := env.Serialize()
	if err != nil {
		return false
	}
	l.wlock.Lock()
	defer l.wlock.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, blob); err != nil {
		l.provider.logger.Debug("Envelope write failed", "peer", l.peer, "err", err)
		return false
	}
	return true
}

// Attach implements the link contract.
func (l *wsLink) Attach(handler link.Handler) {
	l.feed.Attach(handler)
}

// Close tears the session down.
func (l *wsLink) Close() {
	l.conn.Close()
}

// run consumes the session until it breaks.
func (l *wsLink) run() {
	defer func() {
		l.conn.Close()
		l.provider.drop(l.peer, l)
		l.feed.Close()
	}()
	for {
		_, blob, err := l.conn.ReadMessage()
		if err != nil {
			l.provider.logger.Debug("Peer session ended", "peer", l.peer, "err", err)
			return
		}
		env, err := wire.Deserialize(blob)
		if err != nil {
			l.provider.logger.Debug("Dropping malformed envelope", "peer", l.peer)
			continue
		}
		l.feed.Dispatch(env)
	}
}
