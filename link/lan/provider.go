// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package lan implements the primary transport: peers announce themselves
// over mDNS and exchange envelopes over plain TCP sessions, one JSON document
// per line. It is the highest-priority provider, nothing beats a local wire.
package lan

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/grandcat/zeroconf"
	"github.com/nearnet/go-nearnet/link"
	"github.com/nearnet/go-nearnet/wire"
)

const (
	// serviceName is the mDNS service the daemon announces and browses.
	serviceName = "_nearnet._tcp"

	// serviceDomain is the mDNS domain.
	serviceDomain = "local."

	// scanInterval is how often the network is re-browsed for peers.
	scanInterval = 10 * time.Second

	// scanTimeout bounds a single browse operation.
	scanTimeout = 3 * time.Second

	// dialTimeout bounds the TCP dial towards a discovered peer.
	dialTimeout = 5 * time.Second

	// exchangeTimeout bounds the identity exchange on a fresh connection.
	exchangeTimeout = 10 * time.Second

	// writeTimeout bounds a single envelope hand-off to the OS.
	writeTimeout = 5 * time.Second
)

// Config tunes a LAN provider.
type Config struct {
	Port   int        // TCP listening port, zero picks an ephemeral one
	Logger log.Logger // Contextual logger, defaults to the root one
}

// Provider discovers peers on the local network and maintains one TCP link
// per peer. Dialing is symmetric: whichever side notices the other first
// establishes the session, a newer session replaces an older one so the
// device core never sees two LAN links for the same peer.
type Provider struct {
	logger log.Logger
	port   int

	host     link.Host
	listener net.Listener
	server   *zeroconf.Server
	cancel   context.CancelFunc
	pend     sync.WaitGroup

	links map[string]*lanLink // Live links keyed by remote device id
	lock  sync.Mutex
}

// New creates a LAN provider.
func New(config Config) *Provider {
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Provider{
		logger: logger.New("provider", "lan"),
		port:   config.Port,
		links:  make(map[string]*lanLink),
	}
}

// Name implements the provider contract.
func (p *Provider) Name() string { return "lan" }

// Priority implements the provider contract.
func (p *Provider) Priority() int { return 100 }

// Start opens the TCP listener, announces the service over mDNS and begins
// browsing for peers.
func (p *Provider) Start(host link.Host) error {
	p.host = host

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", p.port))
	if err != nil {
		return fmt.Errorf("open lan listener: %w", err)
	}
	p.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	self := host.SelfIdentity()
	selfID := self.GetString("deviceId", "")
	selfName := self.GetString("deviceName", "")

	server, err := zeroconf.Register(selfID, serviceName, serviceDomain, port, []string{
		"id=" + selfID,
		"name=" + selfName,
		"version=" + fmt.Sprint(wire.ProtocolVersion),
	}, nil)
	if err != nil {
		listener.Close()
		return fmt.Errorf("announce lan service: %w", err)
	}
	p.server = server
	p.logger.Info("LAN transport up", "port", port)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.pend.Add(2)
	go p.accept()
	go p.scan(ctx, selfID)
	return nil
}

// Stop tears down the announcement, the listener and every live link.
func (p *Provider) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.server != nil {
		p.server.Shutdown()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	p.lock.Lock()
	links := make([]*lanLink, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.lock.Unlock()

	for _, l := range links {
		l.Close()
	}
	p.pend.Wait()
}

// accept takes inbound TCP sessions off the listener until it dies.
func (p *Provider) accept() {
	defer p.pend.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.setup(conn, true)
	}
}

// scan periodically browses the network and dials any peer it has no link
// with yet. Scans are bounded, mDNS answers trickle in quickly or not at all.
func (p *Provider) scan(ctx context.Context, selfID string) {
	defer p.pend.Done()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		p.logger.Error("Failed to create mDNS resolver", "err", err)
		return
	}
	for {
		scanCtx, done := context.WithTimeout(ctx, scanTimeout)
		entries := make(chan *zeroconf.ServiceEntry, 16)

		if err := resolver.Browse(scanCtx, serviceName, serviceDomain, entries); err != nil {
			p.logger.Warn("mDNS browse failed", "err", err)
		} else {
			for entry := range entries {
				p.consider(entry, selfID)
			}
		}
		done()

		select {
		case <-ctx.Done():
			return
		case <-time.After(scanInterval):
		}
	}
}

// consider dials a browsed service entry unless it is the local device or a
// peer that already has a live link.
func (p *Provider) consider(entry *zeroconf.ServiceEntry, selfID string) {
	peer := ""
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, "id=") {
			peer = strings.TrimPrefix(txt, "id=")
		}
	}
	if peer == "" || peer == selfID {
		return
	}
	p.lock.Lock()
	_, linked := p.links[peer]
	p.lock.Unlock()
	if linked || len(entry.AddrIPv4) == 0 {
		return
	}
	addr := fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	p.logger.Debug("Dialing discovered peer", "peer", peer, "addr", addr)

	go func() {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			p.logger.Debug("Failed to dial peer", "peer", peer, "err", err)
			return
		}
		p.setup(conn, false)
	}()
}

// setup runs the identity exchange on a fresh connection and hands the
// resulting link to the host. The dialing side leads with its identity, the
// accepting side answers.
func (p *Provider) setup(conn net.Conn, inbound bool) {
	conn.SetDeadline(time.Now().Add(exchangeTimeout))

	var (
		scanner = newScanner(conn)
		self    = p.host.SelfIdentity()
		peer    *wire.Envelope
		err     error
	)
	if inbound {
		if peer, err = readEnvelope(scanner); err == nil {
			err = writeEnvelope(conn, self, 0)
		}
	} else {
		if err = writeEnvelope(conn, self, 0); err == nil {
			peer, err = readEnvelope(scanner)
		}
	}
	if err != nil {
		p.logger.Debug("Identity exchange failed", "inbound", inbound, "err", err)
		conn.Close()
		return
	}
	id := peer.GetString("deviceId", "")
	if peer.Type != wire.TypeIdentity || id == "" {
		p.logger.Warn("Peer sent no usable identity", "type", peer.Type)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	l := &lanLink{provider: p, conn: conn, scanner: scanner, peer: id}
	l.feed = link.NewFeed(l)
	p.register(id, l)

	p.host.AttachLink(id, peer.GetString("deviceName", ""), l)
	go l.run()
}

// register tracks a new link, replacing (and closing) any previous session
// with the same peer so the device only ever sees one LAN link at a time.
func (p *Provider) register(peer string, l *lanLink) {
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
func (p *Provider) drop(peer string, l *lanLink) {
	p.lock.Lock()
	if p.links[peer] == l {
		delete(p.links, peer)
	}
	p.lock.Unlock()
}
