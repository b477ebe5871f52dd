// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package nearnet

import (
	"sync"
	"testing"
	"time"

	"github.com/nearnet/go-nearnet/link"
	"github.com/nearnet/go-nearnet/plugins"
	"github.com/nearnet/go-nearnet/store"
	"github.com/nearnet/go-nearnet/wire"
)

// testPairingTimeout keeps the pairing expiry short enough for tests.
const testPairingTimeout = 150 * time.Millisecond

func init() {
	// The device tests run against their own plugin set: one default-enabled
	// recorder and one opt-in recorder
	plugins.Register(plugins.Info{Name: "counter", EnabledByDefault: true, New: newTestPlugin("counter")})
	plugins.Register(plugins.Info{Name: "optin", EnabledByDefault: false, New: newTestPlugin("optin")})
}

// testPlugin records every callback it receives for later inspection.
type testPlugin struct {
	name     string
	host     plugins.Host
	received []*wire.Envelope
	connects int
	closed   bool
	lock     sync.Mutex
}

// madePlugins tracks every instantiated test plugin across a test binary.
var madePlugins struct {
	instances []*testPlugin
	lock      sync.Mutex
}

func newTestPlugin(name string) func(plugins.Host) plugins.Plugin {
	return func(host plugins.Host) plugins.Plugin {
		plug := &testPlugin{name: name, host: host}

		madePlugins.lock.Lock()
		madePlugins.instances = append(madePlugins.instances, plug)
		madePlugins.lock.Unlock()
		return plug
	}
}

func (p *testPlugin) Receive(env *wire.Envelope) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.received = append(p.received, env)
	return true
}

func (p *testPlugin) Connected() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.connects++
}

func (p *testPlugin) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.closed = true
}

func (p *testPlugin) receivedTypes() []string {
	p.lock.Lock()
	defer p.lock.Unlock()

	kinds := make([]string, 0, len(p.received))
	for _, env := range p.received {
		kinds = append(kinds, env.Type)
	}
	return kinds
}

// pluginInstance retrieves the live test plugin bound to a device.
func pluginInstance(t *testing.T, dev *Device, name string) *testPlugin {
	t.Helper()

	madePlugins.lock.Lock()
	defer madePlugins.lock.Unlock()

	for i := len(madePlugins.instances) - 1; i >= 0; i-- {
		plug := madePlugins.instances[i]
		if plug.name == name && plug.host.DeviceID() == dev.ID() {
			return plug
		}
	}
	t.Fatalf("No %q plugin instance for device %s", name, dev.ID())
	return nil
}

// recorderHooks collects every signal a backend emits.
type recorderHooks struct {
	reachable []bool
	requested int
	succeeded int
	failed    []error
	plugins   [][]string
	lock      sync.Mutex
}

func (r *recorderHooks) ReachabilityChanged(dev *Device, reachable bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.reachable = append(r.reachable, reachable)
}

func (r *recorderHooks) PairingRequested(dev *Device) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.requested++
}

func (r *recorderHooks) PairingSucceeded(dev *Device) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.succeeded++
}

func (r *recorderHooks) PairingFailed(dev *Device, reason error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failed = append(r.failed, reason)
}

func (r *recorderHooks) PluginsChanged(dev *Device, loaded []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.plugins = append(r.plugins, loaded)
}

func (r *recorderHooks) failures() []error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]error(nil), r.failed...)
}

func (r *recorderHooks) requests() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.requested
}

func (r *recorderHooks) successes() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.succeeded
}

func (r *recorderHooks) lastPlugins() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.plugins) == 0 {
		return nil
	}
	return r.plugins[len(r.plugins)-1]
}

// testBackend bundles a backend with its recorders.
type testBackend struct {
	*Backend
	hooks *recorderHooks
	db    *store.Memory
}

// newTestBackend creates a backend over an in-memory store with recording
// hooks and a short pairing timeout. A non-nil db resumes from an earlier
// backend's state.
func newTestBackend(t *testing.T, name string, db *store.Memory) *testBackend {
	t.Helper()

	if db == nil {
		db = store.NewMemory()
	}
	hooks := new(recorderHooks)
	backend, err := NewBackend(Config{
		Store:          db,
		DeviceName:     name,
		Hooks:          hooks,
		PairingTimeout: testPairingTimeout,
	})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	return &testBackend{Backend: backend, hooks: hooks, db: db}
}

// mockProvider is a named, prioritized provider that produces nothing on its
// own; tests hand its links to devices directly.
type mockProvider struct {
	name     string
	priority int
}

func (p *mockProvider) Name() string              { return p.name }
func (p *mockProvider) Priority() int             { return p.priority }
func (p *mockProvider) Start(host link.Host) error { return nil }
func (p *mockProvider) Stop()                     {}

// mockLink is a scriptable link: sends are recorded (or refused), receives
// are injected by the test.
type mockLink struct {
	provider *mockProvider
	feed     *link.Feed

	fail     bool // Refuse every send when set
	attempts int
	sent     []*wire.Envelope
	lock     sync.Mutex
}

func newMockLink(name string, priority int) *mockLink {
	l := &mockLink{provider: &mockProvider{name: name, priority: priority}}
	l.feed = link.NewFeed(l)
	return l
}

func (l *mockLink) Provider() link.Provider { return l.provider }

func (l *mockLink) Send(env *wire.Envelope) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.attempts++
	if l.fail {
		return false
	}
	l.sent = append(l.sent, env)
	return true
}

func (l *mockLink) Attach(handler link.Handler) { l.feed.Attach(handler) }
func (l *mockLink) Close()                      { l.feed.Close() }

// deliver injects an envelope as if it arrived from the wire.
func (l *mockLink) deliver(env *wire.Envelope) { l.feed.Dispatch(env) }

func (l *mockLink) sentCount() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.sent)
}

func (l *mockLink) attemptCount() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.attempts
}

func (l *mockLink) lastSent() *wire.Envelope {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.sent) == 0 {
		return nil
	}
	return l.sent[len(l.sent)-1]
}

// pipeLink is one end of an in-memory bidirectional link between two
// backends. Envelopes take a serialize/deserialize round trip and cross
// asynchronously, like on a real wire.
type pipeLink struct {
	provider *mockProvider
	feed     *link.Feed
	peer     *pipeLink
	queue    chan *wire.Envelope
	quit     chan struct{}
	once     sync.Once
}

// newPipePair creates the two cross-wired ends of an in-memory link.
func newPipePair() (*pipeLink, *pipeLink) {
	a := &pipeLink{
		provider: &mockProvider{name: "lan", priority: 100},
		queue:    make(chan *wire.Envelope, 64),
		quit:     make(chan struct{}),
	}
	b := &pipeLink{
		provider: &mockProvider{name: "lan", priority: 100},
		queue:    make(chan *wire.Envelope, 64),
		quit:     make(chan struct{}),
	}
	a.peer, b.peer = b, a
	a.feed, b.feed = link.NewFeed(a), link.NewFeed(b)

	go a.pump()
	go b.pump()
	return a, b
}

func (l *pipeLink) Provider() link.Provider { return l.provider }

func (l *pipeLink) Send(env *wire.Envelope) bool {
	blob, err := env.Serialize()
	if err != nil {
		return false
	}
	mirror, err := wire.Deserialize(blob)
	if err != nil {
		return false
	}
	select {
	case l.peer.queue <- mirror:
		return true
	case <-l.quit:
		return false
	}
}

func (l *pipeLink) Attach(handler link.Handler) { l.feed.Attach(handler) }

// Close tears down both ends, a dead session is dead in both directions.
func (l *pipeLink) Close() {
	l.once.Do(func() {
		close(l.quit)
		l.feed.Close()
		l.peer.Close()
	})
}

func (l *pipeLink) pump() {
	for {
		select {
		case <-l.quit:
			return
		case env := <-l.queue:
			l.feed.Dispatch(env)
		}
	}
}

// waitFor polls a condition until it holds or the test deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	for i := 0; i < 400; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// connectBackends wires two backends together with a fresh pipe link pair,
// returning each side's view of the other's device.
func connectBackends(t *testing.T, a, b *testBackend) (*Device, *Device) {
	t.Helper()

	aEnd, bEnd := newPipePair()
	a.AttachLink(b.Identity().DeviceID, "peer-of-a", aEnd)
	b.AttachLink(a.Identity().DeviceID, "peer-of-b", bEnd)

	devA := a.Device(b.Identity().DeviceID)
	devB := b.Device(a.Identity().DeviceID)
	if devA == nil || devB == nil {
		t.Fatalf("Backends failed to surface the peer devices")
	}
	return devA, devB
}

// pairBackends runs the full pairing handshake between two connected
// backends and waits until both sides settle paired.
func pairBackends(t *testing.T, a, b *testBackend, devA, devB *Device) {
	t.Helper()

	if err := devA.RequestPair(); err != nil {
		t.Fatalf("Failed to request pairing: %v", err)
	}
	waitFor(t, "pair request to surface", func() bool { return b.hooks.requests() > 0 })
	if err := devB.AcceptPairing(); err != nil {
		t.Fatalf("Failed to accept pairing: %v", err)
	}
	waitFor(t, "both sides paired", func() bool { return devA.IsPaired() && devB.IsPaired() })
}
