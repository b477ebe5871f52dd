// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package nearnet implements the device and pairing core of a daemon that
// lets nearby personal devices exchange typed messages over authenticated,
// encrypted transports.
package nearnet

import (
	"crypto/rsa"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nearnet/go-nearnet/link"
	"github.com/nearnet/go-nearnet/store"
	"github.com/nearnet/go-nearnet/wire"
)

// Config bundles the knobs of a backend. Everything but the storage location
// has a workable default.
type Config struct {
	DataDir    string          // Directory for the leveldb database
	Store      store.Store     // Storage override, tests inject an in-memory store
	DeviceName string          // Human-readable local device name
	Hooks      Hooks           // Signal sink, defaults to discarding
	Providers  []link.Provider // Transports to fire up

	PairingTimeout time.Duration // Pairing answer deadline override, tests shorten it
	Logger         log.Logger    // Contextual logger, defaults to the root one
}

// Backend represents the local half of the connectivity daemon: the local
// identity, the persisted trust ring and one Device aggregate per remote
// peer any transport has ever surfaced.
type Backend struct {
	database store.Store
	identity *Identity
	hooks    Hooks
	logger   log.Logger

	providers      []link.Provider
	pairingTimeout time.Duration

	devices map[string]*Device
	lock    sync.RWMutex
}

// NewBackend creates a connectivity daemon core: it opens the database,
// ensures the local identity keypair, restores every trusted device as
// paired-but-unreachable and fires up the configured transports.
func NewBackend(config Config) (*Backend, error) {
	db := config.Store
	if db == nil {
		var err error
		if db, err = store.OpenLevelDB(filepath.Join(config.DataDir, "ldb")); err != nil {
			return nil, err
		}
	}
	identity, err := ensureIdentity(db, config.DeviceName)
	if err != nil {
		db.Close()
		return nil, err
	}
	hooks := config.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	timeout := config.PairingTimeout
	if timeout == 0 {
		timeout = pairingTimeout
	}
	b := &Backend{
		database:       db,
		identity:       identity,
		hooks:          hooks,
		logger:         logger,
		pairingTimeout: timeout,
		devices:        make(map[string]*Device),
	}
	b.logger.Info("Starting backend", "id", identity.DeviceID, "name", identity.DeviceName, "fingerprint", identity.Fingerprint())

	// Every device with a persisted trust record starts out paired but
	// unreachable until some transport finds it again
	records, err := b.trustedDevices()
	if err != nil {
		db.Close()
		return nil, err
	}
	for id, record := range records {
		key, err := parsePublicKey(record.PublicKey)
		if err != nil {
			b.logger.Error("Skipping trust record with unusable key", "device", id, "err", err)
			continue
		}
		b.devices[id] = newDevice(b, id, record.Name, Paired, key)
		b.logger.Debug("Restored trusted device", "device", id, "name", record.Name)
	}
	// Fire up the transports; a provider that cannot start takes the whole
	// backend down rather than run with silently missing connectivity
	for _, provider := range config.Providers {
		if err := provider.Start(b); err != nil {
			for _, started := range b.providers {
				started.Stop()
			}
			db.Close()
			return nil, err
		}
		b.providers = append(b.providers, provider)
	}
	return b, nil
}

// Close tears the backend down. It is irreversible, the backend cannot be
// used afterwards.
func (b *Backend) Close() error {
	// Stop the transports first so no new links race the teardown
	for _, provider := range b.providers {
		provider.Stop()
	}
	b.lock.Lock()
	devices := b.devices
	b.devices = make(map[string]*Device)
	b.lock.Unlock()

	for _, dev := range devices {
		dev.destroy()
	}
	return b.database.Close()
}

// Identity returns the local device identity.
func (b *Backend) Identity() *Identity {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return b.identity
}

// ReloadIdentity re-reads the identity keypair from the store, invalidating
// the in-memory copy after an out-of-band configuration change.
func (b *Backend) ReloadIdentity() error {
	identity, err := ensureIdentity(b.database, "")
	if err != nil {
		return err
	}
	b.lock.Lock()
	b.identity = identity
	b.lock.Unlock()
	return nil
}

// privateKey returns the local decryption key.
func (b *Backend) privateKey() *rsa.PrivateKey {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return b.identity.PrivateKey
}

// publicKeyBase64 returns the local public key in the wire encoding.
func (b *Backend) publicKeyBase64() string {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return b.identity.PublicKeyBase64()
}

// SelfIdentity implements the transport host contract, returning the identity
// envelope providers announce the local device with.
func (b *Backend) SelfIdentity() *wire.Envelope {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return wire.NewIdentity(b.identity.DeviceID, b.identity.DeviceName)
}

// AttachLink implements the transport host contract: a provider established a
// link to the identified peer. The link is routed to the existing device, or
// a fresh unpaired one if this is the first contact.
func (b *Backend) AttachLink(deviceID, deviceName string, l link.Link) {
	if deviceID == "" {
		b.logger.Warn("Discarding link without device id", "provider", l.Provider().Name())
		l.Close()
		return
	}
	b.lock.Lock()
	if deviceID == b.identity.DeviceID {
		b.lock.Unlock()
		b.logger.Debug("Discarding link to self", "provider", l.Provider().Name())
		l.Close()
		return
	}
	dev, known := b.devices[deviceID]
	if !known {
		dev = newDevice(b, deviceID, deviceName, NotPaired, nil)
		b.devices[deviceID] = dev
		b.logger.Info("Discovered new device", "device", deviceID, "name", deviceName)
	}
	b.lock.Unlock()

	if known {
		// Names are peer-supplied and mutable on rediscovery
		dev.setName(deviceName)
	}
	dev.AddLink(l)
}

// Device retrieves a single device by id, nil if unknown.
func (b *Backend) Device(id string) *Device {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return b.devices[id]
}

// Devices returns every known device, sorted by id for stable output.
func (b *Backend) Devices() []*Device {
	b.lock.RLock()
	devices := make([]*Device, 0, len(b.devices))
	for _, dev := range b.devices {
		devices = append(devices, dev)
	}
	b.lock.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID() < devices[j].ID() })
	return devices
}
