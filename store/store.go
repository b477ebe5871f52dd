// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

// Package store persists daemon state as namespaced key-value records. The
// device core never touches the filesystem directly, it talks to the Store
// interface and the daemon decides which implementation backs it.
package store

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is a namespaced key-value database. Writes are atomic at the level of
// a single record, so state that must be read back consistently (a trusted
// device's name and public key) is stored as one serialized blob.
type Store interface {
	// Read retrieves a single record, returning ErrNotFound if missing.
	Read(namespace, key string) ([]byte, error)

	// Write creates or replaces a single record.
	Write(namespace, key string, value []byte) error

	// Delete removes a single record. Deleting a missing record is a no-op.
	Delete(namespace, key string) error

	// DeleteNamespace removes every record in a namespace.
	DeleteNamespace(namespace string) error

	// List returns the sorted keys of every record in a namespace.
	List(namespace string) ([]string, error)

	// Close releases the underlying database.
	Close() error
}

// Memory is an in-process Store used by tests.
type Memory struct {
	records map[string]map[string][]byte
	lock    sync.RWMutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string][]byte),
	}
}

// Read retrieves a single record, returning ErrNotFound if missing.
func (m *Memory) Read(namespace, key string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	value, ok := m.records[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	blob := make([]byte, len(value))
	copy(blob, value)
	return blob, nil
}

// Write creates or replaces a single record.
func (m *Memory) Write(namespace, key string, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.records[namespace] == nil {
		m.records[namespace] = make(map[string][]byte)
	}
	blob := make([]byte, len(value))
	copy(blob, value)
	m.records[namespace][key] = blob
	return nil
}

// Delete removes a single record.
func (m *Memory) Delete(namespace, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.records[namespace], key)
	return nil
}

// DeleteNamespace removes every record in a namespace.
func (m *Memory) DeleteNamespace(namespace string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.records, namespace)
	return nil
}

// List returns the sorted keys of every record in a namespace.
func (m *Memory) List(namespace string) ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	keys := make([]string, 0, len(m.records[namespace]))
	for key := range m.records[namespace] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the store. A closed memory store keeps working, tests often
// share one across a backend restart to simulate persistence.
func (m *Memory) Close() error {
	return nil
}
