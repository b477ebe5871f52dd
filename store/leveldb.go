// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package store

import (
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is the on-disk Store implementation used by the live daemon. Keys
// are laid out as `<namespace>/<key>` so a namespace maps onto a contiguous
// iterator range.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database under the given directory.
func OpenLevelDB(datadir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(datadir, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// fullKey joins a namespace and a record key into the database key.
func fullKey(namespace, key string) []byte {
	return []byte(namespace + "/" + key)
}

// Read retrieves a single record, returning ErrNotFound if missing.
func (s *LevelDB) Read(namespace, key string) ([]byte, error) {
	blob, err := s.db.Get(fullKey(namespace, key), nil)
	if err != nil {
		return nil, ErrNotFound
	}
	return blob, nil
}

// Write creates or replaces a single record. A leveldb put is atomic, which
// carries the store's record-level atomicity guarantee.
func (s *LevelDB) Write(namespace, key string, value []byte) error {
	return s.db.Put(fullKey(namespace, key), value, nil)
}

// Delete removes a single record.
func (s *LevelDB) Delete(namespace, key string) error {
	return s.db.Delete(fullKey(namespace, key), nil)
}

// DeleteNamespace removes every record in a namespace.
func (s *LevelDB) DeleteNamespace(namespace string) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(namespace+"/")), nil)
	defer it.Release()

	for it.Next() {
		if err := s.db.Delete(it.Key(), nil); err != nil {
			return err
		}
	}
	return it.Error()
}

// List returns the sorted keys of every record in a namespace.
func (s *LevelDB) List(namespace string) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(namespace+"/")), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, strings.TrimPrefix(string(it.Key()), namespace+"/"))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the underlying database.
func (s *LevelDB) Close() error {
	return s.db.Close()
}
