// Package diskstore is the durable Store implementation: a B+ tree over
// memory-mapped pages.
package diskstore

import (
	"bytes"
	"errors"
	"fmt"

	"blsqdb/internal/btree"
	"blsqdb/internal/pager"
	"blsqdb/internal/storage"
)

// Store binds the pager and the B+ tree behind the storage.Store
// interface and enforces the argument contract.
type Store struct {
	pm     *pager.Pager
	tree   *btree.Tree
	closed bool
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the store files "<path>.idx" and "<path>.dat".
func Open(path string) (*Store, error) {
	pm, err := pager.Open(path)
	if err != nil {
		return nil, fmt.Errorf("diskstore: %w", err)
	}
	tree, err := btree.Open(pm)
	if err != nil {
		pm.Close()
		return nil, fmt.Errorf("diskstore: %w", err)
	}
	return &Store{pm: pm, tree: tree}, nil
}

// checkKey validates key against the store contract: non-empty, no NUL
// bytes (keys are NUL-terminated on disk), within MaxKeySize.
func checkKey(key []byte) error {
	switch {
	case len(key) == 0:
		return storage.ErrEmptyKey
	case len(key) > storage.MaxKeySize:
		return storage.ErrKeyTooLarge
	case bytes.IndexByte(key, 0) >= 0:
		return storage.ErrBinaryKey
	}
	return nil
}

func (s *Store) Put(key, value []byte) error {
	if s.closed {
		return storage.ErrClosed
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if len(value) > storage.MaxValueSize {
		return storage.ErrValueTooLarge
	}
	return s.tree.Put(key, value)
}

func (s *Store) Get(key []byte) ([]byte, error) {
	if s.closed {
		return nil, storage.ErrClosed
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	v, err := s.tree.Get(key)
	if errors.Is(err, btree.ErrKeyNotFound) {
		return nil, storage.ErrKeyNotFound
	}
	return v, err
}

func (s *Store) Delete(key []byte) error {
	if s.closed {
		return storage.ErrClosed
	}
	if err := checkKey(key); err != nil {
		return err
	}
	err := s.tree.Delete(key)
	if errors.Is(err, btree.ErrKeyNotFound) {
		return storage.ErrKeyNotFound
	}
	return err
}

func (s *Store) Flush() error {
	if s.closed {
		return storage.ErrClosed
	}
	return s.pm.Flush()
}

func (s *Store) Close() error {
	if s.closed {
		return storage.ErrClosed
	}
	s.closed = true
	return s.pm.Close()
}
