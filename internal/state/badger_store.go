package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
)

// BadgerStore implements Store on BadgerDB. Its transactions detect
// concurrent writers, so this backend is the one that actually
// produces ErrConflict under contention.
type BadgerStore struct {
	db     *badger.DB
	policy sketch.Policy
}

func NewBadgerStore(dir string, policy sketch.Policy) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(filepath.Clean(dir)))
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	s := &BadgerStore{db: db, policy: policy}
	if err := s.checkPolicy(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) checkPolicy() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPolicy))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set([]byte(metaPolicy), []byte(s.policy))
		}
		if err != nil {
			return fmt.Errorf("read policy meta: %w", err)
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(v) != string(s.policy) {
			return fmt.Errorf("store is %q, configured %q: %w", v, s.policy, ErrPolicyMismatch)
		}
		return nil
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Policy() sketch.Policy { return s.policy }

func (s *BadgerStore) Get(customerID string) (Row, bool, error) {
	var r Row
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(custKey(customerID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		r, err = decodeRow(v)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Row{}, false, fmt.Errorf("badger get %s: %w", customerID, err)
	}
	return r, found, nil
}

func (s *BadgerStore) Range(fn func(Row) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(custPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := decodeRow(v)
			if err != nil {
				return err
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) SeenBatch(batchID string) (bool, error) {
	seen := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(batchKey(batchID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("badger get batch: %w", err)
	}
	return seen, nil
}

func (s *BadgerStore) Batches() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(batchPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), batchPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list batches: %w", err)
	}
	return ids, nil
}

func (s *BadgerStore) CommitBatch(batchID string, rows []Row) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(batchKey(batchID)); err == nil {
			return ErrBatchSeen
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, r := range rows {
			var curVersion int64
			item, err := txn.Get(custKey(r.CustomerID))
			if err == nil {
				v, e := item.ValueCopy(nil)
				if e != nil {
					return e
				}
				cur, e := decodeRow(v)
				if e != nil {
					return e
				}
				curVersion = cur.Version
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if r.Version != curVersion+1 {
				return fmt.Errorf("customer %s staged version %d want %d: %w", r.CustomerID, r.Version, curVersion+1, ErrConflict)
			}
			b, err := encodeRow(r)
			if err != nil {
				return fmt.Errorf("encode row %s: %w", r.CustomerID, err)
			}
			if err := txn.Set(custKey(r.CustomerID), b); err != nil {
				return err
			}
		}
		return txn.Set(batchKey(batchID), []byte{1})
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("batch %s: %w", batchID, ErrConflict)
	}
	return err
}

func (s *BadgerStore) LoadAll(rows []Row, batchIDs []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		// collect keys first, badger forbids mutating while iterating
		var toDelete [][]byte
		for _, prefix := range []string{custPrefix, batchPrefix} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				toDelete = append(toDelete, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, r := range rows {
			b, err := encodeRow(r)
			if err != nil {
				return fmt.Errorf("encode row %s: %w", r.CustomerID, err)
			}
			if err := txn.Set(custKey(r.CustomerID), b); err != nil {
				return err
			}
		}
		for _, id := range batchIDs {
			if err := txn.Set(batchKey(id), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}
