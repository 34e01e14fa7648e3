package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
)

// PebbleStore implements Store on PebbleDB. Default persistent backend.
type PebbleStore struct {
	mu     sync.Mutex // serializes CommitBatch version checks
	db     *pebble.DB
	policy sketch.Policy
}

func NewPebbleStore(dir string, policy sketch.Policy) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	s := &PebbleStore{db: db, policy: policy}
	if err := s.checkPolicy(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// checkPolicy pins the distinct-count policy on first open and refuses
// to reopen under a different one.
func (s *PebbleStore) checkPolicy() error {
	v, closer, err := s.db.Get([]byte(metaPolicy))
	if err == pebble.ErrNotFound {
		return s.db.Set([]byte(metaPolicy), []byte(s.policy), pebble.Sync)
	}
	if err != nil {
		return fmt.Errorf("read policy meta: %w", err)
	}
	stored := string(v)
	_ = closer.Close()
	if stored != string(s.policy) {
		return fmt.Errorf("store is %q, configured %q: %w", stored, s.policy, ErrPolicyMismatch)
	}
	return nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Policy() sketch.Policy { return s.policy }

func encodeRow(r Row) ([]byte, error) { return json.Marshal(r) }

func decodeRow(val []byte) (Row, error) {
	var r Row
	if err := json.Unmarshal(val, &r); err != nil {
		return Row{}, err
	}
	return r, nil
}

func (s *PebbleStore) Get(customerID string) (Row, bool, error) {
	v, closer, err := s.db.Get(custKey(customerID))
	if err == pebble.ErrNotFound {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	r, err := decodeRow(v)
	if err != nil {
		return Row{}, false, fmt.Errorf("decode row %s: %w", customerID, err)
	}
	return r, true, nil
}

func (s *PebbleStore) Range(fn func(Row) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(custPrefix),
		UpperBound: prefixEnd(custPrefix),
	})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		r, err := decodeRow(it.Value())
		if err != nil {
			return fmt.Errorf("decode row %s: %w", it.Key(), err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *PebbleStore) SeenBatch(batchID string) (bool, error) {
	_, closer, err := s.db.Get(batchKey(batchID))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get batch: %w", err)
	}
	_ = closer.Close()
	return true, nil
}

func (s *PebbleStore) Batches() ([]string, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(batchPrefix),
		UpperBound: prefixEnd(batchPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	var ids []string
	for it.First(); it.Valid(); it.Next() {
		ids = append(ids, strings.TrimPrefix(string(it.Key()), batchPrefix))
	}
	return ids, it.Error()
}

func (s *PebbleStore) CommitBatch(batchID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, err := s.SeenBatch(batchID)
	if err != nil {
		return err
	}
	if seen {
		return ErrBatchSeen
	}
	for _, r := range rows {
		cur, ok, err := s.Get(r.CustomerID)
		if err != nil {
			return err
		}
		want := int64(1)
		if ok {
			want = cur.Version + 1
		}
		if r.Version != want {
			return fmt.Errorf("customer %s staged version %d want %d: %w", r.CustomerID, r.Version, want, ErrConflict)
		}
	}

	wb := s.db.NewBatch()
	defer wb.Close()
	for _, r := range rows {
		b, err := encodeRow(r)
		if err != nil {
			return fmt.Errorf("encode row %s: %w", r.CustomerID, err)
		}
		if err := wb.Set(custKey(r.CustomerID), b, nil); err != nil {
			return fmt.Errorf("stage row %s: %w", r.CustomerID, err)
		}
	}
	if err := wb.Set(batchKey(batchID), []byte{1}, nil); err != nil {
		return fmt.Errorf("stage batch marker: %w", err)
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch %s: %w", batchID, err)
	}
	return nil
}

func (s *PebbleStore) LoadAll(rows []Row, batchIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wb := s.db.NewBatch()
	defer wb.Close()
	for _, prefix := range []string{custPrefix, batchPrefix} {
		if err := wb.DeleteRange([]byte(prefix), prefixEnd(prefix), nil); err != nil {
			return fmt.Errorf("clear %s keys: %w", strings.TrimSuffix(prefix, "!"), err)
		}
	}
	for _, r := range rows {
		b, err := encodeRow(r)
		if err != nil {
			return fmt.Errorf("encode row %s: %w", r.CustomerID, err)
		}
		if err := wb.Set(custKey(r.CustomerID), b, nil); err != nil {
			return fmt.Errorf("load row %s: %w", r.CustomerID, err)
		}
	}
	for _, id := range batchIDs {
		if err := wb.Set(batchKey(id), []byte{1}, nil); err != nil {
			return fmt.Errorf("load batch marker %s: %w", id, err)
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit load: %w", err)
	}
	return nil
}
