package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
)

var (
	// ErrConflict means a row moved between staging and commit.
	// Callers re-read and retry.
	ErrConflict = errors.New("state: row version conflict")
	// ErrBatchSeen means the batch marker already exists; the commit
	// is a re-delivery and nothing was written.
	ErrBatchSeen = errors.New("state: batch already applied")
	// ErrPolicyMismatch means the store was created under a different
	// distinct-count policy. Fatal: persisted counter state would be
	// unusable under the new policy.
	ErrPolicyMismatch = errors.New("state: persisted distinct-count policy differs from configuration")
)

// Row is the persisted per-customer state: the cumulative sums plus the
// serialized distinct-order counter and an optimistic-concurrency version.
type Row struct {
	CustomerID        string  `json:"customerId"`
	ProductsPurchased int64   `json:"productsPurchased"`
	AmountSpent       float64 `json:"amountSpent"`
	OrderState        []byte  `json:"orderState"`
	Version           int64   `json:"version"`
}

// Aggregate is the materialized per-customer view served to readers.
type Aggregate struct {
	CustomerID        string  `json:"customerId"`
	OrdersPlaced      int64   `json:"ordersPlaced"`
	ProductsPurchased int64   `json:"productsPurchased"`
	AmountSpent       float64 `json:"amountSpent"`
}

// Materialize decodes the counter and produces the queryable view.
func (r Row) Materialize() (Aggregate, error) {
	agg := Aggregate{
		CustomerID:        r.CustomerID,
		ProductsPurchased: r.ProductsPurchased,
		AmountSpent:       r.AmountSpent,
	}
	if len(r.OrderState) > 0 {
		c, err := sketch.UnmarshalBinary(r.OrderState)
		if err != nil {
			return Aggregate{}, fmt.Errorf("customer %s: %w", r.CustomerID, err)
		}
		agg.OrdersPlaced = c.Count()
	}
	return agg, nil
}

// Store abstracts the aggregate table backend.
//
// CommitBatch is the serialization point: all rows plus the batch
// marker land atomically or not at all. Each staged row's Version must
// be exactly one above the stored version (1 for a new customer),
// otherwise the commit fails with ErrConflict and leaves the table
// untouched. A batch id whose marker exists fails with ErrBatchSeen.
type Store interface {
	Policy() sketch.Policy
	Get(customerID string) (Row, bool, error)
	Range(fn func(Row) error) error
	SeenBatch(batchID string) (bool, error)
	// Batches lists every applied batch id, for snapshotting.
	Batches() ([]string, error)
	CommitBatch(batchID string, rows []Row) error
	// LoadAll replaces the table and batch markers. Restore path only.
	LoadAll(rows []Row, batchIDs []string) error
	Close() error
}

// MemoryStore is a thread-safe map store for tests and demos.
type MemoryStore struct {
	mu      sync.RWMutex
	policy  sketch.Policy
	rows    map[string]Row
	batches map[string]struct{}
}

func NewMemoryStore(policy sketch.Policy) *MemoryStore {
	return &MemoryStore{
		policy:  policy,
		rows:    make(map[string]Row),
		batches: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Policy() sketch.Policy { return s.policy }

func (s *MemoryStore) Get(customerID string) (Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[customerID]
	return r, ok, nil
}

func (s *MemoryStore) Range(fn func(Row) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rows {
		if err := fn(r); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

func (s *MemoryStore) SeenBatch(batchID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.batches[batchID]
	return ok, nil
}

func (s *MemoryStore) Batches() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) CommitBatch(batchID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; ok {
		return ErrBatchSeen
	}
	// validate every version before touching anything
	for _, r := range rows {
		cur, ok := s.rows[r.CustomerID]
		want := int64(1)
		if ok {
			want = cur.Version + 1
		}
		if r.Version != want {
			return fmt.Errorf("customer %s staged version %d want %d: %w", r.CustomerID, r.Version, want, ErrConflict)
		}
	}
	for _, r := range rows {
		s.rows[r.CustomerID] = r
	}
	s.batches[batchID] = struct{}{}
	return nil
}

func (s *MemoryStore) LoadAll(rows []Row, batchIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]Row, len(rows))
	for _, r := range rows {
		s.rows[r.CustomerID] = r
	}
	s.batches = make(map[string]struct{}, len(batchIDs))
	for _, id := range batchIDs {
		s.batches[id] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// key layout shared by the persistent backends
const (
	custPrefix  = "cust!"
	batchPrefix = "batch!"
	metaPolicy  = "meta!policy"
)

func custKey(id string) []byte  { return []byte(custPrefix + id) }
func batchKey(id string) []byte { return []byte(batchPrefix + id) }

// prefixEnd returns the smallest key greater than every key with the
// prefix ('!' is 0x21, so bumping the last byte is safe here).
func prefixEnd(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}
