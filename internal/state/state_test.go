package state

import (
	"errors"
	"testing"

	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
)

func counterBytes(t *testing.T, ids ...string) []byte {
	t.Helper()
	c, err := sketch.New(sketch.PolicyExact, 0)
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	for _, id := range ids {
		c.Add(id)
	}
	b, err := c.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal counter: %v", err)
	}
	return b
}

func TestMemoryStore_CommitBatchInsertAndUpdate(t *testing.T) {
	s := NewMemoryStore(sketch.PolicyExact)

	r1 := Row{CustomerID: "c1", ProductsPurchased: 2, AmountSpent: 15, OrderState: counterBytes(t, "o100"), Version: 1}
	if err := s.CommitBatch("b1", []Row{r1}); err != nil {
		t.Fatalf("commit b1: %v", err)
	}

	got, ok, err := s.Get("c1")
	if err != nil || !ok {
		t.Fatalf("get after insert: ok=%v err=%v", ok, err)
	}
	if got.ProductsPurchased != 2 || got.AmountSpent != 15 || got.Version != 1 {
		t.Fatalf("unexpected row: %+v", got)
	}

	r2 := Row{CustomerID: "c1", ProductsPurchased: 3, AmountSpent: 35, OrderState: counterBytes(t, "o100", "o101"), Version: 2}
	if err := s.CommitBatch("b2", []Row{r2}); err != nil {
		t.Fatalf("commit b2: %v", err)
	}
	agg, err := mustGet(t, s, "c1").Materialize()
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if agg.OrdersPlaced != 2 || agg.ProductsPurchased != 3 || agg.AmountSpent != 35 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
}

func mustGet(t *testing.T, s Store, id string) Row {
	t.Helper()
	r, ok, err := s.Get(id)
	if err != nil || !ok {
		t.Fatalf("get %s: ok=%v err=%v", id, ok, err)
	}
	return r
}

func TestMemoryStore_DuplicateBatchRejected(t *testing.T) {
	s := NewMemoryStore(sketch.PolicyExact)
	row := Row{CustomerID: "c1", ProductsPurchased: 1, AmountSpent: 5, Version: 1}
	if err := s.CommitBatch("b1", []Row{row}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	seen, err := s.SeenBatch("b1")
	if err != nil || !seen {
		t.Fatalf("seen=%v err=%v", seen, err)
	}

	row.Version = 2
	if err := s.CommitBatch("b1", []Row{row}); !errors.Is(err, ErrBatchSeen) {
		t.Fatalf("want ErrBatchSeen, got %v", err)
	}
	// table unchanged
	if got := mustGet(t, s, "c1"); got.Version != 1 {
		t.Fatalf("duplicate commit mutated row: %+v", got)
	}
}

func TestMemoryStore_StaleVersionConflict(t *testing.T) {
	s := NewMemoryStore(sketch.PolicyExact)
	if err := s.CommitBatch("b1", []Row{{CustomerID: "c1", AmountSpent: 5, Version: 1}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// staged against an outdated read
	stale := []Row{
		{CustomerID: "c2", AmountSpent: 1, Version: 1},
		{CustomerID: "c1", AmountSpent: 9, Version: 1},
	}
	err := s.CommitBatch("b2", stale)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	// nothing from the failed batch may land, including the valid row
	if _, ok, _ := s.Get("c2"); ok {
		t.Fatalf("partial batch application: c2 written")
	}
	if seen, _ := s.SeenBatch("b2"); seen {
		t.Fatalf("failed batch left a marker")
	}
}

func TestMemoryStore_LoadAllReplaces(t *testing.T) {
	s := NewMemoryStore(sketch.PolicyExact)
	_ = s.CommitBatch("old", []Row{{CustomerID: "gone", AmountSpent: 1, Version: 1}})

	rows := []Row{
		{CustomerID: "c1", ProductsPurchased: 4, AmountSpent: 40, Version: 3},
		{CustomerID: "c2", ProductsPurchased: 1, AmountSpent: 7, Version: 1},
	}
	if err := s.LoadAll(rows, []string{"b1", "b2", "b3"}); err != nil {
		t.Fatalf("load all: %v", err)
	}

	if _, ok, _ := s.Get("gone"); ok {
		t.Fatalf("stale row survived LoadAll")
	}
	if seen, _ := s.SeenBatch("old"); seen {
		t.Fatalf("stale batch marker survived LoadAll")
	}
	if seen, _ := s.SeenBatch("b3"); !seen {
		t.Fatalf("restored batch marker missing")
	}
	count := 0
	if err := s.Range(func(Row) error { count++; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if count != 2 {
		t.Fatalf("range count=%d want=2", count)
	}
}
