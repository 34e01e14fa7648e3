// Package merger applies micro-batches of order lines to the
// per-customer aggregate table as cumulative upserts.
//
// The reference pipeline this replaces overwrote the aggregate columns
// with each batch's local totals, losing prior state; here sums
// accumulate and distinct-order counters union across batches, so an
// order split over two batches is counted once.
package merger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Owengerald/spark-streaming-retail-project/internal/model"
	"github.com/Owengerald/spark-streaming-retail-project/internal/output"
	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
	"github.com/Owengerald/spark-streaming-retail-project/internal/state"
)

const (
	defaultWorkers      = 4
	defaultMaxRetries   = 5
	defaultRetryBackoff = 50 * time.Millisecond
)

// Config carries the merge knobs. Zero values fall back to defaults.
type Config struct {
	// Policy must match the store's persisted policy.
	Policy sketch.Policy
	// RelativeError bounds the approximate counter (PolicyApprox only).
	RelativeError float64
	// Workers bounds the fan-out over customer groups within a batch.
	Workers int
	// MaxRetries caps commit retries on write conflicts.
	MaxRetries int
	// RetryBackoff is the initial backoff, doubled per retry.
	RetryBackoff time.Duration
}

// RecordError reports one rejected line. The rest of the batch still merges.
type RecordError struct {
	Index int
	Line  model.OrderLine
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

// BatchResult summarizes one ApplyBatch call.
type BatchResult struct {
	BatchID   string
	Duplicate bool
	Merged    int
	Customers int
	Retries   int
	Rejected  []RecordError
	Updates   []output.Update
}

// Merger maintains the customer aggregate table over a state.Store.
// Batches must be applied one at a time; concurrent writers to the same
// store are handled by conflict retries, not by interleaving batches.
type Merger struct {
	store state.Store
	cfg   Config
}

func New(st state.Store, cfg Config) (*Merger, error) {
	if cfg.Policy == "" {
		cfg.Policy = st.Policy()
	}
	if cfg.Policy != st.Policy() {
		return nil, fmt.Errorf("merger policy %q, store %q: %w", cfg.Policy, st.Policy(), state.ErrPolicyMismatch)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &Merger{store: st, cfg: cfg}, nil
}

// contribution is one batch's local aggregate for one customer.
type contribution struct {
	customerID string
	lines      int64
	amount     float64
	orders     sketch.Counter
}

// ApplyBatch merges one micro-batch into the table. Re-delivery of an
// already-applied batch id is a counted no-op, not an error. Malformed
// lines are collected in Rejected without blocking the valid ones. The
// table is only touched at commit, so an interrupted call leaves it
// either fully updated for the batch or fully unchanged.
func (m *Merger) ApplyBatch(ctx context.Context, batchID string, lines []model.OrderLine) (BatchResult, error) {
	res := BatchResult{BatchID: batchID}
	if batchID == "" {
		return res, errors.New("empty batch id")
	}

	seen, err := m.store.SeenBatch(batchID)
	if err != nil {
		return res, fmt.Errorf("check batch %s: %w", batchID, err)
	}
	if seen {
		res.Duplicate = true
		return res, nil
	}

	groups := make(map[string][]model.OrderLine)
	for i, l := range lines {
		if err := l.Validate(); err != nil {
			res.Rejected = append(res.Rejected, RecordError{Index: i, Line: l, Err: err})
			continue
		}
		groups[l.CustomerID] = append(groups[l.CustomerID], l)
	}
	res.Merged = len(lines) - len(res.Rejected)
	res.Customers = len(groups)
	if len(groups) == 0 {
		// nothing mergeable; still mark the batch so a re-delivery
		// (possibly with the lines fixed upstream) is detectable
		if err := m.store.CommitBatch(batchID, nil); err != nil && !errors.Is(err, state.ErrBatchSeen) {
			return res, fmt.Errorf("mark empty batch %s: %w", batchID, err)
		}
		return res, nil
	}

	contribs, err := m.localAggregate(groups)
	if err != nil {
		return res, err
	}

	backoff := m.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		rows, updates, err := m.stage(batchID, contribs)
		if err != nil {
			return res, err
		}
		err = m.store.CommitBatch(batchID, rows)
		if err == nil {
			now := output.NowUnix()
			for i := range updates {
				updates[i].UpdatedAt = now
			}
			res.Updates = updates
			return res, nil
		}
		if errors.Is(err, state.ErrBatchSeen) {
			res.Duplicate = true
			return res, nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return res, fmt.Errorf("commit batch %s: %w", batchID, err)
		}
		if attempt >= m.cfg.MaxRetries {
			return res, fmt.Errorf("batch %s: %d conflict retries exhausted: %w", batchID, m.cfg.MaxRetries, err)
		}
		res.Retries++
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// localAggregate computes per-customer contributions, fanned out over a
// bounded worker pool. Customer groups are disjoint so no locking is
// needed beyond the index handoff.
func (m *Merger) localAggregate(groups map[string][]model.OrderLine) ([]contribution, error) {
	keyed := make([][]model.OrderLine, 0, len(groups))
	for _, g := range groups {
		keyed = append(keyed, g)
	}
	contribs := make([]contribution, len(keyed))
	errs := make([]error, len(keyed))

	workers := m.cfg.Workers
	if workers > len(keyed) {
		workers = len(keyed)
	}
	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				contribs[i], errs[i] = m.aggregateGroup(keyed[i])
			}
		}()
	}
	for i := range keyed {
		idx <- i
	}
	close(idx)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return contribs, nil
}

func (m *Merger) aggregateGroup(group []model.OrderLine) (contribution, error) {
	c := contribution{customerID: group[0].CustomerID}
	counter, err := sketch.New(m.cfg.Policy, m.cfg.RelativeError)
	if err != nil {
		return contribution{}, fmt.Errorf("new counter: %w", err)
	}
	for _, l := range group {
		counter.Add(l.OrderID)
		c.lines++
		c.amount += l.Subtotal
	}
	c.orders = counter
	return c, nil
}

// stage reads the current row per touched customer and combines it with
// the local contribution: sums add, counters union, version bumps by
// one. Re-staging after a conflict re-reads and unions again, which is
// safe because counter union is idempotent.
func (m *Merger) stage(batchID string, contribs []contribution) ([]state.Row, []output.Update, error) {
	rows := make([]state.Row, 0, len(contribs))
	updates := make([]output.Update, 0, len(contribs))
	for _, c := range contribs {
		cur, ok, err := m.store.Get(c.customerID)
		if err != nil {
			return nil, nil, fmt.Errorf("read customer %s: %w", c.customerID, err)
		}
		row := state.Row{
			CustomerID:        c.customerID,
			ProductsPurchased: c.lines,
			AmountSpent:       c.amount,
			Version:           1,
		}
		if ok {
			row.ProductsPurchased += cur.ProductsPurchased
			row.AmountSpent += cur.AmountSpent
			row.Version = cur.Version + 1
			if len(cur.OrderState) > 0 {
				stored, err := sketch.UnmarshalBinary(cur.OrderState)
				if err != nil {
					return nil, nil, fmt.Errorf("decode counter %s: %w", c.customerID, err)
				}
				if err := c.orders.Merge(stored); err != nil {
					return nil, nil, fmt.Errorf("union counter %s: %w", c.customerID, err)
				}
			}
		}
		row.OrderState, err = c.orders.MarshalBinary()
		if err != nil {
			return nil, nil, fmt.Errorf("encode counter %s: %w", c.customerID, err)
		}
		rows = append(rows, row)
		updates = append(updates, output.Update{
			BatchID:           batchID,
			CustomerID:        row.CustomerID,
			OrdersPlaced:      c.orders.Count(),
			ProductsPurchased: row.ProductsPurchased,
			AmountSpent:       row.AmountSpent,
			OrderState:        row.OrderState,
			Version:           row.Version,
		})
	}
	return rows, updates, nil
}

// Get returns the materialized aggregate for one customer.
func (m *Merger) Get(customerID string) (state.Aggregate, bool, error) {
	row, ok, err := m.store.Get(customerID)
	if err != nil || !ok {
		return state.Aggregate{}, ok, err
	}
	agg, err := row.Materialize()
	if err != nil {
		return state.Aggregate{}, false, err
	}
	return agg, true, nil
}

// ScanAll visits every customer's materialized aggregate.
func (m *Merger) ScanAll(fn func(state.Aggregate) error) error {
	return m.store.Range(func(r state.Row) error {
		agg, err := r.Materialize()
		if err != nil {
			return err
		}
		return fn(agg)
	})
}
