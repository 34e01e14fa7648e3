package restore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Owengerald/spark-streaming-retail-project/internal/manifest"
	"github.com/Owengerald/spark-streaming-retail-project/internal/merger"
	"github.com/Owengerald/spark-streaming-retail-project/internal/model"
	"github.com/Owengerald/spark-streaming-retail-project/internal/output"
	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
	"github.com/Owengerald/spark-streaming-retail-project/internal/snapshot"
	"github.com/Owengerald/spark-streaming-retail-project/internal/state"
)

func line(cust, order string, subtotal float64) model.OrderLine {
	return model.OrderLine{OrderID: order, CustomerID: cust, Quantity: 1, Price: subtotal, Subtotal: subtotal}
}

// Runs the real pipeline: merge three batches, snapshot after the
// second, then rebuild a fresh store and compare.
func TestRestoreAndReplay_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	ctx := context.Background()

	st := state.NewMemoryStore(sketch.PolicyExact)
	m, err := merger.New(st, merger.Config{Policy: sketch.PolicyExact})
	if err != nil {
		t.Fatalf("merger: %v", err)
	}
	logw, err := output.NewFileWriter(dir, "updates.jsonl")
	if err != nil {
		t.Fatalf("file writer: %v", err)
	}

	var logLines int64
	apply := func(batchID string, lines []model.OrderLine) {
		t.Helper()
		res, err := m.ApplyBatch(ctx, batchID, lines)
		if err != nil {
			t.Fatalf("apply %s: %v", batchID, err)
		}
		for _, u := range res.Updates {
			if err := logw.Append(u); err != nil {
				t.Fatalf("append update: %v", err)
			}
			logLines++
		}
	}

	apply("b1", []model.OrderLine{line("1", "100", 10), line("1", "100", 5)})
	apply("b2", []model.OrderLine{line("2", "200", 7)})

	snap := snapshot.NewFilesystemSnapshotter(snapDir)
	if err := snap.WriteSnapshot("snap-1", st); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	mani := manifest.NewFilesystemManifest(snapDir)
	if err := mani.PublishLatest("snap-1", logLines); err != nil {
		t.Fatalf("manifest: %v", err)
	}

	// one more batch after the snapshot, present only in the log
	apply("b3", []model.OrderLine{line("1", "101", 20)})

	fresh := state.NewMemoryStore(sketch.PolicyExact)
	r := NewRestorer(fresh, snap, mani, logw.Path())
	res, err := r.RestoreAndReplay()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.RowsLoaded != 2 || res.UpdatesApplied != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := map[string]state.Aggregate{
		"1": {CustomerID: "1", OrdersPlaced: 2, ProductsPurchased: 3, AmountSpent: 35},
		"2": {CustomerID: "2", OrdersPlaced: 1, ProductsPurchased: 1, AmountSpent: 7},
	}
	for cust, w := range want {
		row, ok, err := fresh.Get(cust)
		if err != nil || !ok {
			t.Fatalf("restored customer %s: ok=%v err=%v", cust, ok, err)
		}
		agg, err := row.Materialize()
		if err != nil {
			t.Fatalf("materialize %s: %v", cust, err)
		}
		if agg != w {
			t.Fatalf("customer %s: got %+v want %+v", cust, agg, w)
		}
	}

	// replayed batch markers keep re-deliveries idempotent
	m2, err := merger.New(fresh, merger.Config{Policy: sketch.PolicyExact})
	if err != nil {
		t.Fatalf("merger on restored store: %v", err)
	}
	res2, err := m2.ApplyBatch(ctx, "b3", []model.OrderLine{line("1", "101", 20)})
	if err != nil {
		t.Fatalf("re-deliver b3: %v", err)
	}
	if !res2.Duplicate {
		t.Fatalf("restored store forgot batch b3")
	}

	// and the next real batch continues accumulating
	if _, err := m2.ApplyBatch(ctx, "b4", []model.OrderLine{line("1", "102", 1)}); err != nil {
		t.Fatalf("apply b4: %v", err)
	}
	agg, _, err := m2.Get("1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agg.OrdersPlaced != 3 || agg.AmountSpent != 36 {
		t.Fatalf("post-restore merge wrong: %+v", agg)
	}
}

func TestRestoreAndReplay_OlderVersionsSkipped(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")

	// snapshot already contains version 2 of customer 1
	st := state.NewMemoryStore(sketch.PolicyExact)
	if err := st.LoadAll([]state.Row{{CustomerID: "1", ProductsPurchased: 3, AmountSpent: 35, Version: 2}}, []string{"b1", "b2"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	snap := snapshot.NewFilesystemSnapshotter(snapDir)
	if err := snap.WriteSnapshot("snap-1", st); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	mani := manifest.NewFilesystemManifest(snapDir)
	if err := mani.PublishLatest("snap-1", 0); err != nil {
		t.Fatalf("manifest: %v", err)
	}

	// log still holds the older version-1 record; replay must not regress
	logw, _ := output.NewFileWriter(dir, "updates.jsonl")
	if err := logw.Append(output.Update{BatchID: "b1", CustomerID: "1", ProductsPurchased: 2, AmountSpent: 15, Version: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}

	fresh := state.NewMemoryStore(sketch.PolicyExact)
	res, err := NewRestorer(fresh, snap, mani, logw.Path()).RestoreAndReplay()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.UpdatesApplied != 0 || res.UpdatesSkipped != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	row, ok, _ := fresh.Get("1")
	if !ok || row.Version != 2 || row.AmountSpent != 35 {
		t.Fatalf("replay regressed the row: %+v", row)
	}
}

func TestRestoreAndReplay_MissingLogIsFine(t *testing.T) {
	dir := t.TempDir()
	st := state.NewMemoryStore(sketch.PolicyExact)
	_ = st.LoadAll([]state.Row{{CustomerID: "1", AmountSpent: 5, Version: 1}}, nil)
	snap := snapshot.NewFilesystemSnapshotter(dir)
	if err := snap.WriteSnapshot("s", st); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	mani := manifest.NewFilesystemManifest(dir)
	_ = mani.PublishLatest("s", 0)

	fresh := state.NewMemoryStore(sketch.PolicyExact)
	res, err := NewRestorer(fresh, snap, mani, filepath.Join(dir, "no-such.jsonl")).RestoreAndReplay()
	if err != nil {
		t.Fatalf("restore without log: %v", err)
	}
	if res.RowsLoaded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRestoreAndReplay_PolicyMismatchFatal(t *testing.T) {
	dir := t.TempDir()
	st := state.NewMemoryStore(sketch.PolicyApprox)
	snap := snapshot.NewFilesystemSnapshotter(dir)
	if err := snap.WriteSnapshot("s", st); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	mani := manifest.NewFilesystemManifest(dir)
	_ = mani.PublishLatest("s", 0)

	fresh := state.NewMemoryStore(sketch.PolicyExact)
	_, err := NewRestorer(fresh, snap, mani, filepath.Join(dir, "updates.jsonl")).RestoreAndReplay()
	if !errors.Is(err, state.ErrPolicyMismatch) {
		t.Fatalf("want ErrPolicyMismatch, got %v", err)
	}
}
