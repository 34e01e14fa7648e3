package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/Owengerald/spark-streaming-retail-project/internal/merger"
	"github.com/Owengerald/spark-streaming-retail-project/internal/model"
	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
	"github.com/Owengerald/spark-streaming-retail-project/internal/state"
	"github.com/Owengerald/spark-streaming-retail-project/pkg/logging"
)

// batchagg runs the one-shot batch walkthrough: read every order from a
// JSONL file, flatten line items and print the complete per-customer
// aggregate table.
func main() {
	var (
		inputFile string
		outFile   string
		policyStr string
		relErr    float64
		logLevel  string
	)
	flag.StringVar(&inputFile, "input", "orders.jsonl", "orders JSONL file")
	flag.StringVar(&outFile, "output", "", "write the table here instead of stdout")
	flag.StringVar(&policyStr, "distinct-policy", "exact", "distinct order counting: exact|approx")
	flag.Float64Var(&relErr, "relative-error", sketch.DefaultRelativeError, "approx counting error bound")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	log := logging.New(logLevel)
	defer log.Sync()

	if err := run(inputFile, outFile, policyStr, relErr); err != nil {
		log.Fatalw("batch aggregation failed", "error", err)
	}
}

func run(inputFile, outFile, policyStr string, relErr float64) error {
	policy, err := sketch.ParsePolicy(policyStr)
	if err != nil {
		return err
	}

	lines, err := readLines(inputFile)
	if err != nil {
		return err
	}

	m, err := merger.New(state.NewMemoryStore(policy), merger.Config{Policy: policy, RelativeError: relErr})
	if err != nil {
		return err
	}
	res, err := m.ApplyBatch(context.Background(), "batch:"+inputFile, lines)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	for _, rej := range res.Rejected {
		fmt.Fprintf(os.Stderr, "skipped malformed record %d: %v\n", rej.Index, rej.Err)
	}

	var table []state.Aggregate
	if err := m.ScanAll(func(a state.Aggregate) error {
		table = append(table, a)
		return nil
	}); err != nil {
		return fmt.Errorf("scan table: %w", err)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].CustomerID < table[j].CustomerID })

	out := os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	for i := range table {
		if err := enc.Encode(&table[i]); err != nil {
			return fmt.Errorf("write table: %w", err)
		}
	}
	return nil
}

func readLines(path string) ([]model.OrderLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	defer f.Close()

	var lines []model.OrderLine
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 1<<20), 1<<20)
	n := 0
	for s.Scan() {
		n++
		var o model.Order
		if err := json.Unmarshal(s.Bytes(), &o); err != nil {
			return nil, fmt.Errorf("order line %d: %w", n, err)
		}
		lines = append(lines, model.Flatten(o)...)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan orders: %w", err)
	}
	return lines, nil
}
