package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/Owengerald/spark-streaming-retail-project/internal/config"
	"github.com/Owengerald/spark-streaming-retail-project/internal/manifest"
	"github.com/Owengerald/spark-streaming-retail-project/internal/merger"
	"github.com/Owengerald/spark-streaming-retail-project/internal/metrics"
	"github.com/Owengerald/spark-streaming-retail-project/internal/model"
	"github.com/Owengerald/spark-streaming-retail-project/internal/output"
	"github.com/Owengerald/spark-streaming-retail-project/internal/restore"
	"github.com/Owengerald/spark-streaming-retail-project/internal/snapshot"
	"github.com/Owengerald/spark-streaming-retail-project/internal/state"
	"github.com/Owengerald/spark-streaming-retail-project/pkg/logging"
)

// streamagg is the streaming variant of the batch job: orders arrive as
// micro-batches, each batch merges into the persistent per-customer
// aggregate table, and refreshed rows stream out in update mode (or the
// whole table in complete mode).
func main() {
	var (
		cfgPath    string
		mode       string
		maxBatches int
		logLevel   string
	)
	flag.StringVar(&cfgPath, "config", "", "YAML config path (defaults apply when empty)")
	flag.StringVar(&mode, "mode", "update", "streaming output mode: update|complete")
	flag.IntVar(&maxBatches, "max-batches", 0, "stop after this many batches (0 = run until interrupted)")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	log := logging.New(logLevel)
	defer log.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalw("config", "error", err)
	}
	if mode != "update" && mode != "complete" {
		log.Fatalw("bad mode", "mode", mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, mode, maxBatches, log); err != nil {
		log.Fatalw("streamagg failed", "error", err)
	}
}

type service struct {
	cfg        *config.Config
	mode       string
	log        *zap.SugaredLogger
	store      state.Store
	merge      *merger.Merger
	out        output.Writer
	outLog     *output.FileWriter // nil unless a file sink is configured
	outLines   int64
	mreg       *metrics.Registry
	snap       *snapshot.FilesystemSnapshotter
	mani       manifest.Publisher
	lastSnap   time.Time
	batchCount int
}

func run(ctx context.Context, cfg *config.Config, mode string, maxBatches int, log *zap.SugaredLogger) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := &service{cfg: cfg, mode: mode, log: log, store: store, mreg: metrics.NewRegistry(), lastSnap: time.Now()}
	svc.snap = snapshot.NewFilesystemSnapshotter(cfg.Snapshot.Dir)
	svc.mani, err = buildManifestSinks(cfg)
	if err != nil {
		return err
	}
	if svc.out, svc.outLog, err = buildOutputSinks(cfg); err != nil {
		return err
	}

	if err := svc.restoreState(); err != nil {
		return err
	}

	svc.merge, err = merger.New(store, merger.Config{
		Policy:        cfg.Policy(),
		RelativeError: cfg.Distinct.RelativeError,
		Workers:       cfg.Merge.Workers,
		MaxRetries:    cfg.Merge.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff(),
	})
	if err != nil {
		return err
	}

	go svc.serveHTTP()

	log.Infow("streamagg started",
		"source", cfg.Input.Source, "backend", cfg.Store.Backend,
		"policy", cfg.Distinct.Policy, "mode", mode)

	switch cfg.Input.Source {
	case "kafka":
		err = svc.consumeKafka(ctx, maxBatches)
	default:
		err = svc.consumeFile(ctx, maxBatches)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// final snapshot so a restart resumes from here
	if err := svc.writeSnapshot(); err != nil {
		log.Warnw("final snapshot failed", "error", err)
	}
	log.Infow("streamagg stopped", "batches", svc.batchCount)
	return nil
}

func openStore(cfg *config.Config) (state.Store, error) {
	switch cfg.Store.Backend {
	case "badger":
		return state.NewBadgerStore(cfg.Store.Dir, cfg.Policy())
	case "memory":
		return state.NewMemoryStore(cfg.Policy()), nil
	default:
		return state.NewPebbleStore(cfg.Store.Dir, cfg.Policy())
	}
}

func buildOutputSinks(cfg *config.Config) (output.Writer, *output.FileWriter, error) {
	var writers []output.Writer
	var fw *output.FileWriter
	if cfg.Output.Sink == "file" || cfg.Output.Sink == "both" || cfg.Output.Sink == "" {
		w, err := output.NewFileWriter(cfg.Output.Dir, cfg.Output.File)
		if err != nil {
			return nil, nil, fmt.Errorf("init output file: %w", err)
		}
		fw = w
		writers = append(writers, w)
	}
	if (cfg.Output.Sink == "kafka" || cfg.Output.Sink == "both") && cfg.Output.Bootstrap != "" {
		writers = append(writers, output.NewKafkaWriter(cfg.Output.Bootstrap, cfg.Output.Topic))
	}
	if len(writers) == 1 {
		return writers[0], fw, nil
	}
	return output.NewMultiWriter(writers...), fw, nil
}

func buildManifestSinks(cfg *config.Config) (manifest.Publisher, error) {
	fs := manifest.NewFilesystemManifest(cfg.Snapshot.Dir)
	switch cfg.Snapshot.ManifestSink {
	case "kafka":
		if cfg.Output.Bootstrap == "" {
			return nil, fmt.Errorf("manifest sink kafka needs output.bootstrap")
		}
		return manifest.NewKafkaManifest(cfg.Output.Bootstrap, cfg.Snapshot.ManifestTopic, "aggregate-manifest-latest"), nil
	case "both":
		if cfg.Output.Bootstrap == "" {
			return nil, fmt.Errorf("manifest sink kafka needs output.bootstrap")
		}
		return manifest.MultiPublisher(fs, manifest.NewKafkaManifest(cfg.Output.Bootstrap, cfg.Snapshot.ManifestTopic, "aggregate-manifest-latest")), nil
	default:
		return fs, nil
	}
}

// restoreState rebuilds the table from the latest snapshot plus the
// output log. A missing manifest just means a fresh start.
func (s *service) restoreState() error {
	if s.outLog != nil {
		n, err := countLines(s.outLog.Path())
		if err != nil {
			return fmt.Errorf("count output log: %w", err)
		}
		s.outLines = n
	}
	reader := manifest.NewFilesystemManifest(s.cfg.Snapshot.Dir)
	if _, err := reader.ReadLatest(); err != nil {
		s.log.Infow("no snapshot manifest, starting fresh")
		return nil
	}
	logPath := ""
	if s.outLog != nil {
		logPath = s.outLog.Path()
	}
	res, err := restore.NewRestorer(s.store, s.snap, reader, logPath).RestoreAndReplay()
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	s.log.Infow("state restored",
		"snapshot", res.SnapshotID, "rows", res.RowsLoaded,
		"replayed", res.UpdatesApplied, "skipped", res.UpdatesSkipped)
	return nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	var n int64
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func (s *service) serveHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.mreg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/customers/", func(w http.ResponseWriter, r *http.Request) {
		id := filepath.Base(r.URL.Path)
		agg, ok, err := s.merge.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(agg)
	})
	if err := http.ListenAndServe(s.cfg.HTTPAddr, mux); err != nil {
		s.log.Warnw("http server stopped", "error", err)
	}
}

// applyBatch runs one micro-batch through the merger and fans out the
// results. Returns only fatal errors; rejected records and duplicate
// deliveries are counted and logged.
func (s *service) applyBatch(ctx context.Context, batchID string, lines []model.OrderLine) error {
	start := time.Now()
	res, err := s.merge.ApplyBatch(ctx, batchID, lines)
	if err != nil {
		s.mreg.BatchesFailed.Inc()
		return err
	}
	s.mreg.MergeLatencySec.Observe(time.Since(start).Seconds())
	if res.Duplicate {
		s.mreg.BatchesDuplicate.Inc()
		s.log.Infow("duplicate batch skipped", "batch", batchID)
		return nil
	}
	s.mreg.BatchesApplied.Inc()
	s.mreg.RecordsMerged.Add(float64(res.Merged))
	s.mreg.RecordsRejected.Add(float64(len(res.Rejected)))
	s.mreg.CommitRetries.Add(float64(res.Retries))
	for _, rej := range res.Rejected {
		s.log.Warnw("record rejected", "batch", batchID, "index", rej.Index, "error", rej.Err)
	}

	for _, u := range res.Updates {
		if err := s.out.Append(u); err != nil {
			return fmt.Errorf("emit update: %w", err)
		}
		s.outLines++
	}
	if s.mode == "complete" {
		if err := s.dumpComplete(); err != nil {
			return err
		}
	}

	s.batchCount++
	s.log.Infow("batch merged",
		"batch", batchID, "records", res.Merged,
		"customers", res.Customers, "rejected", len(res.Rejected))

	if interval := time.Duration(s.cfg.Snapshot.IntervalSec) * time.Second; interval > 0 && time.Since(s.lastSnap) >= interval {
		if err := s.writeSnapshot(); err != nil {
			return err
		}
	}
	s.mreg.SnapshotAgeSec.Set(time.Since(s.lastSnap).Seconds())
	return nil
}

// dumpComplete rewrites the whole table, the complete-output mode.
func (s *service) dumpComplete() error {
	var table []state.Aggregate
	if err := s.merge.ScanAll(func(a state.Aggregate) error {
		table = append(table, a)
		return nil
	}); err != nil {
		return fmt.Errorf("scan table: %w", err)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].CustomerID < table[j].CustomerID })
	s.mreg.CustomersTracked.Set(float64(len(table)))

	path := filepath.Join(s.cfg.Output.Dir, "complete.json")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create complete dump: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(table); err != nil {
		f.Close()
		return fmt.Errorf("write complete dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *service) writeSnapshot() error {
	id := time.Now().UTC().Format("20060102T150405Z")
	if err := s.snap.WriteSnapshot(id, s.store); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.mani.PublishLatest(id, s.outLines); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	s.lastSnap = time.Now()
	s.log.Infow("snapshot published", "snapshot", id, "outputOffset", s.outLines)
	return nil
}

// consumeFile replays a JSONL order file as deterministic micro-batches,
// so re-running the same file is a no-op thanks to batch markers.
func (s *service) consumeFile(ctx context.Context, maxBatches int) error {
	f, err := os.Open(s.cfg.Input.Path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	base := filepath.Base(s.cfg.Input.Path)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)

	var (
		lines    []model.OrderLine
		batchNum int
		orderNum int
	)
	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		batchNum++
		id := fmt.Sprintf("%s:%06d", base, batchNum)
		if err := s.applyBatch(ctx, id, lines); err != nil {
			return err
		}
		lines = nil
		return nil
	}

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		orderNum++
		var o model.Order
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			s.log.Warnw("undecodable order skipped", "line", orderNum, "error", err)
			continue
		}
		lines = append(lines, model.Flatten(o)...)
		if len(lines) >= s.cfg.Input.BatchSize {
			if err := flush(); err != nil {
				return err
			}
			if maxBatches > 0 && batchNum >= maxBatches {
				return nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}
	return flush()
}

// consumeKafka reads orders from the input topic and cuts micro-batches
// by size or by quiet period. Offsets commit only after the merge is
// durable, so a crash re-delivers the batch and the batch marker makes
// the re-delivery a no-op.
func (s *service) consumeKafka(ctx context.Context, maxBatches int) error {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  s.cfg.Input.Bootstrap,
		"group.id":           s.cfg.Input.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer c.Close()
	if err := c.SubscribeTopics([]string{s.cfg.Input.Topic}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var (
		lines    []model.OrderLine
		firstOff ck.TopicPartition
		lastOff  ck.TopicPartition
		batches  int
	)
	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		// offsets pin the batch identity across re-deliveries
		id := fmt.Sprintf("%s/%d@%d-%d", *firstOff.Topic, firstOff.Partition, firstOff.Offset, lastOff.Offset)
		if err := s.applyBatch(ctx, id, lines); err != nil {
			return err
		}
		if _, err := c.Commit(); err != nil {
			return fmt.Errorf("commit offsets: %w", err)
		}
		lines = nil
		batches++
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := c.ReadMessage(s.cfg.BatchWait())
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				// quiet period closes the batch
				if err := flush(); err != nil {
					return err
				}
				if maxBatches > 0 && batches >= maxBatches {
					return nil
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		var o model.Order
		if err := json.Unmarshal(msg.Value, &o); err != nil {
			s.log.Warnw("undecodable order skipped", "offset", msg.TopicPartition, "error", err)
			continue
		}
		if len(lines) == 0 {
			firstOff = msg.TopicPartition
		}
		lastOff = msg.TopicPartition
		lines = append(lines, model.Flatten(o)...)
		if len(lines) >= s.cfg.Input.BatchSize {
			if err := flush(); err != nil {
				return err
			}
			if maxBatches > 0 && batches >= maxBatches {
				return nil
			}
		}
	}
}
