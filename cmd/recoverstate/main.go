package main

import (
	"flag"

	"github.com/Owengerald/spark-streaming-retail-project/internal/manifest"
	"github.com/Owengerald/spark-streaming-retail-project/internal/restore"
	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
	"github.com/Owengerald/spark-streaming-retail-project/internal/snapshot"
	"github.com/Owengerald/spark-streaming-retail-project/internal/state"
	"github.com/Owengerald/spark-streaming-retail-project/pkg/logging"
)

// recoverstate rebuilds a local aggregate store from the latest
// published snapshot plus the tail of the update log. Run it against an
// empty store directory before restarting streamagg on a new machine.
func main() {
	var (
		snapshotDir    string
		outputLog      string
		backend        string
		storeDir       string
		policyStr      string
		manifestBroker string
		manifestTopic  string
		logLevel       string
	)
	flag.StringVar(&snapshotDir, "snapshot-dir", "./snapshots", "directory holding snapshots and manifest.latest.json")
	flag.StringVar(&manifestBroker, "manifest-bootstrap", "", "read the manifest from this Kafka broker instead of the snapshot dir")
	flag.StringVar(&manifestTopic, "manifest-topic", "retail.aggregate.manifest", "compacted manifest topic (with -manifest-bootstrap)")
	flag.StringVar(&outputLog, "output-log", "./output/customer_aggregates.jsonl", "update log to replay past the snapshot (empty to skip replay)")
	flag.StringVar(&backend, "store-backend", "pebble", "store backend: pebble|badger|memory")
	flag.StringVar(&storeDir, "store-dir", "./data/aggregates", "store directory to rebuild")
	flag.StringVar(&policyStr, "policy", "approx", "distinct counting policy the store was built with: exact|approx")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	log := logging.New(logLevel)
	defer log.Sync()

	policy, err := sketch.ParsePolicy(policyStr)
	if err != nil {
		log.Fatalw("bad policy", "error", err)
	}

	var store state.Store
	switch backend {
	case "badger":
		store, err = state.NewBadgerStore(storeDir, policy)
	case "memory":
		store = state.NewMemoryStore(policy)
	case "pebble":
		store, err = state.NewPebbleStore(storeDir, policy)
	default:
		log.Fatalw("bad backend", "backend", backend)
	}
	if err != nil {
		log.Fatalw("open store", "error", err)
	}
	defer store.Close()

	snap := snapshot.NewFilesystemSnapshotter(snapshotDir)
	var reader manifest.Reader = manifest.NewFilesystemManifest(snapshotDir)
	if manifestBroker != "" {
		reader = manifest.NewKafkaManifestReader([]string{manifestBroker}, manifestTopic, "aggregate-manifest-latest")
	}

	res, err := restore.NewRestorer(store, snap, reader, outputLog).RestoreAndReplay()
	if err != nil {
		log.Fatalw("restore failed", "error", err)
	}
	log.Infow("store rebuilt",
		"snapshot", res.SnapshotID,
		"rows", res.RowsLoaded,
		"replayed", res.UpdatesApplied,
		"skipped", res.UpdatesSkipped,
		"dir", storeDir)
}
