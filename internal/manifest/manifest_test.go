package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestFilesystemManifest_PublishAndRead(t *testing.T) {
	dir := t.TempDir()
	m := NewFilesystemManifest(dir)
	if err := m.PublishLatest("snap-1", 42); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := m.ReadLatest()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SnapshotID != "snap-1" || got.LastOutputOffset != 42 {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	if got.CreatedAtEpochSecond == 0 {
		t.Fatalf("created-at not stamped")
	}

	// second publish replaces the first
	if err := m.PublishLatest("snap-2", 99); err != nil {
		t.Fatalf("publish 2: %v", err)
	}
	got, err = m.ReadLatest()
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}
	if got.SnapshotID != "snap-2" || got.LastOutputOffset != 99 {
		t.Fatalf("latest not replaced: %+v", got)
	}
}

func TestFilesystemManifest_ReadMissing(t *testing.T) {
	m := NewFilesystemManifest(t.TempDir())
	if _, err := m.ReadLatest(); err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaManifest_PublishLatest(t *testing.T) {
	fk := &fakeKafkaWriter{}
	km := NewKafkaManifestWith(fk, "aggregate-manifest-latest")
	if err := km.PublishLatest("snap-1", 7); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "aggregate-manifest-latest" {
		t.Fatalf("bad key: %s", fk.msgs[0].Key)
	}
	var m Manifest
	if err := json.Unmarshal(fk.msgs[0].Value, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.SnapshotID != "snap-1" || m.LastOutputOffset != 7 {
		t.Fatalf("unexpected payload: %+v", m)
	}
}

func TestMultiPublisher_StopsOnError(t *testing.T) {
	bad := NewKafkaManifestWith(&fakeKafkaWriter{fail: true}, "k")
	okWriter := &fakeKafkaWriter{}
	good := NewKafkaManifestWith(okWriter, "k")

	if err := MultiPublisher(bad, good).PublishLatest("s", 0); err == nil {
		t.Fatalf("expected error from first publisher")
	}
	if len(okWriter.msgs) != 0 {
		t.Fatalf("second publisher should not run after failure")
	}
}
