package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendJob(ctx, "job-1", "chat", ""); err != nil {
		t.Fatalf("append job on ephemeral store: %v", err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var es *Store
	if err := es.AppendEvent(context.Background(), Event{JobID: "x", Status: "queued"}); err != nil {
		t.Fatalf("nil store append: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("nil store close: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "jobs.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.AppendJob(ctx, "job-123", "chat", "c1"); err != nil {
		t.Fatalf("append job: %v", err)
	}
	for _, status := range []string{"queued", "running", "succeeded"} {
		if err := es.AppendEvent(ctx, Event{JobID: "job-123", Status: status}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.AppendEvent(ctx, Event{JobID: "job-123", Status: "failed", Code: "Timeout", Detail: "job exceeded its time limit"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListJobEvents(ctx, "job-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Status != "queued" || events[3].Code != "Timeout" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to round-trip")
	}
}

func TestPruneByDaysAndJobs(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "jobs.db"), RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendJob(ctx, "old-job", "chat", ""); err != nil {
		t.Fatalf("append job: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "old-job", Status: "queued"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid-job", "new-job"} {
		if err := es.AppendJob(ctx, id, "chat", ""); err != nil {
			t.Fatalf("append job: %v", err)
		}
		if err := es.AppendEvent(ctx, Event{JobID: id, Status: "queued"}); err != nil {
			t.Fatalf("append event: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListJobEvents(ctx, "old-job", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old job pruned")
	}
	events, err = es.ListJobEvents(ctx, "mid-job", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected job beyond max_jobs pruned with its events")
	}
	events, err = es.ListJobEvents(ctx, "new-job", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected newest job kept, got %d events", len(events))
	}
}
