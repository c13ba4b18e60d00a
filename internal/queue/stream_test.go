package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"dentai/internal/storage"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	q := NewStreamQueue(rdb, "dentai:records", "dentai-workers", "test", 10*time.Millisecond)

	if _, err := q.Enqueue(ctx, RecordJob{Interaction: storage.Interaction{
		ID:      "rec-1",
		Kind:    storage.KindChat,
		Payload: json.RawMessage(`{"message":"hi"}`),
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	job := msgs[0].Job
	if job.JobID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("expected job id and enqueue time to be filled, got %#v", job)
	}
	if job.Interaction.ID != "rec-1" || string(job.Interaction.Payload) != `{"message":"hi"}` {
		t.Fatalf("unexpected interaction %#v", job.Interaction)
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("expected empty stream after ack, got %d (%v)", n, err)
	}

	empty, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no messages, got %d", len(empty))
	}
}

func TestStreamQueueDropsUndecodableEntries(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	q := NewStreamQueue(rdb, "dentai:records", "dentai-workers", "test", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	for _, payload := range []string{"{not json", `{"job_id":"no-interaction"}`} {
		if err := rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: "dentai:records",
			Values: map[string]any{"payload": payload},
		}).Err(); err != nil {
			t.Fatalf("xadd: %v", err)
		}
	}
	if _, err := q.Enqueue(ctx, RecordJob{Interaction: storage.Interaction{ID: "rec-2", Kind: storage.KindDetect}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.Interaction.ID != "rec-2" {
		t.Fatalf("expected only the valid job, got %#v", msgs)
	}
	if n, err := q.Len(ctx); err != nil || n != 1 {
		t.Fatalf("expected undecodable entries removed, got len %d (%v)", n, err)
	}
}
