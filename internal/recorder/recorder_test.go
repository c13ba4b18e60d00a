package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dentai/internal/crypto"
	"dentai/internal/journal"
	"dentai/internal/queue"
	"dentai/internal/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "dentai.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	k, err := crypto.NewKeyring("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return k
}

func TestWriterSealsStoresAndJournals(t *testing.T) {
	store := openStore(t)
	dir := t.TempDir()
	j, err := journal.New(dir)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	w := NewWriter(WriterConfig{Store: store, Journal: j, Keyring: testKeyring(t), Logger: zerolog.Nop()})

	in, err := NewInteraction(storage.KindChat, "10.0.0.1", "What is a cavity?", map[string]string{"message": "What is a cavity?"})
	if err != nil {
		t.Fatalf("new interaction: %v", err)
	}
	if err := w.Record(context.Background(), in); err != nil {
		t.Fatalf("record: %v", err)
	}

	row, err := store.GetInteraction(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.KeyID == nil || *row.KeyID != "k1" {
		t.Fatalf("expected sealed row, got key id %v", row.KeyID)
	}
	if strings.Contains(row.Payload, "cavity") {
		t.Fatalf("payload stored in plaintext: %s", row.Payload)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read journal dir: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "chat_") {
		t.Fatalf("expected one chat journal file, got %v", entries)
	}

	history, err := w.History(context.Background(), storage.KindChat, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 record, got %d", len(history))
	}
	var payload map[string]string
	if err := json.Unmarshal(history[0].Payload, &payload); err != nil {
		t.Fatalf("payload not readable: %v", err)
	}
	if payload["message"] != "What is a cavity?" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestWriterWithoutKeyringStoresPlaintext(t *testing.T) {
	store := openStore(t)
	w := NewWriter(WriterConfig{Store: store, Logger: zerolog.Nop()})

	in, err := NewInteraction(storage.KindDetect, "", "", map[string]int{"count": 2})
	if err != nil {
		t.Fatalf("new interaction: %v", err)
	}
	if err := w.Record(context.Background(), in); err != nil {
		t.Fatalf("record: %v", err)
	}
	row, err := store.GetInteraction(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.KeyID != nil || row.Payload != `{"count":2}` {
		t.Fatalf("unexpected row %#v", row)
	}
}

func TestOpenSealedWithoutKeyring(t *testing.T) {
	w := NewWriter(WriterConfig{Logger: zerolog.Nop()})
	keyID := "k1"
	if _, err := w.Open(storage.StoredInteraction{ID: "x", Payload: "{}", KeyID: &keyID}); err == nil {
		t.Fatalf("expected error opening sealed record without keyring")
	}
}

type recordingFallback struct {
	got []storage.Interaction
}

func (r *recordingFallback) Record(_ context.Context, in storage.Interaction) error {
	r.got = append(r.got, in)
	return nil
}

func TestQueuedEnqueuesAndFallsBack(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := queue.NewStreamQueue(rdb, "dentai:records", "dentai-workers", "test", 10*time.Millisecond)
	fallback := &recordingFallback{}
	rec := &Queued{Queue: q, Fallback: fallback, Logger: zerolog.Nop()}

	in := storage.Interaction{ID: "q1", Kind: storage.KindChat, Payload: json.RawMessage(`{}`)}
	if err := rec.Record(context.Background(), in); err != nil {
		t.Fatalf("record: %v", err)
	}
	if n, _ := q.Len(context.Background()); n != 1 {
		t.Fatalf("expected 1 queued record, got %d", n)
	}
	if len(fallback.got) != 0 {
		t.Fatalf("fallback used while redis is up")
	}

	mr.Close()
	if err := rec.Record(context.Background(), in); err != nil {
		t.Fatalf("record with redis down: %v", err)
	}
	if len(fallback.got) != 1 || fallback.got[0].ID != "q1" {
		t.Fatalf("expected fallback to receive the record, got %#v", fallback.got)
	}

	noFallback := &Queued{Queue: q, Logger: zerolog.Nop()}
	if err := noFallback.Record(context.Background(), in); err == nil {
		t.Fatalf("expected enqueue error without fallback")
	}
}

func TestWriterResealMovesRecordsToCurrentKey(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	plainWriter := NewWriter(WriterConfig{Store: store, Logger: zerolog.Nop()})
	plain, err := NewInteraction(storage.KindDetect, "", "2 found", map[string]int{"count": 2})
	if err != nil {
		t.Fatalf("new interaction: %v", err)
	}
	if err := plainWriter.Record(ctx, plain); err != nil {
		t.Fatalf("record plain: %v", err)
	}

	oldWriter := NewWriter(WriterConfig{Store: store, Keyring: testKeyring(t), Logger: zerolog.Nop()})
	sealed, err := NewInteraction(storage.KindChat, "", "cavity", map[string]string{"message": "What is a cavity?"})
	if err != nil {
		t.Fatalf("new interaction: %v", err)
	}
	if err := oldWriter.Record(ctx, sealed); err != nil {
		t.Fatalf("record sealed: %v", err)
	}

	oldKey := make([]byte, 32)
	for i := range oldKey {
		oldKey[i] = byte(i)
	}
	newKey := make([]byte, 32)
	for i := range newKey {
		newKey[i] = byte(255 - i)
	}
	rotated, err := crypto.NewKeyring("k2", map[string][]byte{"k1": oldKey, "k2": newKey})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	w := NewWriter(WriterConfig{Store: store, Keyring: rotated, Logger: zerolog.Nop()})

	n, err := w.Reseal(ctx, 1)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 resealed records, got %d", n)
	}
	for _, id := range []string{plain.ID, sealed.ID} {
		row, err := store.GetInteraction(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if row.KeyID == nil || *row.KeyID != "k2" {
			t.Fatalf("%s not under current key: %v", id, row.KeyID)
		}
	}

	got, err := w.Lookup(ctx, sealed.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(got.Payload) != `{"message":"What is a cavity?"}` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}
	got, err = w.Lookup(ctx, plain.ID)
	if err != nil {
		t.Fatalf("lookup plain: %v", err)
	}
	if string(got.Payload) != `{"count":2}` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}

	if n, err := w.Reseal(ctx, 10); err != nil || n != 0 {
		t.Fatalf("second reseal should be a no-op, got %d (%v)", n, err)
	}
	if _, err := w.Lookup(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := plainWriter.Reseal(ctx, 10); err == nil {
		t.Fatalf("expected error resealing without a keyring")
	}
}
