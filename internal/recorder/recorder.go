// Package recorder persists served interactions, either directly (storage
// plus journal) or by handing them to the worker through the Redis stream.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dentai/internal/crypto"
	"dentai/internal/journal"
	"dentai/internal/metrics"
	"dentai/internal/queue"
	"dentai/internal/storage"
)

type Recorder interface {
	Record(ctx context.Context, in storage.Interaction) error
}

// NewInteraction stamps a fresh id and time on a record of kind.
func NewInteraction(kind, clientAddr, summary string, payload any) (storage.Interaction, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return storage.Interaction{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return storage.Interaction{
		ID:         uuid.NewString(),
		Kind:       kind,
		ClientAddr: clientAddr,
		Summary:    summary,
		Payload:    b,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

type WriterConfig struct {
	Store   *storage.Store
	Journal *journal.Journal
	Keyring *crypto.Keyring
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Writer seals, stores and journals records. Journal and Keyring are
// optional.
type Writer struct {
	store   *storage.Store
	journal *journal.Journal
	keyring *crypto.Keyring
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewWriter(cfg WriterConfig) *Writer {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Writer{
		store:   cfg.Store,
		journal: cfg.Journal,
		keyring: cfg.Keyring,
		logger:  cfg.Logger,
		metrics: m,
	}
}

var _ Recorder = (*Writer)(nil)

func (w *Writer) Record(ctx context.Context, in storage.Interaction) error {
	rec, err := w.seal(in)
	if err != nil {
		w.metrics.RecordsFailed.Inc()
		return err
	}
	if err := w.store.InsertInteraction(ctx, rec); err != nil {
		w.metrics.RecordsFailed.Inc()
		return err
	}
	if w.journal != nil {
		path, err := w.journal.Append(rec)
		if err != nil {
			w.metrics.RecordsFailed.Inc()
			return fmt.Errorf("append journal: %w", err)
		}
		w.logger.Debug().Str("id", rec.ID).Str("path", path).Msg("journal record written")
	}
	w.metrics.RecordsWritten.Inc()
	return nil
}

func (w *Writer) seal(in storage.Interaction) (storage.StoredInteraction, error) {
	rec := storage.StoredInteraction{
		ID:         in.ID,
		Kind:       in.Kind,
		ClientAddr: in.ClientAddr,
		Summary:    in.Summary,
		Payload:    string(in.Payload),
		CreatedAt:  in.CreatedAt,
	}
	if strings.TrimSpace(rec.Payload) == "" {
		rec.Payload = "null"
	}
	if w.keyring == nil {
		return rec, nil
	}
	sealed, keyID, err := w.keyring.Seal(in.Payload)
	if err != nil {
		return storage.StoredInteraction{}, fmt.Errorf("seal payload: %w", err)
	}
	rec.Payload = sealed
	rec.KeyID = &keyID
	return rec, nil
}

// Open turns a stored row back into an interaction, unsealing the payload
// when it was sealed.
func (w *Writer) Open(rec storage.StoredInteraction) (storage.Interaction, error) {
	payload := []byte(rec.Payload)
	if rec.KeyID != nil {
		if w.keyring == nil {
			return storage.Interaction{}, fmt.Errorf("record %s is sealed but no master key is configured", rec.ID)
		}
		plain, err := w.keyring.Open(rec.Payload)
		if err != nil {
			return storage.Interaction{}, fmt.Errorf("open record %s: %w", rec.ID, err)
		}
		payload = plain
	}
	return storage.Interaction{
		ID:         rec.ID,
		Kind:       rec.Kind,
		ClientAddr: rec.ClientAddr,
		Summary:    rec.Summary,
		Payload:    payload,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// History lists recent records with readable payloads. Records that cannot
// be unsealed are skipped and logged.
func (w *Writer) History(ctx context.Context, kind string, limit int) ([]storage.Interaction, error) {
	rows, err := w.store.ListInteractions(ctx, kind, limit)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Interaction, 0, len(rows))
	for _, r := range rows {
		in, err := w.Open(r)
		if err != nil {
			w.logger.Warn().Err(err).Str("id", r.ID).Msg("skipping unreadable record")
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// Lookup returns one record with its payload unsealed. A missing record
// yields storage.ErrNotFound.
func (w *Writer) Lookup(ctx context.Context, id string) (storage.Interaction, error) {
	rec, err := w.store.GetInteraction(ctx, id)
	if err != nil {
		return storage.Interaction{}, err
	}
	return w.Open(rec)
}

// Reseal moves every stored payload under the keyring's current key: rows
// sealed with an older key are re-encrypted and plaintext rows are sealed.
// Journal files are left as written. It returns the number of rows updated.
func (w *Writer) Reseal(ctx context.Context, batch int) (int, error) {
	if w.keyring == nil {
		return 0, fmt.Errorf("reseal requires a master key")
	}
	if batch <= 0 {
		batch = storage.MaxListLimit
	}
	current := w.keyring.CurrentKeyID()

	total := 0
	for {
		rows, err := w.store.ListNotSealedWith(ctx, current, batch)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		for _, r := range rows {
			var sealed, keyID string
			if r.KeyID == nil {
				sealed, keyID, err = w.keyring.Seal([]byte(r.Payload))
			} else {
				sealed, keyID, err = w.keyring.Reseal(r.Payload)
			}
			if err != nil {
				return total, fmt.Errorf("reseal record %s: %w", r.ID, err)
			}
			if err := w.store.UpdatePayload(ctx, r.ID, sealed, &keyID); err != nil {
				return total, fmt.Errorf("reseal record %s: %w", r.ID, err)
			}
			total++
		}
		w.logger.Info().Int("updated", total).Str("key_id", current).Msg("resealed batch")
	}
}

// Queued hands records to the worker. When the stream is unreachable the
// record goes to Fallback instead, if set.
type Queued struct {
	Queue    *queue.StreamQueue
	Fallback Recorder
	Logger   zerolog.Logger
}

var _ Recorder = (*Queued)(nil)

func (q *Queued) Record(ctx context.Context, in storage.Interaction) error {
	_, err := q.Queue.Enqueue(ctx, queue.RecordJob{Interaction: in})
	if err == nil {
		return nil
	}
	if q.Fallback == nil {
		return err
	}
	q.Logger.Warn().Err(err).Str("id", in.ID).Msg("enqueue failed, writing record directly")
	return q.Fallback.Record(ctx, in)
}
