package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dentai/internal/metrics"
	"dentai/internal/queue"
	"dentai/internal/recorder"
)

// Worker drains the record stream into a direct recorder.
type Worker struct {
	queue         *queue.StreamQueue
	recorder      recorder.Recorder
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         *queue.StreamQueue
	Recorder      recorder.Recorder
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		recorder:      cfg.Recorder,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if backlog, err := w.queue.Len(ctx); err == nil && backlog > 0 {
		w.logger.Info().Int64("backlog", backlog).Msg("resuming queued records")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	job := msg.Job
	err := w.recorder.Record(ctx, job.Interaction)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	log.Error().Err(err).
		Str("job_id", job.JobID).
		Str("record_id", job.Interaction.ID).
		Int("attempt", job.Attempts).
		Msg("record job failed")

	if job.Attempts < w.maxJobRetries {
		job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	w.metrics.RecordsDropped.Inc()
	log.Warn().Str("record_id", job.Interaction.ID).Msg("dropping record after retries")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}
