package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WriteJob represents a unit of work to execute against the database.
type WriteJob interface {
	Execute(ctx context.Context, db DB) error
}

// WriteJobFunc adapts a function into a WriteJob.
type WriteJobFunc func(ctx context.Context, db DB) error

func (f WriteJobFunc) Execute(ctx context.Context, db DB) error {
	return f(ctx, db)
}

// BatchWriter collects write jobs and flushes them in batches.
type BatchWriter struct {
	db        DB
	jobs      chan WriteJob
	batchSize int
	interval  time.Duration
	timeout   time.Duration
	wg        sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
	failed  int
}

func NewBatchWriter(db DB, bufferSize, batchSize int, interval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 1
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	w := &BatchWriter{
		db:        db,
		jobs:      make(chan WriteJob, bufferSize),
		batchSize: batchSize,
		interval:  interval,
		timeout:   10 * time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue queues job without blocking. A full queue, or a writer that has
// been shut down, drops the job.
func (w *BatchWriter) Enqueue(job WriteJob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped++
		log.Warn().Msg("write queue closed, dropping job")
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.dropped++
		log.Warn().Msg("write queue full, dropping job")
	}
}

// Dropped returns how many jobs were dropped without being executed.
func (w *BatchWriter) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Failed returns how many executed jobs returned an error.
func (w *BatchWriter) Failed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *BatchWriter) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]WriteJob, 0, w.batchSize)

	for {
		select {
		case job, ok := <-w.jobs:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, job)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *BatchWriter) flush(batch []WriteJob) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	for _, job := range batch {
		if err := job.Execute(ctx, w.db); err != nil {
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
			log.Error().Err(err).Msg("write job failed")
		}
	}
}

// Shutdown stops accepting jobs and waits for queued ones to run.
func (w *BatchWriter) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}
