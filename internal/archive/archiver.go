// Package archive copies terminal call records to object storage for
// long-term retention. Uploads are best-effort and never gate signaling.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pulselink/backend/internal/models"
)

// ObjectStore persists one named object.
type ObjectStore interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
}

// Config controls the concurrency characteristics of the archiver.
type Config struct {
	QueueSize int
	Workers   int
}

// Archiver asynchronously uploads serialized call records.
type Archiver struct {
	storage ObjectStore
	logger  *slog.Logger

	jobs chan job

	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup

	wg   sync.WaitGroup
	once sync.Once
}

type job struct {
	name string
	body []byte
}

var errArchiverClosed = errors.New("archiver closed")

// New constructs a background worker pool writing to storage.
func New(storage ObjectStore, cfg Config, logger *slog.Logger) *Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Archiver{
		storage: storage,
		logger:  logger,
		jobs:    make(chan job, cfg.QueueSize),
	}

	a.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go a.worker()
	}

	return a
}

// Enqueue schedules the upload of one terminal call record, keyed by end
// date and call id.
func (a *Archiver) Enqueue(ctx context.Context, record models.CallRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}
	name := fmt.Sprintf("calls/%s/%s.json", record.EndedAt.UTC().Format("2006/01/02"), record.ID)
	return a.Put(ctx, name, body)
}

// Put schedules an upload of body under name. The sender registration below
// keeps the jobs channel open until every admitted Put has finished its send.
func (a *Archiver) Put(ctx context.Context, name string, body []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errArchiverClosed
	}
	a.senders.Add(1)
	a.mu.Unlock()
	defer a.senders.Done()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case a.jobs <- job{name: name, body: body}:
		return nil
	}
}

// Shutdown waits for the worker pool to drain outstanding jobs.
func (a *Archiver) Shutdown(ctx context.Context) error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		// The channel closes only after the last in-flight Put has sent,
		// so no sender can ever race the close.
		go func() {
			a.senders.Wait()
			close(a.jobs)
		}()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	// Accepted jobs still drain after Shutdown, which never strands
	// uploads already in the queue.
	for j := range a.jobs {
		a.handle(j)
	}
}

func (a *Archiver) handle(j job) {
	if a.storage == nil {
		a.logger.Error("archiver missing object store")
		return
	}

	uploadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	location, err := a.storage.Save(uploadCtx, j.name, bytes.NewReader(j.body))
	if err != nil {
		a.logger.Error("archive upload failed", "name", j.name, "error", err)
		return
	}
	a.logger.Debug("call record archived", "name", j.name, "location", location)
}
