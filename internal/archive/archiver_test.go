package archive

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pulselink/backend/internal/models"
)

type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: make(map[string][]byte)}
}

func (s *memoryObjectStore) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[name] = body
	s.mu.Unlock()
	return name, nil
}

func (s *memoryObjectStore) get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[name]
	return body, ok
}

func TestArchiverUploadsCallRecord(t *testing.T) {
	store := newMemoryObjectStore()
	archiver := New(store, Config{Workers: 2}, nil)

	ended := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	record := models.CallRecord{
		ID:         "call-1",
		CallerID:   "alice",
		ReceiverID: "bob",
		CallType:   models.CallTypeVideo,
		State:      models.CallEnded,
		EndReason:  "completed",
		EndedAt:    ended,
		CreatedAt:  ended.Add(-time.Minute),
	}

	if err := archiver.Enqueue(context.Background(), record); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := archiver.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	body, ok := store.get("calls/2026/03/14/call-1.json")
	if !ok {
		t.Fatal("expected the record under its end-date key")
	}

	var stored models.CallRecord
	if err := json.Unmarshal(body, &stored); err != nil {
		t.Fatalf("unmarshal stored record: %v", err)
	}
	if stored.ID != record.ID || stored.State != record.State {
		t.Fatalf("stored record does not match: %+v", stored)
	}
}

func TestArchiverRejectsAfterShutdown(t *testing.T) {
	archiver := New(newMemoryObjectStore(), Config{}, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := archiver.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := archiver.Enqueue(context.Background(), models.CallRecord{ID: "late"}); err == nil {
		t.Fatal("expected an error enqueueing after shutdown")
	}
}

func TestPutHonorsCallerContext(t *testing.T) {
	// A full queue with no workers forces Put to block on the queue, where
	// the caller's canceled context must win.
	archiver := &Archiver{
		storage: newMemoryObjectStore(),
		jobs:    make(chan job),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := archiver.Put(ctx, "x", []byte("y")); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPutConcurrentWithShutdown(t *testing.T) {
	archiver := New(newMemoryObjectStore(), Config{QueueSize: 1}, nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for {
				if err := archiver.Put(context.Background(), "race", []byte("x")); err != nil {
					return
				}
			}
		}()
	}

	close(start)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := archiver.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	wg.Wait()

	if err := archiver.Put(context.Background(), "late", []byte("x")); err == nil {
		t.Fatal("expected an error enqueueing after shutdown")
	}
}
