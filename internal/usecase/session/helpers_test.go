package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/domain/repositories"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/storage"
	"github.com/johnquangdev/meeting-session/pkg/inference"
)

// fakeInference answers endpoints from canned handlers. A missing handler
// behaves like every backend being down.
type fakeInference struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(body interface{}) (interface{}, error)
}

func newFakeInference() *fakeInference {
	return &fakeInference{
		calls:    map[string]int{},
		handlers: map[string]func(body interface{}) (interface{}, error){},
	}
}

func (f *fakeInference) on(endpoint string, h func(body interface{}) (interface{}, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[endpoint] = h
}

func (f *fakeInference) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeInference) Call(_ context.Context, endpoint string, body interface{}, out interface{}) (*inference.CallResult, error) {
	f.mu.Lock()
	f.calls[endpoint]++
	h := f.handlers[endpoint]
	f.mu.Unlock()

	if h == nil {
		return nil, &inference.FailoverError{Endpoint: endpoint}
	}
	resp, err := h(body)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return &inference.CallResult{Backend: inference.BackendPrimary}, nil
}

type fakeRecords struct {
	mu      sync.Mutex
	records []*entities.FinalizeRecord
}

func (f *fakeRecords) Save(_ context.Context, r *entities.FinalizeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeRecords) LatestBySession(_ context.Context, id string) (*entities.FinalizeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].SessionID == id {
			return f.records[i], nil
		}
	}
	return nil, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*entities.SpeakerEvent
}

func (f *fakeEvents) SaveEvents(_ context.Context, evs []*entities.SpeakerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs...)
	return nil
}

func (f *fakeEvents) ListBySession(_ context.Context, id string) ([]*entities.SpeakerEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entities.SpeakerEvent
	for _, e := range f.events {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type harness struct {
	blobs    *storage.MemoryStore
	store    repositories.BlobStore
	inf      *fakeInference
	records  *fakeRecords
	events   *fakeEvents
	registry *Registry
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		blobs:   storage.NewMemoryStore(),
		inf:     newFakeInference(),
		records: &fakeRecords{},
		events:  &fakeEvents{},
	}
	h.registry = h.newRegistry(opts)
	t.Cleanup(func() { _ = h.registry.Shutdown(context.Background()) })
	return h
}

// newRegistry builds a second registry over the same storage, as after a restart
func (h *harness) newRegistry(opts Options) *Registry {
	var blobs repositories.BlobStore = h.blobs
	if h.store != nil {
		blobs = h.store
	}
	return NewRegistry(Deps{
		Blobs:     blobs,
		Events:    h.events,
		Records:   h.records,
		Inference: h.inf,
		Logger:    zap.NewNop(),
	}, opts)
}

func (h *harness) actor(t *testing.T, id string) *Actor {
	t.Helper()
	a, err := h.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return a
}

func chunk(id string, role entities.StreamRole, seq int64) entities.AudioChunk {
	return entities.AudioChunk{
		SessionID:   id,
		StreamRole:  role,
		Seq:         seq,
		TimestampMs: (seq - 1) * entities.ChunkDurationMs,
		Data:        make([]byte, entities.ChunkBytes),
	}
}

func vector(seed float32) []float32 {
	v := make([]float32, entities.EmbeddingDim)
	for i := range v {
		v[i] = seed
	}
	return v
}

// emit delivers a recognizer result the way a relay does and waits for it
func emit(t *testing.T, a *Actor, u entities.RawUtterance) {
	t.Helper()
	a.Post(func(st *state) { a.acceptUtterance(st, u) })
	if err := a.Do(context.Background(), func(*state) error { return nil }); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

// resultlessStore rejects writes of result.json
type resultlessStore struct {
	*storage.MemoryStore
}

func (s resultlessStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if strings.HasSuffix(key, "/result.json") {
		return errors.New("bucket unavailable")
	}
	return s.MemoryStore.Put(ctx, key, data, contentType)
}
