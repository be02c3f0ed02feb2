package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/cache"
	"github.com/johnquangdev/meeting-session/internal/usecase/ingest"
	"github.com/johnquangdev/meeting-session/pkg/inference"
)

func TestActor_IngestSequencing(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.actor(t, "s1")
	ctx := context.Background()

	if _, err := a.Hello(ctx, entities.StreamRoleTeacher, entities.SessionConfig{Roster: []string{"Alice"}}); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	want := []struct {
		seq    int64
		status ingest.AckStatus
	}{
		{1, ingest.AckStored},
		{2, ingest.AckStored},
		{2, ingest.AckDuplicate},
		{5, ingest.AckStored},
	}
	var last ingest.ChunkOutcome
	for _, w := range want {
		out, err := a.IngestChunk(ctx, chunk("s1", entities.StreamRoleTeacher, w.seq))
		if err != nil {
			t.Fatalf("IngestChunk(%d): %v", w.seq, err)
		}
		if out.Status != w.status {
			t.Errorf("seq %d: status %s, want %s", w.seq, out.Status, w.status)
		}
		last = out
	}

	c := last.Counters
	if c.LastSeq != 5 || c.StoredCount != 3 || c.DuplicateCount != 1 || c.MissingCount != 2 {
		t.Errorf("counters = %+v", c)
	}

	keys, _ := h.blobs.List(ctx, entities.ChunkPrefix("s1", entities.StreamRoleTeacher))
	if len(keys) != 3 {
		t.Errorf("expected 3 stored chunks, got %d", len(keys))
	}

	st, err := a.StreamStatus(ctx, entities.StreamRoleTeacher)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Connected || st.Ingest.LastSeq != 5 {
		t.Errorf("stream status = %+v", st)
	}
}

func TestActor_InvalidRole(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.actor(t, "s1")

	_, err := a.Hello(context.Background(), entities.StreamRole("choir"), entities.SessionConfig{})
	if !errors.Is(err, entities.ErrInvalidStreamRole) {
		t.Fatalf("expected ErrInvalidStreamRole, got %v", err)
	}
}

func TestActor_CaptureComposite(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.actor(t, "s1")
	ctx := context.Background()

	composite, err := a.ReportCapture(ctx, entities.StreamRoleTeacher, entities.CaptureHealth{State: entities.CaptureStateRunning})
	if err != nil {
		t.Fatal(err)
	}
	if composite != entities.CaptureStateRunning {
		t.Errorf("composite = %s, want running", composite)
	}

	composite, _ = a.ReportCapture(ctx, entities.StreamRoleStudents, entities.CaptureHealth{State: entities.CaptureStateRecovering, RecoverAttempts: 2})
	if composite != entities.CaptureStateRecovering {
		t.Errorf("composite = %s, want recovering", composite)
	}

	mixed, _ := a.StreamStatus(ctx, entities.StreamRoleMixed)
	if mixed.Capture.State != entities.CaptureStateRecovering {
		t.Errorf("mixed capture view = %s, want recovering", mixed.Capture.State)
	}
	if mixed.Capture.UpdatedAt.IsZero() {
		t.Errorf("mixed capture view has no report time")
	}
	students, _ := a.StreamStatus(ctx, entities.StreamRoleStudents)
	if students.Capture.RecoverAttempts != 2 || students.Capture.UpdatedAt.IsZero() {
		t.Errorf("students capture = %+v", students.Capture)
	}
}

func TestActor_ResolveLockedBindingWins(t *testing.T) {
	h := newHarness(t, Options{})
	h.inf.on(inference.EndpointResolve, func(interface{}) (interface{}, error) {
		return resolveResponse{ClusterID: "c1", SpeakerName: "Bob", Decision: entities.DecisionAuto, Confidence: 0.9, SegmentID: "seg1", Embedding: vector(0.1)}, nil
	})
	a := h.actor(t, "s1")
	ctx := context.Background()

	if _, err := a.SetBinding(ctx, "c1", "Alice", true); err != nil {
		t.Fatalf("SetBinding: %v", err)
	}
	out, err := a.Resolve(ctx, ResolveInput{StreamRole: entities.StreamRoleStudents, StartMs: 0, EndMs: 2000})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if out.Resolution.SpeakerName != "Alice" || out.Resolution.Reason != "locked_binding" {
		t.Errorf("resolution = %+v", out.Resolution)
	}
	if out.BackendName != "Bob" || out.Backend != string(inference.BackendPrimary) {
		t.Errorf("backend fields = %+v", out)
	}
	if !out.EmbeddingCached || out.EventID == "" {
		t.Errorf("expected cached embedding and an event id, got %+v", out)
	}

	events, _ := a.Events(ctx)
	if len(events) != 2 {
		t.Fatalf("expected manual + resolve events, got %d", len(events))
	}
	if len(h.events.events) != 2 {
		t.Errorf("events should be persisted, got %d", len(h.events.events))
	}

	state, _ := a.State(ctx)
	if state.EmbeddingCount != 1 {
		t.Errorf("embedding count = %d", state.EmbeddingCount)
	}
}

func TestActor_ResolveExtractsName(t *testing.T) {
	h := newHarness(t, Options{})
	h.inf.on(inference.EndpointResolve, func(interface{}) (interface{}, error) {
		return resolveResponse{ClusterID: "c2", Decision: entities.DecisionUnknown}, nil
	})
	a := h.actor(t, "s1")
	ctx := context.Background()
	if _, err := a.Configure(ctx, entities.SessionConfig{Roster: []string{"Alice Wong", "Bob"}}); err != nil {
		t.Fatal(err)
	}

	out, err := a.Resolve(ctx, ResolveInput{
		StreamRole: entities.StreamRoleStudents,
		StartMs:    1000,
		EndMs:      3000,
		ASRText:    "hi everyone, my name is Bob",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r := out.Resolution
	if r.SpeakerName != "Bob" || r.Decision != entities.DecisionConfirm || r.Source != entities.BindingSourceNameExtract {
		t.Errorf("resolution = %+v", r)
	}
}

func TestActor_ResolveEmbeddingCacheFull(t *testing.T) {
	h := newHarness(t, Options{EmbeddingCacheBytes: 1})
	h.inf.on(inference.EndpointResolve, func(interface{}) (interface{}, error) {
		return resolveResponse{ClusterID: "c1", SpeakerName: "Alice", Decision: entities.DecisionConfirm, Embedding: vector(0.2)}, nil
	})
	a := h.actor(t, "s1")
	ctx := context.Background()

	out, err := a.Resolve(ctx, ResolveInput{StreamRole: entities.StreamRoleStudents, EndMs: 1000})
	if err != nil {
		t.Fatalf("Resolve should still answer, got %v", err)
	}
	if out.EmbeddingCached {
		t.Errorf("embedding should not be cached")
	}
	if out.Resolution.SpeakerName != "Alice" {
		t.Errorf("resolution = %+v", out.Resolution)
	}

	events, _ := a.Events(ctx)
	if len(events) != 1 || events[0].Evidence["embedding_cache_full"] != true {
		t.Fatalf("expected embedding_cache_full evidence, got %+v", events)
	}
}

func TestActor_ResolveBackendDown(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.actor(t, "s1")

	_, err := a.Resolve(context.Background(), ResolveInput{StreamRole: entities.StreamRoleStudents})
	var fe *inference.FailoverError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FailoverError, got %v", err)
	}
}

func TestActor_Enroll(t *testing.T) {
	h := newHarness(t, Options{})
	h.inf.on(inference.EndpointEnroll, func(body interface{}) (interface{}, error) {
		req := body.(enrollRequest)
		if req.ParticipantName == "Short" {
			return enrollResponse{Embedding: []float32{1, 2, 3}}, nil
		}
		return enrollResponse{ClusterID: "c9", Embedding: vector(0.3)}, nil
	})
	a := h.actor(t, "s1")
	ctx := context.Background()

	out, err := a.Enroll(ctx, EnrollInput{ParticipantName: "Carol", AudioB64: "AAAA"})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if !out.Bound || out.ClusterID != "c9" {
		t.Errorf("enroll = %+v", out)
	}

	state, _ := a.State(ctx)
	if len(state.Config.Roster) != 1 || state.Config.Roster[0] != "Carol" {
		t.Errorf("roster = %v", state.Config.Roster)
	}
	if len(state.Bindings) != 1 || state.Bindings[0].Source != entities.BindingSourceEnrollment {
		t.Errorf("bindings = %+v", state.Bindings)
	}

	if _, err := a.Enroll(ctx, EnrollInput{ParticipantName: "Short"}); !errors.Is(err, entities.ErrInvalidEmbedding) {
		t.Errorf("expected ErrInvalidEmbedding, got %v", err)
	}
}

func TestActor_EnrollDoesNotOverrideManual(t *testing.T) {
	h := newHarness(t, Options{})
	h.inf.on(inference.EndpointEnroll, func(interface{}) (interface{}, error) {
		return enrollResponse{ClusterID: "c1", Embedding: vector(0.3)}, nil
	})
	a := h.actor(t, "s1")
	ctx := context.Background()

	_, _ = a.SetBinding(ctx, "c1", "Alice", false)
	out, err := a.Enroll(ctx, EnrollInput{ParticipantName: "Bob"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Bound {
		t.Errorf("enrollment must not replace a manual binding")
	}
	state, _ := a.State(ctx)
	if state.Bindings[0].ParticipantName != "Alice" {
		t.Errorf("binding = %+v", state.Bindings[0])
	}
}

func TestActor_RawAndMergedUtterances(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.actor(t, "s1")
	ctx := context.Background()
	_, _ = a.SetBinding(ctx, "c1", "Alice", false)

	emit(t, a, entities.RawUtterance{ID: "u1", StreamRole: entities.StreamRoleStudents, StartSeq: 1, EndSeq: 1, StartMs: 0, EndMs: 900, Text: "we should check the", ClusterID: "c1"})
	emit(t, a, entities.RawUtterance{ID: "u2", StreamRole: entities.StreamRoleStudents, StartSeq: 2, EndSeq: 2, StartMs: 900, EndMs: 1800, Text: "check the second answer", ClusterID: "c1"})
	emit(t, a, entities.RawUtterance{ID: "u3", StreamRole: entities.StreamRoleTeacher, StartSeq: 1, EndSeq: 1, StartMs: 0, EndMs: 900, Text: "go ahead"})

	students, _ := a.RawUtterances(ctx, entities.StreamRoleStudents)
	if len(students) != 2 {
		t.Fatalf("expected 2 student raws, got %d", len(students))
	}
	all, _ := a.RawUtterances(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 raws, got %d", len(all))
	}

	merged, _ := a.MergedUtterances(ctx, entities.StreamRoleStudents)
	if len(merged) != 1 {
		t.Fatalf("expected stitched utterance, got %+v", merged)
	}
	if merged[0].Text != "we should check the second answer" || merged[0].SpeakerName != "Alice" {
		t.Errorf("merged = %+v", merged[0])
	}
}

func TestActor_UtteranceNameExtraction(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.actor(t, "s1")
	ctx := context.Background()
	_, _ = a.Configure(ctx, entities.SessionConfig{Roster: []string{"Dana"}})

	emit(t, a, entities.RawUtterance{ID: "u1", StreamRole: entities.StreamRoleStudents, StartSeq: 1, EndSeq: 1, EndMs: 900, Text: "I'm Dana, sorry I'm late", ClusterID: "c7"})

	state, _ := a.State(ctx)
	if len(state.Bindings) != 1 || state.Bindings[0].ParticipantName != "Dana" || state.Bindings[0].Source != entities.BindingSourceNameExtract {
		t.Fatalf("bindings = %+v", state.Bindings)
	}
}

func TestRegistry_RehydrateFromSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.actor(t, "s1")

	_, _ = a.IngestChunk(ctx, chunk("s1", entities.StreamRoleStudents, 1))
	_, _ = a.IngestChunk(ctx, chunk("s1", entities.StreamRoleStudents, 2))
	_, _ = a.Configure(ctx, entities.SessionConfig{Roster: []string{"Alice", "Bob"}, InterviewerName: "Ms. Li"})
	_, _ = a.SetBinding(ctx, "c1", "Alice", true)
	if err := h.registry.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	reg := h.newRegistry(Options{})
	defer reg.Shutdown(ctx)
	b, err := reg.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	state, _ := b.State(ctx)
	if state.Config.InterviewerName != "Ms. Li" || len(state.Config.Roster) != 2 {
		t.Errorf("config = %+v", state.Config)
	}
	if len(state.Bindings) != 1 || !state.Bindings[0].Locked {
		t.Errorf("bindings = %+v", state.Bindings)
	}
	if state.Streams[entities.StreamRoleStudents].Ingest.LastSeq != 2 {
		t.Errorf("ingest counters not restored: %+v", state.Streams[entities.StreamRoleStudents].Ingest)
	}

	out, _ := b.IngestChunk(ctx, chunk("s1", entities.StreamRoleStudents, 2))
	if out.Status != ingest.AckDuplicate {
		t.Errorf("seq 2 after restart should be a duplicate, got %s", out.Status)
	}
}

func TestRegistry_GetIsSingleFlight(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	actors := make([]*Actor, 8)
	for i := range actors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actors[i], _ = h.registry.Get(ctx, "shared")
		}(i)
	}
	wg.Wait()

	for _, a := range actors[1:] {
		if a != actors[0] {
			t.Fatalf("concurrent Get created more than one actor")
		}
	}
	if h.registry.Len() != 1 {
		t.Errorf("registry has %d actors", h.registry.Len())
	}
}

func TestRegistry_ClosedAfterShutdown(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.actor(t, "s1")
	_ = h.registry.Shutdown(ctx)

	if _, err := h.registry.Get(ctx, "s2"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("expected ErrRegistryClosed, got %v", err)
	}
	if _, err := a.State(ctx); !errors.Is(err, ErrActorStopped) {
		t.Errorf("expected ErrActorStopped, got %v", err)
	}
}

func TestRegistry_RetireAfterFinalize(t *testing.T) {
	h := newHarness(t, Options{RetireAfter: 20 * time.Millisecond})
	ctx := context.Background()
	a := h.actor(t, "s1")

	h.registry.scheduleRetire("s1")
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor was not retired")
	}
	if _, ok := h.registry.Lookup("s1"); ok {
		t.Errorf("retired actor still registered")
	}
	if _, err := h.registry.Get(ctx, "s1"); err != nil {
		t.Errorf("a retired session can be loaded again: %v", err)
	}
}

func TestRegistry_RetiresIdleActor(t *testing.T) {
	h := newHarness(t, Options{RetireAfter: 30 * time.Millisecond})
	a := h.actor(t, "lookup-only")

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle actor was not retired")
	}
	if h.registry.Len() != 0 {
		t.Errorf("expected no live actors, got %d", h.registry.Len())
	}
}

func TestRegistry_AttachedStreamKeepsActor(t *testing.T) {
	h := newHarness(t, Options{RetireAfter: 20 * time.Millisecond})
	ctx := context.Background()
	a := h.actor(t, "s1")
	if _, err := a.Hello(ctx, entities.StreamRoleTeacher, entities.SessionConfig{}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if _, ok := h.registry.Lookup("s1"); !ok {
		t.Fatal("actor with an attached stream was retired")
	}

	if err := a.CloseStream(ctx, entities.StreamRoleTeacher); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor not retired after its stream closed")
	}
}

func TestService_ResolveIdempotencyKey(t *testing.T) {
	h := newHarness(t, Options{})
	h.inf.on(inference.EndpointResolve, func(interface{}) (interface{}, error) {
		return resolveResponse{ClusterID: "c1", SpeakerName: "Alice", Decision: entities.DecisionConfirm}, nil
	})
	idem := cache.NewMemoryStore()
	defer idem.Close()
	svc := NewService(h.registry, idem, time.Minute, nil)
	ctx := context.Background()
	in := ResolveInput{StreamRole: entities.StreamRoleStudents, EndMs: 1000}

	first, replayed, err := svc.Resolve(ctx, "s1", "key-1", in)
	if err != nil || replayed {
		t.Fatalf("first call: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := svc.Resolve(ctx, "s1", "key-1", in)
	if err != nil || !replayed {
		t.Fatalf("second call: replayed=%v err=%v", replayed, err)
	}
	if second.EventID != first.EventID || second.Resolution.SpeakerName != "Alice" {
		t.Errorf("replayed response differs: %+v vs %+v", second, first)
	}
	if n := h.inf.count(inference.EndpointResolve); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}

	if _, replayed, _ := svc.Resolve(ctx, "s1", "", in); replayed {
		t.Errorf("requests without a key are never replayed")
	}
}
