package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/pkg/inference"
	"github.com/johnquangdev/meeting-session/pkg/jobcontext"
)

// ErrFinalizeStructural marks a finalize that could not produce a transcript
var ErrFinalizeStructural = errors.New("finalize aborted by structural failure")

// errStructural wraps stage errors that abort the remaining stages
type errStructural struct{ err error }

func (e errStructural) Error() string { return e.err.Error() }
func (e errStructural) Unwrap() error { return e.err }

// finalizeRun carries data between stages. Stages after freeze work on
// copies; mutations go back through the actor.
type finalizeRun struct {
	roster      []string
	raws        []entities.RawUtterance
	turns       []entities.DiarizationTurn
	bindings    map[string]entities.ClusterBinding
	events      []*entities.SpeakerEvent
	entries     []entities.EmbeddingEntry
	enrollments map[string][]float32
	origins     map[entities.StreamRole]origin
	relays      int

	merged   []entities.MergedUtterance
	global   map[string]string
	result   *entities.FinalizeResult
	newRaw   []entities.RawUtterance
	recorded *entities.FinalizeRecord
}

// setStage replaces the row of a stage that already recorded itself
func (run *finalizeRun) setStage(rec entities.StageRecord) {
	stages := run.result.Stages
	if n := len(stages); n > 0 && stages[n-1].Stage == rec.Stage {
		stages[n-1] = rec
		return
	}
	run.result.Stages = append(stages, rec)
}

// Finalize runs the staged pipeline. Stage failures are collected and make
// the result tentative; a structural failure skips the remaining stages and
// leaves the session live so it can be finalized again.
func (a *Actor) Finalize(ctx context.Context) (*entities.FinalizeResult, error) {
	run := &finalizeRun{result: &entities.FinalizeResult{SessionID: a.id, CreatedAt: time.Now().UTC()}}
	a.logger.Info("🏁 finalize started")

	alreadyFinal := false
	err := a.Do(ctx, func(st *state) error {
		switch st.phase {
		case entities.SessionPhaseFinalizing:
			return entities.ErrSessionFinalizing
		case entities.SessionPhaseFinalized:
			alreadyFinal = true
			return nil
		}
		st.phase = entities.SessionPhaseFinalizing
		st.touch()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyFinal {
		return a.Result(ctx)
	}

	var closers []func(context.Context) error
	stages := []struct {
		stage entities.FinalizeStage
		fn    func(context.Context, *finalizeRun) error
		tries int
	}{
		{entities.StageFreeze, func(ctx context.Context, run *finalizeRun) error {
			closers = nil
			err := a.Do(ctx, func(st *state) error {
				for _, r := range st.detachRelays() {
					closers = append(closers, r.Close)
				}
				run.roster = append([]string(nil), st.cfg.Roster...)
				return nil
			})
			if err != nil {
				return errStructural{err}
			}
			return nil
		}, 1},
		{entities.StageDrain, func(ctx context.Context, run *finalizeRun) error { return a.stageDrain(ctx, run, closers) }, 1},
		{entities.StageReplayGap, a.stageReplayGap, 1},
		{entities.StageReconcile, a.stageReconcile, 1},
		{entities.StageStats, a.stageStats, 1},
		{entities.StageEvents, a.stageEvents, 1},
		{entities.StageReport, a.stageReport, 1},
		{entities.StagePersist, a.stagePersist, 3},
	}

	aborted := false
	for _, s := range stages {
		if aborted {
			run.result.Stages = append(run.result.Stages, entities.StageRecord{Stage: s.stage, Status: entities.StageStatusSkipped})
			continue
		}

		stageCtx, cancel := jobcontext.StageBegin(ctx, a.id, string(s.stage), s.tries, a.opts.StageTimeout)
		start := time.Now()
		fn := s.fn
		err := jobcontext.RunStage(stageCtx, 200*time.Millisecond, func(ctx context.Context) error { return fn(ctx, run) })
		cancel()

		rec := entities.StageRecord{Stage: s.stage, Status: entities.StageStatusOK, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			var se errStructural
			structural := errors.As(err, &se)
			rec.Status = entities.StageStatusFailed
			rec.Detail = err.Error()
			run.setStage(rec)
			run.result.Errors = append(run.result.Errors, entities.StageError{Stage: s.stage, Message: err.Error(), Structural: structural})
			a.logger.Warn("⚠️ finalize stage failed",
				zap.String("stage", string(s.stage)),
				zap.Bool("structural", structural),
				zap.Error(err),
			)
			aborted = structural
			continue
		}
		run.setStage(rec)
		a.logger.Info("✅ finalize stage done", zap.String("stage", string(s.stage)), zap.Int64("duration_ms", rec.DurationMs))
	}

	if aborted {
		run.result.Status = entities.ResultStatusFailed
		_ = a.Do(context.WithoutCancel(ctx), func(st *state) error {
			st.phase = entities.SessionPhaseLive
			st.touch()
			return nil
		})
		a.logger.Error("❌ finalize aborted", zap.Int("errors", len(run.result.Errors)))
		return run.result, ErrFinalizeStructural
	}

	if len(run.result.Errors) > 0 {
		run.result.Status = entities.ResultStatusTentative
	}
	// persist may have failed after retries; the result still lives in memory
	_ = a.Do(context.WithoutCancel(ctx), func(st *state) error {
		if st.phase == entities.SessionPhaseFinalizing {
			st.result = run.result
			st.phase = entities.SessionPhaseFinalized
			st.touch()
		}
		return nil
	})

	a.logger.Info("🎉 finalize complete",
		zap.String("status", string(run.result.Status)),
		zap.Float64("unresolved_ratio", run.result.UnresolvedRatio),
		zap.Int("utterances", len(run.result.Transcript)),
	)
	return run.result, nil
}

// stageDrain closes every relay so trailing finals are flushed, then waits
// for their posted utterances and copies the frozen state
func (a *Actor) stageDrain(ctx context.Context, run *finalizeRun, closers []func(context.Context) error) error {
	var errs []string
	for _, closeRelay := range closers {
		if err := closeRelay(ctx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	run.relays = len(closers)

	err := a.Do(ctx, func(st *state) error {
		run.raws = st.copyRaw()
		run.turns = st.copyTurns()
		run.bindings = st.copyBindings()
		run.events = st.copyEvents()
		run.entries = st.cache.Entries("")
		run.enrollments = st.copyEnrollments()
		run.origins = make(map[entities.StreamRole]origin, len(st.streams))
		for role, s := range st.streams {
			if s.origin != nil {
				run.origins[role] = *s.origin
			}
		}
		return nil
	})
	if err != nil {
		return errStructural{err}
	}
	if len(errs) > 0 {
		return fmt.Errorf("relay drain: %s", strings.Join(errs, "; "))
	}
	return nil
}

// stageReplayGap transcribes stored chunks no raw utterance covers
func (a *Actor) stageReplayGap(ctx context.Context, run *finalizeRun) error {
	covered := map[entities.StreamRole]map[int64]bool{}
	for _, u := range run.raws {
		if covered[u.StreamRole] == nil {
			covered[u.StreamRole] = map[int64]bool{}
		}
		for seq := u.StartSeq; seq <= u.EndSeq; seq++ {
			covered[u.StreamRole][seq] = true
		}
	}

	total := 0
	var failures []string
	for _, role := range entities.StreamRoles {
		keys, err := a.deps.Blobs.List(ctx, entities.ChunkPrefix(a.id, role))
		if err != nil {
			return fmt.Errorf("list chunks for %s: %w", role, err)
		}
		total += len(keys)
		seqs := make([]int64, 0, len(keys))
		for _, k := range keys {
			seq, ok := seqFromKey(k)
			if ok && !covered[role][seq] {
				seqs = append(seqs, seq)
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, gap := range contiguousRuns(seqs, a.opts.ReplayMaxChunks) {
			u, err := a.replayRun(ctx, role, gap, run.origins[role])
			if err != nil {
				failures = append(failures, err.Error())
				continue
			}
			if u != nil {
				run.newRaw = append(run.newRaw, *u)
			}
		}
	}
	if total == 0 {
		return errStructural{entities.ErrMissingAudio}
	}

	if len(run.newRaw) > 0 {
		if err := a.Do(ctx, func(st *state) error {
			st.raw = append(st.raw, run.newRaw...)
			st.touch()
			return nil
		}); err != nil {
			return err
		}
		run.raws = append(run.raws, run.newRaw...)
		a.logger.Info("🔁 replayed uncovered audio", zap.Int("utterances", len(run.newRaw)))
	}
	if len(failures) > 0 {
		return fmt.Errorf("replay_gap: %d runs failed: %s", len(failures), failures[0])
	}
	return nil
}

func (a *Actor) replayRun(ctx context.Context, role entities.StreamRole, seqs []int64, o origin) (*entities.RawUtterance, error) {
	audio := make([]byte, 0, len(seqs)*entities.ChunkBytes)
	for _, seq := range seqs {
		data, err := a.deps.Blobs.Get(ctx, entities.ChunkKey(a.id, role, seq))
		if err != nil {
			return nil, fmt.Errorf("read chunk %s/%d: %w", role, seq, err)
		}
		audio = append(audio, data...)
	}
	rt := streamRuntime{origin: &o}
	if o.Seq == 0 {
		rt.origin = nil
	}
	startSeq, endSeq := seqs[0], seqs[len(seqs)-1]
	startMs := rt.msForSeq(startSeq)

	var resp asrResponse
	if _, err := a.deps.Inference.Call(ctx, inference.EndpointASR, asrRequest{
		SessionID:  a.id,
		StreamRole: role,
		StartSeq:   startSeq,
		EndSeq:     endSeq,
		StartMs:    startMs,
		SampleRate: entities.TargetSampleRate,
		AudioB64:   base64.StdEncoding.EncodeToString(audio),
	}, &resp); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, nil
	}
	return &entities.RawUtterance{
		ID:         "utt_" + uuid.NewString(),
		StreamRole: role,
		StartSeq:   startSeq,
		EndSeq:     endSeq,
		StartMs:    startMs,
		EndMs:      rt.msForSeq(endSeq) + entities.ChunkDurationMs,
		Text:       text,
		Source:     entities.UtteranceSourceReplay,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// stageReconcile merges, clusters globally and resolves every speaker
func (a *Actor) stageReconcile(ctx context.Context, run *finalizeRun) error {
	merged := a.merger.MergeAll(run.raws)

	cres := a.clusterer.Cluster(run.entries)
	speakers := a.clusterer.MapRoster(cres.Speakers, run.enrollments)
	run.global = map[string]string{}
	for _, sp := range speakers {
		for _, w := range sp.WindowIDs {
			if w == "" {
				continue
			}
			run.global[w] = sp.DisplayName
			if sp.RosterMatch {
				a.reconciler.Bind(run.bindings, entities.ClusterBinding{
					ClusterID:       w,
					ParticipantName: sp.DisplayName,
					Source:          entities.BindingSourceHeuristic,
					Confidence:      sp.Similarity,
				})
			}
		}
	}

	run.merged = a.reconciler.Annotate(merged, run.turns, run.bindings, run.events)
	unresolved := 0
	for _, mu := range run.merged {
		if mu.Decision == entities.DecisionUnknown {
			unresolved++
		}
	}

	res := run.result
	res.Transcript = run.merged
	res.Speakers = speakers
	res.Confidence = cres.Confidence
	if len(run.merged) > 0 {
		res.UnresolvedRatio = float64(unresolved) / float64(len(run.merged))
	}

	// keep heuristic bindings so live reads agree with the result
	return a.Do(ctx, func(st *state) error {
		for _, b := range run.bindings {
			if b.Source == entities.BindingSourceHeuristic {
				a.reconciler.Bind(st.bindings, b)
			}
		}
		return nil
	})
}

func (a *Actor) stageStats(_ context.Context, run *finalizeRun) error {
	run.result.Stats = BuildStats(run.merged, run.global)
	return nil
}

func (a *Actor) stageEvents(_ context.Context, run *finalizeRun) error {
	run.result.Evidence = BuildEvidence(run.merged, run.global)
	run.result.Events = DetectEvents(run.merged, run.result.Stats, run.result.Evidence, run.global)
	return nil
}

func (a *Actor) stageReport(ctx context.Context, run *finalizeRun) error {
	if len(run.merged) == 0 {
		return fmt.Errorf("no transcript to report on")
	}
	var report entities.Report
	if _, err := a.deps.Inference.Call(ctx, inference.EndpointReport, reportRequest{
		SessionID:  a.id,
		Roster:     run.roster,
		Transcript: run.merged,
		Stats:      run.result.Stats,
		Events:     run.result.Events,
		Evidence:   run.result.Evidence,
	}, &report); err != nil {
		return err
	}
	run.result.Report = &report
	return nil
}

// stagePersist decides the verdict and writes result.json
func (a *Actor) stagePersist(ctx context.Context, run *finalizeRun) error {
	res := run.result
	res.Status = entities.ResultStatusFinal
	res.TentativeReasons = nil
	if res.UnresolvedRatio > a.opts.UnresolvedRatioMax {
		res.TentativeReasons = append(res.TentativeReasons,
			fmt.Sprintf("unresolved speaker ratio %.2f exceeds %.2f", res.UnresolvedRatio, a.opts.UnresolvedRatioMax))
	}
	if uncited := validateClaims(res.Report, res.Evidence); len(uncited) > 0 {
		res.TentativeReasons = append(res.TentativeReasons, fmt.Sprintf("%d claims without evidence", len(uncited)))
	}
	if res.Report == nil {
		res.TentativeReasons = append(res.TentativeReasons, "report unavailable")
	}
	for _, e := range res.Errors {
		res.TentativeReasons = append(res.TentativeReasons, fmt.Sprintf("stage %s failed", e.Stage))
	}
	if len(res.TentativeReasons) > 0 {
		res.Status = entities.ResultStatusTentative
	}

	// result.json carries its own persist row
	started, ok := jobcontext.GetStartTime(ctx)
	if !ok {
		started = time.Now()
	}
	run.setStage(entities.StageRecord{
		Stage:      entities.StagePersist,
		Status:     entities.StageStatusOK,
		DurationMs: time.Since(started).Milliseconds(),
	})

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := a.deps.Blobs.Put(ctx, entities.ResultKey(a.id), data, "application/json"); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if a.deps.Records != nil && run.recorded == nil {
		rec := &entities.FinalizeRecord{
			ID:              uuid.New(),
			SessionID:       a.id,
			Status:          res.Status,
			UnresolvedRatio: res.UnresolvedRatio,
			UtteranceCount:  len(res.Transcript),
			SpeakerCount:    len(res.Speakers),
			ResultKey:       entities.ResultKey(a.id),
			Errors:          datatypes.NewJSONType(res.Errors),
		}
		if err := a.deps.Records.Save(ctx, rec); err != nil {
			a.logger.Warn("⚠️ failed to save finalize record", zap.Error(err))
		} else {
			run.recorded = rec
		}
	}

	return a.Do(ctx, func(st *state) error {
		st.result = res
		st.phase = entities.SessionPhaseFinalized
		st.touch()
		a.writeSnapshot(ctx, st)
		return nil
	})
}

// seqFromKey parses the zero-padded seq suffix of a chunk key
func seqFromKey(key string) (int64, bool) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(key[i+1:], 10, 64)
	return seq, err == nil
}

// contiguousRuns splits sorted seqs into runs of consecutive values of at most max items
func contiguousRuns(seqs []int64, max int) [][]int64 {
	var out [][]int64
	var cur []int64
	for _, s := range seqs {
		if len(cur) > 0 && (s != cur[len(cur)-1]+1 || len(cur) >= max) {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
