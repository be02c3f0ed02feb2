package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/transcript"
)

// ErrClosed is returned when pushing audio to a closed relay
var ErrClosed = errors.New("relay closed")

// Config tunes one relay
type Config struct {
	StartTimeout   time.Duration
	FinishWait     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	QueueLimit     int
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 5 * time.Second
	}
	if c.FinishWait <= 0 {
		c.FinishWait = 2 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 600
	}
	return c
}

// EmitFunc receives every emitted raw utterance. It must not block.
type EmitFunc func(entities.RawUtterance)

type frame struct {
	seq        int64
	tsMs       int64
	data       []byte
	enqueuedAt time.Time
}

// Relay proxies one stream's audio to a streaming recognizer. Failures are
// absorbed by reconnecting with exponential backoff and only show up in Status.
type Relay struct {
	role   entities.StreamRole
	cfg    Config
	dialer Dialer
	emit   EmitFunc
	logger *zap.Logger
	bo     *backoff.ExponentialBackOff

	mu          sync.Mutex
	state       entities.RelayState
	queue       deque.Deque[frame]
	task        uint64
	taskFrames  []frame
	emittedUpto int
	lastFinal   string
	latency     latencyTracker
	reconnects  int
	sent        int64
	emitted     int64
	dropped     int64
	lastErr     string
	nextRetry   *time.Time
	closing     bool

	wake    chan struct{}
	closeCh chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates a relay and starts its drain loop. The upstream connection is
// opened lazily when the first frame arrives.
func New(ctx context.Context, role entities.StreamRole, cfg Config, dialer Dialer, emit EmitFunc, logger *zap.Logger) *Relay {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.Multiplier = 2
	bo.MaxInterval = cfg.BackoffMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	r := &Relay{
		role:    role,
		cfg:     cfg,
		dialer:  dialer,
		emit:    emit,
		logger:  logger.With(zap.String("stream_role", string(role))),
		bo:      bo,
		state:   entities.RelayStateDisconnected,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

// Push enqueues one audio frame. When the queue is over its limit the
// oldest frame is dropped; the chunk is still in durable storage.
func (r *Relay) Push(seq, tsMs int64, data []byte) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return ErrClosed
	}
	r.queue.PushBack(frame{seq: seq, tsMs: tsMs, data: data, enqueuedAt: time.Now()})
	for r.queue.Len() > r.cfg.QueueLimit {
		r.queue.PopFront()
		r.dropped++
	}
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *Relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Status returns the polled recognition state
func (r *Relay) Status() entities.RecognitionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := entities.RecognitionStatus{
		State:         r.state,
		Reconnects:    r.reconnects,
		QueueDepth:    r.queue.Len(),
		SentFrames:    r.sent,
		EmittedCount:  r.emitted,
		DroppedFrames: r.dropped,
		LatencyP50Ms:  r.latency.percentile(50),
		LatencyP95Ms:  r.latency.percentile(95),
		LastError:     r.lastErr,
	}
	if r.nextRetry != nil {
		t := *r.nextRetry
		st.NextRetryAt = &t
	}
	return st
}

// Close flushes queued audio if connected, sends end-of-task, waits up to
// FinishWait for trailing results and then tears the connection down.
func (r *Relay) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()
		close(r.closeCh)
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the relay reaches the closed state
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) setState(s entities.RelayState) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	if s != entities.RelayStateBackoff {
		r.nextRetry = nil
	}
	r.mu.Unlock()
	if prev != s {
		r.logger.Info("🔁 relay state", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	var (
		up    Upstream
		upErr chan error
	)
	for {
		if up == nil {
			if r.isClosing() {
				// one last attempt so audio queued just before close is still heard
				if r.queueLen() > 0 {
					if last, ch, err := r.connect(ctx); err == nil {
						r.finish(last, ch)
						return
					}
				}
				r.setState(entities.RelayStateClosed)
				return
			}
			if r.queueLen() == 0 {
				select {
				case <-ctx.Done():
					r.setState(entities.RelayStateClosed)
					return
				case <-r.closeCh:
				case <-r.wake:
				}
				continue
			}
			var err error
			up, upErr, err = r.connect(ctx)
			if err != nil {
				r.recordError(err)
				if !r.waitBackoff(ctx) && ctx.Err() != nil {
					r.setState(entities.RelayStateClosed)
					return
				}
			}
			continue
		}

		f, ok := r.popFront()
		if !ok {
			select {
			case <-r.wake:
			case err := <-upErr:
				r.teardown(up, err)
				up = nil
				if !r.waitBackoff(ctx) && ctx.Err() != nil {
					r.setState(entities.RelayStateClosed)
					return
				}
			case <-r.closeCh:
				r.finish(up, upErr)
				return
			case <-ctx.Done():
				up.Close()
				r.setState(entities.RelayStateClosed)
				return
			}
			continue
		}

		if err := up.Send(ctx, f.data); err != nil {
			r.pushFront(f)
			r.teardown(up, err)
			up = nil
			if !r.waitBackoff(ctx) && ctx.Err() != nil {
				r.setState(entities.RelayStateClosed)
				return
			}
			continue
		}
		r.mu.Lock()
		r.taskFrames = append(r.taskFrames, f)
		r.sent++
		r.mu.Unlock()
	}
}

func (r *Relay) connect(ctx context.Context) (Upstream, chan error, error) {
	r.setState(entities.RelayStateConnecting)
	startCtx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
	defer cancel()

	up, err := r.dialer.Dial(startCtx)
	if err != nil {
		return nil, nil, err
	}
	if err := up.Start(startCtx); err != nil {
		up.Close()
		return nil, nil, err
	}

	r.mu.Lock()
	r.task++
	task := r.task
	r.taskFrames = nil
	r.emittedUpto = 0
	r.lastErr = ""
	r.mu.Unlock()
	r.bo.Reset()
	r.setState(entities.RelayStateRunning)

	upErr := make(chan error, 1)
	go func() {
		for res := range up.Results() {
			r.handleResult(task, res)
		}
		err := up.Err()
		if err == nil {
			err = errors.New("upstream task ended")
		}
		upErr <- err
	}()
	return up, upErr, nil
}

// teardown closes a failed connection and requeues frames that were sent
// but never covered by an emitted result, so the next task hears them again.
func (r *Relay) teardown(up Upstream, cause error) {
	up.Close()
	r.recordError(cause)
	r.mu.Lock()
	pending := r.taskFrames[r.emittedUpto:]
	for i := len(pending) - 1; i >= 0; i-- {
		r.queue.PushFront(pending[i])
	}
	r.task++
	r.taskFrames = nil
	r.emittedUpto = 0
	r.reconnects++
	r.mu.Unlock()
}

func (r *Relay) recordError(err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
	r.logger.Warn("⚠️ relay upstream failure", zap.Error(err))
}

// waitBackoff sleeps for the next backoff interval; false means the relay is closing
func (r *Relay) waitBackoff(ctx context.Context) bool {
	d := r.bo.NextBackOff()
	retryAt := time.Now().Add(d)
	r.mu.Lock()
	prev := r.state
	r.state = entities.RelayStateBackoff
	r.nextRetry = &retryAt
	r.mu.Unlock()
	if prev != entities.RelayStateBackoff {
		r.logger.Info("🔁 relay state", zap.String("from", string(prev)), zap.String("to", string(entities.RelayStateBackoff)), zap.Duration("retry_in", d))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.closeCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Relay) finish(up Upstream, upErr chan error) {
	deadline := time.Now().Add(r.cfg.FinishWait)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for {
		f, ok := r.popFront()
		if !ok {
			break
		}
		if err := up.Send(ctx, f.data); err != nil {
			r.recordError(err)
			break
		}
		r.mu.Lock()
		r.taskFrames = append(r.taskFrames, f)
		r.sent++
		r.mu.Unlock()
	}
	if err := up.Finish(ctx); err != nil {
		r.logger.Warn("⚠️ finish-task failed", zap.Error(err))
	}
	select {
	case <-upErr:
	case <-ctx.Done():
	}
	up.Close()
	r.setState(entities.RelayStateClosed)
}

func (r *Relay) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Relay) queueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

func (r *Relay) popFront() (frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue.Len() == 0 {
		return frame{}, false
	}
	return r.queue.PopFront(), true
}

func (r *Relay) pushFront(f frame) {
	r.mu.Lock()
	r.queue.PushFront(f)
	r.mu.Unlock()
}

// handleResult maps a final result onto the frames of its task. Results of a
// task that was torn down are dropped.
func (r *Relay) handleResult(task uint64, res Result) {
	if !res.Final {
		return
	}
	r.mu.Lock()
	if task != r.task {
		r.mu.Unlock()
		r.logger.Debug("stale upstream result dropped", zap.Uint64("task", task))
		return
	}
	n := len(r.taskFrames)
	if n == 0 {
		r.mu.Unlock()
		return
	}
	startIdx, endIdx := r.emittedUpto, n-1
	if res.BeginMs >= 0 && res.EndMs > res.BeginMs {
		startIdx = clamp(int(res.BeginMs/entities.ChunkDurationMs), 0, n-1)
		endIdx = clamp(int((res.EndMs-1)/entities.ChunkDurationMs), startIdx, n-1)
	}
	if startIdx > endIdx {
		startIdx = endIdx
	}
	first, last := r.taskFrames[startIdx], r.taskFrames[endIdx]
	if endIdx+1 > r.emittedUpto {
		r.emittedUpto = endIdx + 1
	}

	text := collapse(res.Text)
	norm := transcript.Normalize(text)
	if norm == "" || norm == r.lastFinal {
		r.mu.Unlock()
		return
	}
	r.lastFinal = norm

	startMs := first.tsMs
	endMs := last.tsMs + entities.ChunkDurationMs
	if res.BeginMs >= 0 && res.EndMs > res.BeginMs {
		startMs = first.tsMs + res.BeginMs - int64(startIdx)*entities.ChunkDurationMs
		endMs = last.tsMs + res.EndMs - int64(endIdx)*entities.ChunkDurationMs
	}
	now := time.Now()
	latency := now.Sub(last.enqueuedAt)
	r.latency.add(float64(latency.Milliseconds()))
	r.emitted++
	r.mu.Unlock()

	if r.emit != nil {
		r.emit(entities.RawUtterance{
			ID:         uuid.NewString(),
			StreamRole: r.role,
			StartSeq:   first.seq,
			EndSeq:     last.seq,
			StartMs:    startMs,
			EndMs:      endMs,
			Text:       text,
			Source:     entities.UtteranceSourceRealtime,
			LatencyMs:  latency.Milliseconds(),
			CreatedAt:  now.UTC(),
		})
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func collapse(s string) string {
	out := make([]rune, 0, len(s))
	space := false
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			space = len(out) > 0
			continue
		}
		if space {
			out = append(out, ' ')
			space = false
		}
		out = append(out, c)
	}
	return string(out)
}
