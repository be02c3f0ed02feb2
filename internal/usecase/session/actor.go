package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/clustering"
	"github.com/johnquangdev/meeting-session/internal/usecase/relay"
	"github.com/johnquangdev/meeting-session/internal/usecase/speaker"
	"github.com/johnquangdev/meeting-session/internal/usecase/transcript"
)

// ErrActorStopped is returned for operations queued after Stop
var ErrActorStopped = errors.New("session actor stopped")

type op struct {
	ctx context.Context
	fn  func(st *state)
}

// Actor owns one session. Every state mutation runs on its single loop
// goroutine in FIFO order; network I/O happens outside the loop.
type Actor struct {
	id     string
	deps   Deps
	opts   Options
	logger *zap.Logger

	merger     *transcript.Merger
	reconciler *speaker.Reconciler
	clusterer  *clustering.GlobalClusterer

	// relays outlive individual operations
	ctx    context.Context
	cancel context.CancelFunc

	lastUsed atomic.Int64

	mu      sync.Mutex
	mailbox deque.Deque[op]
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	st *state
}

func newActor(id string, deps Deps, opts Options) *Actor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		id:         id,
		deps:       deps,
		opts:       opts,
		logger:     logger.With(zap.String("session_id", id)),
		merger:     transcript.NewMerger(),
		reconciler: speaker.NewReconciler(),
		clusterer:  clustering.NewGlobalClusterer(opts.ClusterThreshold, opts.ClusterLinkage, opts.RosterMatchThreshold),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		st:         newState(id, opts.EmbeddingCacheBytes),
	}
	a.lastUsed.Store(time.Now().UnixNano())
	return a
}

func (a *Actor) start() {
	go a.loop()
}

// ID returns the session id
func (a *Actor) ID() string { return a.id }

func (a *Actor) loop() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for a.mailbox.Len() == 0 && !a.stopped {
			a.mu.Unlock()
			<-a.wake
			a.mu.Lock()
		}
		if a.mailbox.Len() == 0 && a.stopped {
			a.mu.Unlock()
			return
		}
		next := a.mailbox.PopFront()
		a.mu.Unlock()

		if next.ctx != nil && next.ctx.Err() != nil {
			continue
		}
		a.run(next)
	}
}

func (a *Actor) run(o op) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("💥 session operation panicked", zap.Any("panic", p))
		}
	}()
	o.fn(a.st)
}

func (a *Actor) enqueue(o op) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrActorStopped
	}
	a.mailbox.PushBack(o)
	a.mu.Unlock()
	a.lastUsed.Store(time.Now().UnixNano())
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs fn on the actor loop and waits for it. If ctx ends before fn is
// dequeued, fn is skipped.
func (a *Actor) Do(ctx context.Context, fn func(st *state) error) error {
	result := make(chan error, 1)
	err := a.enqueue(op{ctx: ctx, fn: func(st *state) {
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("session operation panicked: %v", p)
			}
		}()
		result <- fn(st)
	}})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrActorStopped
		}
	}
}

// Post queues fn without waiting. Used by relay callbacks that must not block.
func (a *Actor) Post(fn func(st *state)) {
	if err := a.enqueue(op{fn: fn}); err != nil {
		a.logger.Debug("post dropped on stopped actor")
	}
}

// Stop closes every relay, drains the mailbox and stops the loop
func (a *Actor) Stop(ctx context.Context) error {
	var relays []*relay.Relay
	_ = a.Do(ctx, func(st *state) error {
		relays = st.detachRelays()
		return nil
	})
	for _, r := range relays {
		if err := r.Close(ctx); err != nil {
			a.logger.Warn("⚠️ relay close on stop failed", zap.Error(err))
		}
	}

	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	a.cancel()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idleFor is the time since the last queued operation
func (a *Actor) idleFor() time.Duration {
	return time.Since(time.Unix(0, a.lastUsed.Load()))
}

// busy reports whether a stream is attached or a finalize is running
func (a *Actor) busy(ctx context.Context) bool {
	busy := false
	_ = a.Do(ctx, func(st *state) error {
		if st.phase == entities.SessionPhaseFinalizing {
			busy = true
			return nil
		}
		for _, s := range st.streams {
			if s.connected || s.relay != nil {
				busy = true
			}
		}
		return nil
	})
	return busy
}

// Done is closed once the loop exits
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) checkLive(st *state) error {
	switch st.phase {
	case entities.SessionPhaseFinalizing:
		return entities.ErrSessionFinalizing
	case entities.SessionPhaseFinalized:
		return entities.ErrSessionFrozen
	}
	return nil
}
