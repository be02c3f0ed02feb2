package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrRegistryClosed is returned by Get after Shutdown
var ErrRegistryClosed = errors.New("session registry closed")

// Registry creates one actor per session id on first contact and retires
// actors some time after they finalize, or once they sit idle with no
// stream attached for RetireAfter
type Registry struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	actors  map[string]*Actor
	timers  map[string]*time.Timer
	idle    map[string]*time.Timer
	closed  bool
	loading map[string]chan struct{}
}

// NewRegistry creates a registry
func NewRegistry(deps Deps, opts Options) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		deps:    deps,
		opts:    opts.withDefaults(),
		logger:  deps.Logger,
		actors:  make(map[string]*Actor),
		timers:  make(map[string]*time.Timer),
		idle:    make(map[string]*time.Timer),
		loading: make(map[string]chan struct{}),
	}
}

// Get returns the actor for id, creating and rehydrating it if needed
func (r *Registry) Get(ctx context.Context, id string) (*Actor, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if a, ok := r.actors[id]; ok {
			r.mu.Unlock()
			return a, nil
		}
		wait, busy := r.loading[id]
		if !busy {
			break
		}
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	done := make(chan struct{})
	r.loading[id] = done
	r.mu.Unlock()

	a := newActor(id, r.deps, r.opts)
	err := a.rehydrate(ctx)

	r.mu.Lock()
	delete(r.loading, id)
	close(done)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.actors[id] = a
	r.mu.Unlock()

	a.start()
	r.armIdle(id, r.opts.RetireAfter)
	r.logger.Info("🆕 session actor started", zap.String("session_id", id))
	return a, nil
}

// Lookup returns a running actor without creating one
func (r *Registry) Lookup(id string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[id]
	return a, ok
}

// Len returns the number of live actors
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// scheduleRetire stops and forgets the actor after RetireAfter. Its
// snapshot and result stay in blob storage.
func (r *Registry) scheduleRetire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(r.opts.RetireAfter, func() { r.retire(id) })
}

func (r *Registry) armIdle(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.actors[id]; !ok {
		return
	}
	r.idle[id] = time.AfterFunc(d, func() { r.checkIdle(id) })
}

func (r *Registry) checkIdle(id string) {
	a, ok := r.Lookup(id)
	if !ok {
		return
	}
	if idle := a.idleFor(); idle < r.opts.RetireAfter {
		r.armIdle(id, r.opts.RetireAfter-idle)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	busy := a.busy(ctx)
	cancel()
	if busy {
		r.armIdle(id, r.opts.RetireAfter)
		return
	}
	r.logger.Info("💤 idle session actor retiring", zap.String("session_id", id))
	r.retire(id)
}

func (r *Registry) retire(id string) {
	r.mu.Lock()
	a, ok := r.actors[id]
	delete(r.actors, id)
	delete(r.timers, id)
	if t, found := r.idle[id]; found {
		t.Stop()
		delete(r.idle, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		r.logger.Warn("⚠️ session retire did not stop cleanly", zap.String("session_id", id), zap.Error(err))
		return
	}
	r.logger.Info("🗄️ session actor retired", zap.String("session_id", id))
}

// Shutdown stops every actor concurrently
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for id, a := range r.actors {
		actors = append(actors, a)
		delete(r.actors, id)
	}
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	for id, t := range r.idle {
		t.Stop()
		delete(r.idle, id)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range actors {
		a := a
		g.Go(func() error {
			if err := a.Stop(gctx); err != nil {
				return fmt.Errorf("session %s: %w", a.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("🛑 session registry stopped", zap.Int("actors", len(actors)))
	return err
}
