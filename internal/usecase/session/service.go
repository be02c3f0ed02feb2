package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/domain/repositories"
)

// Service is the entry point used by the HTTP and ingest handlers
type Service struct {
	registry *Registry
	idem     repositories.IdempotencyStore
	idemTTL  time.Duration
	logger   *zap.Logger
}

// NewService creates a session service. idem may be nil.
func NewService(registry *Registry, idem repositories.IdempotencyStore, idemTTL time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idemTTL <= 0 {
		idemTTL = 10 * time.Minute
	}
	return &Service{registry: registry, idem: idem, idemTTL: idemTTL, logger: logger}
}

// Session returns the actor for id, creating it on first contact
func (s *Service) Session(ctx context.Context, id string) (*Actor, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) Configure(ctx context.Context, id string, cfg entities.SessionConfig) (entities.SessionConfig, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return entities.SessionConfig{}, err
	}
	return a.Configure(ctx, cfg)
}

func (s *Service) SetBinding(ctx context.Context, id, clusterID, name string, locked bool) (entities.ClusterBinding, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return entities.ClusterBinding{}, err
	}
	return a.SetBinding(ctx, clusterID, name, locked)
}

func (s *Service) Enroll(ctx context.Context, id string, in EnrollInput) (EnrollOutput, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return EnrollOutput{}, err
	}
	return a.Enroll(ctx, in)
}

func (s *Service) State(ctx context.Context, id string) (entities.SessionState, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return entities.SessionState{}, err
	}
	return a.State(ctx)
}

// Resolve answers a replayed Idempotency-Key with the cached response.
// replayed reports whether the cache served it.
func (s *Service) Resolve(ctx context.Context, id, idemKey string, in ResolveInput) (out ResolveOutput, replayed bool, err error) {
	cacheKey := ""
	if idemKey != "" && s.idem != nil {
		cacheKey = "idem:resolve:" + id + ":" + idemKey
		cached, ok, err := s.idem.Get(ctx, cacheKey)
		if err != nil {
			s.logger.Warn("⚠️ idempotency lookup failed", zap.String("key", cacheKey), zap.Error(err))
		} else if ok && json.Unmarshal(cached, &out) == nil {
			return out, true, nil
		}
	}

	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return out, false, err
	}
	out, err = a.Resolve(ctx, in)
	if err != nil {
		return out, false, err
	}

	if cacheKey != "" {
		if data, err := json.Marshal(out); err == nil {
			if err := s.idem.Set(ctx, cacheKey, data, s.idemTTL); err != nil {
				s.logger.Warn("⚠️ idempotency store failed", zap.String("key", cacheKey), zap.Error(err))
			}
		}
	}
	return out, false, nil
}

// Finalize runs the pipeline and schedules the actor for retirement once
// the session is finalized
func (s *Service) Finalize(ctx context.Context, id string) (*entities.FinalizeResult, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := a.Finalize(ctx)
	if err == nil {
		s.registry.scheduleRetire(id)
	}
	return res, err
}

func (s *Service) RawUtterances(ctx context.Context, id string, role entities.StreamRole) ([]entities.RawUtterance, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.RawUtterances(ctx, role)
}

func (s *Service) MergedUtterances(ctx context.Context, id string, role entities.StreamRole) ([]entities.MergedUtterance, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.MergedUtterances(ctx, role)
}

func (s *Service) Events(ctx context.Context, id string) ([]*entities.SpeakerEvent, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Events(ctx)
}

func (s *Service) Result(ctx context.Context, id string) (*entities.FinalizeResult, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Result(ctx)
}

// Shutdown stops every session actor
func (s *Service) Shutdown(ctx context.Context) error {
	return s.registry.Shutdown(ctx)
}
