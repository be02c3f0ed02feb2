package assemblyai

import (
	"context"
	"fmt"
	"sync"

	aai "github.com/AssemblyAI/assemblyai-go-sdk"
	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/relay"
)

// Config holds realtime transcription settings
type Config struct {
	APIKey  string
	BaseURL string
}

// Dialer creates AssemblyAI realtime sessions for the recognition relay
type Dialer struct {
	cfg    Config
	logger *zap.Logger
}

func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial prepares a realtime client. The websocket is opened in Start.
func (d *Dialer) Dial(ctx context.Context) (relay.Upstream, error) {
	s := newSession(d.logger)
	opts := []aai.RealTimeClientOption{
		aai.WithRealTimeAPIKey(d.cfg.APIKey),
		aai.WithRealTimeSampleRate(entities.TargetSampleRate),
		aai.WithRealTimeTranscriber(&aai.RealTimeTranscriber{
			OnFinalTranscript: s.onFinal,
			OnError:           s.onError,
		}),
	}
	if d.cfg.BaseURL != "" {
		opts = append(opts, aai.WithRealTimeBaseURL(d.cfg.BaseURL))
	}
	s.client = aai.NewRealTimeClientWithOptions(opts...)
	return s, nil
}

type session struct {
	client *aai.RealTimeClient
	logger *zap.Logger

	mu      sync.Mutex
	results chan relay.Result
	closed  bool
	err     error
}

func newSession(logger *zap.Logger) *session {
	return &session{results: make(chan relay.Result, 64), logger: logger}
}

func (s *session) Start(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect realtime transcriber: %w", err)
	}
	return nil
}

func (s *session) Send(ctx context.Context, audio []byte) error {
	return s.client.Send(ctx, audio)
}

func (s *session) Results() <-chan relay.Result { return s.results }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finish waits for session termination so trailing finals are delivered
func (s *session) Finish(ctx context.Context) error {
	err := s.client.Disconnect(ctx, true)
	s.shutdown(nil)
	if err != nil {
		return fmt.Errorf("failed to terminate realtime session: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *session) onFinal(t aai.FinalTranscript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || t.Text == "" {
		return
	}
	res := relay.Result{Text: t.Text, Final: true, BeginMs: t.AudioStart, EndMs: t.AudioEnd}
	select {
	case s.results <- res:
	default:
		s.logger.Warn("⚠️ realtime result dropped, consumer is behind", zap.String("text", t.Text))
	}
}

func (s *session) onError(err error) {
	s.logger.Error("❌ realtime transcriber error", zap.Error(err))
	s.shutdown(err)
}

func (s *session) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err != nil {
		s.err = err
	}
	close(s.results)
}
