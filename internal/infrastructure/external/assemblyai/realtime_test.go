package assemblyai

import (
	"errors"
	"testing"

	aai "github.com/AssemblyAI/assemblyai-go-sdk"
	"go.uber.org/zap"
)

func final(text string, start, end int64) aai.FinalTranscript {
	return aai.FinalTranscript{
		RealTimeBaseTranscript: aai.RealTimeBaseTranscript{Text: text, AudioStart: start, AudioEnd: end},
	}
}

func TestSession_FinalTranscriptMapsToResult(t *testing.T) {
	s := newSession(zap.NewNop())
	s.onFinal(final("xin chào", 1200, 2400))
	s.onFinal(final("", 2400, 2500))

	res := <-s.Results()
	if !res.Final || res.Text != "xin chào" || res.BeginMs != 1200 || res.EndMs != 2400 {
		t.Fatalf("unexpected result %+v", res)
	}
	select {
	case r := <-s.Results():
		t.Fatalf("empty transcript should be skipped, got %+v", r)
	default:
	}
}

func TestSession_ErrorClosesResults(t *testing.T) {
	s := newSession(zap.NewNop())
	boom := errors.New("socket reset")
	s.onError(boom)

	if _, open := <-s.Results(); open {
		t.Fatalf("results should be closed after an error")
	}
	if !errors.Is(s.Err(), boom) {
		t.Fatalf("Err() = %v, want %v", s.Err(), boom)
	}
	// late callbacks after shutdown must not panic
	s.onFinal(final("late", 0, 1))
	s.onError(errors.New("second"))
	if !errors.Is(s.Err(), boom) {
		t.Fatalf("first error should be kept")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s := newSession(nil)
	s.logger = zap.NewNop()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.Err() != nil {
		t.Fatalf("clean close should not set an error")
	}
}
