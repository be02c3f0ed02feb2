package errors

import (
	stdErrors "errors"
	"net/http"
	"testing"
)

func TestAppError_UnwrapAndDetails(t *testing.T) {
	cause := stdErrors.New("boom")
	err := ErrStorageFailed("put_chunk", cause).WithDetail("key", "sessions/s1/chunks/1")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if err.Details["key"] != "sessions/s1/chunks/1" {
		t.Fatalf("detail not set: %+v", err.Details)
	}
	if err.HTTPCode != http.StatusInternalServerError {
		t.Fatalf("unexpected http code %d", err.HTTPCode)
	}
}

func TestAppError_WithDetailDoesNotMutateOriginal(t *testing.T) {
	base := ErrSessionFrozen("s1")
	_ = base.WithDetail("extra", "x")
	if _, ok := base.Details["extra"]; ok {
		t.Fatalf("WithDetail leaked into the original error")
	}
}

func TestErrorCode_MarshalText(t *testing.T) {
	b, _ := ErrorCode_DEPENDENCY_FAILED.MarshalText()
	if string(b) != "DEPENDENCY_FAILED" {
		t.Fatalf("got %s", b)
	}
	if ErrorCode(42).String() != "UNKNOWN" {
		t.Fatalf("unknown code should stringify as UNKNOWN")
	}
}
