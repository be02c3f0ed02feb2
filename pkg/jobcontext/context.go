package jobcontext

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type KeyContext string

var (
	keySessionID    KeyContext = "session_id"
	keyStage        KeyContext = "stage"
	keyRetryAttempt KeyContext = "retry_attempt"
	keyMaxRetries   KeyContext = "max_retries"
	keyStartTime    KeyContext = "stage_start_time"
)

// StageMetadata holds metadata for one finalize stage execution
type StageMetadata struct {
	SessionID    string
	Stage        string
	RetryAttempt int
	MaxRetries   int
	StartTime    time.Time
}

// StageBegin derives a stage context with metadata and a timeout.
// maxAttempts < 1 means a single attempt.
func StageBegin(parentCtx context.Context, sessionID, stage string, maxAttempts int, timeout time.Duration) (context.Context, context.CancelFunc) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	ctx = context.WithValue(ctx, keySessionID, sessionID)
	ctx = context.WithValue(ctx, keyStage, stage)
	ctx = context.WithValue(ctx, keyRetryAttempt, 0)
	ctx = context.WithValue(ctx, keyMaxRetries, maxAttempts)
	ctx = context.WithValue(ctx, keyStartTime, time.Now())
	return ctx, cancel
}

// RunStage executes fn with panic recovery. Retryable errors are retried up
// to the stage's max attempts with backoff from CalculateBackoff.
func RunStage(ctx context.Context, baseDelay time.Duration, fn func(context.Context) error) error {
	var (
		err         error
		maxAttempts = GetMaxRetries(ctx)
		attempt     = GetRetryAttempt(ctx)
	)

	for attempt < maxAttempts {
		ctx = SetRetryAttempt(ctx, attempt)

		func(ctx context.Context) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic recovered: %v", p)
				}
			}()
			if ctx.Err() != nil {
				err = fmt.Errorf("context cancelled before stage execution: %w", ctx.Err())
				return
			}
			err = fn(ctx)
		}(ctx)

		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return err
		}

		attempt++
		if attempt >= maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", err)
		case <-time.After(CalculateBackoff(attempt-1, baseDelay)):
		}
	}

	if maxAttempts > 1 {
		return fmt.Errorf("max attempts (%d) exceeded: %w", maxAttempts, err)
	}
	return err
}

// GetSessionID extracts the session id from context
func GetSessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keySessionID).(string)
	return id, ok
}

// GetStage extracts the stage name from context
func GetStage(ctx context.Context) (string, bool) {
	stage, ok := ctx.Value(keyStage).(string)
	return stage, ok
}

// GetRetryAttempt extracts current retry attempt from context
func GetRetryAttempt(ctx context.Context) int {
	attempt, ok := ctx.Value(keyRetryAttempt).(int)
	if !ok {
		return 0
	}
	return attempt
}

// SetRetryAttempt updates retry attempt in context
func SetRetryAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, keyRetryAttempt, attempt)
}

// GetMaxRetries extracts the attempt limit from context
func GetMaxRetries(ctx context.Context) int {
	maxRetries, ok := ctx.Value(keyMaxRetries).(int)
	if !ok {
		return 1
	}
	return maxRetries
}

// GetStartTime extracts stage start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	startTime, ok := ctx.Value(keyStartTime).(time.Time)
	return startTime, ok
}

// GetStageMetadata extracts all stage metadata from context
func GetStageMetadata(ctx context.Context) *StageMetadata {
	sessionID, _ := GetSessionID(ctx)
	stage, _ := GetStage(ctx)
	startTime, _ := GetStartTime(ctx)

	return &StageMetadata{
		SessionID:    sessionID,
		Stage:        stage,
		RetryAttempt: GetRetryAttempt(ctx),
		MaxRetries:   GetMaxRetries(ctx),
		StartTime:    startTime,
	}
}

// IsRetryableError checks if an error should trigger a retry
// Retryable errors include: network errors, timeouts, rate limits
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "context deadline exceeded") {
		return true
	}

	// Network errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "network unreachable") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "i/o timeout") {
		return true
	}

	// Object storage throttling
	if strings.Contains(errStr, "slowdown") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "service unavailable") {
		return true
	}

	if strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "try again") {
		return true
	}

	return false
}

// CalculateBackoff calculates exponential backoff duration
func CalculateBackoff(attempt int, baseDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// 2^attempt * baseDelay, max 30 seconds
	backoff := time.Duration(1<<uint(attempt)) * baseDelay

	maxBackoff := 30 * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	return backoff
}
