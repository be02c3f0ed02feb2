package relay

import "context"

// Result is one recognition result from the upstream recognizer. BeginMs and
// EndMs are relative to the start of the task's audio; -1 means unknown.
type Result struct {
	Text    string
	Final   bool
	BeginMs int64
	EndMs   int64
}

// Upstream is one streaming recognition task
type Upstream interface {
	// Start sends the start-of-task request and waits for the started ack
	Start(ctx context.Context) error
	// Send forwards one audio frame
	Send(ctx context.Context, audio []byte) error
	// Results is closed when the task ends or the connection drops
	Results() <-chan Result
	// Err reports why Results was closed; nil after a clean finish
	Err() error
	// Finish sends end-of-task and waits for the upstream to acknowledge
	Finish(ctx context.Context) error
	Close() error
}

// Dialer opens a new upstream connection
type Dialer interface {
	Dial(ctx context.Context) (Upstream, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (Upstream, error)

func (f DialerFunc) Dial(ctx context.Context) (Upstream, error) { return f(ctx) }
