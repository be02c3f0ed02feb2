package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/relay"
)

// Envelope actions and events of the duplex recognition protocol
const (
	actionRunTask    = "run-task"
	actionFinishTask = "finish-task"

	eventTaskStarted     = "task-started"
	eventResultGenerated = "result-generated"
	eventTaskFinished    = "task-finished"
	eventTaskFailed      = "task-failed"
)

type header struct {
	Action       string `json:"action,omitempty"`
	Event        string `json:"event,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type runTaskPayload struct {
	TaskGroup  string                 `json:"task_group"`
	Task       string                 `json:"task"`
	Function   string                 `json:"function"`
	Model      string                 `json:"model"`
	Parameters map[string]interface{} `json:"parameters"`
	Input      struct{}               `json:"input"`
}

type request struct {
	Header  header      `json:"header"`
	Payload interface{} `json:"payload"`
}

type sentence struct {
	BeginTime   *int64 `json:"begin_time"`
	EndTime     *int64 `json:"end_time"`
	Text        string `json:"text"`
	SentenceEnd bool   `json:"sentence_end"`
}

type event struct {
	Header  header `json:"header"`
	Payload struct {
		Output struct {
			Sentence sentence `json:"sentence"`
		} `json:"output"`
	} `json:"payload"`
}

// Config holds recognizer connection settings
type Config struct {
	URL    string
	APIKey string
	Model  string
}

// Dialer opens duplex recognition tasks over websocket
type Dialer struct {
	cfg    Config
	ws     *websocket.Dialer
	logger *zap.Logger
}

// NewDialer creates a recognizer dialer
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{cfg: cfg, ws: websocket.DefaultDialer, logger: logger}
}

// Dial connects to the recognizer. The task is not started until Start.
func (d *Dialer) Dial(ctx context.Context) (relay.Upstream, error) {
	h := http.Header{}
	if d.cfg.APIKey != "" {
		h.Set("Authorization", "bearer "+d.cfg.APIKey)
	}
	conn, resp, err := d.ws.DialContext(ctx, d.cfg.URL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial recognizer (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial recognizer: %w", err)
	}
	return &task{
		conn:    conn,
		taskID:  uuid.NewString(),
		model:   d.cfg.Model,
		results: make(chan relay.Result, 64),
		started: make(chan error, 1),
		logger:  d.logger,
	}, nil
}

type task struct {
	conn    *websocket.Conn
	taskID  string
	model   string
	results chan relay.Result
	started chan error
	logger  *zap.Logger

	writeMu  sync.Mutex
	mu       sync.Mutex
	err      error
	finished chan struct{}
	once     sync.Once
}

func (t *task) writeJSON(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

// Start sends run-task and waits for task-started
func (t *task) Start(ctx context.Context) error {
	t.finished = make(chan struct{})
	go t.readLoop()

	err := t.writeJSON(request{
		Header: header{Action: actionRunTask, TaskID: t.taskID, Streaming: "duplex"},
		Payload: runTaskPayload{
			TaskGroup: "audio",
			Task:      "asr",
			Function:  "recognition",
			Model:     t.model,
			Parameters: map[string]interface{}{
				"format":      "pcm",
				"sample_rate": entities.TargetSampleRate,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send run-task: %w", err)
	}

	select {
	case err := <-t.started:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for task-started: %w", ctx.Err())
	}
}

// Send writes one binary audio frame
func (t *task) Send(ctx context.Context, audio []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (t *task) Results() <-chan relay.Result { return t.results }

func (t *task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Finish sends finish-task and waits for task-finished or ctx
func (t *task) Finish(ctx context.Context) error {
	if t.finished == nil {
		return ErrNotStarted
	}
	err := t.writeJSON(request{
		Header:  header{Action: actionFinishTask, TaskID: t.taskID, Streaming: "duplex"},
		Payload: map[string]interface{}{"input": struct{}{}},
	})
	if err != nil {
		return fmt.Errorf("failed to send finish-task: %w", err)
	}
	select {
	case <-t.finished:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *task) Close() error {
	return t.conn.Close()
}

func (t *task) setErr(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

func (t *task) readLoop() {
	defer func() {
		t.once.Do(func() { close(t.finished) })
		close(t.results)
	}()
	for {
		var ev event
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.setErr(fmt.Errorf("recognizer connection lost: %w", err))
			t.signalStarted(err)
			return
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.logger.Warn("⚠️ malformed recognizer event", zap.Error(err))
			continue
		}
		switch ev.Header.Event {
		case eventTaskStarted:
			t.signalStarted(nil)
		case eventResultGenerated:
			s := ev.Payload.Output.Sentence
			res := relay.Result{Text: s.Text, Final: s.SentenceEnd, BeginMs: -1, EndMs: -1}
			if s.BeginTime != nil && s.EndTime != nil {
				res.BeginMs, res.EndMs = *s.BeginTime, *s.EndTime
			}
			t.results <- res
		case eventTaskFinished:
			return
		case eventTaskFailed:
			err := fmt.Errorf("recognizer task failed: %s %s", ev.Header.ErrorCode, ev.Header.ErrorMessage)
			t.setErr(err)
			t.signalStarted(err)
			return
		}
	}
}

func (t *task) signalStarted(err error) {
	select {
	case t.started <- err:
	default:
	}
}

// ErrNotStarted is returned by Finish on a task that never started
var ErrNotStarted = errors.New("recognizer task not started")
