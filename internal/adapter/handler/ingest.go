package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/errors"
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/ingest"
	sessionUsecase "github.com/johnquangdev/meeting-session/internal/usecase/session"
	"github.com/johnquangdev/meeting-session/pkg/validator"
)

const (
	// a 1s PCM chunk is ~43KB once base64 encoded
	maxFrameBytes = 256 << 10
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
)

// Ingest upgrades capture clients to the per-stream websocket channel
type Ingest struct {
	svc       *sessionUsecase.Service
	validator *validator.CustomValidator
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewIngestHandler creates the ingest channel handler. allowedOrigins empty
// or containing "*" accepts any origin.
func NewIngestHandler(svc *sessionUsecase.Service, v *validator.CustomValidator, allowedOrigins []string, logger *zap.Logger) *Ingest {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingest{
		svc:       svc,
		validator: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Stream handles GET /sessions/:id/ingest/:stream_role
// @Summary      Audio ingest channel
// @Description  Websocket carrying hello, chunk, capture_status and close frames
// @Tags         Ingest
// @Security     BearerAuth
// @Param        id           path  string  true  "Session ID"
// @Param        stream_role  path  string  true  "Stream role"  Enums(teacher, students, mixed)
// @Success      101
// @Failure      400  {object}  common.ErrorResponse
// @Router       /sessions/{id}/ingest/{stream_role} [get]
func (h *Ingest) Stream(c echo.Context) error {
	id := c.Param("id")
	role := entities.StreamRole(c.Param("stream_role"))
	if !role.IsValid() {
		return HandleError(h.logger, c, errors.ErrInvalidArgument("unknown stream role: "+string(role)))
	}

	actor, err := h.svc.Session(c.Request().Context(), id)
	if err != nil {
		return HandleError(h.logger, c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied
		h.logger.Warn("⚠️ websocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return nil
	}
	defer ws.Close()

	log := h.logger.With(zap.String("session_id", id), zap.String("stream_role", string(role)))
	log.Info("🔌 ingest channel opened", zap.String("remote", c.RealIP()))

	conn := ingest.NewConn(id, role, actor, h.validator, h.logger)
	defer func() {
		conn.Disconnect()
		log.Info("🔌 ingest channel closed")
	}()

	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.keepalive(ws, stop)

	ctx := c.Request().Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("⚠️ ingest channel read failed", zap.Error(err))
			}
			return nil
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		reply, closeAfter := conn.Handle(ctx, data)
		if reply != nil {
			if err := h.write(ws, reply); err != nil {
				log.Warn("⚠️ ingest reply write failed", zap.Error(err))
				return nil
			}
		}
		if closeAfter {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		}
	}
}

func (h *Ingest) write(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(v)
}

func (h *Ingest) keepalive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteJSON
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
