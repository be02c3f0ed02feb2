package handler

import (
	stdErrors "errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/errors"
	dto "github.com/johnquangdev/meeting-session/internal/adapter/dto/session"
	"github.com/johnquangdev/meeting-session/internal/adapter/presenter"
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	sessionUsecase "github.com/johnquangdev/meeting-session/internal/usecase/session"
	"github.com/johnquangdev/meeting-session/pkg/inference"
)

// HeaderIdempotencyKey deduplicates resolve retries
const HeaderIdempotencyKey = "Idempotency-Key"

// Session handles the per-session HTTP surface
type Session struct {
	svc    *sessionUsecase.Service
	health *inference.HealthRegistry
	logger *zap.Logger
}

// NewSessionHandler creates a new session handler. health may be nil.
func NewSessionHandler(svc *sessionUsecase.Service, health *inference.HealthRegistry, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{svc: svc, health: health, logger: logger}
}

func (h *Session) backends() []inference.HealthState {
	if h.health == nil {
		return []inference.HealthState{}
	}
	return h.health.Snapshot()
}

// bind decodes and validates a request body or query
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		appErr := errors.ErrInvalidPayload()
		appErr.Raw = err
		return appErr
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	return nil
}

// Configure handles POST /sessions/:id/config
// @Summary      Configure session roster
// @Tags         Sessions
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string              true  "Session ID"
// @Param        request  body      dto.ConfigRequest   true  "Roster and interviewer"
// @Success      200      {object}  common.SuccessResponse{data=entities.SessionConfig}
// @Failure      400      {object}  common.ErrorResponse
// @Failure      409      {object}  common.ErrorResponse  "Session frozen"
// @Router       /sessions/{id}/config [post]
func (h *Session) Configure(c echo.Context) error {
	var req dto.ConfigRequest
	if err := bind(c, &req); err != nil {
		return HandleError(h.logger, c, err)
	}

	cfg, err := h.svc.Configure(c.Request().Context(), c.Param("id"), entities.SessionConfig{
		Roster:          req.Roster,
		InterviewerName: req.InterviewerName,
	})
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, cfg)
}

// SetBinding handles POST /sessions/:id/bindings
// @Summary      Bind a diarization cluster to a participant
// @Tags         Sessions
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string              true  "Session ID"
// @Param        request  body      dto.BindingRequest  true  "Manual binding"
// @Success      200      {object}  entities.ClusterBinding
// @Failure      400      {object}  common.ErrorResponse
// @Router       /sessions/{id}/bindings [post]
func (h *Session) SetBinding(c echo.Context) error {
	var req dto.BindingRequest
	if err := bind(c, &req); err != nil {
		return HandleError(h.logger, c, err)
	}

	binding, err := h.svc.SetBinding(c.Request().Context(), c.Param("id"), req.ClusterID, req.ParticipantName, req.Locked)
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, binding)
}

// Enroll handles POST /sessions/:id/enroll
// @Summary      Enroll a participant voice sample
// @Tags         Sessions
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string             true  "Session ID"
// @Param        request  body      dto.EnrollRequest  true  "Enrollment sample"
// @Success      200      {object}  sessionUsecase.EnrollOutput
// @Failure      502      {object}  common.ErrorResponse  "Inference backends exhausted"
// @Router       /sessions/{id}/enroll [post]
func (h *Session) Enroll(c echo.Context) error {
	var req dto.EnrollRequest
	if err := bind(c, &req); err != nil {
		return HandleError(h.logger, c, err)
	}

	out, err := h.svc.Enroll(c.Request().Context(), c.Param("id"), sessionUsecase.EnrollInput{
		ParticipantName: req.ParticipantName,
		AudioB64:        req.Audio,
	})
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, out)
}

// State handles GET /sessions/:id/state
// @Summary      Live session state
// @Tags         Sessions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  dto.StateResponse
// @Router       /sessions/{id}/state [get]
func (h *Session) State(c echo.Context) error {
	st, err := h.svc.State(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, presenter.ToStateResponse(st, h.backends()))
}

// Resolve handles POST /sessions/:id/resolve
// @Summary      Resolve the speaker of an audio span
// @Tags         Sessions
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id               path      string              true   "Session ID"
// @Param        Idempotency-Key  header    string              false  "Replay key"
// @Param        request          body      dto.ResolveRequest  true   "Span to resolve"
// @Success      200              {object}  dto.ResolveResponse
// @Failure      502              {object}  common.ErrorResponse  "Inference backends exhausted"
// @Router       /sessions/{id}/resolve [post]
func (h *Session) Resolve(c echo.Context) error {
	var req dto.ResolveRequest
	if err := bind(c, &req); err != nil {
		return HandleError(h.logger, c, err)
	}

	out, replayed, err := h.svc.Resolve(c.Request().Context(), c.Param("id"), c.Request().Header.Get(HeaderIdempotencyKey), sessionUsecase.ResolveInput{
		StreamRole: entities.StreamRole(req.StreamRole),
		StartMs:    req.StartMs,
		EndMs:      req.EndMs,
		AudioB64:   req.Audio,
		ASRText:    req.ASRText,
	})
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, presenter.ToResolveResponse(out, replayed))
}

// Finalize handles POST /sessions/:id/finalize
// @Summary      Run the finalize pipeline
// @Tags         Sessions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  entities.FinalizeResult
// @Failure      409  {object}  common.ErrorResponse  "Finalize already running"
// @Failure      422  {object}  common.ErrorResponse  "Structural failure"
// @Router       /sessions/{id}/finalize [post]
func (h *Session) Finalize(c echo.Context) error {
	id := c.Param("id")
	res, err := h.svc.Finalize(c.Request().Context(), id)
	if stdErrors.Is(err, sessionUsecase.ErrFinalizeStructural) && res != nil {
		return HandleError(h.logger, c, errors.ErrFinalizeFailed(id, res))
	}
	if err != nil {
		return HandleError(h.logger, c, err)
	}

	h.logger.Info("🏁 session finalized",
		zap.String("session_id", id),
		zap.String("status", string(res.Status)),
	)
	return HandleSuccess(h.logger, c, res)
}

// Utterances handles GET /sessions/:id/utterances
// @Summary      Transcript view
// @Tags         Sessions
// @Produce      json
// @Security     BearerAuth
// @Param        id           path      string  true   "Session ID"
// @Param        view         query     string  false  "raw or merged"  Enums(raw, merged)
// @Param        stream_role  query     string  false  "Restrict to one stream"
// @Success      200          {object}  dto.UtterancesResponse
// @Router       /sessions/{id}/utterances [get]
func (h *Session) Utterances(c echo.Context) error {
	var q dto.UtterancesQuery
	if err := bind(c, &q); err != nil {
		return HandleError(h.logger, c, err)
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	role := entities.StreamRole(q.StreamRole)

	if q.View == "raw" {
		raws, err := h.svc.RawUtterances(ctx, id, role)
		if err != nil {
			return HandleError(h.logger, c, err)
		}
		return HandleSuccess(h.logger, c, presenter.ToRawUtterances(role, raws))
	}

	merged, err := h.svc.MergedUtterances(ctx, id, role)
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, presenter.ToMergedUtterances(role, merged))
}

// Events handles GET /sessions/:id/events
// @Summary      Identity audit log
// @Tags         Sessions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  dto.EventsResponse
// @Router       /sessions/{id}/events [get]
func (h *Session) Events(c echo.Context) error {
	events, err := h.svc.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, presenter.ToEventsResponse(events))
}

// Result handles GET /sessions/:id/result
// @Summary      Stored finalize result
// @Tags         Sessions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  entities.FinalizeResult
// @Failure      404  {object}  common.ErrorResponse  "Result not ready"
// @Router       /sessions/{id}/result [get]
func (h *Session) Result(c echo.Context) error {
	res, err := h.svc.Result(c.Request().Context(), c.Param("id"))
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, res)
}

// BackendsHealth handles GET /backends/health
// @Summary      Inference backend circuit state
// @Tags         Backends
// @Produce      json
// @Success      200  {object}  dto.BackendsHealthResponse
// @Router       /backends/health [get]
func (h *Session) BackendsHealth(c echo.Context) error {
	return HandleSuccess(h.logger, c, presenter.ToBackendsHealthResponse(h.backends()))
}
