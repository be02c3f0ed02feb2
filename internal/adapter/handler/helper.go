package handler

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/errors"
	"github.com/johnquangdev/meeting-session/internal/adapter/dto/common"
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/session"
	"github.com/johnquangdev/meeting-session/pkg/inference"
	pkgvalidator "github.com/johnquangdev/meeting-session/pkg/validator"
)

// getRequestID tries to read X-Request-ID from the request or the response
// header set by the request id middleware
func getRequestID(c echo.Context) string {
	if c == nil || c.Request() == nil {
		return ""
	}
	if id := c.Request().Header.Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// HandleSuccess writes a standardized success response using provided logger
func HandleSuccess(logger *zap.Logger, c echo.Context, data interface{}) error {
	return HandleSuccessWithStatus(logger, c, http.StatusOK, data)
}

// HandleSuccessWithStatus is HandleSuccess with an explicit HTTP status
func HandleSuccessWithStatus(logger *zap.Logger, c echo.Context, status int, data interface{}) error {
	resp := common.SuccessResponse{
		Code:    int(errors.ErrorCode_HTTP_OK),
		Message: "success",
		Data:    data,
	}

	if logger != nil {
		logger.Info("http.response.success",
			zap.String("request_id", getRequestID(c)),
			zap.String("path", c.Path()),
		)
	}

	return c.JSON(status, resp)
}

// HandleError centralizes error handling and logging using provided logger
func HandleError(logger *zap.Logger, c echo.Context, err error) error {
	appErr := ToAppError(err, c.Param("id"))

	if logger != nil {
		log := logger.Warn
		if appErr.HTTPCode >= http.StatusInternalServerError {
			log = logger.Error
		}
		log("http.response.error",
			zap.String("request_id", getRequestID(c)),
			zap.String("path", c.Path()),
			zap.Stringer("app_code", appErr.Code),
			zap.Error(err),
		)
	}

	info := ""
	if appErr.Raw != nil {
		info = appErr.Raw.Error()
	}

	body := common.ErrorResponse{
		Code:    appErr.Code,
		Message: appErr.Message,
		Info:    info,
		Details: appErr.Details,
		Payload: appErr.Payload,
	}

	return c.JSON(appErr.HTTPCode, body)
}

// ToAppError maps domain, dependency and echo errors to an AppError
func ToAppError(err error, sessionID string) errors.AppError {
	var appErr errors.AppError
	if stdErrors.As(err, &appErr) {
		return appErr
	}

	var failover *inference.FailoverError
	if stdErrors.As(err, &failover) {
		return errors.ErrDependencyFailed(failover.Endpoint, err, failover)
	}

	var verrs validator.ValidationErrors
	if stdErrors.As(err, &verrs) {
		return errors.ErrInvalidArgument(pkgvalidator.Describe(verrs))
	}

	var httpErr *echo.HTTPError
	if stdErrors.As(err, &httpErr) {
		return fromHTTPError(httpErr)
	}

	switch {
	case stdErrors.Is(err, entities.ErrSessionFrozen):
		return errors.ErrSessionFrozen(sessionID)
	case stdErrors.Is(err, entities.ErrSessionFinalizing):
		return errors.ErrSessionFinalizing(sessionID)
	case stdErrors.Is(err, session.ErrResultNotReady):
		return errors.ErrResultNotReady(sessionID)
	case stdErrors.Is(err, entities.ErrInvalidStreamRole):
		return errors.ErrInvalidArgument(err.Error())
	case stdErrors.Is(err, entities.ErrEmbeddingCacheFull):
		return errors.ErrEmbeddingCacheFull("")
	case stdErrors.Is(err, entities.ErrInvalidEmbedding):
		return errors.ErrExternalAPIFailed("inference", err)
	case stdErrors.Is(err, session.ErrRegistryClosed), stdErrors.Is(err, session.ErrActorStopped):
		return errors.AppError{
			Raw:      err,
			HTTPCode: http.StatusServiceUnavailable,
			Code:     errors.ErrorCode_INTERNAL,
			Message:  "Session engine is shutting down",
		}
	case stdErrors.Is(err, context.DeadlineExceeded):
		return errors.AppError{
			Raw:      err,
			HTTPCode: http.StatusGatewayTimeout,
			Code:     errors.ErrorCode_INTERNAL,
			Message:  "Request timed out",
		}
	}
	return errors.ErrInternal(err)
}

func fromHTTPError(he *echo.HTTPError) errors.AppError {
	code := errors.ErrorCode_INTERNAL
	switch he.Code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		code = errors.ErrorCode_INVALID_ARGUMENT
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		code = errors.ErrorCode_NOT_FOUND
	case http.StatusUnauthorized:
		code = errors.ErrorCode_UNAUTHENTICATED
	case http.StatusForbidden:
		code = errors.ErrorCode_PERMISSION_DENIED
	}
	return errors.AppError{
		Raw:      he.Internal,
		HTTPCode: he.Code,
		Code:     code,
		Message:  fmt.Sprint(he.Message),
	}
}

// ErrorHandler is installed as echo's HTTPErrorHandler so middleware errors
// share the handler error shape
func ErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if herr := HandleError(logger, c, err); herr != nil && logger != nil {
			logger.Error("❌ failed to write error response", zap.Error(herr))
		}
	}
}
