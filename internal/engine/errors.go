package engine

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field      string `json:"field,omitempty"`
	RelationID string `json:"relation_id,omitempty"`
	Message    string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(kind, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", kind, id),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func UpstreamError(err error) *AppError {
	return &AppError{Code: "UPSTREAM_FAILED", Status: 502, Message: err.Error()}
}

// StoreFailure is a failed boundary call: fetching relations or records, or
// writing a target record. It never covers more than one operation.
type StoreFailure struct {
	Op       string // "list_relations", "list_records", "write"
	Type     string
	TargetID string
	Err      error
}

func (e *StoreFailure) Error() string {
	if e.TargetID != "" {
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Type, e.TargetID, e.Err)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Type, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreFailure) Unwrap() error { return e.Err }

// IsStoreFailure reports whether err is, or wraps, a StoreFailure.
func IsStoreFailure(err error) bool {
	var sf *StoreFailure
	return errors.As(err, &sf)
}

// NewErrorHandler renders AppErrors as {error: {...}} and hides everything
// else behind a generic 500.
func NewErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx, err error) error {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(ErrorResponse{
				Error: &AppError{Code: "HTTP_ERROR", Status: fiberErr.Code, Message: fiberErr.Message},
			})
		}

		logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: &AppError{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			},
		})
	}
}
