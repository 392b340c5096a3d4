package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/carquote-api/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited       = "RATE_LIMITED"

	// Marketplace error codes
	ErrCodeInvalidCarDetails       = "INVALID_CAR_DETAILS"
	ErrCodeOpportunityClosed       = "OPPORTUNITY_CLOSED"
	ErrCodeNotEligible             = "NOT_ELIGIBLE"
	ErrCodeTradeInFieldsNotAllowed = "TRADE_IN_FIELDS_NOT_ALLOWED"
	ErrCodeInvalidPrice            = "INVALID_PRICE"
	ErrCodeInvalidTransition       = "INVALID_TRANSITION"
	ErrCodeAlreadyAccepted         = "ALREADY_ACCEPTED"
	ErrCodeChatNotUnlocked         = "CHAT_NOT_UNLOCKED"
)

type domainError struct {
	err    error
	status int
	code   string
}

// domainErrors maps each service sentinel to the status and code clients render from
var domainErrors = []domainError{
	{types.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{types.ErrInvalidCarDetails, http.StatusUnprocessableEntity, ErrCodeInvalidCarDetails},
	{types.ErrOpportunityClosed, http.StatusConflict, ErrCodeOpportunityClosed},
	{types.ErrNotEligible, http.StatusForbidden, ErrCodeNotEligible},
	{types.ErrTradeInFieldsNotAllowed, http.StatusForbidden, ErrCodeTradeInFieldsNotAllowed},
	{types.ErrInvalidPrice, http.StatusUnprocessableEntity, ErrCodeInvalidPrice},
	{types.ErrInvalidTransition, http.StatusConflict, ErrCodeInvalidTransition},
	{types.ErrAlreadyAccepted, http.StatusConflict, ErrCodeAlreadyAccepted},
	{types.ErrChatNotUnlocked, http.StatusForbidden, ErrCodeChatNotUnlocked},
	{types.ErrUnauthorized, http.StatusForbidden, ErrCodeUnauthorized},
	{types.ErrValidation, http.StatusBadRequest, ErrCodeValidationFailed},
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	Fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	Fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	Fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// Fail sends an error envelope with the given status and code
func Fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	for _, de := range domainErrors {
		if errors.Is(err, de.err) {
			Fail(c, de.status, de.code, err.Error())
			return
		}
	}

	// Default to internal server error
	InternalError(c, "An unexpected error occurred")
}
