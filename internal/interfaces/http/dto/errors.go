package dto

import "net/http"

// Error codes returned in ErrorInfo.Code. Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	ErrCodeUnknown  = "ERR_UNKNOWN"
	ErrCodeInternal = "ERR_INTERNAL"
)

// Validation error codes
const (
	ErrCodeValidation   = "ERR_VALIDATION"
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	ErrCodeInvalidJSON  = "ERR_INVALID_JSON"
	ErrCodeTooLarge     = "ERR_REQUEST_TOO_LARGE"
)

// Authentication error codes
const (
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	ErrCodeForbidden    = "ERR_FORBIDDEN"
	ErrCodeTokenExpired = "ERR_TOKEN_EXPIRED"
	ErrCodeTokenInvalid = "ERR_TOKEN_INVALID"
	ErrCodeTokenRevoked = "ERR_TOKEN_REVOKED"
)

// Ledger error codes
const (
	ErrCodeInsufficientBalance  = "ERR_INSUFFICIENT_BALANCE"
	ErrCodeAccountNotFound      = "ERR_ACCOUNT_NOT_FOUND"
	ErrCodeTransactionNotFound  = "ERR_TRANSACTION_NOT_FOUND"
	ErrCodeInvalidState         = "ERR_INVALID_STATE"
	ErrCodeConcurrencyConflict  = "ERR_CONCURRENCY_CONFLICT"
	ErrCodeTransientStore       = "ERR_TRANSIENT_STORE"
	ErrCodeInvariantViolation   = "ERR_INVARIANT_VIOLATION"
	ErrCodeRouteNotFound        = "ERR_NOT_FOUND"
	ErrCodeRateLimited          = "ERR_RATE_LIMITED"
	ErrCodeWebhookSignature     = "ERR_WEBHOOK_SIGNATURE"
	ErrCodeStatementUnavailable = "ERR_STATEMENT_UNAVAILABLE"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes. Ledger codes
// other than insufficient balance are unmapped and surface as 500.
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeValidation:   http.StatusBadRequest,
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeInvalidJSON:  http.StatusBadRequest,
	ErrCodeTooLarge:     http.StatusRequestEntityTooLarge,

	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeTokenExpired: http.StatusUnauthorized,
	ErrCodeTokenInvalid: http.StatusUnauthorized,
	ErrCodeTokenRevoked: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,

	ErrCodeInsufficientBalance: http.StatusPaymentRequired,
	ErrCodeRouteNotFound:       http.StatusNotFound,
	ErrCodeRateLimited:         http.StatusTooManyRequests,
	ErrCodeWebhookSignature:    http.StatusBadRequest,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Unmapped codes return 500.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// domainErrorCodes maps DomainError codes onto API codes
var domainErrorCodes = map[string]string{
	"INVALID_INPUT":         ErrCodeInvalidInput,
	"INSUFFICIENT_BALANCE":  ErrCodeInsufficientBalance,
	"ACCOUNT_NOT_FOUND":     ErrCodeAccountNotFound,
	"TRANSACTION_NOT_FOUND": ErrCodeTransactionNotFound,
	"NOT_FOUND":             ErrCodeAccountNotFound,
	"INVALID_STATE":         ErrCodeInvalidState,
	"CONCURRENCY_CONFLICT":  ErrCodeConcurrencyConflict,
	"TRANSIENT_STORE_ERROR": ErrCodeTransientStore,
	"INVARIANT_VIOLATION":   ErrCodeInvariantViolation,
	"UNAUTHORIZED":          ErrCodeUnauthorized,
	"FORBIDDEN":             ErrCodeForbidden,
}

// NormalizeErrorCode converts a domain error code to its API form.
// Unknown codes fall back to ERR_INTERNAL.
func NormalizeErrorCode(code string) string {
	if apiCode, ok := domainErrorCodes[code]; ok {
		return apiCode
	}
	return ErrCodeInternal
}
