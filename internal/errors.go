package llmux

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrUserDisabled   = errors.New("user disabled")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrNoAvailableKey = errors.New("no available key")
	ErrShuttingDown   = errors.New("shutting down")
	ErrUpstreamError  = errors.New("upstream error")
	ErrTimeout        = errors.New("upstream timeout")
)

// ErrorType is the user-visible failure taxonomy. Every error leaving the
// proxy is normalized to one of these.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "proxy_validation_error"
	ErrorTypeOrgDisabled ErrorType = "organization_account_disabled"
	ErrorTypeQuota       ErrorType = "proxy_quota_exceeded"
	ErrorTypeInternal    ErrorType = "proxy_internal_error"
	ErrorTypeNoKey       ErrorType = "proxy_no_available_key"
	ErrorTypeUpstream    ErrorType = "upstream_error"
	ErrorTypeTimeout     ErrorType = "proxy_timeout"
)

// orgDisabledMessage mimics a known upstream policy-violation response so
// that origin-filtering clients treat the refusal as an account problem
// rather than a proxy problem.
const orgDisabledMessage = "This organization has been disabled due to a violation of our policies. If you believe this is an error, contact support."

// QuotaInfo carries quota detail on proxy_quota_exceeded errors.
type QuotaInfo struct {
	Quota     int64 `json:"quota"`
	Used      int64 `json:"used"`
	Requested int64 `json:"requested"`
}

// APIError is a classified, user-visible failure.
type APIError struct {
	ErrType ErrorType  `json:"type"`
	Status  int        `json:"-"`
	Message string     `json:"message"`
	Issues  []string   `json:"issues,omitempty"` // schema validation detail
	Quota   *QuotaInfo `json:"quota_info,omitempty"`
	Stack   string     `json:"stack,omitempty"` // stripped in production mode
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrType, e.Message)
}

// ValidationError builds a 400 with the given schema issues.
func ValidationError(msg string, issues ...string) *APIError {
	return &APIError{ErrType: ErrorTypeValidation, Status: http.StatusBadRequest, Message: msg, Issues: issues}
}

// OrgDisabledError builds the spoofed 403 policy-violation error.
func OrgDisabledError() *APIError {
	return &APIError{ErrType: ErrorTypeOrgDisabled, Status: http.StatusForbidden, Message: orgDisabledMessage}
}

// QuotaError builds a 429 carrying quota detail.
func QuotaError(info QuotaInfo) *APIError {
	return &APIError{
		ErrType: ErrorTypeQuota,
		Status:  http.StatusTooManyRequests,
		Message: "token quota exceeded for this model family",
		Quota:   &info,
	}
}

// UpstreamError builds a passthrough error carrying the upstream status and body.
func UpstreamError(status int, body string) *APIError {
	return &APIError{ErrType: ErrorTypeUpstream, Status: status, Message: body}
}

// Classify normalizes any failure into an APIError. It is idempotent:
// re-classifying an already-typed error returns it unchanged.
func Classify(err error) *APIError {
	var api *APIError
	if errors.As(err, &api) {
		return api
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return &APIError{ErrType: ErrorTypeValidation, Status: http.StatusUnauthorized, Message: err.Error()}
	case errors.Is(err, ErrUserDisabled):
		return OrgDisabledError()
	case errors.Is(err, ErrQuotaExceeded):
		return &APIError{ErrType: ErrorTypeQuota, Status: http.StatusTooManyRequests, Message: err.Error()}
	case errors.Is(err, ErrNoAvailableKey):
		return &APIError{ErrType: ErrorTypeNoKey, Status: http.StatusServiceUnavailable, Message: "No available key"}
	case errors.Is(err, ErrShuttingDown):
		return &APIError{ErrType: ErrorTypeInternal, Status: http.StatusServiceUnavailable, Message: "Shutting Down"}
	case errors.Is(err, ErrTimeout):
		return &APIError{ErrType: ErrorTypeTimeout, Status: http.StatusGatewayTimeout, Message: err.Error()}
	case errors.Is(err, ErrUpstreamError):
		return &APIError{ErrType: ErrorTypeUpstream, Status: http.StatusBadGateway, Message: err.Error()}
	default:
		return &APIError{ErrType: ErrorTypeInternal, Status: http.StatusInternalServerError, Message: err.Error()}
	}
}
