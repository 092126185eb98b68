// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidAPIKey   = "invalid_api_key"
	CodeModelNotAllowed = "MODEL_NOT_ALLOWED"
	CodeOutputTruncated = "OUTPUT_TRUNCATED"
	CodeConfigError     = "config_error"
	CodeInternalError   = "internal_error"
	CodeInvalidRequest  = "invalid_request"
	CodeProviderError   = "provider_error"
	CodeRequestTimeout  = "request_timeout"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body returns the JSON error envelope for message/type/code without writing
// it anywhere. Used for in-band SSE error frames where headers are already
// committed.
func Body(message, errType, code string) []byte {
	b, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return b
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, errType, code))
}

// WriteAuth writes the uniform 401 authentication error. The message never
// distinguishes missing, unknown, or disabled keys.
func WriteAuth(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"invalid API key", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}
