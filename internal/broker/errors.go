package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel error classes. API responses are mapped onto these so callers can
// branch with errors.Is instead of inspecting broker codes.
var (
	ErrRateLimited       = errors.New("broker: rate limited")
	ErrInsufficientFunds = errors.New("broker: insufficient funds")
	ErrInvalidSymbol     = errors.New("broker: invalid or unsupported symbol")
	ErrNotEntitled       = errors.New("broker: no market data entitlement")
	ErrOrderRejected     = errors.New("broker: order rejected")
	ErrUnauthorized      = errors.New("broker: unauthorized")
)

// APIError is a non-zero business code or HTTP failure from the OpenAPI
// gateway.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error: http=%d code=%d message=%s", e.HTTPStatus, e.Code, e.Message)
}

// Broker business codes that map onto sentinel classes. The gateway reuses
// these across endpoints.
const (
	codeRateLimit          = 429001
	codeUnauthorized       = 401001
	codeInvalidSymbol      = 301600
	codeNoEntitlement      = 301607
	codeInsufficientFunds  = 602035
	codeInsufficientMargin = 602036
	codeOrderRejected      = 602001
)

// Is maps API errors onto the sentinel classes for errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.HTTPStatus == http.StatusTooManyRequests || e.Code == codeRateLimit
	case ErrUnauthorized:
		return e.HTTPStatus == http.StatusUnauthorized || e.Code == codeUnauthorized
	case ErrInvalidSymbol:
		return e.Code == codeInvalidSymbol
	case ErrNotEntitled:
		return e.Code == codeNoEntitlement
	case ErrInsufficientFunds:
		if e.Code == codeInsufficientFunds || e.Code == codeInsufficientMargin {
			return true
		}
		return strings.Contains(strings.ToLower(e.Message), "insufficient")
	case ErrOrderRejected:
		return e.Code == codeOrderRejected
	}
	return false
}

// IsRateLimited reports whether err is a throttling response.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsInsufficientFunds reports whether err means the account cannot pay.
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

// IsInvalidSymbol reports whether err marks a symbol the broker rejects.
func IsInvalidSymbol(err error) bool {
	return errors.Is(err, ErrInvalidSymbol) || errors.Is(err, ErrNotEntitled)
}

// IsTransient reports whether a retry may succeed: network failures,
// gateway 5xx and throttling. Business rejections are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus >= 500
	}
	// Anything that never reached the gateway (dial, timeout, reset).
	return true
}

// IsPermanent reports whether retrying the same request is pointless.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return !IsTransient(err)
}
