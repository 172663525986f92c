// errors.go defines the typed error surface of the adapter.
//
// Binance reports application errors as {"code": -NNNN, "msg": "..."} with
// an HTTP status. Rate limiting arrives as HTTP 429 (weight exceeded) or
// 418 (IP auto-ban) with a Retry-After header; callers back off and retry
// on the next cycle rather than in place.
package exchange

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a typed exchange error with the Binance code and message.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	RetryAfter time.Duration // non-zero for rate-limit responses
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("exchange: rate limited (status %d, code %d): %s (retry after %s)",
			e.HTTPStatus, e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("exchange: api error (status %d, code %d): %s", e.HTTPStatus, e.Code, e.Message)
}

// RateLimited reports whether the error indicates weight exhaustion.
func (e *APIError) RateLimited() bool {
	return e.HTTPStatus == 429 || e.HTTPStatus == 418
}

// AsAPIError unwraps an APIError from err, if present.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Binance error codes the engine branches on.
const (
	CodeUnknownOrder       = -2011 // cancel of an order that is already gone
	CodeDuplicateClientID  = -4116 // client order id already in use
	CodeInsufficientMargin = -2019
)
