// Package fault defines the error kinds shared across subsystems and the
// mapping used by the HTTP layer.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", kind) so callers can
// classify with errors.Is while keeping a human message.
var (
	UpstreamUnavailable = errors.New("upstream unavailable")
	UpstreamCorrupt     = errors.New("upstream response corrupt")
	WindRateLimited     = errors.New("wind provider rate limited")
	WindUnavailable     = errors.New("wind data unavailable")
	StoreWriteFailed    = errors.New("store write failed")
	StoreReadFailed     = errors.New("store read failed")
	NotFound            = errors.New("not found")
	InvalidArgument     = errors.New("invalid argument")
	Timeout             = errors.New("timeout")
)

// Kind returns the short machine name for the first recognized kind in err's
// chain, or "internal_error".
func Kind(err error) string {
	switch {
	case errors.Is(err, UpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, UpstreamCorrupt):
		return "upstream_corrupt"
	case errors.Is(err, WindRateLimited):
		return "wind_rate_limited"
	case errors.Is(err, WindUnavailable):
		return "wind_unavailable"
	case errors.Is(err, StoreWriteFailed):
		return "store_write_failed"
	case errors.Is(err, StoreReadFailed):
		return "store_read_failed"
	case errors.Is(err, NotFound):
		return "not_found"
	case errors.Is(err, InvalidArgument):
		return "invalid_argument"
	case errors.Is(err, Timeout):
		return "timeout"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error to the response status the read API should emit.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, NotFound):
		return http.StatusNotFound
	case errors.Is(err, InvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, Timeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, UpstreamUnavailable), errors.Is(err, WindUnavailable),
		errors.Is(err, WindRateLimited):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Invalidf wraps InvalidArgument with a formatted message.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, InvalidArgument)...)
}

// NotFoundf wraps NotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, NotFound)...)
}
