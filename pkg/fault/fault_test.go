package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassifiesWrappedErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("fetch 03.json: %w", UpstreamUnavailable), "upstream_unavailable"},
		{fmt.Errorf("decode: %w", UpstreamCorrupt), "upstream_corrupt"},
		{fmt.Errorf("batch: %w", WindRateLimited), "wind_rate_limited"},
		{fmt.Errorf("no close hour: %w", WindUnavailable), "wind_unavailable"},
		{fmt.Errorf("put: %w", StoreWriteFailed), "store_write_failed"},
		{fmt.Errorf("scan: %w", StoreReadFailed), "store_read_failed"},
		{NotFoundf("balloon %s", "balloon_0001"), "not_found"},
		{Invalidf("hours %d", 99), "invalid_argument"},
		{fmt.Errorf("deadline: %w", Timeout), "timeout"},
		{errors.New("something else"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "%v", tt.err)
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFoundf("x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Invalidf("x")))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(fmt.Errorf("t: %w", Timeout)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(fmt.Errorf("w: %w", WindRateLimited)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestFormattedWrappersPreserveMessage(t *testing.T) {
	err := Invalidf("hour_offset %d outside [0,23]", 42)
	assert.ErrorIs(t, err, InvalidArgument)
	assert.Contains(t, err.Error(), "hour_offset 42 outside [0,23]")
}
