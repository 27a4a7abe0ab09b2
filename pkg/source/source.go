// Package source fetches raw hourly snapshots from the upstream balloon feed
// and filters the corruption it is known to contain.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/stratowatch/constellation/pkg/model"
)

// RequestTimeout bounds one upstream fetch.
const RequestTimeout = 30 * time.Second

// Client fetches one relative hour of observations per call. A fetch never
// fails the caller: any upstream problem yields an empty slice and a recorded
// failure. Retry policy lives with the ingest controller.
type Client struct {
	baseURL string
	http    *http.Client
	circuit *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	fetchesTotal *prometheus.CounterVec
	droppedTotal prometheus.Counter
}

// New builds a client for the given feed base URL, e.g.
// "https://example.com/treasure". The trailing slash is optional.
func New(baseURL string, logger zerolog.Logger, reg prometheus.Registerer) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: RequestTimeout},
		logger:  logger.With().Str("component", "source").Logger(),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_fetches_total",
			Help: "Upstream snapshot fetches by outcome",
		}, []string{"outcome"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "source_records_dropped_total",
			Help: "Upstream records dropped by validation",
		}),
	}

	c.circuit = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "balloon-feed",
		MaxRequests: 2,
		Interval:    5 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	if reg != nil {
		reg.MustRegister(c.fetchesTotal, c.droppedTotal)
	}
	return c
}

// FetchHour requests the snapshot at the given relative hour (0 = current,
// 23 = oldest). The returned slice contains only observations that pass the
// numeric invariants; it is empty on any upstream failure.
func (c *Client) FetchHour(ctx context.Context, offset int) []model.Observation {
	if offset < 0 || offset > 23 {
		c.recordFailure("bad_offset", fmt.Errorf("offset %d out of range", offset))
		return nil
	}

	url := fmt.Sprintf("%s/%02d.json", c.baseURL, offset)

	body, err := c.fetch(ctx, url)
	if err != nil {
		c.recordFailure("unavailable", err)
		return nil
	}

	obs, dropped, err := parseObservations(body)
	if err != nil {
		c.recordFailure("corrupt", err)
		return nil
	}

	if dropped > 0 {
		c.droppedTotal.Add(float64(dropped))
		c.logger.Warn().Int("offset", offset).Int("dropped", dropped).
			Int("kept", len(obs)).Msg("Dropped corrupted upstream records")
	}

	c.fetchesTotal.WithLabelValues("ok").Inc()
	return obs
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	result, err := c.circuit.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Client) recordFailure(outcome string, err error) {
	c.fetchesTotal.WithLabelValues(outcome).Inc()
	c.logger.Warn().Err(err).Str("outcome", outcome).Msg("Upstream fetch failed")
}

// The feed occasionally emits bare NaN / Infinity tokens, which are not
// valid JSON. Neutralize them to null before decoding so one bad record
// does not poison the whole snapshot.
var (
	nanToken    = []byte("NaN")
	posInfToken = []byte("Infinity")
	negInfToken = []byte("-Infinity")
	nullToken   = []byte("null")
)

func sanitize(body []byte) []byte {
	if !bytes.Contains(body, nanToken) && !bytes.Contains(body, posInfToken) {
		return body
	}
	body = bytes.ReplaceAll(body, negInfToken, nullToken)
	body = bytes.ReplaceAll(body, posInfToken, nullToken)
	body = bytes.ReplaceAll(body, nanToken, nullToken)
	return body
}

// parseObservations decodes the array-of-3-tuples body, dropping every record
// that is not exactly three finite in-range numbers. A body that is not a
// JSON array at all is an error.
func parseObservations(body []byte) ([]model.Observation, int, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(sanitize(body), &records); err != nil {
		return nil, 0, fmt.Errorf("body is not a JSON array: %w", err)
	}

	obs := make([]model.Observation, 0, len(records))
	dropped := 0
	for _, rec := range records {
		var tuple []*float64
		if err := json.Unmarshal(rec, &tuple); err != nil || len(tuple) != 3 ||
			tuple[0] == nil || tuple[1] == nil || tuple[2] == nil {
			dropped++
			continue
		}
		o := model.Observation{Lat: *tuple[0], Lon: *tuple[1], AltKM: *tuple[2]}
		if !o.Valid() {
			dropped++
			continue
		}
		obs = append(obs, o)
	}
	return obs, dropped, nil
}
