// Package wind fetches upper-air wind vectors from the external atmospheric
// provider, batched by pressure level and backed by the wind cache.
package wind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stratowatch/constellation/pkg/fault"
	"github.com/stratowatch/constellation/pkg/model"
	"github.com/stratowatch/constellation/pkg/windcache"
)

const (
	// BatchTimeout bounds a single provider request.
	BatchTimeout = 30 * time.Second
	// MaxLocationsPerRequest keeps the request URL well under length limits.
	MaxLocationsPerRequest = 300
	// MaxFrameDays caps past_days and forecast_days per request.
	MaxFrameDays = 3
	// BindTolerance is the widest gap between a requested timestamp and the
	// closest response hour we will accept.
	BindTolerance = 90 * time.Minute
	// RateLimitBackoff is how long a 429 parks the client before the next batch.
	RateLimitBackoff = 10 * time.Second
)

// PressureLadder is the fixed set of pressure levels the provider serves.
var PressureLadder = []float64{
	1000, 975, 950, 925, 900, 850, 800, 700, 600, 500,
	400, 300, 250, 200, 150, 100, 70, 50, 30,
}

// AltitudeToPressure maps an altitude to the nearest supported pressure level
// using the barometric approximation P = P0 * exp(-h/H).
func AltitudeToPressure(altKM float64) float64 {
	const (
		p0 = 1013.25 // hPa at sea level
		h  = 7.4     // km scale height
	)
	p := p0 * math.Exp(-altKM/h)

	best := PressureLadder[0]
	bestDiff := math.Abs(p - best)
	for _, level := range PressureLadder[1:] {
		if diff := math.Abs(p - level); diff < bestDiff {
			best = level
			bestDiff = diff
		}
	}
	return best
}

// Location is a point (and optional hour) to resolve wind for. A zero
// Timestamp means the current hour.
type Location struct {
	Lat       float64
	Lon       float64
	AltKM     float64
	Timestamp time.Time
}

func (l Location) hour(now time.Time) time.Time {
	if l.Timestamp.IsZero() {
		return model.HourFloor(now)
	}
	return model.HourFloor(l.Timestamp)
}

// Client batches wind lookups against the provider. Results land in the
// shared cache; lookups consult it first.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *windcache.Cache
	logger  zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(context.Context, time.Duration)

	batchesTotal *prometheus.CounterVec
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleeper overrides the backoff sleeper, for tests.
func WithSleeper(sleep func(context.Context, time.Duration)) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithPacing overrides the inter-batch pacing limiter, for tests.
func WithPacing(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New builds a client against the provider base URL (the forecast endpoint).
func New(baseURL string, cache *windcache.Cache, logger zerolog.Logger, reg prometheus.Registerer, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: BatchTimeout},
		cache:   cache,
		logger:  logger.With().Str("component", "wind").Logger(),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		now:     time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wind_batches_total",
			Help: "Wind provider batches by outcome",
		}, []string{"outcome"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if reg != nil {
		reg.MustRegister(c.batchesTotal)
	}
	return c
}

// WindFor resolves wind vectors for the given locations, keyed by the wind
// cache bucket key. Locations the provider cannot serve (rate limited,
// unavailable, no close-enough hour) are simply absent from the result; the
// caller decides how to degrade.
func (c *Client) WindFor(ctx context.Context, locations []Location) map[string]model.WindVector {
	out := make(map[string]model.WindVector, len(locations))
	now := c.now()

	// Cache pass, then group the misses by pressure level.
	groups := make(map[float64][]Location)
	for _, loc := range locations {
		hour := loc.hour(now)
		if vec, ok := c.cache.Get(loc.Lat, loc.Lon, loc.AltKM, hour); ok {
			out[windcache.Key(loc.Lat, loc.Lon, loc.AltKM, hour)] = vec
			continue
		}
		level := AltitudeToPressure(loc.AltKM)
		groups[level] = append(groups[level], loc)
	}

	for level, locs := range groups {
		for start := 0; start < len(locs); start += MaxLocationsPerRequest {
			end := start + MaxLocationsPerRequest
			if end > len(locs) {
				end = len(locs)
			}
			batch := locs[start:end]

			if err := c.limiter.Wait(ctx); err != nil {
				return out
			}

			vectors, err := c.fetchBatch(ctx, level, batch, now)
			if err != nil {
				if isRateLimited(err) {
					c.batchesTotal.WithLabelValues("rate_limited").Inc()
					c.logger.Warn().Float64("pressure_hpa", level).
						Msg("Wind provider rate limited, skipping batch")
					c.sleep(ctx, RateLimitBackoff)
					continue
				}
				c.batchesTotal.WithLabelValues("failed").Inc()
				c.logger.Warn().Err(err).Float64("pressure_hpa", level).
					Int("locations", len(batch)).Msg("Wind batch failed")
				continue
			}

			c.batchesTotal.WithLabelValues("ok").Inc()
			for key, vec := range vectors {
				c.cache.Put(vec)
				out[key] = vec
			}
		}
	}
	return out
}

func isRateLimited(err error) bool {
	return errors.Is(err, fault.WindRateLimited)
}

// frameDays computes the past_days / forecast_days pair that covers every
// timestamp in the batch, each capped at MaxFrameDays.
func frameDays(locs []Location, now time.Time) (int, int) {
	today := now.UTC().Truncate(24 * time.Hour)

	minTS, maxTS := locs[0].hour(now), locs[0].hour(now)
	for _, loc := range locs[1:] {
		h := loc.hour(now)
		if h.Before(minTS) {
			minTS = h
		}
		if h.After(maxTS) {
			maxTS = h
		}
	}

	past := int(math.Ceil(today.Sub(minTS.Truncate(24 * time.Hour)).Hours() / 24))
	if past < 0 {
		past = 0
	}
	if past > MaxFrameDays {
		past = MaxFrameDays
	}

	forecast := int(maxTS.Truncate(24*time.Hour).Sub(today).Hours()/24) + 1
	if forecast < 1 {
		forecast = 1
	}
	if forecast > MaxFrameDays {
		forecast = MaxFrameDays
	}
	return past, forecast
}

type hourlyBlock struct {
	Time []string `json:"time"`
}

func (c *Client) fetchBatch(ctx context.Context, level float64, batch []Location, now time.Time) (map[string]model.WindVector, error) {
	speedVar := fmt.Sprintf("wind_speed_%dhPa", int(level))
	dirVar := fmt.Sprintf("wind_direction_%dhPa", int(level))
	past, forecast := frameDays(batch, now)

	lats := make([]string, len(batch))
	lons := make([]string, len(batch))
	for i, loc := range batch {
		lats[i] = strconv.FormatFloat(loc.Lat, 'f', 4, 64)
		lons[i] = strconv.FormatFloat(loc.Lon, 'f', 4, 64)
	}

	q := url.Values{}
	q.Set("latitude", strings.Join(lats, ","))
	q.Set("longitude", strings.Join(lons, ","))
	q.Set("hourly", speedVar+","+dirVar)
	q.Set("past_days", strconv.Itoa(past))
	q.Set("forecast_days", strconv.Itoa(forecast))
	q.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.WindUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status 429", fault.WindRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", fault.WindUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", fault.WindUnavailable, err)
	}

	entries, err := decodeEntries(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.WindUnavailable, err)
	}
	if len(entries) != len(batch) {
		// One-location requests come back as a bare object; anything else
		// mismatched means the provider reordered or truncated the batch.
		if len(entries) != 1 || len(batch) != 1 {
			return nil, fmt.Errorf("%w: %d responses for %d locations",
				fault.WindUnavailable, len(entries), len(batch))
		}
	}

	out := make(map[string]model.WindVector, len(batch))
	for i, loc := range batch {
		vec, ok := bindLocation(entries[i], loc, level, speedVar, dirVar, now)
		if !ok {
			continue
		}
		out[windcache.Key(loc.Lat, loc.Lon, loc.AltKM, vec.Hour)] = vec
	}
	return out, nil
}

type providerEntry struct {
	Hourly map[string]json.RawMessage `json:"hourly"`
}

// decodeEntries accepts both response shapes: a bare object for one location
// or an array with one element per location.
func decodeEntries(body []byte) ([]providerEntry, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var entries []providerEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("decode response array: %v", err)
		}
		return entries, nil
	}
	var entry providerEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("decode response object: %v", err)
	}
	return []providerEntry{entry}, nil
}

// bindLocation picks the response hour closest to the requested timestamp and
// converts the reading into a wind vector. Returns false when the closest
// hour is further than the binding tolerance or the arrays are unusable.
func bindLocation(entry providerEntry, loc Location, level float64, speedVar, dirVar string, now time.Time) (model.WindVector, bool) {
	var block hourlyBlock
	if raw, ok := entry.Hourly["time"]; ok {
		if err := json.Unmarshal(raw, &block.Time); err != nil {
			return model.WindVector{}, false
		}
	}
	var speeds, dirs []*float64
	if raw, ok := entry.Hourly[speedVar]; ok {
		if err := json.Unmarshal(raw, &speeds); err != nil {
			return model.WindVector{}, false
		}
	}
	if raw, ok := entry.Hourly[dirVar]; ok {
		if err := json.Unmarshal(raw, &dirs); err != nil {
			return model.WindVector{}, false
		}
	}
	if len(block.Time) == 0 || len(speeds) != len(block.Time) || len(dirs) != len(block.Time) {
		return model.WindVector{}, false
	}

	want := loc.hour(now)
	bestIdx := -1
	var bestDiff time.Duration
	for i, ts := range block.Time {
		parsed, err := parseProviderTime(ts)
		if err != nil {
			continue
		}
		diff := parsed.Sub(want)
		if diff < 0 {
			diff = -diff
		}
		if bestIdx < 0 || diff < bestDiff {
			bestIdx = i
			bestDiff = diff
		}
	}
	if bestIdx < 0 || bestDiff > BindTolerance {
		return model.WindVector{}, false
	}
	if speeds[bestIdx] == nil || dirs[bestIdx] == nil {
		return model.WindVector{}, false
	}

	speedKMH := *speeds[bestIdx]
	fromDeg := *dirs[bestIdx]

	// Meteorological convention: direction is where the wind blows FROM.
	// The (u, v) pair points where it blows TOWARD, in m/s.
	speedMS := speedKMH / 3.6
	rad := fromDeg * math.Pi / 180
	u := -speedMS * math.Sin(rad)
	v := -speedMS * math.Cos(rad)

	return model.WindVector{
		Lat:          loc.Lat,
		Lon:          loc.Lon,
		AltKM:        loc.AltKM,
		PressureHPa:  level,
		UMS:          u,
		VMS:          v,
		SpeedKMH:     speedKMH,
		DirectionDeg: fromDeg,
		Hour:         want,
	}, true
}

// parseProviderTime parses the provider's local-naive ISO timestamps as UTC.
func parseProviderTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
