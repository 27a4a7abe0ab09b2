// Package ingest owns the write side: it decides per tick between an
// incremental hour, a gap fill, or a full rebuild, and drives the source
// client, tracker, and store in strict order.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stratowatch/constellation/pkg/fault"
	"github.com/stratowatch/constellation/pkg/model"
	"github.com/stratowatch/constellation/pkg/store"
	"github.com/stratowatch/constellation/pkg/tracker"
)

// State is the controller's position in its lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateBootstrapping State = "bootstrapping"
	StateSteady        State = "steady"
	StateCatchUp       State = "catch_up"
	StateRebuilding    State = "rebuilding"
	StateFailed        State = "failed"
)

// Mode names what a tick actually did.
type Mode string

const (
	ModeNoop        Mode = "noop"
	ModeIncremental Mode = "incremental"
	ModeCatchUp     Mode = "catch_up"
	ModeRebuild     Mode = "rebuild"
)

// WindowHours is the retained rolling window.
const WindowHours = 24

// RebuildConcurrency bounds parallel source fetches during a full rebuild.
const RebuildConcurrency = 6

// maxWriteFailures is how many consecutive store write failures demote the
// controller to Failed.
const maxWriteFailures = 3

// Source fetches one relative hour of validated observations. An upstream
// failure is an empty slice, never an error.
type Source interface {
	FetchHour(ctx context.Context, offset int) []model.Observation
}

// TickSummary describes a completed tick for downstream fan-out.
type TickSummary struct {
	Mode         Mode      `json:"mode"`
	Hour         time.Time `json:"hour"`
	TrackedCount int       `json:"tracked_count"`
	NewCount     int       `json:"new_count"`
	MatchedCount int       `json:"matched_count"`
}

// TickResult is what TriggerOnce reports back to its caller.
type TickResult struct {
	Mode          Mode      `json:"mode"`
	State         State     `json:"state"`
	Hour          time.Time `json:"hour"`
	SnapshotCount int       `json:"snapshot_count"`
	TrackedCount  int       `json:"tracked_count"`
}

// Controller is the single logical writer. All mutation of the store, the id
// counter, and the state field happens under its mutex.
type Controller struct {
	mu      sync.Mutex
	store   store.Store
	source  Source
	tracker *tracker.Tracker
	logger  zerolog.Logger
	now     func() time.Time
	notify  func(TickSummary)

	state         State
	idCounter     int64
	writeFailures int
	lastTick      time.Time

	ticksTotal   *prometheus.CounterVec
	trackedGauge prometheus.Gauge
	newTotal     prometheus.Counter
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithNotifier registers a callback invoked (outside the mutex) after every
// tick that changed data.
func WithNotifier(fn func(TickSummary)) Option {
	return func(c *Controller) { c.notify = fn }
}

// New builds a controller over the given collaborators.
func New(st store.Store, src Source, tr *tracker.Tracker, logger zerolog.Logger, reg prometheus.Registerer, opts ...Option) *Controller {
	c := &Controller{
		store:   st,
		source:  src,
		tracker: tr,
		logger:  logger.With().Str("component", "ingest").Logger(),
		now:     time.Now,
		state:   StateUninitialized,
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_ticks_total",
			Help: "Ingest ticks by mode and outcome",
		}, []string{"mode", "outcome"}),
		trackedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_tracked_balloons",
			Help: "Balloons tracked at the latest hour",
		}),
		newTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_new_balloons_total",
			Help: "Fresh balloon ids minted",
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if reg != nil {
		reg.MustRegister(c.ticksTotal, c.trackedGauge, c.newTotal)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastTick returns when the controller last completed a data-changing pass.
func (c *Controller) LastTick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTick
}

func (c *Controller) nowHour() time.Time {
	return model.HourFloor(c.now())
}

// nextID mints a fresh balloon id. Callers hold the mutex.
func (c *Controller) nextID() string {
	id := model.FormatBalloonID(c.idCounter)
	c.idCounter++
	return id
}

// Start bootstraps the controller from whatever the store holds. A failed
// initial build leaves the controller outside Steady (in Failed after an
// unrecoverable error or repeated write failures); the next tick retries
// from Bootstrapping. The returned error reflects that first pass only.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	summary, err := c.bootstrapLocked(ctx)
	c.mu.Unlock()

	c.fanOut(summary)
	return err
}

// TriggerOnce runs one tick with the same semantics as the scheduled path.
// Overlapping invocations serialize on the mutex; the later one observes the
// updated latest hour and typically no-ops.
func (c *Controller) TriggerOnce(ctx context.Context) (TickResult, error) {
	c.mu.Lock()

	var summary *TickSummary
	var result TickResult
	var err error

	switch c.state {
	case StateSteady:
		result, summary, err = c.incrementalLocked(ctx)
	default:
		// Uninitialized, Failed, or a state abandoned mid-flight: take the
		// bootstrap path again.
		summary, err = c.bootstrapLocked(ctx)
		mode := ModeRebuild
		if summary != nil {
			mode = summary.Mode
		} else if err == nil {
			mode = ModeNoop
		}
		result = c.resultLocked(ctx, mode)
	}

	c.mu.Unlock()

	c.fanOut(summary)
	return result, err
}

// resultLocked assembles a TickResult snapshot of the store's latest hour.
func (c *Controller) resultLocked(ctx context.Context, mode Mode) TickResult {
	res := TickResult{Mode: mode, State: c.state}
	latest, err := c.store.LatestSnapshotTime(ctx)
	if err != nil || latest == nil {
		return res
	}
	res.Hour = *latest
	if snap, err := c.store.GetSnapshot(ctx, *latest); err == nil && snap != nil {
		res.SnapshotCount = len(snap.Observations)
	}
	if tracked, err := c.store.TrackedAt(ctx, *latest); err == nil {
		res.TrackedCount = len(tracked)
	}
	return res
}

func (c *Controller) fanOut(summary *TickSummary) {
	if summary == nil || c.notify == nil {
		return
	}
	c.notify(*summary)
}

// bootstrapLocked reads the persisted state and decides how to reach Steady.
func (c *Controller) bootstrapLocked(ctx context.Context) (*TickSummary, error) {
	c.state = StateBootstrapping
	nowHour := c.nowHour()

	// Rehydrate the id counter floor. Ids are never reused, so the floor
	// only ever moves up.
	maxID, err := c.store.MaxNumericID(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not rehydrate id counter, keeping current floor")
	} else if maxID+1 > c.idCounter {
		c.idCounter = maxID + 1
	}

	latest, err := c.store.LatestSnapshotTime(ctx)
	if err != nil {
		// Partial or unreadable persisted state: rebuild from the feed.
		c.logger.Warn().Err(err).Msg("Unreadable persisted state, rebuilding")
		latest = nil
	}

	switch {
	case latest != nil && latest.Equal(nowHour):
		c.logger.Info().Time("hour", nowHour).Msg("Store is current, entering steady state")
		c.state = StateSteady
		return nil, nil

	case latest != nil && !latest.Before(nowHour.Add(-time.Duration(WindowHours-1)*time.Hour)) && latest.Before(nowHour):
		c.state = StateCatchUp
		summary, err := c.catchUpLocked(ctx, *latest)
		return summary, err

	default:
		c.state = StateRebuilding
		summary, err := c.rebuildLocked(ctx)
		return summary, err
	}
}

// incrementalLocked is the Steady tick: fetch the current hour, track it
// against the previous hour, persist, clean up.
func (c *Controller) incrementalLocked(ctx context.Context) (TickResult, *TickSummary, error) {
	t := c.nowHour()

	latest, err := c.store.LatestSnapshotTime(ctx)
	if err != nil {
		c.ticksTotal.WithLabelValues(string(ModeIncremental), "error").Inc()
		return c.resultLocked(ctx, ModeIncremental), nil, err
	}
	if latest != nil && latest.Equal(t) {
		c.ticksTotal.WithLabelValues(string(ModeNoop), "ok").Inc()
		return c.resultLocked(ctx, ModeNoop), nil, nil
	}

	obs := c.source.FetchHour(ctx, 0)
	if len(obs) == 0 {
		// The feed gave us nothing for the current hour; fall back to a
		// full rebuild rather than serving a silent gap.
		c.logger.Warn().Time("hour", t).Msg("Empty incremental fetch, falling back to rebuild")
		c.state = StateRebuilding
		summary, err := c.rebuildLocked(ctx)
		return c.resultLocked(ctx, ModeRebuild), summary, err
	}

	if err := c.store.PutSnapshot(ctx, model.Snapshot{Hour: t, Observations: obs}); err != nil {
		return c.resultLocked(ctx, ModeIncremental), nil, c.writeFailedLocked(ModeIncremental, err)
	}

	prev, err := c.store.TrackedAt(ctx, t.Add(-time.Hour))
	if err != nil {
		c.ticksTotal.WithLabelValues(string(ModeIncremental), "error").Inc()
		return c.resultLocked(ctx, ModeIncremental), nil, err
	}

	hist, err := c.historyLocked(ctx, prev)
	if err != nil {
		c.ticksTotal.WithLabelValues(string(ModeIncremental), "error").Inc()
		return c.resultLocked(ctx, ModeIncremental), nil, err
	}

	tracked := c.tracker.Track(obs, prev, hist, t, c.nextID)
	if err := c.store.PutTracked(ctx, tracked); err != nil {
		return c.resultLocked(ctx, ModeIncremental), nil, c.writeFailedLocked(ModeIncremental, err)
	}

	if _, _, err := c.store.Cleanup(ctx, t.Add(-time.Duration(WindowHours-1)*time.Hour)); err != nil {
		return c.resultLocked(ctx, ModeIncremental), nil, c.writeFailedLocked(ModeIncremental, err)
	}

	c.commitLocked(tracked)
	c.ticksTotal.WithLabelValues(string(ModeIncremental), "ok").Inc()

	summary := summarize(ModeIncremental, t, tracked)
	c.newTotal.Add(float64(summary.NewCount))
	c.logger.Info().Time("hour", t).Int("tracked", summary.TrackedCount).
		Int("new", summary.NewCount).Msg("Incremental tick complete")

	return c.resultLocked(ctx, ModeIncremental), &summary, nil
}

// catchUpLocked fills the gap between the stored latest hour and now, hour by
// hour. Any empty gap fetch abandons the fill for a full rebuild so the
// window never carries silent holes.
func (c *Controller) catchUpLocked(ctx context.Context, latest time.Time) (*TickSummary, error) {
	nowHour := c.nowHour()

	hist, err := c.historyLocked(ctx, nil)
	if err != nil {
		c.ticksTotal.WithLabelValues(string(ModeCatchUp), "error").Inc()
		return nil, err
	}

	var lastSummary TickSummary
	for h := latest.Add(time.Hour); !h.After(nowHour); h = h.Add(time.Hour) {
		offset := int(nowHour.Sub(h).Hours())

		obs := c.source.FetchHour(ctx, offset)
		if len(obs) == 0 {
			c.logger.Warn().Time("hour", h).Msg("Empty gap fetch, rebuilding instead")
			c.state = StateRebuilding
			return c.rebuildLocked(ctx)
		}

		if err := c.store.PutSnapshot(ctx, model.Snapshot{Hour: h, Observations: obs}); err != nil {
			return nil, c.writeFailedLocked(ModeCatchUp, err)
		}

		prev, err := c.store.TrackedAt(ctx, h.Add(-time.Hour))
		if err != nil {
			c.ticksTotal.WithLabelValues(string(ModeCatchUp), "error").Inc()
			return nil, err
		}

		tracked := c.tracker.Track(obs, prev, hist, h, c.nextID)
		if err := c.store.PutTracked(ctx, tracked); err != nil {
			return nil, c.writeFailedLocked(ModeCatchUp, err)
		}
		appendHistory(hist, tracked)
		lastSummary = summarize(ModeCatchUp, h, tracked)
		c.newTotal.Add(float64(lastSummary.NewCount))
	}

	if _, _, err := c.store.Cleanup(ctx, nowHour.Add(-time.Duration(WindowHours-1)*time.Hour)); err != nil {
		return nil, c.writeFailedLocked(ModeCatchUp, err)
	}

	c.state = StateSteady
	c.commitLocked(nil)
	c.ticksTotal.WithLabelValues(string(ModeCatchUp), "ok").Inc()
	c.logger.Info().Time("through", nowHour).Msg("Gap fill complete")
	return &lastSummary, nil
}

// rebuildLocked fetches the whole window and reconstructs every trajectory
// from cold, oldest hour first.
func (c *Controller) rebuildLocked(ctx context.Context) (*TickSummary, error) {
	c.state = StateRebuilding
	nowHour := c.nowHour()

	snapshots := make([][]model.Observation, WindowHours)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(RebuildConcurrency)
	for offset := 0; offset < WindowHours; offset++ {
		offset := offset
		g.Go(func() error {
			snapshots[offset] = c.source.FetchHour(gctx, offset)
			return nil
		})
	}
	// Fetches never fail individually; the group only propagates ctx errors.
	if err := g.Wait(); err != nil {
		c.state = StateFailed
		c.ticksTotal.WithLabelValues(string(ModeRebuild), "error").Inc()
		return nil, err
	}

	nonEmpty := 0
	for _, obs := range snapshots {
		if len(obs) > 0 {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		c.state = StateFailed
		c.ticksTotal.WithLabelValues(string(ModeRebuild), "error").Inc()
		c.logger.Error().Msg("Rebuild got no data for any hour, upstream unavailable")
		return nil, fmt.Errorf("full rebuild: %w", fault.UpstreamUnavailable)
	}

	// The fetched window replaces whatever was stored before.
	if err := c.store.ClearAll(ctx); err != nil {
		return nil, c.writeFailedLocked(ModeRebuild, err)
	}

	hist := tracker.History{}
	var prev []model.TrackedPosition
	var lastSummary TickSummary

	for offset := WindowHours - 1; offset >= 0; offset-- {
		obs := snapshots[offset]
		if len(obs) == 0 {
			// A failed hour inside the window: carry tracking across it so
			// a single upstream hiccup does not re-mint the whole fleet.
			continue
		}
		hour := nowHour.Add(-time.Duration(offset) * time.Hour)

		if err := c.store.PutSnapshot(ctx, model.Snapshot{Hour: hour, Observations: obs}); err != nil {
			return nil, c.writeFailedLocked(ModeRebuild, err)
		}

		tracked := c.tracker.Track(obs, prev, hist, hour, c.nextID)
		if err := c.store.PutTracked(ctx, tracked); err != nil {
			return nil, c.writeFailedLocked(ModeRebuild, err)
		}
		appendHistory(hist, tracked)
		prev = tracked
		lastSummary = summarize(ModeRebuild, hour, tracked)
		c.newTotal.Add(float64(lastSummary.NewCount))
	}

	if _, _, err := c.store.Cleanup(ctx, nowHour.Add(-time.Duration(WindowHours-1)*time.Hour)); err != nil {
		return nil, c.writeFailedLocked(ModeRebuild, err)
	}

	c.state = StateSteady
	c.commitLocked(prev)
	c.ticksTotal.WithLabelValues(string(ModeRebuild), "ok").Inc()
	c.logger.Info().Int("hours", nonEmpty).Int("tracked", len(prev)).Msg("Full rebuild complete")
	return &lastSummary, nil
}

// historyLocked loads the retained trajectories for velocity smoothing. When
// prev is non-nil the result is limited to those ids.
func (c *Controller) historyLocked(ctx context.Context, prev []model.TrackedPosition) (tracker.History, error) {
	all, err := c.store.AllTrajectories(ctx)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return all, nil
	}
	hist := tracker.History{}
	for _, p := range prev {
		if traj, ok := all[p.BalloonID]; ok {
			hist[p.BalloonID] = traj
		}
	}
	return hist, nil
}

// appendHistory folds freshly tracked positions into the smoothing history,
// keeping only the tail that matters.
func appendHistory(hist tracker.History, tracked []model.TrackedPosition) {
	const keep = 4
	for _, p := range tracked {
		h := append(hist[p.BalloonID], p)
		if len(h) > keep {
			h = h[len(h)-keep:]
		}
		hist[p.BalloonID] = h
	}
}

// writeFailedLocked counts a store write failure and demotes the controller
// after too many in a row.
func (c *Controller) writeFailedLocked(mode Mode, err error) error {
	c.writeFailures++
	c.ticksTotal.WithLabelValues(string(mode), "write_failed").Inc()
	if c.writeFailures >= maxWriteFailures {
		c.logger.Error().Err(err).Int("consecutive", c.writeFailures).
			Msg("Repeated store write failures, entering failed state")
		c.state = StateFailed
	} else {
		c.logger.Warn().Err(err).Int("consecutive", c.writeFailures).
			Msg("Store write failed, will retry next tick")
	}
	return err
}

// commitLocked marks a successful pass.
func (c *Controller) commitLocked(tracked []model.TrackedPosition) {
	c.writeFailures = 0
	c.lastTick = c.now()
	if tracked != nil {
		c.trackedGauge.Set(float64(len(tracked)))
	}
}

func summarize(mode Mode, hour time.Time, tracked []model.TrackedPosition) TickSummary {
	s := TickSummary{Mode: mode, Hour: hour, TrackedCount: len(tracked)}
	for _, p := range tracked {
		if p.Status == model.StatusNew {
			s.NewCount++
		} else {
			s.MatchedCount++
		}
	}
	return s
}
