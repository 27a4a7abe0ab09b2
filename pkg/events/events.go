// Package events publishes ingest tick summaries to NATS for downstream
// consumers. The process runs fine without a broker; a nil Publisher is a
// no-op.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/stratowatch/constellation/pkg/ingest"
)

// SubjectTick is the subject tick summaries are published on.
const SubjectTick = "constellation.tick"

// TickEvent is the wire form of a published tick.
type TickEvent struct {
	Mode         string    `json:"mode"`
	Hour         time.Time `json:"hour"`
	TrackedCount int       `json:"tracked_count"`
	NewCount     int       `json:"new_count"`
	MatchedCount int       `json:"matched_count"`
	PublishedAt  time.Time `json:"published_at"`
}

// Publisher fans tick summaries out over NATS.
type Publisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect dials the broker. A connection failure returns nil and a warning:
// event fan-out is an optional facility, not a dependency.
func Connect(url string, logger zerolog.Logger) *Publisher {
	logger = logger.With().Str("component", "events").Logger()

	if url == "" {
		logger.Info().Msg("No NATS URL configured, event fan-out disabled")
		return nil
	}

	nc, err := nats.Connect(url,
		nats.Name("constellation-tracker"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("NATS unavailable, continuing without event fan-out")
		return nil
	}

	logger.Info().Str("url", url).Msg("Connected to NATS")
	return &Publisher{nc: nc, logger: logger}
}

// PublishTick sends one tick summary. Safe on a nil Publisher.
func (p *Publisher) PublishTick(summary ingest.TickSummary) {
	if p == nil {
		return
	}

	event := TickEvent{
		Mode:         string(summary.Mode),
		Hour:         summary.Hour,
		TrackedCount: summary.TrackedCount,
		NewCount:     summary.NewCount,
		MatchedCount: summary.MatchedCount,
		PublishedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Could not marshal tick event")
		return
	}

	if err := p.nc.Publish(SubjectTick, data); err != nil {
		p.logger.Warn().Err(err).Msg("Could not publish tick event")
	}
}

// Close closes the connection. Safe on a nil Publisher.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.nc.Close()
}
