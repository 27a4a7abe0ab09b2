package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratowatch/constellation/pkg/fault"
	"github.com/stratowatch/constellation/pkg/model"
)

// Postgres is the pgx-backed Store used in shared deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	hour TIMESTAMPTZ PRIMARY KEY,
	observations JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_positions (
	balloon_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	alt_km DOUBLE PRECISION NOT NULL,
	speed_kmh DOUBLE PRECISION,
	heading_deg DOUBLE PRECISION,
	status TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (balloon_id, ts)
);

CREATE INDEX IF NOT EXISTS idx_tracked_ts ON tracked_positions (ts);
CREATE INDEX IF NOT EXISTS idx_tracked_id_ts ON tracked_positions (balloon_id, ts);
`

// NewPostgres connects a pool from the given URL and bootstraps the schema.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) PutSnapshot(ctx context.Context, snap model.Snapshot) error {
	obs, err := json.Marshal(snap.Observations)
	if err != nil {
		return fmt.Errorf("%w: marshal observations: %v", fault.StoreWriteFailed, err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO snapshots (hour, observations) VALUES ($1, $2)
		ON CONFLICT (hour) DO UPDATE SET observations = EXCLUDED.observations`,
		model.HourFloor(snap.Hour), obs)
	if err != nil {
		return fmt.Errorf("%w: put snapshot: %v", fault.StoreWriteFailed, err)
	}
	return nil
}

func (p *Postgres) GetSnapshot(ctx context.Context, hour time.Time) (*model.Snapshot, error) {
	var stored time.Time
	var raw []byte

	err := p.pool.QueryRow(ctx,
		`SELECT hour, observations FROM snapshots WHERE hour = $1`,
		model.HourFloor(hour)).Scan(&stored, &raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get snapshot: %v", fault.StoreReadFailed, err)
	}

	snap := model.Snapshot{Hour: stored.UTC()}
	if err := json.Unmarshal(raw, &snap.Observations); err != nil {
		return nil, fmt.Errorf("%w: decode observations: %v", fault.StoreReadFailed, err)
	}
	return &snap, nil
}

func (p *Postgres) LatestSnapshotTime(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	err := p.pool.QueryRow(ctx, `SELECT MAX(hour) FROM snapshots`).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("%w: latest snapshot time: %v", fault.StoreReadFailed, err)
	}
	if latest == nil {
		return nil, nil
	}
	t := latest.UTC()
	return &t, nil
}

func (p *Postgres) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT hour, jsonb_array_length(observations)
		FROM snapshots ORDER BY hour DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", fault.StoreReadFailed, err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.Hour, &info.Count); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot info: %v", fault.StoreReadFailed, err)
		}
		info.Hour = info.Hour.UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate snapshots: %v", fault.StoreReadFailed, err)
	}
	return infos, nil
}

func (p *Postgres) PutTracked(ctx context.Context, batch []model.TrackedPosition) error {
	if len(batch) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, pos := range batch {
		b.Queue(`
			INSERT INTO tracked_positions
				(balloon_id, ts, lat, lon, alt_km, speed_kmh, heading_deg, status, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (balloon_id, ts) DO UPDATE SET
				lat = EXCLUDED.lat,
				lon = EXCLUDED.lon,
				alt_km = EXCLUDED.alt_km,
				speed_kmh = EXCLUDED.speed_kmh,
				heading_deg = EXCLUDED.heading_deg,
				status = EXCLUDED.status,
				confidence = EXCLUDED.confidence`,
			pos.BalloonID, pos.Timestamp.UTC(), pos.Lat, pos.Lon, pos.AltKM,
			pos.SpeedKMH, pos.HeadingDeg, pos.Status, pos.Confidence)
	}

	res := p.pool.SendBatch(ctx, b)
	defer res.Close()
	for range batch {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("%w: put tracked batch: %v", fault.StoreWriteFailed, err)
		}
	}
	return nil
}

func (p *Postgres) TrackedAt(ctx context.Context, hour time.Time) ([]model.TrackedPosition, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT balloon_id, ts, lat, lon, alt_km, speed_kmh, heading_deg, status, confidence
		FROM tracked_positions WHERE ts = $1 ORDER BY balloon_id`,
		model.HourFloor(hour))
	if err != nil {
		return nil, fmt.Errorf("%w: tracked at: %v", fault.StoreReadFailed, err)
	}
	defer rows.Close()
	return scanTracked(rows)
}

func (p *Postgres) Trajectory(ctx context.Context, balloonID string) ([]model.TrackedPosition, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT balloon_id, ts, lat, lon, alt_km, speed_kmh, heading_deg, status, confidence
		FROM tracked_positions WHERE balloon_id = $1 ORDER BY ts ASC`,
		balloonID)
	if err != nil {
		return nil, fmt.Errorf("%w: trajectory: %v", fault.StoreReadFailed, err)
	}
	defer rows.Close()
	return scanTracked(rows)
}

func (p *Postgres) AllTrajectories(ctx context.Context) (map[string][]model.TrackedPosition, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT balloon_id, ts, lat, lon, alt_km, speed_kmh, heading_deg, status, confidence
		FROM tracked_positions ORDER BY balloon_id, ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: all trajectories: %v", fault.StoreReadFailed, err)
	}
	defer rows.Close()

	all, err := scanTracked(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.TrackedPosition)
	for _, pos := range all {
		out[pos.BalloonID] = append(out[pos.BalloonID], pos)
	}
	return out, nil
}

func (p *Postgres) MaxNumericID(ctx context.Context) (int64, error) {
	var max *int64
	err := p.pool.QueryRow(ctx, `
		SELECT MAX(CAST(SUBSTRING(balloon_id FROM 9) AS BIGINT))
		FROM tracked_positions
		WHERE balloon_id ~ '^balloon_[0-9]+$'`).Scan(&max)
	if err != nil {
		return -1, fmt.Errorf("%w: max numeric id: %v", fault.StoreReadFailed, err)
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

func (p *Postgres) Cleanup(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: begin cleanup: %v", fault.StoreWriteFailed, err)
	}
	defer tx.Rollback(ctx)

	cutoff := olderThan.UTC()

	trackedTag, err := tx.Exec(ctx, `DELETE FROM tracked_positions WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cleanup tracked: %v", fault.StoreWriteFailed, err)
	}
	snapTag, err := tx.Exec(ctx, `DELETE FROM snapshots WHERE hour < $1`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cleanup snapshots: %v", fault.StoreWriteFailed, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("%w: commit cleanup: %v", fault.StoreWriteFailed, err)
	}
	return trackedTag.RowsAffected(), snapTag.RowsAffected(), nil
}

func (p *Postgres) ClearAll(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE tracked_positions, snapshots`); err != nil {
		return fmt.Errorf("%w: clear all: %v", fault.StoreWriteFailed, err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func scanTracked(rows pgx.Rows) ([]model.TrackedPosition, error) {
	var out []model.TrackedPosition
	for rows.Next() {
		var pos model.TrackedPosition
		err := rows.Scan(&pos.BalloonID, &pos.Timestamp, &pos.Lat, &pos.Lon, &pos.AltKM,
			&pos.SpeedKMH, &pos.HeadingDeg, &pos.Status, &pos.Confidence)
		if err != nil {
			return nil, fmt.Errorf("%w: scan tracked position: %v", fault.StoreReadFailed, err)
		}
		pos.Timestamp = pos.Timestamp.UTC()
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate tracked positions: %v", fault.StoreReadFailed, err)
	}
	return out, nil
}
