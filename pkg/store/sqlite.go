package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stratowatch/constellation/pkg/fault"
	"github.com/stratowatch/constellation/pkg/model"
)

// SQLite is the embedded Store for single-node deployments. Timestamps are
// stored as unix seconds so the hour keys compare exactly.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	hour INTEGER PRIMARY KEY,
	observations TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_positions (
	balloon_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	alt_km REAL NOT NULL,
	speed_kmh REAL,
	heading_deg REAL,
	status TEXT NOT NULL,
	confidence REAL NOT NULL,
	PRIMARY KEY (balloon_id, ts)
);

CREATE INDEX IF NOT EXISTS idx_tracked_ts ON tracked_positions(ts);
CREATE INDEX IF NOT EXISTS idx_tracked_id_ts ON tracked_positions(balloon_id, ts);
`

// NewSQLite opens or creates the database at path and bootstraps the schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer, WAL keeps readers unblocked during ingest.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) PutSnapshot(ctx context.Context, snap model.Snapshot) error {
	obs, err := json.Marshal(snap.Observations)
	if err != nil {
		return fmt.Errorf("%w: marshal observations: %v", fault.StoreWriteFailed, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (hour, observations) VALUES (?, ?)
		ON CONFLICT (hour) DO UPDATE SET observations = excluded.observations`,
		model.HourFloor(snap.Hour).Unix(), string(obs))
	if err != nil {
		return fmt.Errorf("%w: put snapshot: %v", fault.StoreWriteFailed, err)
	}
	return nil
}

func (s *SQLite) GetSnapshot(ctx context.Context, hour time.Time) (*model.Snapshot, error) {
	var unix int64
	var raw string

	err := s.db.QueryRowContext(ctx,
		`SELECT hour, observations FROM snapshots WHERE hour = ?`,
		model.HourFloor(hour).Unix()).Scan(&unix, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get snapshot: %v", fault.StoreReadFailed, err)
	}

	snap := model.Snapshot{Hour: time.Unix(unix, 0).UTC()}
	if err := json.Unmarshal([]byte(raw), &snap.Observations); err != nil {
		return nil, fmt.Errorf("%w: decode observations: %v", fault.StoreReadFailed, err)
	}
	return &snap, nil
}

func (s *SQLite) LatestSnapshotTime(ctx context.Context) (*time.Time, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(hour) FROM snapshots`).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("%w: latest snapshot time: %v", fault.StoreReadFailed, err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := time.Unix(latest.Int64, 0).UTC()
	return &t, nil
}

func (s *SQLite) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hour, json_array_length(observations) FROM snapshots ORDER BY hour DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", fault.StoreReadFailed, err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var unix int64
		var count int
		if err := rows.Scan(&unix, &count); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot info: %v", fault.StoreReadFailed, err)
		}
		infos = append(infos, SnapshotInfo{Hour: time.Unix(unix, 0).UTC(), Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate snapshots: %v", fault.StoreReadFailed, err)
	}
	return infos, nil
}

func (s *SQLite) PutTracked(ctx context.Context, batch []model.TrackedPosition) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin put tracked: %v", fault.StoreWriteFailed, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracked_positions
			(balloon_id, ts, lat, lon, alt_km, speed_kmh, heading_deg, status, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (balloon_id, ts) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			alt_km = excluded.alt_km,
			speed_kmh = excluded.speed_kmh,
			heading_deg = excluded.heading_deg,
			status = excluded.status,
			confidence = excluded.confidence`)
	if err != nil {
		return fmt.Errorf("%w: prepare put tracked: %v", fault.StoreWriteFailed, err)
	}
	defer stmt.Close()

	for _, pos := range batch {
		_, err := stmt.ExecContext(ctx,
			pos.BalloonID, pos.Timestamp.UTC().Unix(), pos.Lat, pos.Lon, pos.AltKM,
			nullFloat(pos.SpeedKMH), nullFloat(pos.HeadingDeg), pos.Status, pos.Confidence)
		if err != nil {
			return fmt.Errorf("%w: put tracked %s: %v", fault.StoreWriteFailed, pos.BalloonID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit put tracked: %v", fault.StoreWriteFailed, err)
	}
	return nil
}

func (s *SQLite) TrackedAt(ctx context.Context, hour time.Time) ([]model.TrackedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT balloon_id, ts, lat, lon, alt_km, speed_kmh, heading_deg, status, confidence
		FROM tracked_positions WHERE ts = ? ORDER BY balloon_id`,
		model.HourFloor(hour).Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: tracked at: %v", fault.StoreReadFailed, err)
	}
	defer rows.Close()
	return scanTrackedSQL(rows)
}

func (s *SQLite) Trajectory(ctx context.Context, balloonID string) ([]model.TrackedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT balloon_id, ts, lat, lon, alt_km, speed_kmh, heading_deg, status, confidence
		FROM tracked_positions WHERE balloon_id = ? ORDER BY ts ASC`,
		balloonID)
	if err != nil {
		return nil, fmt.Errorf("%w: trajectory: %v", fault.StoreReadFailed, err)
	}
	defer rows.Close()
	return scanTrackedSQL(rows)
}

func (s *SQLite) AllTrajectories(ctx context.Context) (map[string][]model.TrackedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT balloon_id, ts, lat, lon, alt_km, speed_kmh, heading_deg, status, confidence
		FROM tracked_positions ORDER BY balloon_id, ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: all trajectories: %v", fault.StoreReadFailed, err)
	}
	defer rows.Close()

	all, err := scanTrackedSQL(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.TrackedPosition)
	for _, pos := range all {
		out[pos.BalloonID] = append(out[pos.BalloonID], pos)
	}
	return out, nil
}

func (s *SQLite) MaxNumericID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(CAST(substr(balloon_id, 9) AS INTEGER))
		FROM tracked_positions
		WHERE balloon_id LIKE 'balloon\_%' ESCAPE '\'
		  AND substr(balloon_id, 9) GLOB '[0-9]*'
		  AND substr(balloon_id, 9) NOT GLOB '*[^0-9]*'`).Scan(&max)
	if err != nil {
		return -1, fmt.Errorf("%w: max numeric id: %v", fault.StoreReadFailed, err)
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

func (s *SQLite) Cleanup(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: begin cleanup: %v", fault.StoreWriteFailed, err)
	}
	defer tx.Rollback()

	cutoff := olderThan.UTC().Unix()

	trackedRes, err := tx.ExecContext(ctx, `DELETE FROM tracked_positions WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cleanup tracked: %v", fault.StoreWriteFailed, err)
	}
	snapRes, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE hour < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cleanup snapshots: %v", fault.StoreWriteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%w: commit cleanup: %v", fault.StoreWriteFailed, err)
	}

	trackedDeleted, _ := trackedRes.RowsAffected()
	snapshotsDeleted, _ := snapRes.RowsAffected()
	return trackedDeleted, snapshotsDeleted, nil
}

func (s *SQLite) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tracked_positions`); err != nil {
		return fmt.Errorf("%w: clear tracked: %v", fault.StoreWriteFailed, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("%w: clear snapshots: %v", fault.StoreWriteFailed, err)
	}
	return nil
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func scanTrackedSQL(rows *sql.Rows) ([]model.TrackedPosition, error) {
	var out []model.TrackedPosition
	for rows.Next() {
		var pos model.TrackedPosition
		var unix int64
		var speed, heading sql.NullFloat64
		err := rows.Scan(&pos.BalloonID, &unix, &pos.Lat, &pos.Lon, &pos.AltKM,
			&speed, &heading, &pos.Status, &pos.Confidence)
		if err != nil {
			return nil, fmt.Errorf("%w: scan tracked position: %v", fault.StoreReadFailed, err)
		}
		pos.Timestamp = time.Unix(unix, 0).UTC()
		if speed.Valid {
			pos.SpeedKMH = &speed.Float64
		}
		if heading.Valid {
			pos.HeadingDeg = &heading.Float64
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate tracked positions: %v", fault.StoreReadFailed, err)
	}
	return out, nil
}
