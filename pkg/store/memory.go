package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stratowatch/constellation/pkg/model"
)

// Memory is a concurrency-safe in-memory Store. It backs tests and
// single-process deployments that do not need durability.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[int64]model.Snapshot           // unix hour -> snapshot
	tracked   map[string]map[int64]model.TrackedPosition // balloon id -> unix ts -> row
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[int64]model.Snapshot),
		tracked:   make(map[string]map[int64]model.TrackedPosition),
	}
}

func (m *Memory) PutSnapshot(_ context.Context, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hour := model.HourFloor(snap.Hour)
	obs := make([]model.Observation, len(snap.Observations))
	copy(obs, snap.Observations)
	m.snapshots[hour.Unix()] = model.Snapshot{Hour: hour, Observations: obs}
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, hour time.Time) (*model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[model.HourFloor(hour).Unix()]
	if !ok {
		return nil, nil
	}
	out := model.Snapshot{Hour: snap.Hour, Observations: make([]model.Observation, len(snap.Observations))}
	copy(out.Observations, snap.Observations)
	return &out, nil
}

func (m *Memory) LatestSnapshotTime(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest int64 = -1
	for h := range m.snapshots {
		if h > latest {
			latest = h
		}
	}
	if latest < 0 {
		return nil, nil
	}
	t := time.Unix(latest, 0).UTC()
	return &t, nil
}

func (m *Memory) ListSnapshots(_ context.Context) ([]SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SnapshotInfo, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		infos = append(infos, SnapshotInfo{Hour: snap.Hour, Count: len(snap.Observations)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Hour.After(infos[j].Hour) })
	return infos, nil
}

func (m *Memory) PutTracked(_ context.Context, batch []model.TrackedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range batch {
		rows, ok := m.tracked[p.BalloonID]
		if !ok {
			rows = make(map[int64]model.TrackedPosition)
			m.tracked[p.BalloonID] = rows
		}
		p.Timestamp = p.Timestamp.UTC()
		rows[p.Timestamp.Unix()] = p
	}
	return nil
}

func (m *Memory) TrackedAt(_ context.Context, hour time.Time) ([]model.TrackedPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts := model.HourFloor(hour).Unix()
	var out []model.TrackedPosition
	for _, rows := range m.tracked {
		if p, ok := rows[ts]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BalloonID < out[j].BalloonID })
	return out, nil
}

func (m *Memory) Trajectory(_ context.Context, balloonID string) ([]model.TrackedPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.trajectoryLocked(balloonID), nil
}

func (m *Memory) trajectoryLocked(balloonID string) []model.TrackedPosition {
	rows, ok := m.tracked[balloonID]
	if !ok {
		return nil
	}
	out := make([]model.TrackedPosition, 0, len(rows))
	for _, p := range rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *Memory) AllTrajectories(_ context.Context) (map[string][]model.TrackedPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]model.TrackedPosition, len(m.tracked))
	for id := range m.tracked {
		if traj := m.trajectoryLocked(id); len(traj) > 0 {
			out[id] = traj
		}
	}
	return out, nil
}

func (m *Memory) MaxNumericID(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var max int64 = -1
	for id := range m.tracked {
		n, err := model.ParseBalloonID(id)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (m *Memory) Cleanup(_ context.Context, olderThan time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := olderThan.UTC().Unix()
	var trackedDeleted, snapshotsDeleted int64

	for h := range m.snapshots {
		if h < cutoff {
			delete(m.snapshots, h)
			snapshotsDeleted++
		}
	}
	for id, rows := range m.tracked {
		for ts := range rows {
			if ts < cutoff {
				delete(rows, ts)
				trackedDeleted++
			}
		}
		if len(rows) == 0 {
			delete(m.tracked, id)
		}
	}
	return trackedDeleted, snapshotsDeleted, nil
}

func (m *Memory) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots = make(map[int64]model.Snapshot)
	m.tracked = make(map[string]map[int64]model.TrackedPosition)
	return nil
}

func (m *Memory) Close() {}
