package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aneshas/sourcing/snapshot"
)

type gormSnapshot struct {
	StreamID string `gorm:"primaryKey"`
	Version  int    `gorm:"primaryKey;autoIncrement:false"`
	State    []byte
	TakenAt  time.Time
	Strategy string
}

// TableName returns gorm table name
func (gs *gormSnapshot) TableName() string { return "snapshot" }

// SnapshotStore is a snapshot.Store implementation that persists
// compressed snapshots to a sql database. Multiple snapshots per stream
// coexist, keyed by version
type SnapshotStore struct {
	db *gorm.DB
}

// Save persists the snapshot, replacing one taken at the same version
func (s *SnapshotStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	row := gormSnapshot{
		StreamID: snap.StreamID,
		Version:  snap.Version,
		State:    snap.State,
		TakenAt:  snap.TakenAt,
		Strategy: snap.Strategy,
	}

	return s.db.
		WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// Load returns the latest snapshot with version <= upToVersion
// (any version if upToVersion is 0) or snapshot.ErrSnapshotNotFound
func (s *SnapshotStore) Load(ctx context.Context, streamID string, upToVersion int) (*snapshot.Snapshot, error) {
	var row gormSnapshot

	q := s.db.
		WithContext(ctx).
		Where("stream_id = ?", streamID)

	if upToVersion > 0 {
		q = q.Where("version <= ?", upToVersion)
	}

	err := q.Order("version desc").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, snapshot.ErrSnapshotNotFound
		}

		return nil, err
	}

	return &snapshot.Snapshot{
		StreamID: row.StreamID,
		Version:  row.Version,
		State:    row.State,
		TakenAt:  row.TakenAt,
		Strategy: row.Strategy,
	}, nil
}

var _ snapshot.Store = (*SnapshotStore)(nil)
