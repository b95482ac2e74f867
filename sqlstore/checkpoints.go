package sqlstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aneshas/sourcing/projection"
)

type gormCheckpoint struct {
	Name     string `gorm:"primaryKey"`
	Position uint64
	EventID  string
}

// TableName returns gorm table name
func (gc *gormCheckpoint) TableName() string { return "checkpoint" }

// CheckpointStore is a projection.Checkpoints implementation backed by a
// sql database so that subscriptions survive restarts
type CheckpointStore struct {
	db *gorm.DB
}

// Get implements projection.Checkpoints
func (s *CheckpointStore) Get(ctx context.Context, name string) (uint64, string, error) {
	var row gormCheckpoint

	err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, "", projection.ErrCheckpointNotFound
		}

		return 0, "", err
	}

	return row.Position, row.EventID, nil
}

// Set implements projection.Checkpoints
func (s *CheckpointStore) Set(ctx context.Context, name string, position uint64, eventID string) error {
	row := gormCheckpoint{
		Name:     name,
		Position: position,
		EventID:  eventID,
	}

	return s.db.
		WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

var _ projection.Checkpoints = (*CheckpointStore)(nil)
