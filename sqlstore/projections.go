package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aneshas/sourcing/projection"
)

type gormProjection struct {
	ID              string `gorm:"primaryKey"`
	Version         int
	LastEventID     string
	LastProcessedAt time.Time
	Data            []byte
}

// TableName returns gorm table name
func (gp *gormProjection) TableName() string { return "projection" }

// ProjectionStore is a projection.Store implementation backed by a sql
// database
type ProjectionStore struct {
	db *gorm.DB
}

// Get implements projection.Store
func (s *ProjectionStore) Get(ctx context.Context, id string) (*projection.Projection, error) {
	var row gormProjection

	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, projection.ErrProjectionNotFound
		}

		return nil, err
	}

	return toProjection(row), nil
}

// Save implements projection.Store
func (s *ProjectionStore) Save(ctx context.Context, p projection.Projection) error {
	row := gormProjection{
		ID:              p.ID,
		Version:         p.Version,
		LastEventID:     p.LastEventID,
		LastProcessedAt: p.LastProcessedAt,
		Data:            p.Data,
	}

	return s.db.
		WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// Delete implements projection.Store. Deleting a missing document is
// not an error
func (s *ProjectionStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&gormProjection{}, "id = ?", id).Error
}

// Query implements projection.Store. Results are ordered by id
func (s *ProjectionStore) Query(ctx context.Context, f projection.Filter, page projection.Page) ([]projection.Projection, error) {
	var rows []gormProjection

	q := s.filtered(ctx, f).Order("id asc")

	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}

	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}

	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]projection.Projection, len(rows))

	for i, row := range rows {
		out[i] = *toProjection(row)
	}

	return out, nil
}

// Count implements projection.Store
func (s *ProjectionStore) Count(ctx context.Context, f projection.Filter) (int64, error) {
	var count int64

	err := s.filtered(ctx, f).Model(&gormProjection{}).Count(&count).Error

	return count, err
}

func (s *ProjectionStore) filtered(ctx context.Context, f projection.Filter) *gorm.DB {
	q := s.db.WithContext(ctx)

	if f.IDPrefix != "" {
		q = q.Where("id LIKE ?", f.IDPrefix+"%")
	}

	if f.MinVersion > 0 {
		q = q.Where("version >= ?", f.MinVersion)
	}

	return q
}

func toProjection(row gormProjection) *projection.Projection {
	return &projection.Projection{
		ID:              row.ID,
		Version:         row.Version,
		LastEventID:     row.LastEventID,
		LastProcessedAt: row.LastProcessedAt,
		Data:            row.Data,
	}
}

var _ projection.Store = (*ProjectionStore)(nil)
