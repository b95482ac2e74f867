package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/aneshas/sourcing"
)

type gormEvent struct {
	ID                 string `gorm:"unique"`
	Sequence           uint64 `gorm:"primaryKey;autoIncrement:false"`
	Type               string
	Data               string
	Meta               *string
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string `gorm:"index:idx_optimistic_check,unique;index"`
	StreamVersion      int    `gorm:"index:idx_optimistic_check,unique"`
	OccurredOn         time.Time
}

// TableName returns gorm table name
func (ge *gormEvent) TableName() string { return "event" }

// EventLog is a sourcing.DurableEventLog implementation that persists
// events to a sql database. The compound stream/version unique index
// doubles as a defense-in-depth optimistic concurrency check beneath the
// in-memory one
type EventLog struct {
	db *gorm.DB
}

// AppendPersisted appends the whole batch atomically
func (l *EventLog) AppendPersisted(ctx context.Context, events []sourcing.PersistedEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([]gormEvent, len(events))

	for i, evt := range events {
		row := gormEvent{
			ID:                 evt.ID,
			Sequence:           evt.Sequence,
			Type:               evt.Type,
			Data:               evt.Data,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			StreamID:           evt.StreamID,
			StreamVersion:      evt.StreamVersion,
			OccurredOn:         evt.OccurredOn,
		}

		if evt.Meta != nil {
			m, err := json.Marshal(evt.Meta)
			if err != nil {
				return err
			}

			ms := string(m)

			row.Meta = &ms
		}

		rows[i] = row
	}

	tx := l.db.WithContext(ctx).Create(&rows)

	err := tx.Error

	// TODO - this is a bit of a hack - we should probably check for the error code or smth
	// check postgres also
	if e, ok := err.(sqlite3.Error); ok && e.Code == 19 {
		return sourcing.ErrConcurrencyCheckFailed
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return sourcing.ErrConcurrencyCheckFailed
	}

	return err
}

// ReadAllPersisted reads a batch of events with sequence greater than
// fromSequence, in append order
func (l *EventLog) ReadAllPersisted(ctx context.Context, fromSequence uint64, batchSize int) ([]sourcing.PersistedEvent, error) {
	var rows []gormEvent

	err := l.db.
		WithContext(ctx).
		Where("sequence > ?", fromSequence).
		Order("sequence asc").
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]sourcing.PersistedEvent, len(rows))

	for i, row := range rows {
		evt := sourcing.PersistedEvent{
			ID:                 row.ID,
			Sequence:           row.Sequence,
			Type:               row.Type,
			Data:               row.Data,
			CausationEventID:   row.CausationEventID,
			CorrelationEventID: row.CorrelationEventID,
			StreamID:           row.StreamID,
			StreamVersion:      row.StreamVersion,
			OccurredOn:         row.OccurredOn,
		}

		if row.Meta != nil {
			err = json.Unmarshal([]byte(*row.Meta), &evt.Meta)
			if err != nil {
				return nil, err
			}
		}

		out[i] = evt
	}

	return out, nil
}

var _ sourcing.DurableEventLog = (*EventLog)(nil)
