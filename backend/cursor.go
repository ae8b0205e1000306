package backend

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dollspace-gay/PublicAppView-sub002/models"
)

// GetFirehoseCursor returns the saved resume position for a named consumer,
// or nil when it has never saved one.
func (b *PostgresBackend) GetFirehoseCursor(ctx context.Context, service string) (*models.FirehoseCursor, error) {
	var fc models.FirehoseCursor
	if err := b.db.WithContext(ctx).First(&fc, "service = ?", service).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &fc, nil
}

func (b *PostgresBackend) SaveFirehoseCursor(ctx context.Context, service, cursor string, lastEventTime time.Time) error {
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "last_event_time", "updated"}),
	}).Create(&models.FirehoseCursor{
		Service:       service,
		Cursor:        cursor,
		LastEventTime: lastEventTime,
		Updated:       time.Now(),
	}).Error
}
