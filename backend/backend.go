// Package backend implements the relational store behind the indexer. It
// keeps the same split the rest of the codebase expects: gorm owns schema
// migration and the low-volume writes, raw pgx owns the hot paths that run
// for every firehose event.
package backend

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dollspace-gay/PublicAppView-sub002/ingest"
	"github.com/dollspace-gay/PublicAppView-sub002/models"
)

// settingsCacheTTL bounds how stale the opt-out answer can be. A user
// flipping data collection off is honored within this window without a
// settings query on every single event they appear in.
const settingsCacheTTL = 5 * time.Minute

type cachedSettings struct {
	forbidden bool
	fetched   time.Time
}

func (cs cachedSettings) expired(now time.Time) bool {
	return now.Sub(cs.fetched) > settingsCacheTTL
}

// PostgresBackend handles database operations
type PostgresBackend struct {
	db  *gorm.DB
	pgx *pgxpool.Pool

	settingsCache *lru.TwoQueueCache[string, cachedSettings]
}

// NewPostgresBackend creates a new PostgresBackend
func NewPostgresBackend(db *gorm.DB, pgx *pgxpool.Pool) (*PostgresBackend, error) {
	sc, err := lru.New2Q[string, cachedSettings](1_000_000)
	if err != nil {
		return nil, err
	}

	return &PostgresBackend{
		db:            db,
		pgx:           pgx,
		settingsCache: sc,
	}, nil
}

// quiet returns a session that won't log errors for writes where a constraint
// violation is the expected outcome (replays, races). The callers classify
// the returned error themselves.
func (b *PostgresBackend) quiet() *gorm.DB {
	return b.db.Session(&gorm.Session{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func (b *PostgresBackend) GetUser(ctx context.Context, did string) (*models.User, error) {
	var u models.User
	row := b.pgx.QueryRow(ctx, `SELECT did, handle, display_name, description, avatar_cid, banner_cid, profile_record, active, status_reason, created, indexed FROM users WHERE did = $1`, did)
	err := row.Scan(&u.Did, &u.Handle, &u.DisplayName, &u.Description, &u.AvatarCid, &u.BannerCid, &u.ProfileRecord, &u.Active, &u.StatusReason, &u.Created, &u.Indexed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (b *PostgresBackend) CreateUser(ctx context.Context, u *models.User) error {
	return b.quiet().WithContext(ctx).Create(u).Error
}

func (b *PostgresBackend) UpsertUserProfile(ctx context.Context, did string, up ingest.ProfileUpdate) error {
	now := time.Now()

	assignments := map[string]any{"indexed": now}
	if up.Handle != "" {
		assignments["handle"] = up.Handle
	}
	if up.DisplayName != nil {
		assignments["display_name"] = *up.DisplayName
	}
	if up.Description != nil {
		assignments["description"] = *up.Description
	}
	if up.AvatarCid != nil {
		assignments["avatar_cid"] = *up.AvatarCid
	}
	if up.BannerCid != nil {
		assignments["banner_cid"] = *up.BannerCid
	}
	if up.ProfileRecord != nil {
		assignments["profile_record"] = up.ProfileRecord
	}

	u := models.User{
		Did:           did,
		Handle:        up.Handle,
		DisplayName:   up.DisplayName,
		Description:   up.Description,
		AvatarCid:     up.AvatarCid,
		BannerCid:     up.BannerCid,
		ProfileRecord: up.ProfileRecord,
		Active:        true,
		Created:       now,
		Indexed:       now,
	}

	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&u).Error
}

func (b *PostgresBackend) ClearUserProfile(ctx context.Context, did string) error {
	_, err := b.pgx.Exec(ctx, `UPDATE users SET display_name = NULL, description = NULL, avatar_cid = NULL, banner_cid = NULL, profile_record = NULL, indexed = $2 WHERE did = $1`, did, time.Now())
	return err
}

func (b *PostgresBackend) UpsertUserHandle(ctx context.Context, did, handle string) error {
	now := time.Now()
	u := models.User{
		Did:     did,
		Handle:  handle,
		Active:  true,
		Created: now,
		Indexed: now,
	}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.Assignments(map[string]any{"handle": handle, "indexed": now}),
	}).Create(&u).Error
}

func (b *PostgresBackend) SetAccountActive(ctx context.Context, did string, active bool, status *string) error {
	_, err := b.pgx.Exec(ctx, `UPDATE users SET active = $2, status_reason = $3, indexed = $4 WHERE did = $1`, did, active, status, time.Now())
	return err
}

// EraseUser strips everything we hold about the account down to the DID and
// handle, and flags the settings row so nothing gets collected again. One
// transaction so a crash can't leave the profile wiped but the flag unset.
func (b *PostgresBackend) EraseUser(ctx context.Context, did string) error {
	now := time.Now()
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("did = ?", did).Updates(map[string]any{
			"display_name":   nil,
			"description":    nil,
			"avatar_cid":     nil,
			"banner_cid":     nil,
			"profile_record": nil,
			"indexed":        now,
		}).Error; err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "did"}},
			DoUpdates: clause.Assignments(map[string]any{"data_collection_forbidden": true, "updated": now}),
		}).Create(&models.UserSettings{
			Did:                     did,
			DataCollectionForbidden: true,
			Updated:                 now,
		}).Error
	})
	if err != nil {
		return err
	}

	b.settingsCache.Add(did, cachedSettings{forbidden: true, fetched: now})
	return nil
}

func (b *PostgresBackend) GetUserSettings(ctx context.Context, did string) (*models.UserSettings, error) {
	var s models.UserSettings
	row := b.pgx.QueryRow(ctx, `SELECT did, data_collection_forbidden, updated FROM user_settings WHERE did = $1`, did)
	if err := row.Scan(&s.Did, &s.DataCollectionForbidden, &s.Updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// DataCollectionForbidden answers the opt-out gate. This runs for every
// record op on the firehose, so answers are cached; no settings row means
// collection is allowed.
func (b *PostgresBackend) DataCollectionForbidden(ctx context.Context, did string) (bool, error) {
	now := time.Now()
	if cs, ok := b.settingsCache.Get(did); ok && !cs.expired(now) {
		return cs.forbidden, nil
	}

	var forbidden bool
	row := b.pgx.QueryRow(ctx, `SELECT data_collection_forbidden FROM user_settings WHERE did = $1`, did)
	if err := row.Scan(&forbidden); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, err
		}
		forbidden = false
	}

	b.settingsCache.Add(did, cachedSettings{forbidden: forbidden, fetched: now})
	return forbidden, nil
}

func (b *PostgresBackend) InvalidateUserSettings(did string) {
	b.settingsCache.Remove(did)
}
