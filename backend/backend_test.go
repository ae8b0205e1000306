package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dollspace-gay/PublicAppView-sub002/ingest"
)

// The processor is programmed against ingest.Store; keep the backend honest.
var _ ingest.Store = (*PostgresBackend)(nil)

func TestIncrementRejectsUnknownColumn(t *testing.T) {
	b := &PostgresBackend{}

	// field names get spliced into SQL, anything outside the counter set
	// must be refused before the query is built
	err := b.IncrementPostAggregation(context.TODO(), "at://did:plc:abc/app.bsky.feed.post/1", "author_did", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown aggregation field")

	err = b.IncrementPostAggregation(context.TODO(), "at://did:plc:abc/app.bsky.feed.post/1", "like_count; DROP TABLE posts", 1)
	require.Error(t, err)

	for _, f := range []string{"like_count", "repost_count", "reply_count", "bookmark_count", "quote_count"} {
		assert.True(t, aggregationColumns[f], f)
	}
}

func TestCursorUpsertBuildsOnPostgres(t *testing.T) {
	db, err := gorm.Open(postgres.Open("postgres://localhost:5432/indexer?sslmode=disable"), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	b, err := NewPostgresBackend(db, nil)
	require.NoError(t, err)

	// DryRun renders the statement through the postgres dialector without a
	// server. A conflict target that doesn't match the schema would surface
	// here as a build error instead of failing on the first live flush.
	require.NoError(t, b.SaveFirehoseCursor(context.TODO(), "firehose", "8675309", time.Now()))
}

func TestSettingsCacheExpiry(t *testing.T) {
	now := time.Now()
	cs := cachedSettings{forbidden: true, fetched: now}

	assert.False(t, cs.expired(now))
	assert.False(t, cs.expired(now.Add(settingsCacheTTL)))
	assert.True(t, cs.expired(now.Add(settingsCacheTTL+time.Second)))
}

func TestInvalidateUserSettings(t *testing.T) {
	b, err := NewPostgresBackend(nil, nil)
	require.NoError(t, err)

	b.settingsCache.Add("did:plc:abc", cachedSettings{forbidden: true, fetched: time.Now()})
	b.InvalidateUserSettings("did:plc:abc")

	_, ok := b.settingsCache.Get("did:plc:abc")
	assert.False(t, ok)
}
