package ingest

import (
	"context"
	"time"

	"github.com/dollspace-gay/PublicAppView-sub002/models"
)

// ProfileUpdate carries the sanitized fields extracted from a profile record.
// Nil pointers leave the existing column untouched on upsert.
type ProfileUpdate struct {
	Handle        string
	DisplayName   *string
	Description   *string
	AvatarCid     *string
	BannerCid     *string
	ProfileRecord []byte
}

// ViewerStateUpdate is an upsert patch for a (post, viewer) row. Nil pointer
// fields keep whatever value the row already has.
type ViewerStateUpdate struct {
	PostUri           string
	ViewerDid         string
	LikeUri           *string
	ClearLikeUri      bool
	RepostUri         *string
	ClearRepostUri    bool
	Bookmarked        *bool
	ThreadMuted       *bool
	ReplyDisabled     *bool
	EmbeddingDisabled *bool
	Pinned            *bool
}

// Store is the capability set the event processor consumes. Duplicate inserts
// must surface a unique-violation error (pgconn code 23505 or
// gorm.ErrDuplicatedKey); writes whose referenced row is missing must surface
// a foreign-key violation (23503). The processor's whole error taxonomy hangs
// on that distinction. Getters return (nil, nil) when no row exists.
type Store interface {
	// Users
	GetUser(ctx context.Context, did string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	UpsertUserProfile(ctx context.Context, did string, up ProfileUpdate) error
	// ClearUserProfile blanks the display fields when a profile record is
	// deleted; the row and handle survive.
	ClearUserProfile(ctx context.Context, did string) error
	UpsertUserHandle(ctx context.Context, did, handle string) error
	SetAccountActive(ctx context.Context, did string, active bool, status *string) error
	// EraseUser keeps the row but strips profile fields and flags the
	// settings row, in one transaction.
	EraseUser(ctx context.Context, did string) error

	// Settings / opt-out
	GetUserSettings(ctx context.Context, did string) (*models.UserSettings, error)
	DataCollectionForbidden(ctx context.Context, did string) (bool, error)
	InvalidateUserSettings(did string)

	// Posts
	GetPost(ctx context.Context, uri string) (*models.Post, error)
	CreatePost(ctx context.Context, p *models.Post) error
	DeletePost(ctx context.Context, uri, ownerDid string) error

	// Likes / reposts / bookmarks
	CreateLike(ctx context.Context, l *models.Like) error
	GetLike(ctx context.Context, uri string) (*models.Like, error)
	DeleteLike(ctx context.Context, uri, ownerDid string) error
	GetLikeUri(ctx context.Context, userDid, postUri string) (string, error)
	CreateRepost(ctx context.Context, r *models.Repost) error
	GetRepost(ctx context.Context, uri string) (*models.Repost, error)
	DeleteRepost(ctx context.Context, uri, ownerDid string) error
	CreateBookmark(ctx context.Context, b *models.Bookmark) error
	GetBookmark(ctx context.Context, uri string) (*models.Bookmark, error)
	DeleteBookmark(ctx context.Context, uri, ownerDid string) error

	// Graph
	CreateFollow(ctx context.Context, f *models.Follow) error
	DeleteFollow(ctx context.Context, uri, ownerDid string) error
	CreateBlock(ctx context.Context, b *models.Block) error
	DeleteBlock(ctx context.Context, uri, ownerDid string) error

	// Lists
	CreateList(ctx context.Context, l *models.List) error
	GetList(ctx context.Context, uri string) (*models.List, error)
	DeleteList(ctx context.Context, uri, ownerDid string) error
	CreateListItem(ctx context.Context, li *models.ListItem) error
	DeleteListItem(ctx context.Context, uri, ownerDid string) error

	// Other record kinds
	CreateFeedGenerator(ctx context.Context, g *models.FeedGenerator) error
	DeleteFeedGenerator(ctx context.Context, uri, ownerDid string) error
	CreateThreadGate(ctx context.Context, tg *models.ThreadGate) error
	DeleteThreadGate(ctx context.Context, uri, ownerDid string) error
	CreatePostGate(ctx context.Context, pg *models.PostGate) error
	DeletePostGate(ctx context.Context, uri, ownerDid string) error
	CreateStarterPack(ctx context.Context, sp *models.StarterPack) error
	GetStarterPack(ctx context.Context, uri string) (*models.StarterPack, error)
	DeleteStarterPack(ctx context.Context, uri, ownerDid string) error
	CreateLabelerService(ctx context.Context, ls *models.LabelerService) error
	DeleteLabelerService(ctx context.Context, uri, ownerDid string) error
	CreateVerification(ctx context.Context, v *models.Verification) error
	DeleteVerification(ctx context.Context, uri, ownerDid string) error
	PutGenericRecord(ctx context.Context, gr *models.GenericRecord) error
	DeleteGenericRecord(ctx context.Context, uri, ownerDid string) error

	// Labels
	ApplyLabel(ctx context.Context, l *models.Label) error
	NegateLabel(ctx context.Context, src, subjectUri, val string) error
	DeleteLabel(ctx context.Context, uri, src string) error

	// Aggregations, viewer state, feed items, thread context
	CreatePostAggregation(ctx context.Context, postUri string) error
	IncrementPostAggregation(ctx context.Context, postUri, field string, delta int64) error
	GetPostAggregations(ctx context.Context, uris []string) (map[string]*models.PostAggregation, error)
	UpsertPostViewerState(ctx context.Context, vs ViewerStateUpdate) error
	DeletePostViewerState(ctx context.Context, postUri, viewerDid string) error
	CreateFeedItem(ctx context.Context, fi *models.FeedItem) error
	DeleteFeedItem(ctx context.Context, uri string) error
	UpsertThreadContext(ctx context.Context, postUri string, rootAuthorLikeUri *string) error

	// Quotes
	CreateQuote(ctx context.Context, q *models.Quote) error
	GetQuote(ctx context.Context, uri string) (*models.Quote, error)
	DeleteQuote(ctx context.Context, uri string) error

	// Notifications
	CreateNotification(ctx context.Context, n *models.Notification) error

	// Cursors
	GetFirehoseCursor(ctx context.Context, service string) (*models.FirehoseCursor, error)
	SaveFirehoseCursor(ctx context.Context, service, cursor string, lastEventTime time.Time) error
}
