package models

import (
	"time"
)

// User is the identity projection, keyed by DID. Rows are created the first
// time any record mentions the DID, either as a placeholder (handle.invalid)
// or directly from a profile record. Rows are never deleted; erasure clears
// the profile fields and flags the settings row.
type User struct {
	Did           string `gorm:"primaryKey"`
	Handle        string `gorm:"index"`
	DisplayName   *string
	Description   *string
	AvatarCid     *string
	BannerCid     *string
	ProfileRecord []byte `gorm:"type:jsonb"`
	Active        bool   `gorm:"default:true"`
	StatusReason  *string
	Created       time.Time
	Indexed       time.Time
}

type UserSettings struct {
	Did                     string `gorm:"primaryKey"`
	DataCollectionForbidden bool
	Updated                 time.Time
}

type Post struct {
	Uri         string `gorm:"primaryKey"`
	AuthorDid   string `gorm:"index;not null"`
	Author      *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey        string
	Cid         string
	Text        string
	ReplyRoot   string `gorm:"index"`
	ReplyParent string `gorm:"index"`
	Embed       []byte `gorm:"type:jsonb"`
	Raw         []byte
	Created     time.Time
	Indexed     time.Time
}

// PostAggregation holds the denormalized per-post counters. Every post row
// gets exactly one aggregation row at creation time; increments are atomic
// single-row updates floored at zero on the decrement side.
type PostAggregation struct {
	PostUri       string `gorm:"primaryKey"`
	Post          *Post  `gorm:"foreignKey:PostUri;references:Uri;constraint:OnDelete:CASCADE"`
	LikeCount     int64
	RepostCount   int64
	ReplyCount    int64
	BookmarkCount int64
	QuoteCount    int64
}

type PostViewerState struct {
	PostUri           string `gorm:"primaryKey"`
	ViewerDid         string `gorm:"primaryKey"`
	Post              *Post  `gorm:"foreignKey:PostUri;references:Uri;constraint:OnDelete:CASCADE"`
	LikeUri           *string
	RepostUri         *string
	Bookmarked        bool
	ThreadMuted       bool
	ReplyDisabled     bool
	EmbeddingDisabled bool
	Pinned            bool
}

// FeedItem is keyed by the originating record URI: the post URI for type
// "post", the repost URI for type "repost".
type FeedItem struct {
	Uri           string `gorm:"primaryKey"`
	PostUri       string `gorm:"index"`
	OriginatorDid string `gorm:"index"`
	Type          string
	Cid           string
	SortAt        time.Time `gorm:"index"`
}

type ThreadContext struct {
	PostUri           string `gorm:"primaryKey"`
	Post              *Post  `gorm:"foreignKey:PostUri;references:Uri;constraint:OnDelete:CASCADE"`
	RootAuthorLikeUri *string
}

type Like struct {
	Uri        string `gorm:"primaryKey"`
	AuthorDid  string `gorm:"index;not null"`
	Author     *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey       string
	SubjectUri string `gorm:"index"`
	Cid        string
	Created    time.Time
	Indexed    time.Time
}

type Repost struct {
	Uri        string `gorm:"primaryKey"`
	AuthorDid  string `gorm:"index;not null"`
	Author     *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey       string
	SubjectUri string `gorm:"index"`
	Cid        string
	Created    time.Time
	Indexed    time.Time
}

type Bookmark struct {
	Uri        string `gorm:"primaryKey"`
	AuthorDid  string `gorm:"index;not null"`
	Author     *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey       string
	SubjectUri string `gorm:"index"`
	Cid        string
	Created    time.Time
	Indexed    time.Time
}

type Follow struct {
	Uri        string `gorm:"primaryKey"`
	AuthorDid  string `gorm:"index;not null"`
	Author     *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey       string
	SubjectDid string `gorm:"index"`
	Cid        string
	Created    time.Time
	Indexed    time.Time
}

type Block struct {
	Uri        string `gorm:"primaryKey"`
	AuthorDid  string `gorm:"index;not null"`
	Author     *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey       string
	SubjectDid string `gorm:"index"`
	Cid        string
	Created    time.Time
	Indexed    time.Time
}

type List struct {
	Uri         string `gorm:"primaryKey"`
	AuthorDid   string `gorm:"index;not null"`
	Author      *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey        string
	Cid         string
	Name        string
	Purpose     string
	Description *string
	AvatarCid   *string
	Raw         []byte
	Created     time.Time
	Indexed     time.Time
}

type ListItem struct {
	Uri        string `gorm:"primaryKey"`
	AuthorDid  string `gorm:"index;not null"`
	Author     *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey       string
	Cid        string
	SubjectDid string `gorm:"index"`
	ListUri    string `gorm:"index;not null"`
	List       *List  `gorm:"foreignKey:ListUri;references:Uri;constraint:OnDelete:CASCADE"`
	Created    time.Time
	Indexed    time.Time
}

type FeedGenerator struct {
	Uri         string `gorm:"primaryKey"`
	AuthorDid   string `gorm:"index;not null"`
	Author      *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey        string
	Cid         string
	Did         string
	DisplayName string
	Description *string
	AvatarCid   *string
	Raw         []byte
	Created     time.Time
	Indexed     time.Time
}

type ThreadGate struct {
	Uri       string `gorm:"primaryKey"`
	AuthorDid string `gorm:"index;not null"`
	Author    *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey      string
	Cid       string
	PostUri   string `gorm:"index"`
	Raw       []byte
	Created   time.Time
	Indexed   time.Time
}

type PostGate struct {
	Uri       string `gorm:"primaryKey"`
	AuthorDid string `gorm:"index;not null"`
	Author    *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey      string
	Cid       string
	PostUri   string `gorm:"index"`
	Raw       []byte
	Created   time.Time
	Indexed   time.Time
}

type StarterPack struct {
	Uri       string `gorm:"primaryKey"`
	AuthorDid string `gorm:"index;not null"`
	Author    *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey      string
	Cid       string
	Name      string
	ListUri   string
	Raw       []byte
	Created   time.Time
	Indexed   time.Time
}

type LabelerService struct {
	Uri       string `gorm:"primaryKey"`
	AuthorDid string `gorm:"index;not null"`
	Author    *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey      string
	Cid       string
	Raw       []byte
	Created   time.Time
	Indexed   time.Time
}

type Verification struct {
	Uri         string `gorm:"primaryKey"`
	AuthorDid   string `gorm:"index;not null"`
	Author      *User  `gorm:"foreignKey:AuthorDid;references:Did"`
	Rkey        string
	Cid         string
	SubjectDid  string `gorm:"index"`
	Handle      string
	DisplayName string
	Created     time.Time
	Indexed     time.Time
}

// Label rows are keyed by a synthetic URI; the (src, subject, val) triple is
// unique so re-applied labels collapse into the idempotent-duplicate path.
type Label struct {
	Uri        string `gorm:"primaryKey"`
	Src        string `gorm:"uniqueIndex:idx_labels_src_subject_val"`
	SubjectUri string `gorm:"uniqueIndex:idx_labels_src_subject_val;index"`
	SubjectCid *string
	Val        string `gorm:"uniqueIndex:idx_labels_src_subject_val"`
	Neg        bool
	Created    time.Time
	Indexed    time.Time
}

// Quote tracks post-embeds-post references; keyed by the embedding post URI.
type Quote struct {
	Uri        string `gorm:"primaryKey"`
	AuthorDid  string `gorm:"index"`
	SubjectUri string `gorm:"index"`
	Created    time.Time
}

// GenericRecord stores records of lexicons the indexer does not model.
type GenericRecord struct {
	Uri        string `gorm:"primaryKey"`
	Did        string `gorm:"index"`
	Collection string `gorm:"index"`
	Rkey       string
	Cid        string
	Record     []byte `gorm:"type:jsonb"`
	Indexed    time.Time
}

type Notification struct {
	Uri           string `gorm:"primaryKey"`
	RecipientDid  string `gorm:"index;not null"`
	AuthorDid     string
	Reason        string
	ReasonSubject *string
	Cid           *string
	IsRead        bool
	Created       time.Time
	Indexed       time.Time
}

// FirehoseCursor persists resume positions, one row per service name
// ("firehose", "backfill", "repo:<did>", ...). Cursor is opaque; the relay
// backfill packs "<seq>|<eventsProcessed>" into it.
type FirehoseCursor struct {
	Service       string `gorm:"primaryKey"`
	Cursor        string
	LastEventTime time.Time
	Updated       time.Time
}

// AllModels is the AutoMigrate set.
func AllModels() []any {
	return []any{
		&User{},
		&UserSettings{},
		&Post{},
		&PostAggregation{},
		&PostViewerState{},
		&FeedItem{},
		&ThreadContext{},
		&Like{},
		&Repost{},
		&Bookmark{},
		&Follow{},
		&Block{},
		&List{},
		&ListItem{},
		&FeedGenerator{},
		&ThreadGate{},
		&PostGate{},
		&StarterPack{},
		&LabelerService{},
		&Verification{},
		&Label{},
		&Quote{},
		&GenericRecord{},
		&Notification{},
		&FirehoseCursor{},
	}
}
