package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dollspace-gay/PublicAppView-sub002/models"
	"github.com/dollspace-gay/PublicAppView-sub002/resolver"
)

// memStore is an in-memory Store that mimics the postgres backend's error
// contract: unique violations come back as pgconn 23505, missing foreign
// keys as 23503.
type memStore struct {
	lk sync.Mutex

	users         map[string]*models.User
	settings      map[string]*models.UserSettings
	posts         map[string]*models.Post
	likes         map[string]*models.Like
	reposts       map[string]*models.Repost
	bookmarks     map[string]*models.Bookmark
	follows       map[string]*models.Follow
	blocks        map[string]*models.Block
	lists         map[string]*models.List
	listItems     map[string]*models.ListItem
	feedGens      map[string]*models.FeedGenerator
	threadGates   map[string]*models.ThreadGate
	postGates     map[string]*models.PostGate
	starterPacks  map[string]*models.StarterPack
	labelers      map[string]*models.LabelerService
	verifications map[string]*models.Verification
	labels        map[string]*models.Label
	generics      map[string]*models.GenericRecord
	aggs          map[string]*models.PostAggregation
	viewerStates  map[string]*models.PostViewerState
	feedItems     map[string]*models.FeedItem
	threadCtxs    map[string]*models.ThreadContext
	quotes        map[string]*models.Quote
	notifications map[string]*models.Notification
	cursors       map[string]*models.FirehoseCursor

	createUserCalls int
	failCreateUser  error // returned once, then cleared
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		users:         make(map[string]*models.User),
		settings:      make(map[string]*models.UserSettings),
		posts:         make(map[string]*models.Post),
		likes:         make(map[string]*models.Like),
		reposts:       make(map[string]*models.Repost),
		bookmarks:     make(map[string]*models.Bookmark),
		follows:       make(map[string]*models.Follow),
		blocks:        make(map[string]*models.Block),
		lists:         make(map[string]*models.List),
		listItems:     make(map[string]*models.ListItem),
		feedGens:      make(map[string]*models.FeedGenerator),
		threadGates:   make(map[string]*models.ThreadGate),
		postGates:     make(map[string]*models.PostGate),
		starterPacks:  make(map[string]*models.StarterPack),
		labelers:      make(map[string]*models.LabelerService),
		verifications: make(map[string]*models.Verification),
		labels:        make(map[string]*models.Label),
		generics:      make(map[string]*models.GenericRecord),
		aggs:          make(map[string]*models.PostAggregation),
		viewerStates:  make(map[string]*models.PostViewerState),
		feedItems:     make(map[string]*models.FeedItem),
		threadCtxs:    make(map[string]*models.ThreadContext),
		quotes:        make(map[string]*models.Quote),
		notifications: make(map[string]*models.Notification),
		cursors:       make(map[string]*models.FirehoseCursor),
	}
}

func dupErr() error {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

func fkErr() error {
	return &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"}
}

func vsKey(postUri, viewerDid string) string {
	return postUri + "|" + viewerDid
}

// Users

func (s *memStore) GetUser(ctx context.Context, did string) (*models.User, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	u, ok := s.users[did]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) CreateUser(ctx context.Context, u *models.User) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.createUserCalls++
	if s.failCreateUser != nil {
		err := s.failCreateUser
		s.failCreateUser = nil
		return err
	}
	if _, ok := s.users[u.Did]; ok {
		return dupErr()
	}
	cp := *u
	s.users[u.Did] = &cp
	return nil
}

func (s *memStore) UpsertUserProfile(ctx context.Context, did string, up ProfileUpdate) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	u, ok := s.users[did]
	if !ok {
		u = &models.User{Did: did, Active: true, Indexed: time.Now()}
		s.users[did] = u
	}
	if up.Handle != "" {
		u.Handle = up.Handle
	}
	if up.DisplayName != nil {
		u.DisplayName = up.DisplayName
	}
	if up.Description != nil {
		u.Description = up.Description
	}
	if up.AvatarCid != nil {
		u.AvatarCid = up.AvatarCid
	}
	if up.BannerCid != nil {
		u.BannerCid = up.BannerCid
	}
	if up.ProfileRecord != nil {
		u.ProfileRecord = up.ProfileRecord
	}
	return nil
}

func (s *memStore) ClearUserProfile(ctx context.Context, did string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	u, ok := s.users[did]
	if !ok {
		return nil
	}
	u.DisplayName = nil
	u.Description = nil
	u.AvatarCid = nil
	u.BannerCid = nil
	u.ProfileRecord = nil
	return nil
}

func (s *memStore) UpsertUserHandle(ctx context.Context, did, handle string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	u, ok := s.users[did]
	if !ok {
		s.users[did] = &models.User{Did: did, Handle: handle, Active: true, Indexed: time.Now()}
		return nil
	}
	u.Handle = handle
	return nil
}

func (s *memStore) SetAccountActive(ctx context.Context, did string, active bool, status *string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	u, ok := s.users[did]
	if !ok {
		return nil
	}
	u.Active = active
	u.StatusReason = status
	return nil
}

func (s *memStore) EraseUser(ctx context.Context, did string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if u, ok := s.users[did]; ok {
		u.DisplayName = nil
		u.Description = nil
		u.AvatarCid = nil
		u.BannerCid = nil
		u.ProfileRecord = nil
	}
	s.settings[did] = &models.UserSettings{Did: did, DataCollectionForbidden: true, Updated: time.Now()}
	return nil
}

// Settings

func (s *memStore) GetUserSettings(ctx context.Context, did string) (*models.UserSettings, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	us, ok := s.settings[did]
	if !ok {
		return nil, nil
	}
	cp := *us
	return &cp, nil
}

func (s *memStore) DataCollectionForbidden(ctx context.Context, did string) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	us, ok := s.settings[did]
	return ok && us.DataCollectionForbidden, nil
}

func (s *memStore) InvalidateUserSettings(did string) {}

// Posts

func (s *memStore) GetPost(ctx context.Context, uri string) (*models.Post, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	p, ok := s.posts[uri]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) CreatePost(ctx context.Context, p *models.Post) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[p.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.posts[p.Uri]; ok {
		return dupErr()
	}
	cp := *p
	s.posts[p.Uri] = &cp
	return nil
}

func (s *memStore) DeletePost(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	p, ok := s.posts[uri]
	if !ok || p.AuthorDid != ownerDid {
		return nil
	}
	delete(s.posts, uri)
	// cascades
	delete(s.aggs, uri)
	delete(s.threadCtxs, uri)
	for k, vs := range s.viewerStates {
		if vs.PostUri == uri {
			delete(s.viewerStates, k)
		}
	}
	return nil
}

// Likes

func (s *memStore) CreateLike(ctx context.Context, l *models.Like) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[l.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.likes[l.Uri]; ok {
		return dupErr()
	}
	cp := *l
	s.likes[l.Uri] = &cp
	return nil
}

func (s *memStore) GetLike(ctx context.Context, uri string) (*models.Like, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	l, ok := s.likes[uri]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) DeleteLike(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if l, ok := s.likes[uri]; ok && l.AuthorDid == ownerDid {
		delete(s.likes, uri)
	}
	return nil
}

func (s *memStore) GetLikeUri(ctx context.Context, userDid, postUri string) (string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, l := range s.likes {
		if l.AuthorDid == userDid && l.SubjectUri == postUri {
			return l.Uri, nil
		}
	}
	return "", nil
}

// Reposts

func (s *memStore) CreateRepost(ctx context.Context, r *models.Repost) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[r.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.reposts[r.Uri]; ok {
		return dupErr()
	}
	cp := *r
	s.reposts[r.Uri] = &cp
	return nil
}

func (s *memStore) GetRepost(ctx context.Context, uri string) (*models.Repost, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	r, ok := s.reposts[uri]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) DeleteRepost(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if r, ok := s.reposts[uri]; ok && r.AuthorDid == ownerDid {
		delete(s.reposts, uri)
	}
	return nil
}

// Bookmarks

func (s *memStore) CreateBookmark(ctx context.Context, b *models.Bookmark) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[b.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.bookmarks[b.Uri]; ok {
		return dupErr()
	}
	cp := *b
	s.bookmarks[b.Uri] = &cp
	return nil
}

func (s *memStore) GetBookmark(ctx context.Context, uri string) (*models.Bookmark, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	b, ok := s.bookmarks[uri]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) DeleteBookmark(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if b, ok := s.bookmarks[uri]; ok && b.AuthorDid == ownerDid {
		delete(s.bookmarks, uri)
	}
	return nil
}

// Graph

func (s *memStore) CreateFollow(ctx context.Context, f *models.Follow) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[f.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.follows[f.Uri]; ok {
		return dupErr()
	}
	cp := *f
	s.follows[f.Uri] = &cp
	return nil
}

func (s *memStore) DeleteFollow(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if f, ok := s.follows[uri]; ok && f.AuthorDid == ownerDid {
		delete(s.follows, uri)
	}
	return nil
}

func (s *memStore) CreateBlock(ctx context.Context, b *models.Block) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[b.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.blocks[b.Uri]; ok {
		return dupErr()
	}
	cp := *b
	s.blocks[b.Uri] = &cp
	return nil
}

func (s *memStore) DeleteBlock(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if b, ok := s.blocks[uri]; ok && b.AuthorDid == ownerDid {
		delete(s.blocks, uri)
	}
	return nil
}

// Lists

func (s *memStore) CreateList(ctx context.Context, l *models.List) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[l.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.lists[l.Uri]; ok {
		return dupErr()
	}
	cp := *l
	s.lists[l.Uri] = &cp
	return nil
}

func (s *memStore) GetList(ctx context.Context, uri string) (*models.List, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	l, ok := s.lists[uri]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) DeleteList(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	l, ok := s.lists[uri]
	if !ok || l.AuthorDid != ownerDid {
		return nil
	}
	delete(s.lists, uri)
	for k, li := range s.listItems {
		if li.ListUri == uri {
			delete(s.listItems, k)
		}
	}
	return nil
}

func (s *memStore) CreateListItem(ctx context.Context, li *models.ListItem) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[li.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.lists[li.ListUri]; !ok {
		return fkErr()
	}
	if _, ok := s.listItems[li.Uri]; ok {
		return dupErr()
	}
	cp := *li
	s.listItems[li.Uri] = &cp
	return nil
}

func (s *memStore) DeleteListItem(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if li, ok := s.listItems[uri]; ok && li.AuthorDid == ownerDid {
		delete(s.listItems, uri)
	}
	return nil
}

// Other record kinds

func (s *memStore) CreateFeedGenerator(ctx context.Context, g *models.FeedGenerator) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[g.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.feedGens[g.Uri]; ok {
		return dupErr()
	}
	cp := *g
	s.feedGens[g.Uri] = &cp
	return nil
}

func (s *memStore) DeleteFeedGenerator(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if g, ok := s.feedGens[uri]; ok && g.AuthorDid == ownerDid {
		delete(s.feedGens, uri)
	}
	return nil
}

func (s *memStore) CreateThreadGate(ctx context.Context, tg *models.ThreadGate) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[tg.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.threadGates[tg.Uri]; ok {
		return dupErr()
	}
	cp := *tg
	s.threadGates[tg.Uri] = &cp
	return nil
}

func (s *memStore) DeleteThreadGate(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if tg, ok := s.threadGates[uri]; ok && tg.AuthorDid == ownerDid {
		delete(s.threadGates, uri)
	}
	return nil
}

func (s *memStore) CreatePostGate(ctx context.Context, pg *models.PostGate) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[pg.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.postGates[pg.Uri]; ok {
		return dupErr()
	}
	cp := *pg
	s.postGates[pg.Uri] = &cp
	return nil
}

func (s *memStore) DeletePostGate(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if pg, ok := s.postGates[uri]; ok && pg.AuthorDid == ownerDid {
		delete(s.postGates, uri)
	}
	return nil
}

func (s *memStore) CreateStarterPack(ctx context.Context, sp *models.StarterPack) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[sp.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.starterPacks[sp.Uri]; ok {
		return dupErr()
	}
	cp := *sp
	s.starterPacks[sp.Uri] = &cp
	return nil
}

func (s *memStore) GetStarterPack(ctx context.Context, uri string) (*models.StarterPack, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	sp, ok := s.starterPacks[uri]
	if !ok {
		return nil, nil
	}
	cp := *sp
	return &cp, nil
}

func (s *memStore) DeleteStarterPack(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if sp, ok := s.starterPacks[uri]; ok && sp.AuthorDid == ownerDid {
		delete(s.starterPacks, uri)
	}
	return nil
}

func (s *memStore) CreateLabelerService(ctx context.Context, ls *models.LabelerService) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[ls.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.labelers[ls.Uri]; ok {
		return dupErr()
	}
	cp := *ls
	s.labelers[ls.Uri] = &cp
	return nil
}

func (s *memStore) DeleteLabelerService(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if ls, ok := s.labelers[uri]; ok && ls.AuthorDid == ownerDid {
		delete(s.labelers, uri)
	}
	return nil
}

func (s *memStore) CreateVerification(ctx context.Context, v *models.Verification) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.users[v.AuthorDid]; !ok {
		return fkErr()
	}
	if _, ok := s.verifications[v.Uri]; ok {
		return dupErr()
	}
	cp := *v
	s.verifications[v.Uri] = &cp
	return nil
}

func (s *memStore) DeleteVerification(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if v, ok := s.verifications[uri]; ok && v.AuthorDid == ownerDid {
		delete(s.verifications, uri)
	}
	return nil
}

func (s *memStore) PutGenericRecord(ctx context.Context, gr *models.GenericRecord) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	cp := *gr
	s.generics[gr.Uri] = &cp
	return nil
}

func (s *memStore) DeleteGenericRecord(ctx context.Context, uri, ownerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if gr, ok := s.generics[uri]; ok && gr.Did == ownerDid {
		delete(s.generics, uri)
	}
	return nil
}

// Labels

func (s *memStore) ApplyLabel(ctx context.Context, l *models.Label) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, existing := range s.labels {
		if existing.Src == l.Src && existing.SubjectUri == l.SubjectUri && existing.Val == l.Val {
			return dupErr()
		}
	}
	cp := *l
	s.labels[l.Uri] = &cp
	return nil
}

func (s *memStore) NegateLabel(ctx context.Context, src, subjectUri, val string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, l := range s.labels {
		if l.Src == src && l.SubjectUri == subjectUri && l.Val == val {
			l.Neg = true
		}
	}
	return nil
}

func (s *memStore) DeleteLabel(ctx context.Context, uri, src string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if l, ok := s.labels[uri]; ok && l.Src == src {
		delete(s.labels, uri)
	}
	return nil
}

// Aggregations, viewer state, feed items, thread context

func (s *memStore) CreatePostAggregation(ctx context.Context, postUri string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.aggs[postUri]; ok {
		return dupErr()
	}
	s.aggs[postUri] = &models.PostAggregation{PostUri: postUri}
	return nil
}

func (s *memStore) IncrementPostAggregation(ctx context.Context, postUri, field string, delta int64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	agg, ok := s.aggs[postUri]
	if !ok {
		return nil
	}
	bump := func(v int64) int64 {
		v += delta
		if v < 0 {
			v = 0
		}
		return v
	}
	switch field {
	case "like_count":
		agg.LikeCount = bump(agg.LikeCount)
	case "repost_count":
		agg.RepostCount = bump(agg.RepostCount)
	case "reply_count":
		agg.ReplyCount = bump(agg.ReplyCount)
	case "bookmark_count":
		agg.BookmarkCount = bump(agg.BookmarkCount)
	case "quote_count":
		agg.QuoteCount = bump(agg.QuoteCount)
	default:
		return fkErr()
	}
	return nil
}

func (s *memStore) GetPostAggregations(ctx context.Context, uris []string) (map[string]*models.PostAggregation, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make(map[string]*models.PostAggregation, len(uris))
	for _, uri := range uris {
		if agg, ok := s.aggs[uri]; ok {
			cp := *agg
			out[uri] = &cp
		}
	}
	return out, nil
}

func (s *memStore) UpsertPostViewerState(ctx context.Context, vs ViewerStateUpdate) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	key := vsKey(vs.PostUri, vs.ViewerDid)
	row, ok := s.viewerStates[key]
	if !ok {
		row = &models.PostViewerState{PostUri: vs.PostUri, ViewerDid: vs.ViewerDid}
		s.viewerStates[key] = row
	}
	if vs.ClearLikeUri {
		row.LikeUri = nil
	} else if vs.LikeUri != nil {
		row.LikeUri = vs.LikeUri
	}
	if vs.ClearRepostUri {
		row.RepostUri = nil
	} else if vs.RepostUri != nil {
		row.RepostUri = vs.RepostUri
	}
	if vs.Bookmarked != nil {
		row.Bookmarked = *vs.Bookmarked
	}
	if vs.ThreadMuted != nil {
		row.ThreadMuted = *vs.ThreadMuted
	}
	if vs.ReplyDisabled != nil {
		row.ReplyDisabled = *vs.ReplyDisabled
	}
	if vs.EmbeddingDisabled != nil {
		row.EmbeddingDisabled = *vs.EmbeddingDisabled
	}
	if vs.Pinned != nil {
		row.Pinned = *vs.Pinned
	}
	return nil
}

func (s *memStore) DeletePostViewerState(ctx context.Context, postUri, viewerDid string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.viewerStates, vsKey(postUri, viewerDid))
	return nil
}

func (s *memStore) CreateFeedItem(ctx context.Context, fi *models.FeedItem) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.feedItems[fi.Uri]; ok {
		return dupErr()
	}
	cp := *fi
	s.feedItems[fi.Uri] = &cp
	return nil
}

func (s *memStore) DeleteFeedItem(ctx context.Context, uri string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.feedItems, uri)
	return nil
}

func (s *memStore) UpsertThreadContext(ctx context.Context, postUri string, rootAuthorLikeUri *string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	tc, ok := s.threadCtxs[postUri]
	if !ok {
		tc = &models.ThreadContext{PostUri: postUri}
		s.threadCtxs[postUri] = tc
	}
	tc.RootAuthorLikeUri = rootAuthorLikeUri
	return nil
}

// Quotes

func (s *memStore) CreateQuote(ctx context.Context, q *models.Quote) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.quotes[q.Uri]; ok {
		return dupErr()
	}
	cp := *q
	s.quotes[q.Uri] = &cp
	return nil
}

func (s *memStore) GetQuote(ctx context.Context, uri string) (*models.Quote, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	q, ok := s.quotes[uri]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *memStore) DeleteQuote(ctx context.Context, uri string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.quotes, uri)
	return nil
}

// Notifications

func (s *memStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.notifications[n.Uri]; ok {
		return dupErr()
	}
	cp := *n
	s.notifications[n.Uri] = &cp
	return nil
}

// Cursors

func (s *memStore) GetFirehoseCursor(ctx context.Context, service string) (*models.FirehoseCursor, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	c, ok := s.cursors[service]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) SaveFirehoseCursor(ctx context.Context, service, cursor string, lastEventTime time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.cursors[service] = &models.FirehoseCursor{
		Service:       service,
		Cursor:        cursor,
		LastEventTime: lastEventTime,
		Updated:       time.Now(),
	}
	return nil
}

// test seeding and inspection helpers

func (s *memStore) seedUser(did, handle string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.users[did] = &models.User{Did: did, Handle: handle, Active: true, Indexed: time.Now()}
}

func (s *memStore) seedPost(uri, authorDid string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.posts[uri] = &models.Post{Uri: uri, AuthorDid: authorDid, Indexed: time.Now()}
	s.aggs[uri] = &models.PostAggregation{PostUri: uri}
}

func (s *memStore) forbidCollection(did string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.settings[did] = &models.UserSettings{Did: did, DataCollectionForbidden: true, Updated: time.Now()}
}

func (s *memStore) notificationsFor(recipient string) []*models.Notification {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []*models.Notification
	for _, n := range s.notifications {
		if n.RecipientDid == recipient {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

func (s *memStore) counts() (posts, likes, reposts, notifs, feedItems int) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.posts), len(s.likes), len(s.reposts), len(s.notifications), len(s.feedItems)
}

func (s *memStore) viewerState(postUri, viewerDid string) *models.PostViewerState {
	s.lk.Lock()
	defer s.lk.Unlock()
	vs, ok := s.viewerStates[vsKey(postUri, viewerDid)]
	if !ok {
		return nil
	}
	cp := *vs
	return &cp
}

func (s *memStore) threadContext(postUri string) *models.ThreadContext {
	s.lk.Lock()
	defer s.lk.Unlock()
	tc, ok := s.threadCtxs[postUri]
	if !ok {
		return nil
	}
	cp := *tc
	return &cp
}

func (s *memStore) aggregation(postUri string) models.PostAggregation {
	s.lk.Lock()
	defer s.lk.Unlock()
	if agg, ok := s.aggs[postUri]; ok {
		return *agg
	}
	return models.PostAggregation{PostUri: postUri}
}

// memResolver is a canned IdentityResolver.
type memResolver struct {
	lk          sync.Mutex
	idents      map[string]*resolver.Identity
	invalidated []string
	resolves    int
}

func newMemResolver() *memResolver {
	return &memResolver{idents: make(map[string]*resolver.Identity)}
}

func (r *memResolver) ResolveIdentity(ctx context.Context, did string) (*resolver.Identity, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.resolves++
	ident, ok := r.idents[did]
	if !ok {
		return nil, resolver.ErrIdentityNotFound
	}
	cp := *ident
	return &cp, nil
}

func (r *memResolver) Invalidate(did string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.invalidated = append(r.invalidated, did)
}

func (r *memResolver) know(did, handle, pds string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.idents[did] = &resolver.Identity{Did: did, Handle: handle, PDSEndpoint: pds}
}

func (r *memResolver) invalidatedDids() []string {
	r.lk.Lock()
	defer r.lk.Unlock()
	return append([]string(nil), r.invalidated...)
}

func (r *memResolver) resolveCalls() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.resolves
}
