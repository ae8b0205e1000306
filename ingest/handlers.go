package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	data "github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/dollspace-gay/PublicAppView-sub002/models"
)

const (
	NotifReasonLike              = "like"
	NotifReasonRepost            = "repost"
	NotifReasonFollow            = "follow"
	NotifReasonMention           = "mention"
	NotifReasonReply             = "reply"
	NotifReasonQuote             = "quote"
	NotifReasonStarterpackJoined = "starterpack-joined"
)

// recordCreatedAt parses the lenient datetime forms seen in the wild. Records
// with a garbage timestamp are kept, indexed at the current time, rather than
// dropped.
func recordCreatedAt(s string) time.Time {
	dt, err := syntax.ParseDatetimeLenient(s)
	if err != nil {
		return time.Now()
	}
	return dt.Time()
}

func isPostUri(uri string) bool {
	return strings.Contains(uri, "/app.bsky.feed.post/")
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolPtr(b bool) *bool {
	return &b
}

func pendingFromOp(did, col, rkey, rcid string, recb []byte) *PendingOp {
	return &PendingOp{
		Did:        did,
		Collection: col,
		Rkey:       rkey,
		Action:     "create",
		Cid:        rcid,
		Record:     recb,
	}
}

// notify writes a notification row. The row URI is derived from the
// triggering record so duplicate receives collapse. Failures are logged, not
// propagated; a lost notification never fails the op that caused it.
func (ix *Ingester) notify(ctx context.Context, recipient, author, recordUri, reason string, reasonSubject *string, rcid string) {
	if recipient == "" || recipient == author {
		return
	}
	now := time.Now()
	err := ix.store.CreateNotification(ctx, &models.Notification{
		Uri:           recordUri + "#" + reason,
		RecipientDid:  recipient,
		AuthorDid:     author,
		Reason:        reason,
		ReasonSubject: reasonSubject,
		Cid:           strPtr(rcid),
		Created:       now,
		Indexed:       now,
	})
	if err != nil && !isDuplicate(err) {
		slog.Warn("failed to create notification", "uri", recordUri, "reason", reason, "err", err)
	}
}

func (ix *Ingester) HandleCreatePost(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.FeedPost
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.feed.post", &rec); err != nil {
		return err
	}

	uri := "at://" + did + "/app.bsky.feed.post/" + rkey
	created := recordCreatedAt(rec.CreatedAt)
	now := time.Now()

	p := models.Post{
		Uri:       uri,
		AuthorDid: did,
		Rkey:      rkey,
		Cid:       rcid,
		Text:      SanitizeString(rec.Text),
		Raw:       recb,
		Created:   created,
		Indexed:   now,
	}
	if rec.Reply != nil && rec.Reply.Parent != nil && rec.Reply.Root != nil {
		p.ReplyRoot = rec.Reply.Root.Uri
		p.ReplyParent = rec.Reply.Parent.Uri
	}
	if rec.Embed != nil {
		embJSON, err := json.Marshal(rec.Embed)
		if err == nil {
			p.Embed = SanitizeJSON(embJSON)
		}
	}

	if err := ix.store.CreatePost(ctx, &p); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.feed.post", rkey, rcid, recb))
			return nil
		}
		return err
	}

	if err := ix.store.CreatePostAggregation(ctx, uri); err != nil && !isDuplicate(err) {
		slog.Warn("failed to create post aggregation", "uri", uri, "err", err)
	}

	if err := ix.store.CreateFeedItem(ctx, &models.FeedItem{
		Uri:           uri,
		PostUri:       uri,
		OriginatorDid: did,
		Type:          "post",
		Cid:           rcid,
		SortAt:        created,
	}); err != nil && !isDuplicate(err) {
		slog.Warn("failed to create feed item", "uri", uri, "err", err)
	}

	if p.ReplyParent != "" {
		ix.indexReply(ctx, &p, uri, did, rcid)
	}

	if quoted := quotedPostUri(&rec); quoted != "" {
		ix.indexQuote(ctx, uri, did, quoted, created, rcid)
	}

	ix.notifyMentions(ctx, &rec, uri, did, rcid)

	// anything that was waiting for this post can proceed now
	ix.replayOps(ctx, ix.deferred.Flush(QueuePostOps, uri))

	return nil
}

// indexReply maintains the reply-side projections: the parent's reply count,
// the thread-context row when the root is known locally, and the reply
// notification to the parent author.
func (ix *Ingester) indexReply(ctx context.Context, p *models.Post, uri, did, rcid string) {
	if err := ix.store.IncrementPostAggregation(ctx, p.ReplyParent, "reply_count", 1); err != nil {
		slog.Warn("failed to bump reply count", "parent", p.ReplyParent, "err", err)
	}

	rootPost, err := ix.store.GetPost(ctx, p.ReplyRoot)
	if err == nil && rootPost != nil {
		var rootAuthorLike *string
		if likeUri, err := ix.store.GetLikeUri(ctx, rootPost.AuthorDid, uri); err == nil && likeUri != "" {
			rootAuthorLike = &likeUri
		}
		if err := ix.store.UpsertThreadContext(ctx, uri, rootAuthorLike); err != nil {
			slog.Warn("failed to upsert thread context", "uri", uri, "err", err)
		}
	}

	parentPost, err := ix.store.GetPost(ctx, p.ReplyParent)
	if err == nil && parentPost != nil {
		ix.notify(ctx, parentPost.AuthorDid, did, uri, NotifReasonReply, strPtr(p.ReplyParent), rcid)
	}
}

// quotedPostUri pulls the quoted post out of either embed-record shape.
func quotedPostUri(rec *bsky.FeedPost) string {
	if rec.Embed == nil {
		return ""
	}
	var rpref string
	if rec.Embed.EmbedRecord != nil && rec.Embed.EmbedRecord.Record != nil {
		rpref = rec.Embed.EmbedRecord.Record.Uri
	}
	if rec.Embed.EmbedRecordWithMedia != nil &&
		rec.Embed.EmbedRecordWithMedia.Record != nil &&
		rec.Embed.EmbedRecordWithMedia.Record.Record != nil {
		rpref = rec.Embed.EmbedRecordWithMedia.Record.Record.Uri
	}
	if !isPostUri(rpref) {
		return ""
	}
	return rpref
}

func (ix *Ingester) indexQuote(ctx context.Context, uri, did, quoted string, created time.Time, rcid string) {
	if err := ix.store.CreateQuote(ctx, &models.Quote{
		Uri:        uri,
		AuthorDid:  did,
		SubjectUri: quoted,
		Created:    created,
	}); err != nil {
		if !isDuplicate(err) {
			slog.Warn("failed to create quote", "uri", uri, "err", err)
		}
		return
	}

	if err := ix.store.IncrementPostAggregation(ctx, quoted, "quote_count", 1); err != nil {
		slog.Warn("failed to bump quote count", "uri", quoted, "err", err)
	}

	subjPost, err := ix.store.GetPost(ctx, quoted)
	if err == nil && subjPost != nil {
		ix.notify(ctx, subjPost.AuthorDid, did, uri, NotifReasonQuote, strPtr(quoted), rcid)
	}
}

// notifyMentions fans out mention notifications to locally-known DIDs only;
// a mention never creates a user row.
func (ix *Ingester) notifyMentions(ctx context.Context, rec *bsky.FeedPost, uri, did, rcid string) {
	for _, facet := range rec.Facets {
		for _, feature := range facet.Features {
			if feature.RichtextFacet_Mention == nil {
				continue
			}
			mentioned := feature.RichtextFacet_Mention.Did
			u, err := ix.store.GetUser(ctx, mentioned)
			if err != nil || u == nil {
				continue
			}
			ix.notify(ctx, mentioned, did, uri, NotifReasonMention, strPtr(uri), rcid)
		}
	}
}

func (ix *Ingester) HandleCreateLike(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.FeedLike
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.feed.like", &rec); err != nil {
		return err
	}

	uri := "at://" + did + "/app.bsky.feed.like/" + rkey
	subj := rec.Subject.Uri
	created := recordCreatedAt(rec.CreatedAt)

	var subjPost *models.Post
	if isPostUri(subj) {
		p, err := ix.store.GetPost(ctx, subj)
		if err != nil {
			return err
		}
		if p == nil {
			ix.deferred.Enqueue(QueuePostOps, subj, pendingFromOp(did, "app.bsky.feed.like", rkey, rcid, recb))
			ix.flagMissingPost(subj)
			return nil
		}
		subjPost = p
	}

	if err := ix.store.CreateLike(ctx, &models.Like{
		Uri:        uri,
		AuthorDid:  did,
		Rkey:       rkey,
		SubjectUri: subj,
		Cid:        rcid,
		Created:    created,
		Indexed:    time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.feed.like", rkey, rcid, recb))
			return nil
		}
		return err
	}

	if subjPost == nil {
		// likes on feed generators, lists, labelers: row only
		return nil
	}

	if err := ix.store.IncrementPostAggregation(ctx, subj, "like_count", 1); err != nil {
		slog.Warn("failed to bump like count", "uri", subj, "err", err)
	}
	if err := ix.store.UpsertPostViewerState(ctx, ViewerStateUpdate{
		PostUri:   subj,
		ViewerDid: did,
		LikeUri:   &uri,
	}); err != nil {
		slog.Warn("failed to upsert viewer state", "uri", subj, "viewer", did, "err", err)
	}

	// a root author liking a reply in their own thread surfaces on the
	// reply's thread context
	if subjPost.ReplyRoot != "" {
		rootPost, err := ix.store.GetPost(ctx, subjPost.ReplyRoot)
		if err == nil && rootPost != nil && rootPost.AuthorDid == did {
			if err := ix.store.UpsertThreadContext(ctx, subj, &uri); err != nil {
				slog.Warn("failed to update thread context", "uri", subj, "err", err)
			}
		}
	}

	ix.notify(ctx, subjPost.AuthorDid, did, uri, NotifReasonLike, strPtr(subj), rcid)
	return nil
}

func (ix *Ingester) HandleCreateRepost(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.FeedRepost
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.feed.repost", &rec); err != nil {
		return err
	}

	uri := "at://" + did + "/app.bsky.feed.repost/" + rkey
	subj := rec.Subject.Uri
	created := recordCreatedAt(rec.CreatedAt)

	subjPost, err := ix.store.GetPost(ctx, subj)
	if err != nil {
		return err
	}
	if subjPost == nil {
		ix.deferred.Enqueue(QueuePostOps, subj, pendingFromOp(did, "app.bsky.feed.repost", rkey, rcid, recb))
		ix.flagMissingPost(subj)
		return nil
	}

	if err := ix.store.CreateRepost(ctx, &models.Repost{
		Uri:        uri,
		AuthorDid:  did,
		Rkey:       rkey,
		SubjectUri: subj,
		Cid:        rcid,
		Created:    created,
		Indexed:    time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.feed.repost", rkey, rcid, recb))
			return nil
		}
		return err
	}

	if err := ix.store.IncrementPostAggregation(ctx, subj, "repost_count", 1); err != nil {
		slog.Warn("failed to bump repost count", "uri", subj, "err", err)
	}
	if err := ix.store.UpsertPostViewerState(ctx, ViewerStateUpdate{
		PostUri:   subj,
		ViewerDid: did,
		RepostUri: &uri,
	}); err != nil {
		slog.Warn("failed to upsert viewer state", "uri", subj, "viewer", did, "err", err)
	}
	if err := ix.store.CreateFeedItem(ctx, &models.FeedItem{
		Uri:           uri,
		PostUri:       subj,
		OriginatorDid: did,
		Type:          "repost",
		Cid:           rcid,
		SortAt:        created,
	}); err != nil && !isDuplicate(err) {
		slog.Warn("failed to create feed item", "uri", uri, "err", err)
	}

	ix.notify(ctx, subjPost.AuthorDid, did, uri, NotifReasonRepost, strPtr(subj), rcid)
	return nil
}

// HandleCreateBookmark indexes app.bsky.bookmark records. The lexicon is not
// in the generated set, so it decodes generically.
func (ix *Ingester) HandleCreateBookmark(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	rec, err := data.UnmarshalCBOR(recb)
	if err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.bookmark", rec); err != nil {
		return err
	}

	subj := refUri(rec["subject"])
	uri := "at://" + did + "/app.bsky.bookmark/" + rkey
	createdAt, _ := rec["createdAt"].(string)
	created := recordCreatedAt(createdAt)

	if isPostUri(subj) {
		p, err := ix.store.GetPost(ctx, subj)
		if err != nil {
			return err
		}
		if p == nil {
			ix.deferred.Enqueue(QueuePostOps, subj, pendingFromOp(did, "app.bsky.bookmark", rkey, rcid, recb))
			ix.flagMissingPost(subj)
			return nil
		}
	}

	if err := ix.store.CreateBookmark(ctx, &models.Bookmark{
		Uri:        uri,
		AuthorDid:  did,
		Rkey:       rkey,
		SubjectUri: subj,
		Cid:        rcid,
		Created:    created,
		Indexed:    time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.bookmark", rkey, rcid, recb))
			return nil
		}
		return err
	}

	if !isPostUri(subj) {
		return nil
	}

	if err := ix.store.IncrementPostAggregation(ctx, subj, "bookmark_count", 1); err != nil {
		slog.Warn("failed to bump bookmark count", "uri", subj, "err", err)
	}
	if err := ix.store.UpsertPostViewerState(ctx, ViewerStateUpdate{
		PostUri:    subj,
		ViewerDid:  did,
		Bookmarked: boolPtr(true),
	}); err != nil {
		slog.Warn("failed to upsert viewer state", "uri", subj, "viewer", did, "err", err)
	}

	// bookmarks are private: no notification
	return nil
}

// refUri accepts a strong ref object or a bare uri string.
func refUri(v any) string {
	switch r := v.(type) {
	case string:
		return r
	case map[string]any:
		uri, _ := r["uri"].(string)
		return uri
	default:
		return ""
	}
}

func (ix *Ingester) HandleCreateFollow(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.GraphFollow
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.graph.follow", &rec); err != nil {
		return err
	}

	uri := "at://" + did + "/app.bsky.graph.follow/" + rkey

	if err := ix.EnsureUser(ctx, rec.Subject); err != nil {
		ix.deferred.Enqueue(QueueUserOps, rec.Subject, pendingFromOp(did, "app.bsky.graph.follow", rkey, rcid, recb))
		return nil
	}

	if err := ix.store.CreateFollow(ctx, &models.Follow{
		Uri:        uri,
		AuthorDid:  did,
		Rkey:       rkey,
		SubjectDid: rec.Subject,
		Cid:        rcid,
		Created:    recordCreatedAt(rec.CreatedAt),
		Indexed:    time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.graph.follow", rkey, rcid, recb))
			return nil
		}
		return err
	}

	ix.notify(ctx, rec.Subject, did, uri, NotifReasonFollow, nil, rcid)
	return nil
}

func (ix *Ingester) HandleCreateBlock(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.GraphBlock
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.graph.block", &rec); err != nil {
		return err
	}

	if err := ix.EnsureUser(ctx, rec.Subject); err != nil {
		ix.deferred.Enqueue(QueueUserOps, rec.Subject, pendingFromOp(did, "app.bsky.graph.block", rkey, rcid, recb))
		return nil
	}

	if err := ix.store.CreateBlock(ctx, &models.Block{
		Uri:        "at://" + did + "/app.bsky.graph.block/" + rkey,
		AuthorDid:  did,
		Rkey:       rkey,
		SubjectDid: rec.Subject,
		Cid:        rcid,
		Created:    recordCreatedAt(rec.CreatedAt),
		Indexed:    time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.graph.block", rkey, rcid, recb))
			return nil
		}
		return err
	}
	return nil
}

func (ix *Ingester) HandleCreateList(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.GraphList
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.graph.list", &rec); err != nil {
		return err
	}

	uri := "at://" + did + "/app.bsky.graph.list/" + rkey

	purpose := ""
	if rec.Purpose != nil {
		purpose = *rec.Purpose
	}
	var desc *string
	if rec.Description != nil {
		desc = strPtr(SanitizeString(*rec.Description))
	}

	if err := ix.store.CreateList(ctx, &models.List{
		Uri:         uri,
		AuthorDid:   did,
		Rkey:        rkey,
		Cid:         rcid,
		Name:        SanitizeString(rec.Name),
		Purpose:     purpose,
		Description: desc,
		AvatarCid:   strPtr(ExtractBlobCID(rec.Avatar)),
		Raw:         recb,
		Created:     recordCreatedAt(rec.CreatedAt),
		Indexed:     time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.graph.list", rkey, rcid, recb))
			return nil
		}
		return err
	}

	// items that arrived before their list can land now
	ix.replayOps(ctx, ix.deferred.Flush(QueueListItems, uri))
	return nil
}

func (ix *Ingester) HandleCreateListitem(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.GraphListitem
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.graph.listitem", &rec); err != nil {
		return err
	}

	if err := ix.EnsureUser(ctx, rec.Subject); err != nil {
		ix.deferred.Enqueue(QueueUserOps, rec.Subject, pendingFromOp(did, "app.bsky.graph.listitem", rkey, rcid, recb))
		return nil
	}

	list, err := ix.store.GetList(ctx, rec.List)
	if err != nil {
		return err
	}
	if list == nil {
		ix.deferred.Enqueue(QueueListItems, rec.List, pendingFromOp(did, "app.bsky.graph.listitem", rkey, rcid, recb))
		return nil
	}

	if err := ix.store.CreateListItem(ctx, &models.ListItem{
		Uri:        "at://" + did + "/app.bsky.graph.listitem/" + rkey,
		AuthorDid:  did,
		Rkey:       rkey,
		Cid:        rcid,
		SubjectDid: rec.Subject,
		ListUri:    rec.List,
		Created:    recordCreatedAt(rec.CreatedAt),
		Indexed:    time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			// list row vanished between the check and the insert
			ix.deferred.Enqueue(QueueListItems, rec.List, pendingFromOp(did, "app.bsky.graph.listitem", rkey, rcid, recb))
			return nil
		}
		return err
	}
	return nil
}

// HandleCreateProfile projects a profile record onto the user row, resolving
// the current handle unless bulk mode has the enrichment fan-out suppressed.
func (ix *Ingester) HandleCreateProfile(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.ActorProfile
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}

	handle := ""
	if !ix.bulkMode.Load() {
		ident, err := ix.dir.ResolveIdentity(ctx, did)
		if err != nil {
			slog.Debug("handle resolution failed during profile index", "did", did, "err", err)
		} else {
			handle = ident.Handle
		}
	}

	up := ProfileUpdate{Handle: handle}
	if rec.DisplayName != nil {
		up.DisplayName = strPtr(SanitizeString(*rec.DisplayName))
	}
	if rec.Description != nil {
		up.Description = strPtr(SanitizeString(*rec.Description))
	}
	up.AvatarCid = strPtr(ExtractBlobCID(rec.Avatar))
	up.BannerCid = strPtr(ExtractBlobCID(rec.Banner))

	if recJSON, err := json.Marshal(&rec); err == nil {
		up.ProfileRecord = SanitizeJSON(recJSON)
	}

	if err := ix.store.UpsertUserProfile(ctx, did, up); err != nil {
		return err
	}

	// a profile referencing a starter pack marks an account that signed up
	// through it; the pack's creator hears about the join
	if rec.JoinedViaStarterPack != nil && rec.JoinedViaStarterPack.Uri != "" {
		pack, err := ix.store.GetStarterPack(ctx, rec.JoinedViaStarterPack.Uri)
		if err != nil {
			slog.Debug("starter pack lookup failed", "uri", rec.JoinedViaStarterPack.Uri, "err", err)
		} else if pack != nil {
			uri := "at://" + did + "/app.bsky.actor.profile/" + rkey
			ix.notify(ctx, pack.AuthorDid, did, uri, NotifReasonStarterpackJoined, strPtr(pack.Uri), rcid)
		}
	}
	return nil
}

func (ix *Ingester) HandleCreateFeedGenerator(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.FeedGenerator
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.feed.generator", &rec); err != nil {
		return err
	}

	var desc *string
	if rec.Description != nil {
		desc = strPtr(SanitizeString(*rec.Description))
	}

	if err := ix.store.CreateFeedGenerator(ctx, &models.FeedGenerator{
		Uri:         "at://" + did + "/app.bsky.feed.generator/" + rkey,
		AuthorDid:   did,
		Rkey:        rkey,
		Cid:         rcid,
		Did:         rec.Did,
		DisplayName: SanitizeString(rec.DisplayName),
		Description: desc,
		AvatarCid:   strPtr(ExtractBlobCID(rec.Avatar)),
		Raw:         recb,
		Created:     recordCreatedAt(rec.CreatedAt),
		Indexed:     time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.feed.generator", rkey, rcid, recb))
			return nil
		}
		return err
	}
	return nil
}

func (ix *Ingester) HandleCreateThreadgate(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.FeedThreadgate
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.feed.threadgate", &rec); err != nil {
		return err
	}

	if err := ix.store.CreateThreadGate(ctx, &models.ThreadGate{
		Uri:       "at://" + did + "/app.bsky.feed.threadgate/" + rkey,
		AuthorDid: did,
		Rkey:      rkey,
		Cid:       rcid,
		PostUri:   rec.Post,
		Raw:       recb,
		Created:   recordCreatedAt(rec.CreatedAt),
		Indexed:   time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.feed.threadgate", rkey, rcid, recb))
			return nil
		}
		return err
	}
	return nil
}

func (ix *Ingester) HandleCreatePostGate(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.FeedPostgate
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.feed.postgate", &rec); err != nil {
		return err
	}

	if err := ix.store.CreatePostGate(ctx, &models.PostGate{
		Uri:       "at://" + did + "/app.bsky.feed.postgate/" + rkey,
		AuthorDid: did,
		Rkey:      rkey,
		Cid:       rcid,
		PostUri:   rec.Post,
		Raw:       recb,
		Created:   recordCreatedAt(rec.CreatedAt),
		Indexed:   time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.feed.postgate", rkey, rcid, recb))
			return nil
		}
		return err
	}

	// a postgate can retroactively detach quotes of the gated post
	for _, detached := range rec.DetachedEmbeddingUris {
		q, err := ix.store.GetQuote(ctx, detached)
		if err != nil || q == nil {
			continue
		}
		if err := ix.store.DeleteQuote(ctx, detached); err != nil {
			slog.Warn("failed to detach quote", "uri", detached, "err", err)
			continue
		}
		if err := ix.store.IncrementPostAggregation(ctx, rec.Post, "quote_count", -1); err != nil {
			slog.Warn("failed to drop quote count", "uri", rec.Post, "err", err)
		}
	}
	return nil
}

func (ix *Ingester) HandleCreateStarterPack(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.GraphStarterpack
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.graph.starterpack", &rec); err != nil {
		return err
	}

	if err := ix.store.CreateStarterPack(ctx, &models.StarterPack{
		Uri:       "at://" + did + "/app.bsky.graph.starterpack/" + rkey,
		AuthorDid: did,
		Rkey:      rkey,
		Cid:       rcid,
		Name:      SanitizeString(rec.Name),
		ListUri:   rec.List,
		Raw:       recb,
		Created:   recordCreatedAt(rec.CreatedAt),
		Indexed:   time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.graph.starterpack", rkey, rcid, recb))
			return nil
		}
		return err
	}
	return nil
}

func (ix *Ingester) HandleCreateLabelerService(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	var rec bsky.LabelerService
	if err := rec.UnmarshalCBOR(bytes.NewReader(recb)); err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.labeler.service", &rec); err != nil {
		return err
	}

	if err := ix.store.CreateLabelerService(ctx, &models.LabelerService{
		Uri:       "at://" + did + "/app.bsky.labeler.service/" + rkey,
		AuthorDid: did,
		Rkey:      rkey,
		Cid:       rcid,
		Raw:       recb,
		Created:   recordCreatedAt(rec.CreatedAt),
		Indexed:   time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.labeler.service", rkey, rcid, recb))
			return nil
		}
		return err
	}
	return nil
}

// HandleCreateVerification indexes app.bsky.graph.verification records,
// which are not in the generated lexicon set.
func (ix *Ingester) HandleCreateVerification(ctx context.Context, did, rkey string, recb []byte, rcid string) error {
	rec, err := data.UnmarshalCBOR(recb)
	if err != nil {
		return err
	}
	if err := ValidRecord("app.bsky.graph.verification", rec); err != nil {
		return err
	}

	subject, _ := rec["subject"].(string)
	handle, _ := rec["handle"].(string)
	displayName, _ := rec["displayName"].(string)
	createdAt, _ := rec["createdAt"].(string)

	if err := ix.EnsureUser(ctx, subject); err != nil {
		ix.deferred.Enqueue(QueueUserOps, subject, pendingFromOp(did, "app.bsky.graph.verification", rkey, rcid, recb))
		return nil
	}

	if err := ix.store.CreateVerification(ctx, &models.Verification{
		Uri:         "at://" + did + "/app.bsky.graph.verification/" + rkey,
		AuthorDid:   did,
		Rkey:        rkey,
		Cid:         rcid,
		SubjectDid:  subject,
		Handle:      SanitizeString(handle),
		DisplayName: SanitizeString(displayName),
		Created:     recordCreatedAt(createdAt),
		Indexed:     time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, "app.bsky.graph.verification", rkey, rcid, recb))
			return nil
		}
		return err
	}
	return nil
}

// HandleCreateLabel applies or negates a label. The record arrives from
// labeler repos; src is the labeler's DID.
func (ix *Ingester) HandleCreateLabel(ctx context.Context, did, col, rkey string, recb []byte) error {
	rec, err := data.UnmarshalCBOR(recb)
	if err != nil {
		return err
	}
	if err := ValidRecord("com.atproto.label.label", rec); err != nil {
		return err
	}

	subjectUri, _ := rec["uri"].(string)
	val, _ := rec["val"].(string)
	neg, _ := rec["neg"].(bool)
	createdAt, _ := rec["cts"].(string)

	if neg {
		return ix.store.NegateLabel(ctx, did, subjectUri, val)
	}

	var subjectCid *string
	if c := ExtractBlobCID(rec["cid"]); c != "" {
		subjectCid = &c
	}

	if err := ix.store.ApplyLabel(ctx, &models.Label{
		Uri:        "at://" + did + "/" + col + "/" + rkey,
		Src:        did,
		SubjectUri: subjectUri,
		SubjectCid: subjectCid,
		Val:        val,
		Created:    recordCreatedAt(createdAt),
		Indexed:    time.Now(),
	}); err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

// HandleCreateGenericRecord stores records of unrecognized lexicons as JSON.
func (ix *Ingester) HandleCreateGenericRecord(ctx context.Context, did, col, rkey string, recb []byte, rcid string) error {
	rec, err := data.UnmarshalCBOR(recb)
	if err != nil {
		return err
	}
	if err := ValidRecord(col, rec); err != nil {
		return err
	}

	recJSON, err := json.Marshal(SanitizeValue(rec))
	if err != nil {
		return err
	}

	if err := ix.store.PutGenericRecord(ctx, &models.GenericRecord{
		Uri:        "at://" + did + "/" + col + "/" + rkey,
		Did:        did,
		Collection: col,
		Rkey:       rkey,
		Cid:        rcid,
		Record:     recJSON,
		Indexed:    time.Now(),
	}); err != nil {
		if isDuplicate(err) {
			return nil
		}
		if isMissingRef(err) {
			ix.deferred.Enqueue(QueueUserOps, did, pendingFromOp(did, col, rkey, rcid, recb))
			return nil
		}
		return err
	}
	return nil
}
