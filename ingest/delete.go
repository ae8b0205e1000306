package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// HandleDelete applies a delete op. Pending queue entries for the op's own
// URI are cancelled first so a delete racing ahead of its prerequisite does
// not resurrect the record later.
func (ix *Ingester) HandleDelete(ctx context.Context, did, path string) error {
	start := time.Now()

	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return fmt.Errorf("invalid path in delete: %q", path)
	}
	col := parts[0]
	uri := "at://" + did + "/" + path

	defer func() {
		handleOpHist.WithLabelValues("delete", col).Observe(float64(time.Since(start).Milliseconds()))
	}()

	forbidden, err := ix.store.DataCollectionForbidden(ctx, did)
	if err != nil {
		slog.Warn("opt-out lookup failed, allowing delete", "did", did, "err", err)
	}
	if forbidden {
		return nil
	}

	ix.deferred.Cancel(uri)

	switch col {
	case "app.bsky.feed.post":
		return ix.HandleDeletePost(ctx, did, uri)
	case "app.bsky.feed.like":
		return ix.HandleDeleteLike(ctx, did, uri)
	case "app.bsky.feed.repost":
		return ix.HandleDeleteRepost(ctx, did, uri)
	case "app.bsky.bookmark":
		return ix.HandleDeleteBookmark(ctx, did, uri)
	case "app.bsky.graph.follow":
		return ix.store.DeleteFollow(ctx, uri, did)
	case "app.bsky.graph.block":
		return ix.store.DeleteBlock(ctx, uri, did)
	case "app.bsky.graph.list":
		return ix.HandleDeleteList(ctx, did, uri)
	case "app.bsky.graph.listitem":
		return ix.store.DeleteListItem(ctx, uri, did)
	case "app.bsky.actor.profile":
		return ix.store.ClearUserProfile(ctx, did)
	case "app.bsky.feed.generator":
		return ix.store.DeleteFeedGenerator(ctx, uri, did)
	case "app.bsky.feed.threadgate":
		return ix.store.DeleteThreadGate(ctx, uri, did)
	case "app.bsky.feed.postgate":
		return ix.store.DeletePostGate(ctx, uri, did)
	case "app.bsky.graph.starterpack":
		return ix.store.DeleteStarterPack(ctx, uri, did)
	case "app.bsky.labeler.service":
		return ix.store.DeleteLabelerService(ctx, uri, did)
	case "app.bsky.graph.verification":
		return ix.store.DeleteVerification(ctx, uri, did)
	case "com.atproto.label.label", "app.bsky.labeler.label":
		return ix.store.DeleteLabel(ctx, uri, did)
	default:
		return ix.store.DeleteGenericRecord(ctx, uri, did)
	}
}

// HandleDeletePost removes the post and its projections. Ops still waiting
// on this post are discarded: their subject is gone.
func (ix *Ingester) HandleDeletePost(ctx context.Context, did, uri string) error {
	for _, op := range ix.deferred.Flush(QueuePostOps, uri) {
		slog.Debug("discarding op pending on deleted post", "op", op.Uri(), "post", uri)
	}

	p, err := ix.store.GetPost(ctx, uri)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}

	if p.ReplyParent != "" {
		if err := ix.store.IncrementPostAggregation(ctx, p.ReplyParent, "reply_count", -1); err != nil {
			slog.Warn("failed to drop reply count", "parent", p.ReplyParent, "err", err)
		}
	}

	// a quoting post takes its quote row and the subject's count with it
	q, err := ix.store.GetQuote(ctx, uri)
	if err == nil && q != nil {
		if err := ix.store.DeleteQuote(ctx, uri); err != nil {
			slog.Warn("failed to delete quote", "uri", uri, "err", err)
		} else if err := ix.store.IncrementPostAggregation(ctx, q.SubjectUri, "quote_count", -1); err != nil {
			slog.Warn("failed to drop quote count", "uri", q.SubjectUri, "err", err)
		}
	}

	if err := ix.store.DeleteFeedItem(ctx, uri); err != nil {
		slog.Warn("failed to delete feed item", "uri", uri, "err", err)
	}

	// aggregation, viewer state, and thread context rows cascade
	return ix.store.DeletePost(ctx, uri, did)
}

func (ix *Ingester) HandleDeleteLike(ctx context.Context, did, uri string) error {
	like, err := ix.store.GetLike(ctx, uri)
	if err != nil {
		return err
	}
	if like == nil {
		return nil
	}

	if err := ix.store.DeleteLike(ctx, uri, did); err != nil {
		return err
	}

	if !isPostUri(like.SubjectUri) {
		return nil
	}

	if err := ix.store.IncrementPostAggregation(ctx, like.SubjectUri, "like_count", -1); err != nil {
		slog.Warn("failed to drop like count", "uri", like.SubjectUri, "err", err)
	}
	if err := ix.store.UpsertPostViewerState(ctx, ViewerStateUpdate{
		PostUri:      like.SubjectUri,
		ViewerDid:    did,
		ClearLikeUri: true,
	}); err != nil {
		slog.Warn("failed to clear viewer like state", "uri", like.SubjectUri, "viewer", did, "err", err)
	}

	// a root author withdrawing their like also clears the thread marker
	subjPost, err := ix.store.GetPost(ctx, like.SubjectUri)
	if err == nil && subjPost != nil && subjPost.ReplyRoot != "" {
		rootPost, err := ix.store.GetPost(ctx, subjPost.ReplyRoot)
		if err == nil && rootPost != nil && rootPost.AuthorDid == did {
			if err := ix.store.UpsertThreadContext(ctx, like.SubjectUri, nil); err != nil {
				slog.Warn("failed to clear thread context", "uri", like.SubjectUri, "err", err)
			}
		}
	}
	return nil
}

func (ix *Ingester) HandleDeleteRepost(ctx context.Context, did, uri string) error {
	repost, err := ix.store.GetRepost(ctx, uri)
	if err != nil {
		return err
	}
	if repost == nil {
		return nil
	}

	if err := ix.store.DeleteRepost(ctx, uri, did); err != nil {
		return err
	}

	if err := ix.store.IncrementPostAggregation(ctx, repost.SubjectUri, "repost_count", -1); err != nil {
		slog.Warn("failed to drop repost count", "uri", repost.SubjectUri, "err", err)
	}
	if err := ix.store.UpsertPostViewerState(ctx, ViewerStateUpdate{
		PostUri:        repost.SubjectUri,
		ViewerDid:      did,
		ClearRepostUri: true,
	}); err != nil {
		slog.Warn("failed to clear viewer repost state", "uri", repost.SubjectUri, "viewer", did, "err", err)
	}
	if err := ix.store.DeleteFeedItem(ctx, uri); err != nil {
		slog.Warn("failed to delete feed item", "uri", uri, "err", err)
	}
	return nil
}

func (ix *Ingester) HandleDeleteBookmark(ctx context.Context, did, uri string) error {
	bm, err := ix.store.GetBookmark(ctx, uri)
	if err != nil {
		return err
	}
	if bm == nil {
		return nil
	}

	if err := ix.store.DeleteBookmark(ctx, uri, did); err != nil {
		return err
	}

	if !isPostUri(bm.SubjectUri) {
		return nil
	}

	if err := ix.store.IncrementPostAggregation(ctx, bm.SubjectUri, "bookmark_count", -1); err != nil {
		slog.Warn("failed to drop bookmark count", "uri", bm.SubjectUri, "err", err)
	}
	if err := ix.store.UpsertPostViewerState(ctx, ViewerStateUpdate{
		PostUri:    bm.SubjectUri,
		ViewerDid:  did,
		Bookmarked: boolPtr(false),
	}); err != nil {
		slog.Warn("failed to clear viewer bookmark state", "uri", bm.SubjectUri, "viewer", did, "err", err)
	}
	return nil
}

// HandleDeleteList drops the list; items cascade in the store, and parked
// items waiting on the list are discarded.
func (ix *Ingester) HandleDeleteList(ctx context.Context, did, uri string) error {
	for _, op := range ix.deferred.Flush(QueueListItems, uri) {
		slog.Debug("discarding item pending on deleted list", "op", op.Uri(), "list", uri)
	}
	return ix.store.DeleteList(ctx, uri, did)
}
