package backend

import (
	"context"
	"fmt"

	"github.com/dollspace-gay/PublicAppView-sub002/ingest"
	"github.com/dollspace-gay/PublicAppView-sub002/models"
)

// aggregationColumns is the set of counters IncrementPostAggregation may
// touch. The field name gets spliced into SQL, so it has to come from here.
var aggregationColumns = map[string]bool{
	"like_count":     true,
	"repost_count":   true,
	"reply_count":    true,
	"bookmark_count": true,
	"quote_count":    true,
}

func (b *PostgresBackend) CreatePostAggregation(ctx context.Context, postUri string) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO post_aggregations (post_uri) VALUES ($1) ON CONFLICT (post_uri) DO NOTHING`, postUri)
	return err
}

// IncrementPostAggregation bumps one counter by delta, floored at zero.
// Decrements against a deleted post match no row and are a no-op.
func (b *PostgresBackend) IncrementPostAggregation(ctx context.Context, postUri, field string, delta int64) error {
	if !aggregationColumns[field] {
		return fmt.Errorf("unknown aggregation field %q", field)
	}

	q := fmt.Sprintf(`UPDATE post_aggregations SET %s = GREATEST(%s + $2, 0) WHERE post_uri = $1`, field, field)
	_, err := b.pgx.Exec(ctx, q, postUri, delta)
	return err
}

func (b *PostgresBackend) GetPostAggregations(ctx context.Context, uris []string) (map[string]*models.PostAggregation, error) {
	out := make(map[string]*models.PostAggregation, len(uris))
	if len(uris) == 0 {
		return out, nil
	}

	rows, err := b.pgx.Query(ctx, `SELECT post_uri, like_count, repost_count, reply_count, bookmark_count, quote_count FROM post_aggregations WHERE post_uri = ANY($1)`, uris)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var agg models.PostAggregation
		if err := rows.Scan(&agg.PostUri, &agg.LikeCount, &agg.RepostCount, &agg.ReplyCount, &agg.BookmarkCount, &agg.QuoteCount); err != nil {
			return nil, err
		}
		out[agg.PostUri] = &agg
	}

	return out, rows.Err()
}

// UpsertPostViewerState patches one (post, viewer) row in a single statement.
// Nil pointer fields keep the stored value, the clear flags win over the
// corresponding pointer.
func (b *PostgresBackend) UpsertPostViewerState(ctx context.Context, vs ingest.ViewerStateUpdate) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO post_viewer_states (post_uri, viewer_did, like_uri, repost_uri, bookmarked, thread_muted, reply_disabled, embedding_disabled, pinned)
VALUES ($1, $2, $3, $4, COALESCE($5, FALSE), COALESCE($6, FALSE), COALESCE($7, FALSE), COALESCE($8, FALSE), COALESCE($9, FALSE))
ON CONFLICT (post_uri, viewer_did) DO UPDATE SET
	like_uri           = CASE WHEN $10 THEN NULL ELSE COALESCE($3, post_viewer_states.like_uri) END,
	repost_uri         = CASE WHEN $11 THEN NULL ELSE COALESCE($4, post_viewer_states.repost_uri) END,
	bookmarked         = COALESCE($5, post_viewer_states.bookmarked),
	thread_muted       = COALESCE($6, post_viewer_states.thread_muted),
	reply_disabled     = COALESCE($7, post_viewer_states.reply_disabled),
	embedding_disabled = COALESCE($8, post_viewer_states.embedding_disabled),
	pinned             = COALESCE($9, post_viewer_states.pinned)`,
		vs.PostUri, vs.ViewerDid,
		vs.LikeUri, vs.RepostUri,
		vs.Bookmarked, vs.ThreadMuted, vs.ReplyDisabled, vs.EmbeddingDisabled, vs.Pinned,
		vs.ClearLikeUri, vs.ClearRepostUri)
	return err
}

func (b *PostgresBackend) DeletePostViewerState(ctx context.Context, postUri, viewerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM post_viewer_states WHERE post_uri = $1 AND viewer_did = $2`, postUri, viewerDid)
	return err
}

func (b *PostgresBackend) CreateFeedItem(ctx context.Context, fi *models.FeedItem) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO feed_items (uri, post_uri, originator_did, type, cid, sort_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		fi.Uri, fi.PostUri, fi.OriginatorDid, fi.Type, fi.Cid, fi.SortAt)
	return err
}

func (b *PostgresBackend) DeleteFeedItem(ctx context.Context, uri string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM feed_items WHERE uri = $1`, uri)
	return err
}

// UpsertThreadContext sets (or clears, with nil) the root author's like on a
// reply post.
func (b *PostgresBackend) UpsertThreadContext(ctx context.Context, postUri string, rootAuthorLikeUri *string) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO thread_contexts (post_uri, root_author_like_uri) VALUES ($1, $2)
ON CONFLICT (post_uri) DO UPDATE SET root_author_like_uri = EXCLUDED.root_author_like_uri`,
		postUri, rootAuthorLikeUri)
	return err
}
