package backend

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm/clause"

	"github.com/dollspace-gay/PublicAppView-sub002/models"
)

// The high-volume record types (posts and the subject-pointing trio) insert
// through raw pgx. Everything else goes through gorm; at list/labeler volumes
// the ORM overhead doesn't matter. Constraint errors pass through unclassified
// in both cases, the ingest layer sorts duplicates from missing references.

func (b *PostgresBackend) GetPost(ctx context.Context, uri string) (*models.Post, error) {
	var p models.Post
	row := b.pgx.QueryRow(ctx, `SELECT uri, author_did, rkey, cid, text, reply_root, reply_parent, embed, raw, created, indexed FROM posts WHERE uri = $1`, uri)
	err := row.Scan(&p.Uri, &p.AuthorDid, &p.Rkey, &p.Cid, &p.Text, &p.ReplyRoot, &p.ReplyParent, &p.Embed, &p.Raw, &p.Created, &p.Indexed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (b *PostgresBackend) CreatePost(ctx context.Context, p *models.Post) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO posts (uri, author_did, rkey, cid, text, reply_root, reply_parent, embed, raw, created, indexed) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.Uri, p.AuthorDid, p.Rkey, p.Cid, p.Text, p.ReplyRoot, p.ReplyParent, p.Embed, p.Raw, p.Created, p.Indexed)
	return err
}

func (b *PostgresBackend) DeletePost(ctx context.Context, uri, ownerDid string) error {
	// aggregation, viewer state and thread context rows go with it via
	// ON DELETE CASCADE
	_, err := b.pgx.Exec(ctx, `DELETE FROM posts WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) GetLike(ctx context.Context, uri string) (*models.Like, error) {
	var l models.Like
	row := b.pgx.QueryRow(ctx, `SELECT uri, author_did, rkey, subject_uri, cid, created, indexed FROM likes WHERE uri = $1`, uri)
	err := row.Scan(&l.Uri, &l.AuthorDid, &l.Rkey, &l.SubjectUri, &l.Cid, &l.Created, &l.Indexed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func (b *PostgresBackend) CreateLike(ctx context.Context, l *models.Like) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO likes (uri, author_did, rkey, subject_uri, cid, created, indexed) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.Uri, l.AuthorDid, l.Rkey, l.SubjectUri, l.Cid, l.Created, l.Indexed)
	return err
}

func (b *PostgresBackend) DeleteLike(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM likes WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

// GetLikeUri finds the like a user has on a post, if any. Used to recover the
// like URI for thread context when the root author's like arrives before the
// reply does.
func (b *PostgresBackend) GetLikeUri(ctx context.Context, userDid, postUri string) (string, error) {
	var uri string
	row := b.pgx.QueryRow(ctx, `SELECT uri FROM likes WHERE author_did = $1 AND subject_uri = $2 LIMIT 1`, userDid, postUri)
	if err := row.Scan(&uri); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return uri, nil
}

func (b *PostgresBackend) GetRepost(ctx context.Context, uri string) (*models.Repost, error) {
	var r models.Repost
	row := b.pgx.QueryRow(ctx, `SELECT uri, author_did, rkey, subject_uri, cid, created, indexed FROM reposts WHERE uri = $1`, uri)
	err := row.Scan(&r.Uri, &r.AuthorDid, &r.Rkey, &r.SubjectUri, &r.Cid, &r.Created, &r.Indexed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (b *PostgresBackend) CreateRepost(ctx context.Context, r *models.Repost) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO reposts (uri, author_did, rkey, subject_uri, cid, created, indexed) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Uri, r.AuthorDid, r.Rkey, r.SubjectUri, r.Cid, r.Created, r.Indexed)
	return err
}

func (b *PostgresBackend) DeleteRepost(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM reposts WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) GetBookmark(ctx context.Context, uri string) (*models.Bookmark, error) {
	var bm models.Bookmark
	row := b.pgx.QueryRow(ctx, `SELECT uri, author_did, rkey, subject_uri, cid, created, indexed FROM bookmarks WHERE uri = $1`, uri)
	err := row.Scan(&bm.Uri, &bm.AuthorDid, &bm.Rkey, &bm.SubjectUri, &bm.Cid, &bm.Created, &bm.Indexed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &bm, nil
}

func (b *PostgresBackend) CreateBookmark(ctx context.Context, bm *models.Bookmark) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO bookmarks (uri, author_did, rkey, subject_uri, cid, created, indexed) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		bm.Uri, bm.AuthorDid, bm.Rkey, bm.SubjectUri, bm.Cid, bm.Created, bm.Indexed)
	return err
}

func (b *PostgresBackend) DeleteBookmark(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM bookmarks WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateFollow(ctx context.Context, f *models.Follow) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO follows (uri, author_did, rkey, subject_did, cid, created, indexed) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.Uri, f.AuthorDid, f.Rkey, f.SubjectDid, f.Cid, f.Created, f.Indexed)
	return err
}

func (b *PostgresBackend) DeleteFollow(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM follows WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateBlock(ctx context.Context, blk *models.Block) error {
	_, err := b.pgx.Exec(ctx, `INSERT INTO blocks (uri, author_did, rkey, subject_did, cid, created, indexed) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		blk.Uri, blk.AuthorDid, blk.Rkey, blk.SubjectDid, blk.Cid, blk.Created, blk.Indexed)
	return err
}

func (b *PostgresBackend) DeleteBlock(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM blocks WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateList(ctx context.Context, l *models.List) error {
	return b.quiet().WithContext(ctx).Create(l).Error
}

func (b *PostgresBackend) GetList(ctx context.Context, uri string) (*models.List, error) {
	var l models.List
	row := b.pgx.QueryRow(ctx, `SELECT uri, author_did, rkey, cid, name, purpose, description, avatar_cid, raw, created, indexed FROM lists WHERE uri = $1`, uri)
	err := row.Scan(&l.Uri, &l.AuthorDid, &l.Rkey, &l.Cid, &l.Name, &l.Purpose, &l.Description, &l.AvatarCid, &l.Raw, &l.Created, &l.Indexed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func (b *PostgresBackend) DeleteList(ctx context.Context, uri, ownerDid string) error {
	// list items cascade
	_, err := b.pgx.Exec(ctx, `DELETE FROM lists WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateListItem(ctx context.Context, li *models.ListItem) error {
	return b.quiet().WithContext(ctx).Create(li).Error
}

func (b *PostgresBackend) DeleteListItem(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM list_items WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateFeedGenerator(ctx context.Context, g *models.FeedGenerator) error {
	return b.quiet().WithContext(ctx).Create(g).Error
}

func (b *PostgresBackend) DeleteFeedGenerator(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM feed_generators WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateThreadGate(ctx context.Context, tg *models.ThreadGate) error {
	return b.quiet().WithContext(ctx).Create(tg).Error
}

func (b *PostgresBackend) DeleteThreadGate(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM thread_gates WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreatePostGate(ctx context.Context, pg *models.PostGate) error {
	return b.quiet().WithContext(ctx).Create(pg).Error
}

func (b *PostgresBackend) DeletePostGate(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM post_gates WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateStarterPack(ctx context.Context, sp *models.StarterPack) error {
	return b.quiet().WithContext(ctx).Create(sp).Error
}

func (b *PostgresBackend) GetStarterPack(ctx context.Context, uri string) (*models.StarterPack, error) {
	var sp models.StarterPack
	row := b.pgx.QueryRow(ctx, `SELECT uri, author_did, rkey, cid, name, list_uri, raw, created, indexed FROM starter_packs WHERE uri = $1`, uri)
	err := row.Scan(&sp.Uri, &sp.AuthorDid, &sp.Rkey, &sp.Cid, &sp.Name, &sp.ListUri, &sp.Raw, &sp.Created, &sp.Indexed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sp, nil
}

func (b *PostgresBackend) DeleteStarterPack(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM starter_packs WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateLabelerService(ctx context.Context, ls *models.LabelerService) error {
	return b.quiet().WithContext(ctx).Create(ls).Error
}

func (b *PostgresBackend) DeleteLabelerService(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM labeler_services WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

func (b *PostgresBackend) CreateVerification(ctx context.Context, v *models.Verification) error {
	return b.quiet().WithContext(ctx).Create(v).Error
}

func (b *PostgresBackend) DeleteVerification(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM verifications WHERE uri = $1 AND author_did = $2`, uri, ownerDid)
	return err
}

// PutGenericRecord upserts: replays and updates of unmodeled lexicons both
// overwrite in place.
func (b *PostgresBackend) PutGenericRecord(ctx context.Context, gr *models.GenericRecord) error {
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"cid", "record", "indexed"}),
	}).Create(gr).Error
}

func (b *PostgresBackend) DeleteGenericRecord(ctx context.Context, uri, ownerDid string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM generic_records WHERE uri = $1 AND did = $2`, uri, ownerDid)
	return err
}

// ApplyLabel relies on the unique (src, subject, val) index: the same label
// re-emitted under a new rkey comes back as a duplicate, not a second row.
func (b *PostgresBackend) ApplyLabel(ctx context.Context, l *models.Label) error {
	return b.quiet().WithContext(ctx).Create(l).Error
}

func (b *PostgresBackend) NegateLabel(ctx context.Context, src, subjectUri, val string) error {
	_, err := b.pgx.Exec(ctx, `UPDATE labels SET neg = TRUE, indexed = $4 WHERE src = $1 AND subject_uri = $2 AND val = $3`, src, subjectUri, val, time.Now())
	return err
}

func (b *PostgresBackend) DeleteLabel(ctx context.Context, uri, src string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM labels WHERE uri = $1 AND src = $2`, uri, src)
	return err
}

func (b *PostgresBackend) CreateQuote(ctx context.Context, q *models.Quote) error {
	return b.quiet().WithContext(ctx).Create(q).Error
}

func (b *PostgresBackend) GetQuote(ctx context.Context, uri string) (*models.Quote, error) {
	var q models.Quote
	row := b.pgx.QueryRow(ctx, `SELECT uri, author_did, subject_uri, created FROM quotes WHERE uri = $1`, uri)
	err := row.Scan(&q.Uri, &q.AuthorDid, &q.SubjectUri, &q.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &q, nil
}

func (b *PostgresBackend) DeleteQuote(ctx context.Context, uri string) error {
	_, err := b.pgx.Exec(ctx, `DELETE FROM quotes WHERE uri = $1`, uri)
	return err
}

func (b *PostgresBackend) CreateNotification(ctx context.Context, n *models.Notification) error {
	return b.quiet().WithContext(ctx).Create(n).Error
}
