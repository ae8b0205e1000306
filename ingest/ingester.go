package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	data "github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/bluesky-social/indigo/repo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/dollspace-gay/PublicAppView-sub002/models"
	"github.com/dollspace-gay/PublicAppView-sub002/resolver"
)

var tracer = otel.Tracer("ingest")

var handleOpHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "appview_handle_op_duration",
	Help:    "A histogram of op handling durations",
	Buckets: prometheus.ExponentialBuckets(1, 2, 15),
}, []string{"op", "collection"})

var usersCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "appview_users_created_total",
	Help: "User rows created from firehose or backfill traffic",
})

// PlaceholderHandle marks user rows created before their handle resolved.
const PlaceholderHandle = "handle.invalid"

const defaultMaxUserCreations = 10

// IdentityResolver is the slice of the resolver the processor needs.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, did string) (*resolver.Identity, error)
	Invalidate(did string)
}

type userFuture struct {
	done chan struct{}
	err  error
}

// Ingester is the event processor: it turns firehose ops into storage writes,
// parking anything whose prerequisite has not arrived yet in the deferred
// queues and deduplicating concurrent user creations per DID.
type Ingester struct {
	store Store
	dir   IdentityResolver

	deferred *DeferredOps

	pendingCreations map[string]*userFuture
	creationsLk      sync.Mutex
	createSem        *semaphore.Weighted

	// bulkMode suppresses the per-DID profile-enrichment fan-out during
	// network-wide imports.
	bulkMode atomic.Bool

	missingProfiles chan string
	missingPosts    chan string
}

func NewIngester(store Store, dir IdentityResolver, maxUserCreations int64) *Ingester {
	if maxUserCreations <= 0 {
		maxUserCreations = defaultMaxUserCreations
	}
	return &Ingester{
		store:            store,
		dir:              dir,
		deferred:         NewDeferredOps(),
		pendingCreations: make(map[string]*userFuture),
		createSem:        semaphore.NewWeighted(maxUserCreations),
		missingProfiles:  make(chan string, 4096),
		missingPosts:     make(chan string, 4096),
	}
}

// Deferred exposes the reconciler for the sweeper loop and the debug surface.
func (ix *Ingester) Deferred() *DeferredOps {
	return ix.deferred
}

// SetBulkMode toggles skip-PDS-fetching mode for bulk imports.
func (ix *Ingester) SetBulkMode(on bool) {
	ix.bulkMode.Store(on)
}

// HandleCommit processes one #commit frame: reads the op records out of the
// CAR slice and dispatches each op.
func (ix *Ingester) HandleCommit(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Commit) error {
	_, err := ix.HandleCommitCutoff(ctx, evt, time.Time{})
	return err
}

// HandleCommitCutoff is HandleCommit with a createdAt floor: create and
// update ops whose record claims a createdAt before the cutoff are counted
// and skipped instead of dispatched. Deletes carry no record and always run.
// A zero cutoff disables the filter.
func (ix *Ingester) HandleCommitCutoff(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Commit, cutoff time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "handleCommit")
	defer span.End()

	r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
	if err != nil {
		return 0, fmt.Errorf("failed to read event repo: %w", err)
	}

	var skipped int
	for _, op := range evt.Ops {
		switch op.Action {
		case "create", "update":
			c, rec, err := r.GetRecordBytes(ctx, op.Path)
			if err != nil {
				return skipped, fmt.Errorf("reading %s out of car: %w", op.Path, err)
			}
			if !cutoff.IsZero() && RecordBefore(*rec, cutoff) {
				skipped++
				continue
			}
			if err := ix.HandleRecordOp(ctx, evt.Repo, op.Path, op.Action, *rec, c.String()); err != nil {
				return skipped, fmt.Errorf("%s record failed: %w", op.Action, err)
			}
		case "delete":
			if err := ix.HandleDelete(ctx, evt.Repo, op.Path); err != nil {
				return skipped, fmt.Errorf("delete record failed: %w", err)
			}
		}
	}

	return skipped, nil
}

// RecordBefore reports whether the record's self-declared createdAt falls
// before the cutoff. Records that do not decode or carry no usable timestamp
// are treated as current and kept.
func RecordBefore(recb []byte, cutoff time.Time) bool {
	rec, err := data.UnmarshalCBOR(recb)
	if err != nil {
		return false
	}
	createdAt, _ := rec["createdAt"].(string)
	return recordCreatedAt(createdAt).Before(cutoff)
}

// HandleRecordOp applies a single create/update op. The record arrives as
// CBOR bytes plus its content address in textual form (real or synthetic, the
// handlers do not care which).
func (ix *Ingester) HandleRecordOp(ctx context.Context, did, path, action string, recb []byte, rcid string) error {
	start := time.Now()

	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return fmt.Errorf("invalid path in record op: %q", path)
	}
	col := parts[0]
	rkey := parts[1]

	defer func() {
		handleOpHist.WithLabelValues(action, col).Observe(float64(time.Since(start).Milliseconds()))
	}()

	forbidden, err := ix.store.DataCollectionForbidden(ctx, did)
	if err != nil {
		slog.Warn("opt-out lookup failed, allowing write", "did", did, "err", err)
	}
	if forbidden {
		return nil
	}

	if err := ix.EnsureUser(ctx, did); err != nil {
		// park the whole op until a creation for this DID succeeds
		ix.deferred.Enqueue(QueueUserCreations, did, &PendingOp{
			Did:        did,
			Collection: col,
			Rkey:       rkey,
			Action:     action,
			Cid:        rcid,
			Record:     recb,
		})
		slog.Warn("user creation failed, op deferred", "did", did, "path", path, "err", err)
		return nil
	}

	err = ix.dispatchCreateRecord(ctx, did, col, rkey, recb, rcid, action)
	if errors.Is(err, ErrInvalidRecord) {
		slog.Debug("dropping malformed record", "did", did, "path", path, "err", err)
		return nil
	}
	return err
}

func (ix *Ingester) dispatchCreateRecord(ctx context.Context, did, col, rkey string, recb []byte, rcid, action string) error {
	switch col {
	case "app.bsky.feed.post":
		return ix.HandleCreatePost(ctx, did, rkey, recb, rcid)
	case "app.bsky.feed.like":
		return ix.HandleCreateLike(ctx, did, rkey, recb, rcid)
	case "app.bsky.feed.repost":
		return ix.HandleCreateRepost(ctx, did, rkey, recb, rcid)
	case "app.bsky.bookmark":
		return ix.HandleCreateBookmark(ctx, did, rkey, recb, rcid)
	case "app.bsky.graph.follow":
		return ix.HandleCreateFollow(ctx, did, rkey, recb, rcid)
	case "app.bsky.graph.block":
		return ix.HandleCreateBlock(ctx, did, rkey, recb, rcid)
	case "app.bsky.graph.list":
		return ix.HandleCreateList(ctx, did, rkey, recb, rcid)
	case "app.bsky.graph.listitem":
		return ix.HandleCreateListitem(ctx, did, rkey, recb, rcid)
	case "app.bsky.actor.profile":
		return ix.HandleCreateProfile(ctx, did, rkey, recb, rcid)
	case "app.bsky.feed.generator":
		return ix.HandleCreateFeedGenerator(ctx, did, rkey, recb, rcid)
	case "app.bsky.feed.threadgate":
		return ix.HandleCreateThreadgate(ctx, did, rkey, recb, rcid)
	case "app.bsky.feed.postgate":
		return ix.HandleCreatePostGate(ctx, did, rkey, recb, rcid)
	case "app.bsky.graph.starterpack":
		return ix.HandleCreateStarterPack(ctx, did, rkey, recb, rcid)
	case "app.bsky.labeler.service":
		return ix.HandleCreateLabelerService(ctx, did, rkey, recb, rcid)
	case "app.bsky.graph.verification":
		return ix.HandleCreateVerification(ctx, did, rkey, recb, rcid)
	case "com.atproto.label.label", "app.bsky.labeler.label":
		return ix.HandleCreateLabel(ctx, did, col, rkey, recb)
	default:
		return ix.HandleCreateGenericRecord(ctx, did, col, rkey, recb, rcid)
	}
}

// EnsureUser guarantees a user row exists for the DID before any dependent
// write. Concurrent callers for the same DID share a single in-flight
// creation; actual inserts are gated by the creation semaphore so a flood of
// new DIDs cannot saturate the connection pool.
func (ix *Ingester) EnsureUser(ctx context.Context, did string) error {
	u, err := ix.store.GetUser(ctx, did)
	if err != nil {
		return err
	}
	if u != nil {
		return nil
	}

	ix.creationsLk.Lock()
	if fut, ok := ix.pendingCreations[did]; ok {
		ix.creationsLk.Unlock()
		select {
		case <-fut.done:
			return fut.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fut := &userFuture{done: make(chan struct{})}
	ix.pendingCreations[did] = fut
	ix.creationsLk.Unlock()

	fut.err = ix.createUser(ctx, did)
	close(fut.done)

	ix.creationsLk.Lock()
	delete(ix.pendingCreations, did)
	ix.creationsLk.Unlock()

	if fut.err == nil {
		ix.userCreated(ctx, did)
	}
	return fut.err
}

func (ix *Ingester) createUser(ctx context.Context, did string) error {
	if err := ix.createSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer ix.createSem.Release(1)

	// a parallel process may have won the race while we waited
	u, err := ix.store.GetUser(ctx, did)
	if err != nil {
		return err
	}
	if u != nil {
		return nil
	}

	now := time.Now()
	err = ix.store.CreateUser(ctx, &models.User{
		Did:     did,
		Handle:  PlaceholderHandle,
		Active:  true,
		Created: now,
		Indexed: now,
	})
	if err != nil && !isDuplicate(err) {
		return err
	}
	usersCreated.Inc()

	ix.flagMissingProfile(did)
	return nil
}

// userCreated replays everything parked on this DID now that the row exists.
func (ix *Ingester) userCreated(ctx context.Context, did string) {
	ix.replayOps(ctx, ix.deferred.Flush(QueueUserOps, did))
	ix.replayOps(ctx, ix.deferred.Flush(QueueUserCreations, did))
}

// replayOps reruns parked ops through the normal dispatch path. Failures
// other than a still-missing prerequisite drop the op with a log line; a
// still-missing prerequisite re-parks it via the handler's own deferral.
func (ix *Ingester) replayOps(ctx context.Context, ops []*PendingOp) {
	for _, op := range ops {
		if err := ix.dispatchCreateRecord(ctx, op.Did, op.Collection, op.Rkey, op.Record, op.Cid, op.Action); err != nil {
			if errors.Is(err, ErrInvalidRecord) {
				continue
			}
			slog.Warn("dropping deferred op", "uri", op.Uri(), "err", err)
		}
	}
}

// HandleIdentityEvent upserts the handle for a DID from a #identity frame.
// Frames without a handle trigger a directory resolution.
func (ix *Ingester) HandleIdentityEvent(ctx context.Context, did string, handle *string) error {
	ix.dir.Invalidate(did)

	h := ""
	if handle != nil {
		h = *handle
	}
	if h == "" {
		ident, err := ix.dir.ResolveIdentity(ctx, did)
		if err != nil {
			slog.Warn("identity event resolution failed", "did", did, "err", err)
			h = PlaceholderHandle
		} else {
			h = ident.Handle
		}
	}

	return ix.store.UpsertUserHandle(ctx, did, h)
}

// HandleAccountEvent records account state flips from #account frames.
// Records are kept either way; only the active flag and status change.
func (ix *Ingester) HandleAccountEvent(ctx context.Context, did string, active bool, status *string) error {
	if err := ix.EnsureUser(ctx, did); err != nil {
		return err
	}
	return ix.store.SetAccountActive(ctx, did, active, status)
}

// RetryPending re-tests each deferred queue's prerequisites against storage
// and flushes the ones that now exist. Called periodically and after backfill
// milestones.
func (ix *Ingester) RetryPending(ctx context.Context) {
	for _, uri := range ix.deferred.Prereqs(QueuePostOps) {
		p, err := ix.store.GetPost(ctx, uri)
		if err != nil || p == nil {
			continue
		}
		ix.replayOps(ctx, ix.deferred.Flush(QueuePostOps, uri))
	}
	for _, did := range ix.deferred.Prereqs(QueueUserOps) {
		u, err := ix.store.GetUser(ctx, did)
		if err != nil || u == nil {
			continue
		}
		ix.replayOps(ctx, ix.deferred.Flush(QueueUserOps, did))
	}
	for _, did := range ix.deferred.Prereqs(QueueUserCreations) {
		u, err := ix.store.GetUser(ctx, did)
		if err != nil || u == nil {
			continue
		}
		ix.replayOps(ctx, ix.deferred.Flush(QueueUserCreations, did))
	}
	for _, uri := range ix.deferred.Prereqs(QueueListItems) {
		l, err := ix.store.GetList(ctx, uri)
		if err != nil || l == nil {
			continue
		}
		ix.replayOps(ctx, ix.deferred.Flush(QueueListItems, uri))
	}
}

// The flag helpers no-op in bulk mode: a network walk parks ops against
// repos it has not reached yet, and fetching each one individually would
// defeat the point of walking repos whole.
func (ix *Ingester) flagMissingProfile(did string) {
	if ix.bulkMode.Load() {
		return
	}
	select {
	case ix.missingProfiles <- did:
	default:
		slog.Debug("missing profile queue full, skipping enrichment", "did", did)
	}
}

func (ix *Ingester) flagMissingPost(uri string) {
	if ix.bulkMode.Load() {
		return
	}
	select {
	case ix.missingPosts <- uri:
	default:
		slog.Debug("missing post queue full, skipping fetch", "uri", uri)
	}
}
