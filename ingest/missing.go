package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/labstack/gommon/log"
)

const (
	fetchAttempts      = 3
	fetchRetryInterval = 30 * time.Second
	fetchTimeout       = 10 * time.Second
)

// RunMissingFetcher drains the enrichment queues: profiles flagged at user
// creation and posts that deferred ops are waiting on. Runs until the context
// ends.
func (ix *Ingester) RunMissingFetcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case did := <-ix.missingProfiles:
			if err := ix.fetchMissingProfile(ctx, did); err != nil {
				log.Warnf("failed to fetch missing profile %s: %s", did, err)
			}
		case uri := <-ix.missingPosts:
			if err := ix.fetchMissingPost(ctx, uri); err != nil {
				log.Warnf("failed to fetch missing post %s: %s", uri, err)
			}
		}
	}
}

func (ix *Ingester) fetchMissingProfile(ctx context.Context, did string) error {
	ident, err := ix.dir.ResolveIdentity(ctx, did)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", did, err)
	}

	c := &xrpc.Client{
		Host:   ident.PDSEndpoint,
		Client: &http.Client{Timeout: fetchTimeout},
	}

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, fetchRetryInterval) {
			return ctx.Err()
		}

		rec, err := atproto.RepoGetRecord(ctx, c, "", "app.bsky.actor.profile", did, "self")
		if err != nil {
			if isRecordNotFound(err) {
				// account has no profile record; the resolved handle
				// is all the enrichment there is
				return ix.finishEnrichment(ctx, did, ident.Handle)
			}
			lastErr = err
			continue
		}

		prof, ok := rec.Value.Val.(*bsky.ActorProfile)
		if !ok {
			return fmt.Errorf("record we got back wasnt a profile somehow")
		}

		buf := new(bytes.Buffer)
		if err := prof.MarshalCBOR(buf); err != nil {
			return err
		}

		rcid := ""
		if rec.Cid != nil {
			rcid = *rec.Cid
		}

		if err := ix.HandleCreateProfile(ctx, did, "self", buf.Bytes(), rcid); err != nil {
			return err
		}
		return ix.finishEnrichment(ctx, did, ident.Handle)
	}

	// degrade: the placeholder row stays, but carry the handle over if
	// resolution got one
	if ident.Handle != "" {
		if err := ix.store.UpsertUserHandle(ctx, did, ident.Handle); err != nil {
			log.Warnf("failed to update handle for %s: %s", did, err)
		}
	}
	return fmt.Errorf("profile fetch for %s failed after %d attempts: %w", did, fetchAttempts, lastErr)
}

func (ix *Ingester) finishEnrichment(ctx context.Context, did, handle string) error {
	if handle != "" {
		if err := ix.store.UpsertUserHandle(ctx, did, handle); err != nil {
			return err
		}
	}
	// release anything that parked on this DID while enrichment ran
	ix.userCreated(ctx, did)
	return nil
}

func (ix *Ingester) fetchMissingPost(ctx context.Context, uri string) error {
	puri, err := util.ParseAtUri(uri)
	if err != nil {
		return err
	}

	ident, err := ix.dir.ResolveIdentity(ctx, puri.Did)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", puri.Did, err)
	}

	c := &xrpc.Client{
		Host:   ident.PDSEndpoint,
		Client: &http.Client{Timeout: fetchTimeout},
	}

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, fetchRetryInterval) {
			return ctx.Err()
		}

		rec, err := atproto.RepoGetRecord(ctx, c, "", puri.Collection, puri.Did, puri.Rkey)
		if err != nil {
			if isRecordNotFound(err) {
				// the subject is gone for good, and so is
				// everything waiting on it
				for _, op := range ix.deferred.Flush(QueuePostOps, uri) {
					log.Debugf("discarding op %s pending on unfetchable post %s", op.Uri(), uri)
				}
				return nil
			}
			lastErr = err
			continue
		}

		post, ok := rec.Value.Val.(*bsky.FeedPost)
		if !ok {
			return fmt.Errorf("record at %s was not a post", uri)
		}

		buf := new(bytes.Buffer)
		if err := post.MarshalCBOR(buf); err != nil {
			return err
		}

		rcid := ""
		if rec.Cid != nil {
			rcid = *rec.Cid
		} else {
			rcid = SyntheticRecordCID(buf.Bytes(), puri.Did, puri.Collection+"/"+puri.Rkey)
		}

		// indexing the post flushes its pending likes and reposts
		return ix.HandleRecordOp(ctx, puri.Did, puri.Collection+"/"+puri.Rkey, "create", buf.Bytes(), rcid)
	}

	return fmt.Errorf("post fetch for %s failed after %d attempts: %w", uri, fetchAttempts, lastErr)
}

func isRecordNotFound(err error) bool {
	var xe *xrpc.Error
	if errors.As(err, &xe) && xe.StatusCode == 400 {
		return true
	}
	return strings.Contains(err.Error(), "RecordNotFound") ||
		strings.Contains(err.Error(), "Could not locate record")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
