package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/repo"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dollspace-gay/PublicAppView-sub002/ingest"
	"github.com/dollspace-gay/PublicAppView-sub002/resolver"
)

const (
	networkBackfillService = "backfill-network"

	// repo page listings are small; only the CAR bodies warrant the long
	// client timeout
	listReposTimeout = 10 * time.Second
)

var tracer = otel.Tracer("backfill")

var repoBackfillRecords = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repo_backfill_records_total",
	Help: "Records replayed out of fetched repo CARs",
})

var repoBackfillSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repo_backfill_repos_skipped_total",
	Help: "Repos skipped during backfill",
}, []string{"reason"})

// RepoBackfill rebuilds accounts from their canonical repos: a full CAR per
// account fetched straight from its PDS, or one collection paged over xrpc.
type RepoBackfill struct {
	ix    *ingest.Ingester
	store ingest.Store
	dir   *resolver.Resolver

	relayHost string
	pdsHost   string

	// zero cutoff replays everything; otherwise records whose createdAt
	// predates it are skipped
	cutoff time.Time

	maxConcurrent int64
	limiter       *rate.Limiter
	client        *http.Client
}

func newRepoBackfill(cctx *cli.Context, svc *services) *RepoBackfill {
	maxConcurrent := cctx.Int64("backfill-max-concurrent")
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &RepoBackfill{
		ix:            svc.ix,
		store:         svc.store,
		dir:           svc.dir,
		relayHost:     cctx.String("relay-url"),
		pdsHost:       cctx.String("pds-host"),
		cutoff:        cutoffFromDays(cctx.Int("backfill-days")),
		maxConcurrent: maxConcurrent,
		limiter:       rate.NewLimiter(rate.Limit(maxConcurrent), int(maxConcurrent)*2),
		client: &http.Client{
			Timeout:   10 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// pdsEndpoint finds the host serving a DID's repo, falling back to the
// configured PDS when the directory has no endpoint for it.
func (b *RepoBackfill) pdsEndpoint(ctx context.Context, did string) (string, error) {
	ident, err := b.dir.ResolveIdentity(ctx, did)
	if err != nil {
		if b.pdsHost != "" {
			return b.pdsHost, nil
		}
		return "", fmt.Errorf("resolving %s: %w", did, err)
	}
	if ident.PDSEndpoint == "" {
		if b.pdsHost != "" {
			return b.pdsHost, nil
		}
		return "", fmt.Errorf("no pds endpoint for %s", did)
	}
	if !resolver.SafeURL(ident.PDSEndpoint) {
		return "", fmt.Errorf("refusing unsafe pds endpoint %q for %s", ident.PDSEndpoint, did)
	}
	return ident.PDSEndpoint, nil
}

// BackfillRepo fetches one repo's full CAR and replays every record through
// the normal create path. Per-record failures are logged and skipped so one
// bad block cannot sink the rest of the repo.
func (b *RepoBackfill) BackfillRepo(ctx context.Context, did string) error {
	ctx, span := tracer.Start(ctx, "backfillRepo")
	defer span.End()

	endpoint, err := b.pdsEndpoint(ctx, did)
	if err != nil {
		return err
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	c := &xrpc.Client{
		Host:   endpoint,
		Client: b.client,
	}

	slog.Info("backfilling repo", "did", did, "pds", endpoint)

	repob, err := atproto.SyncGetRepo(ctx, c, did, "")
	if err != nil {
		if reason, skip := repoUnavailable(err); skip {
			repoBackfillSkipped.WithLabelValues(reason).Inc()
			slog.Debug("skipping unavailable repo", "did", did, "reason", reason)
			return nil
		}
		return fmt.Errorf("fetching repo %s: %w", did, err)
	}

	rep, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(repob))
	if err != nil {
		return fmt.Errorf("reading repo car for %s: %w", did, err)
	}

	var count int64
	err = rep.ForEach(ctx, "", func(k string, v cid.Cid) error {
		blk, err := rep.Blockstore().Get(ctx, v)
		if err != nil {
			slog.Error("record missing in repo", "path", k, "cid", v, "err", err)
			return nil
		}

		recb := blk.RawData()
		if !b.cutoff.IsZero() && ingest.RecordBefore(recb, b.cutoff) {
			backfillRecordsSkipped.Inc()
			return nil
		}

		rcid := v.String()
		if !v.Defined() {
			rcid = ingest.SyntheticRecordCID(recb, did, k)
		}

		if err := b.ix.HandleRecordOp(ctx, did, k, "create", recb, rcid); err != nil {
			slog.Error("failed to index record", "path", k, "cid", v, "err", err)
			return nil
		}

		count++
		repoBackfillRecords.Inc()
		if count%1000 == 0 {
			b.saveRepoProgress(ctx, did, count)
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.saveRepoProgress(ctx, did, count)
	slog.Info("repo backfill complete", "did", did, "records", count)
	return nil
}

func (b *RepoBackfill) saveRepoProgress(ctx context.Context, did string, count int64) {
	if err := b.store.SaveFirehoseCursor(ctx, "repo:"+did, strconv.FormatInt(count, 10), time.Now()); err != nil {
		slog.Error("failed to store repo backfill progress", "did", did, "err", err)
	}
}

// BackfillNetwork walks the relay's repo listing and replays every active
// repo. Bulk mode keeps the per-user profile enrichment from flooding the
// fetcher; RetryPending passes between pages drain what ordering parked.
func (b *RepoBackfill) BackfillNetwork(ctx context.Context) error {
	b.ix.SetBulkMode(true)
	defer b.ix.SetBulkMode(false)

	c := &xrpc.Client{
		Host:   "https://" + b.relayHost,
		Client: b.client,
	}

	var cursor string
	fc, err := b.store.GetFirehoseCursor(ctx, networkBackfillService)
	if err != nil {
		return fmt.Errorf("loading network backfill cursor: %w", err)
	}
	if fc != nil {
		cursor = fc.Cursor
	}

	sem := semaphore.NewWeighted(b.maxConcurrent)
	var reposDone, reposFailed int64

	for {
		if ctx.Err() != nil {
			return nil
		}

		lctx, cancel := context.WithTimeout(ctx, listReposTimeout)
		resp, err := atproto.SyncListRepos(lctx, c, cursor, 1000)
		cancel()
		if err != nil {
			return fmt.Errorf("listing repos: %w", err)
		}

		for _, r := range resp.Repos {
			if r.Active != nil && !*r.Active {
				repoBackfillSkipped.WithLabelValues("inactive").Inc()
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			did := r.Did
			go func() {
				defer sem.Release(1)
				if err := b.BackfillRepo(ctx, did); err != nil {
					slog.Warn("repo backfill failed", "did", did, "err", err)
					atomic.AddInt64(&reposFailed, 1)
					return
				}
				atomic.AddInt64(&reposDone, 1)
			}()
		}

		// drain the page's stragglers before moving the cursor
		if err := sem.Acquire(ctx, b.maxConcurrent); err != nil {
			return nil
		}
		sem.Release(b.maxConcurrent)

		if resp.Cursor == nil || *resp.Cursor == "" || len(resp.Repos) == 0 {
			break
		}
		cursor = *resp.Cursor

		if err := b.store.SaveFirehoseCursor(ctx, networkBackfillService, cursor, time.Now()); err != nil {
			slog.Error("failed to store network backfill cursor", "err", err)
		}

		b.ix.RetryPending(ctx)
	}

	slog.Info("network backfill complete",
		"repos", atomic.LoadInt64(&reposDone), "failed", atomic.LoadInt64(&reposFailed))
	b.ix.RetryPending(ctx)
	return nil
}

// BackfillCollection pages one collection out of a repo over xrpc and plays
// each record through the normal create path. Useful when a single lexicon
// needs reindexing without pulling whole CARs.
func (b *RepoBackfill) BackfillCollection(ctx context.Context, did, collection string) error {
	endpoint, err := b.pdsEndpoint(ctx, did)
	if err != nil {
		return err
	}

	c := &xrpc.Client{
		Host:   endpoint,
		Client: b.client,
	}

	slog.Info("backfilling collection", "did", did, "collection", collection, "pds", endpoint)

	var count int64
	var cursor string
	for {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}

		resp, err := atproto.RepoListRecords(ctx, c, collection, cursor, 100, did, false)
		if err != nil {
			if reason, skip := repoUnavailable(err); skip {
				repoBackfillSkipped.WithLabelValues(reason).Inc()
				return nil
			}
			return fmt.Errorf("listing %s for %s: %w", collection, did, err)
		}

		for _, rec := range resp.Records {
			if rec.Value == nil || rec.Value.Val == nil {
				slog.Debug("skipping undecodable record", "uri", rec.Uri)
				continue
			}

			puri, err := syntax.ParseATURI(rec.Uri)
			if err != nil {
				slog.Debug("skipping record with bad uri", "uri", rec.Uri, "err", err)
				continue
			}
			path := collection + "/" + puri.RecordKey().String()

			buf := new(bytes.Buffer)
			if err := rec.Value.Val.MarshalCBOR(buf); err != nil {
				slog.Debug("skipping unmarshalable record", "uri", rec.Uri, "err", err)
				continue
			}
			recb := buf.Bytes()

			if !b.cutoff.IsZero() && ingest.RecordBefore(recb, b.cutoff) {
				backfillRecordsSkipped.Inc()
				continue
			}

			rcid := rec.Cid
			if rcid == "" {
				rcid = ingest.SyntheticRecordCID(recb, did, path)
			}

			if err := b.ix.HandleRecordOp(ctx, did, path, "create", recb, rcid); err != nil {
				slog.Error("failed to index record", "uri", rec.Uri, "err", err)
				continue
			}
			count++
			repoBackfillRecords.Inc()
		}

		if resp.Cursor == nil || len(resp.Records) == 0 {
			break
		}
		cursor = *resp.Cursor
	}

	slog.Info("collection backfill complete", "did", did, "collection", collection, "records", count)
	return nil
}

// repoUnavailable classifies fetch failures that mean the repo has nothing
// to give us, now or ever. Those are skips, not errors.
func repoUnavailable(err error) (string, bool) {
	var xe *xrpc.Error
	if errors.As(err, &xe) && xe.StatusCode == 404 {
		return "not-found", true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "Could not find repo"):
		return "not-found", true
	case strings.Contains(msg, "RepoDeactivated"):
		return "deactivated", true
	case strings.Contains(msg, "RepoTakendown"):
		return "takendown", true
	case strings.Contains(msg, "RepoSuspended"):
		return "suspended", true
	}
	return "", false
}
