package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/cmd/relay/stream"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/urfave/cli/v2"

	"github.com/dollspace-gay/PublicAppView-sub002/ingest"
)

const backfillService = "backfill"

var backfillEventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backfill_events_processed_total",
	Help: "Commits replayed by the relay backfill",
})

var backfillRecordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "backfill_records_skipped_total",
	Help: "Records dropped during backfill for predating the cutoff",
})

var errBackfillDone = errors.New("backfill event budget reached")

// RelayBackfill replays history out of the relay's event buffer on a second
// subscription, paced so it never competes with the live tail for the
// database. Progress survives restarts as "<seq>|<events>" in one cursor row.
type RelayBackfill struct {
	host  string
	ix    *ingest.Ingester
	store ingest.Store

	days        int
	batchSize   int64
	batchDelay  time.Duration
	maxMemoryMB uint64
	maxEvents   int64
	startCursor int64

	// non-nil busy gates reads on the live queue being drained
	busy func() bool

	seq    int64
	events int64
}

func newRelayBackfill(cctx *cli.Context, svc *services) *RelayBackfill {
	batchSize := cctx.Int64("backfill-batch-size")
	if batchSize < 1 {
		batchSize = 1
	}

	return &RelayBackfill{
		host:        cctx.String("relay-url"),
		ix:          svc.ix,
		store:       svc.store,
		days:        cctx.Int("backfill-days"),
		batchSize:   batchSize,
		batchDelay:  time.Duration(cctx.Int("backfill-batch-delay-ms")) * time.Millisecond,
		maxMemoryMB: cctx.Uint64("backfill-max-memory-mb"),
		maxEvents:   cctx.Int64("backfill-max-events"),
		startCursor: cctx.Int64("start-cursor"),
	}
}

func (b *RelayBackfill) Run(ctx context.Context) error {
	if b.days == 0 {
		return fmt.Errorf("backfill disabled (days = 0)")
	}
	cutoff := cutoffFromDays(b.days)

	fc, err := b.store.GetFirehoseCursor(ctx, backfillService)
	if err != nil {
		return fmt.Errorf("loading backfill cursor: %w", err)
	}
	if fc != nil {
		b.seq, b.events = decodeBackfillCursor(fc.Cursor)
	}
	if b.startCursor >= 0 {
		b.seq = b.startCursor
	}

	slog.Info("starting relay backfill",
		"host", b.host, "cursor", b.seq, "alreadyProcessed", b.events, "cutoff", cutoff)

	var failures int
	for {
		start := time.Now()
		err := b.replayOnce(ctx, cutoff)
		b.saveProgress(context.Background())

		if errors.Is(err, errBackfillDone) {
			slog.Info("relay backfill finished", "events", b.events)
			b.ix.RetryPending(context.Background())
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		slog.Error("backfill connection lost",
			"host", b.host, "category", categorizeStreamError(err), "err", err)

		if time.Since(start) > failureTimeInterval {
			failures = 0
		} else {
			failures++
		}

		delay := delayForFailureCount(failures)
		slog.Warn("retrying backfill connection after delay", "host", b.host, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func delayForFailureCount(n int) time.Duration {
	if n < 5 {
		return (time.Second * 5) + (time.Second * 2 * time.Duration(n))
	}

	return time.Second * 30
}

func (b *RelayBackfill) replayOnce(ctx context.Context, cutoff time.Time) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	urlStr := fmt.Sprintf("wss://%s/xrpc/com.atproto.sync.subscribeRepos?cursor=%d", b.host, b.seq)

	d := websocket.DefaultDialer
	con, _, err := d.Dial(urlStr, http.Header{
		"User-Agent": []string{"appview-ingester-backfill/0.0.1"},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	rsc := &stream.RepoStreamCallbacks{
		RepoCommit: func(evt *comatproto.SyncSubscribeRepos_Commit) error {
			if b.busy != nil {
				for b.busy() {
					if err := sleepCtx(ctx, time.Second); err != nil {
						return err
					}
				}
			}

			skipped, err := b.ix.HandleCommitCutoff(ctx, evt, cutoff)
			if skipped > 0 {
				backfillRecordsSkipped.Add(float64(skipped))
			}
			if err != nil {
				slog.Warn("backfill commit failed", "repo", evt.Repo, "seq", evt.Seq, "err", err)
			}

			b.seq = evt.Seq
			b.events++
			backfillEventsProcessed.Inc()

			if b.events%b.batchSize == 0 {
				if err := sleepCtx(ctx, b.batchDelay); err != nil {
					return err
				}
			}
			if b.events%100 == 0 {
				if err := b.memoryGuard(ctx); err != nil {
					return err
				}
			}
			if b.events%1000 == 0 {
				b.saveProgress(ctx)
			}
			if b.events >= b.maxEvents {
				return errBackfillDone
			}
			return nil
		},
		RepoIdentity: func(evt *comatproto.SyncSubscribeRepos_Identity) error {
			if err := b.ix.HandleIdentityEvent(ctx, evt.Did, evt.Handle); err != nil {
				slog.Warn("backfill identity event failed", "did", evt.Did, "err", err)
			}
			b.seq = evt.Seq
			return nil
		},
		RepoAccount: func(evt *comatproto.SyncSubscribeRepos_Account) error {
			if err := b.ix.HandleAccountEvent(ctx, evt.Did, evt.Active, evt.Status); err != nil {
				slog.Warn("backfill account event failed", "did", evt.Did, "err", err)
			}
			b.seq = evt.Seq
			return nil
		},
		RepoInfo: func(info *comatproto.SyncSubscribeRepos_Info) error {
			return nil
		},
		Error: func(errf *stream.ErrorFrame) error {
			return fmt.Errorf("error frame: %s: %s", errf.Error, errf.Message)
		},
	}

	// sequential on purpose: the batch pacing below has to slow the reads
	// themselves, and the cursor row assumes in-order progress
	return stream.HandleRepoStream(ctx, con, &inlineScheduler{do: rsc.EventHandler}, slog.Default())
}

// memoryGuard pauses the replay when the heap crosses the budget, giving the
// collector room before reads resume.
func (b *RelayBackfill) memoryGuard(ctx context.Context) error {
	if b.maxMemoryMB == 0 {
		return nil
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc>>20 <= b.maxMemoryMB {
		return nil
	}

	slog.Warn("backfill heap over budget, pausing", "heapMB", ms.HeapAlloc>>20, "budgetMB", b.maxMemoryMB)
	if err := sleepCtx(ctx, 5*time.Second); err != nil {
		return err
	}
	runtime.GC()

	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc>>20 > b.maxMemoryMB {
		return sleepCtx(ctx, 10*time.Second)
	}
	return nil
}

func (b *RelayBackfill) saveProgress(ctx context.Context) {
	if err := b.store.SaveFirehoseCursor(ctx, backfillService, encodeBackfillCursor(b.seq, b.events), time.Now()); err != nil {
		slog.Error("failed to store backfill cursor", "seq", b.seq, "err", err)
	}
}

// inlineScheduler runs every frame on the stream's read loop.
type inlineScheduler struct {
	do func(context.Context, *stream.XRPCStreamEvent) error
}

func (s *inlineScheduler) AddWork(ctx context.Context, repo string, evt *stream.XRPCStreamEvent) error {
	return s.do(ctx, evt)
}

func (s *inlineScheduler) Shutdown() {}

// encodeBackfillCursor packs the relay sequence and the cumulative event
// count into one cursor row.
func encodeBackfillCursor(seq, events int64) string {
	return fmt.Sprintf("%d|%d", seq, events)
}

func decodeBackfillCursor(s string) (seq, events int64) {
	seqs, evs, found := strings.Cut(s, "|")
	seq, _ = strconv.ParseInt(seqs, 10, 64)
	if found {
		events, _ = strconv.ParseInt(evs, 10, 64)
	}
	return seq, events
}

func cutoffFromDays(days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return time.Now().AddDate(0, 0, -days)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
