package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/cmd/relay/stream"
	jsclient "github.com/bluesky-social/jetstream/pkg/client"
	jsparallel "github.com/bluesky-social/jetstream/pkg/client/schedulers/parallel"
	jsmodels "github.com/bluesky-social/jetstream/pkg/models"
	"github.com/gorilla/websocket"

	"github.com/dollspace-gay/PublicAppView-sub002/dispatch"
	"github.com/dollspace-gay/PublicAppView-sub002/ingest"
)

const (
	firehoseService  = "firehose"
	jetstreamService = "jetstream"

	cursorFlushInterval = 5 * time.Second
	watchdogTimeout     = 30 * time.Second

	// a connection that survived this long counts as stable and resets
	// the reconnect backoff
	failureTimeInterval = 5 * time.Second
	maxReconnectDelay   = 30 * time.Second
)

// Firehose tails a relay's com.atproto.sync.subscribeRepos stream and feeds
// every frame through the ingester, reconnecting until the context dies or
// the relay rejects the subscription outright.
type Firehose struct {
	Host          string
	MaxConcurrent int
	HighWater     int
	MemBudgetMB   uint64

	ix    *ingest.Ingester
	store ingest.Store

	seqLk   sync.Mutex
	seq     int64
	evtTime time.Time
	dirty   bool

	queueLk sync.Mutex
	queue   *dispatch.Queue
}

func (f *Firehose) Run(ctx context.Context) error {
	delay := time.Second
	for {
		start := time.Now()
		err := f.tailOnce(ctx)
		if ctx.Err() != nil {
			f.flushCursor(context.Background())
			return nil
		}

		category := categorizeStreamError(err)
		if category == errCategoryAuth {
			f.flushCursor(context.Background())
			return fmt.Errorf("relay refused our subscription: %w", err)
		}
		slog.Error("firehose connection lost", "host", f.Host, "category", category, "err", err)

		if time.Since(start) > failureTimeInterval {
			delay = time.Second
		}

		slog.Warn("retrying connection after delay", "host", f.Host, "delay", delay)
		select {
		case <-ctx.Done():
			f.flushCursor(context.Background())
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *Firehose) tailOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	curs, err := f.resumeCursor(ctx)
	if err != nil {
		return err
	}

	slog.Info("starting live tail", "host", f.Host, "cursor", curs)

	urlStr := fmt.Sprintf("wss://%s/xrpc/com.atproto.sync.subscribeRepos", f.Host)
	if curs > 0 {
		urlStr = fmt.Sprintf("%s?cursor=%d", urlStr, curs)
	}

	d := websocket.DefaultDialer
	con, _, err := d.Dial(urlStr, http.Header{
		"User-Agent": []string{"appview-ingester/0.0.1"},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	var lelk sync.Mutex
	lastEvent := time.Now()
	touch := func() {
		lelk.Lock()
		lastEvent = time.Now()
		lelk.Unlock()
	}

	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				lelk.Lock()
				let := lastEvent
				lelk.Unlock()

				if time.Since(let) > watchdogTimeout {
					slog.Error("firehose connection timed out")
					con.Close()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		tick := time.NewTicker(cursorFlushInterval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				f.flushCursor(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	rsc := &stream.RepoStreamCallbacks{
		RepoCommit: func(evt *comatproto.SyncSubscribeRepos_Commit) error {
			ctx := context.Background()

			firehoseCursorGauge.WithLabelValues("ingest").Set(float64(evt.Seq))

			if err := f.ix.HandleCommit(ctx, evt); err != nil {
				return fmt.Errorf("handle commit (%s,%d): %w", evt.Repo, evt.Seq, err)
			}

			f.advance(evt.Seq, evt.Time)
			return nil
		},
		RepoIdentity: func(evt *comatproto.SyncSubscribeRepos_Identity) error {
			if err := f.ix.HandleIdentityEvent(context.Background(), evt.Did, evt.Handle); err != nil {
				return fmt.Errorf("handle identity (%s,%d): %w", evt.Did, evt.Seq, err)
			}
			f.advance(evt.Seq, evt.Time)
			return nil
		},
		RepoAccount: func(evt *comatproto.SyncSubscribeRepos_Account) error {
			if err := f.ix.HandleAccountEvent(context.Background(), evt.Did, evt.Active, evt.Status); err != nil {
				return fmt.Errorf("handle account (%s,%d): %w", evt.Did, evt.Seq, err)
			}
			f.advance(evt.Seq, evt.Time)
			return nil
		},
		RepoInfo: func(info *comatproto.SyncSubscribeRepos_Info) error {
			return nil
		},
		Error: func(errf *stream.ErrorFrame) error {
			return fmt.Errorf("error frame: %s: %s", errf.Error, errf.Message)
		},
	}

	q := dispatch.NewQueue(f.MaxConcurrent, f.HighWater, con.RemoteAddr().String(), rsc.EventHandler)
	q.MemoryBudgetMB = f.MemBudgetMB
	f.setQueue(q)

	err = stream.HandleRepoStream(ctx, con, &watchedQueue{q: q, touch: touch}, slog.Default())
	q.Shutdown()
	f.flushCursor(context.Background())
	return err
}

// advance records a fully-processed event for the next cursor flush. Events
// finish out of order across workers; only forward movement is kept.
func (f *Firehose) advance(seq int64, evtTime string) {
	f.seqLk.Lock()
	if seq > f.seq {
		f.seq = seq
		f.evtTime = parseEventTime(evtTime)
		f.dirty = true
		firehoseCursorGauge.WithLabelValues("complete").Set(float64(seq))
	}
	f.seqLk.Unlock()
}

// flushCursor persists the in-memory position if it moved since the last
// write. Losing up to one flush interval of progress is acceptable; replayed
// events land on idempotent writes.
func (f *Firehose) flushCursor(ctx context.Context) {
	f.seqLk.Lock()
	seq, evtTime, dirty := f.seq, f.evtTime, f.dirty
	f.dirty = false
	f.seqLk.Unlock()

	if !dirty {
		return
	}

	if err := f.store.SaveFirehoseCursor(ctx, firehoseService, strconv.FormatInt(seq, 10), evtTime); err != nil {
		slog.Error("failed to store firehose cursor", "seq", seq, "err", err)
		f.seqLk.Lock()
		f.dirty = true
		f.seqLk.Unlock()
	}
}

// resumeCursor prefers the in-memory position (a reconnect within one
// process) over the persisted row, which can lag a flush interval behind.
func (f *Firehose) resumeCursor(ctx context.Context) (int64, error) {
	f.seqLk.Lock()
	mem := f.seq
	f.seqLk.Unlock()
	if mem > 0 {
		return mem, nil
	}

	fc, err := f.store.GetFirehoseCursor(ctx, firehoseService)
	if err != nil {
		return 0, fmt.Errorf("loading firehose cursor: %w", err)
	}
	if fc == nil {
		return 0, nil
	}

	seq, err := strconv.ParseInt(fc.Cursor, 10, 64)
	if err != nil {
		slog.Warn("unparseable firehose cursor, starting from live", "cursor", fc.Cursor)
		return 0, nil
	}
	return seq, nil
}

func (f *Firehose) setQueue(q *dispatch.Queue) {
	f.queueLk.Lock()
	f.queue = q
	f.queueLk.Unlock()
}

// QueueStats reports the live dispatch queue's state, zeroes when no
// connection is up.
func (f *Firehose) QueueStats() (active, backlogged int, dropped uint64) {
	f.queueLk.Lock()
	q := f.queue
	f.queueLk.Unlock()
	if q == nil {
		return 0, 0, 0
	}
	return q.Stats()
}

// Busy reports whether live traffic is waiting on workers. The relay
// backfill polls this when configured to only use idle capacity.
func (f *Firehose) Busy() bool {
	_, backlogged, _ := f.QueueStats()
	return backlogged > 0
}

// watchedQueue stamps the connection watchdog on every frame the stream
// hands over, before the event waits for a worker.
type watchedQueue struct {
	q     *dispatch.Queue
	touch func()
}

func (w *watchedQueue) AddWork(ctx context.Context, repo string, evt *stream.XRPCStreamEvent) error {
	w.touch()
	return w.q.AddWork(ctx, repo, evt)
}

func (w *watchedQueue) Shutdown() {
	w.q.Shutdown()
}

// RunJetstream tails a jetstream instance instead of a raw relay. Jetstream
// cursors are microsecond timestamps rather than relay sequence numbers, so
// the position lives under its own service name.
func (f *Firehose) RunJetstream(ctx context.Context) error {
	delay := time.Second
	for {
		start := time.Now()
		err := f.jetstreamOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		category := categorizeStreamError(err)
		if category == errCategoryAuth {
			return fmt.Errorf("jetstream refused our subscription: %w", err)
		}
		slog.Error("jetstream connection lost", "host", f.Host, "category", category, "err", err)

		if time.Since(start) > failureTimeInterval {
			delay = time.Second
		}

		slog.Warn("retrying jetstream connection after delay", "host", f.Host, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *Firehose) jetstreamOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cursor int64
	fc, err := f.store.GetFirehoseCursor(ctx, jetstreamService)
	if err != nil {
		return fmt.Errorf("loading jetstream cursor: %w", err)
	}
	if fc != nil {
		cursor, err = strconv.ParseInt(fc.Cursor, 10, 64)
		if err != nil {
			slog.Warn("unparseable jetstream cursor, starting from live", "cursor", fc.Cursor)
			cursor = 0
		}
	}

	slog.Info("starting jetstream tail", "host", f.Host, "cursor", cursor)

	lastStored := int64(0)
	sched := jsparallel.NewScheduler(
		f.MaxConcurrent,
		f.Host,
		slog.Default(),
		func(ctx context.Context, event *jsmodels.Event) error {
			firehoseCursorGauge.WithLabelValues("ingest").Set(float64(event.TimeUS))

			if err := f.ix.HandleJetstreamEvent(ctx, event); err != nil {
				return fmt.Errorf("handle event (%s,%d): %w", event.Did, event.TimeUS, err)
			}

			f.seqLk.Lock()
			if event.TimeUS > f.seq {
				f.seq = event.TimeUS
				if event.TimeUS-lastStored > 1_000_000 {
					if err := f.store.SaveFirehoseCursor(ctx, jetstreamService, strconv.FormatInt(event.TimeUS, 10), time.UnixMicro(event.TimeUS)); err != nil {
						slog.Error("failed to store jetstream cursor", "err", err)
					}
					lastStored = event.TimeUS
				}
				firehoseCursorGauge.WithLabelValues("complete").Set(float64(event.TimeUS))
			}
			f.seqLk.Unlock()
			return nil
		},
	)

	config := jsclient.DefaultClientConfig()
	config.WebsocketURL = fmt.Sprintf("wss://%s/subscribe", f.Host)

	var cursorPtr *int64
	if cursor > 0 {
		cursorPtr = &cursor
	}

	client, err := jsclient.NewClient(config, slog.Default(), sched)
	if err != nil {
		return fmt.Errorf("create jetstream client: %w", err)
	}

	return client.ConnectAndRead(ctx, cursorPtr)
}

const (
	errCategoryNetwork   = "network"
	errCategoryTimeout   = "timeout"
	errCategoryAuth      = "auth"
	errCategoryRateLimit = "rate-limit"
	errCategoryProtocol  = "protocol"
	errCategoryUnknown   = "unknown"
)

// categorizeStreamError buckets connection failures for logging and for the
// retry decision. Only auth failures stop the reconnect loop; everything
// else is presumed transient.
func categorizeStreamError(err error) string {
	if err == nil {
		return errCategoryUnknown
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errCategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return errCategoryAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "ratelimit"):
		return errCategoryRateLimit
	case strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "deadline exceeded"):
		return errCategoryTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "use of closed network connection"):
		return errCategoryNetwork
	case strings.Contains(msg, "error frame") || strings.Contains(msg, "unexpected eof") ||
		websocket.IsUnexpectedCloseError(err):
		return errCategoryProtocol
	default:
		return errCategoryUnknown
	}
}

func parseEventTime(s string) time.Time {
	dt, err := syntax.ParseDatetimeLenient(s)
	if err != nil {
		return time.Now()
	}
	return dt.Time()
}
