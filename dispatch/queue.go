// Package dispatch sits between the firehose consumer and the event
// processor. It satisfies the relay stream scheduler contract (AddWork /
// Shutdown) but, unlike indigo's parallel scheduler, the producer never
// blocks: past the concurrency limit events accumulate in a FIFO backlog,
// and under memory pressure the oldest backlog entries are shed.
//
// No ordering is promised across repos. Causal ordering within a repo is
// recovered downstream by the event processor's creation dedupe and deferred
// ops, so dropping or reordering here costs completeness, not consistency.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/cmd/relay/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Events waiting in the backlog for a processing slot",
	}, []string{"ident"})

	queueActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_queue_active",
		Help: "Events currently being processed",
	}, []string{"ident"})

	queueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_queue_dropped_total",
		Help: "Backlog events discarded under memory pressure",
	}, []string{"ident"})
)

const (
	dropLogInterval    = 5 * time.Second
	heapSampleInterval = time.Second
)

// Queue is a bounded-concurrency, unbounded-backlog scheduler.
type Queue struct {
	// MemoryBudgetMB arms the memory side of the drop policy: backlog
	// entries are only shed while heap usage exceeds this. Zero means the
	// backlog length alone decides.
	MemoryBudgetMB uint64

	maxConcurrent int
	highWater     int
	ident         string

	do func(context.Context, *stream.XRPCStreamEvent) error

	lk       sync.Mutex
	active   int
	backlog  []*stream.XRPCStreamEvent
	shutdown bool

	drops       uint64
	dropsUnsaid uint64
	lastDropLog time.Time

	heapMB        uint64
	heapSampledAt time.Time
}

// NewQueue sets up a scheduler running at most maxConcurrent events at once.
// highWater > 0 enables the drop policy once the backlog grows past it;
// highWater <= 0 lets the backlog grow without bound.
func NewQueue(maxConcurrent, highWater int, ident string, do func(context.Context, *stream.XRPCStreamEvent) error) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Queue{
		maxConcurrent: maxConcurrent,
		highWater:     highWater,
		ident:         ident,
		do:            do,
	}
}

// AddWork hands an event to the queue. It never blocks on processing; the
// only error is submission after Shutdown.
func (q *Queue) AddWork(ctx context.Context, repo string, evt *stream.XRPCStreamEvent) error {
	q.lk.Lock()
	defer q.lk.Unlock()

	if q.shutdown {
		return fmt.Errorf("dispatch queue %s is shut down", q.ident)
	}

	if q.active < q.maxConcurrent {
		q.active++
		queueActive.WithLabelValues(q.ident).Inc()
		go q.run(evt)
		return nil
	}

	q.backlog = append(q.backlog, evt)
	queueDepth.WithLabelValues(q.ident).Inc()
	q.shedLocked()

	return nil
}

// run processes evt and then keeps draining the backlog for as long as there
// is work, holding its concurrency slot the whole time. Events run detached
// from the stream context: a disconnect must not abort half-applied writes.
func (q *Queue) run(evt *stream.XRPCStreamEvent) {
	for {
		if err := q.do(context.TODO(), evt); err != nil {
			slog.Error("event handler failed", "ident", q.ident, "err", err)
		}

		q.lk.Lock()
		if q.shutdown || len(q.backlog) == 0 {
			q.active--
			queueActive.WithLabelValues(q.ident).Dec()
			q.lk.Unlock()
			return
		}
		evt = q.backlog[0]
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		queueDepth.WithLabelValues(q.ident).Dec()
		q.lk.Unlock()
	}
}

// shedLocked applies the drop policy: while the backlog sits above the high
// water mark and the heap is over budget, the oldest entry goes. Logging is
// throttled; every drop is counted.
func (q *Queue) shedLocked() {
	if q.highWater <= 0 {
		return
	}

	for len(q.backlog) > q.highWater && q.overMemoryBudgetLocked() {
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		queueDepth.WithLabelValues(q.ident).Dec()
		queueDropped.WithLabelValues(q.ident).Inc()
		q.drops++
		q.dropsUnsaid++
	}

	if q.dropsUnsaid > 0 && time.Since(q.lastDropLog) > dropLogInterval {
		slog.Warn("dispatch backlog over high water, dropping oldest events",
			"ident", q.ident, "dropped", q.dropsUnsaid, "backlog", len(q.backlog))
		q.lastDropLog = time.Now()
		q.dropsUnsaid = 0
	}
}

func (q *Queue) overMemoryBudgetLocked() bool {
	if q.MemoryBudgetMB == 0 {
		return true
	}

	// ReadMemStats stops the world; don't take it more than once a second
	if time.Since(q.heapSampledAt) > heapSampleInterval {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		q.heapMB = ms.HeapAlloc >> 20
		q.heapSampledAt = time.Now()
	}

	return q.heapMB > q.MemoryBudgetMB
}

// Shutdown abandons the backlog. In-flight events finish on their own;
// nothing new is accepted.
func (q *Queue) Shutdown() {
	q.lk.Lock()
	defer q.lk.Unlock()

	if q.shutdown {
		return
	}
	q.shutdown = true

	abandoned := len(q.backlog)
	q.backlog = nil
	queueDepth.WithLabelValues(q.ident).Set(0)

	slog.Info("dispatch queue shut down", "ident", q.ident, "abandoned", abandoned, "inflight", q.active)
}

// Stats reports the instantaneous queue state for the debug endpoint.
func (q *Queue) Stats() (active, backlogged int, dropped uint64) {
	q.lk.Lock()
	defer q.lk.Unlock()
	return q.active, len(q.backlog), q.drops
}
