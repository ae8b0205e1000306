package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue identities for deferred ops, keyed by the kind of prerequisite the op
// is waiting on.
type QueueKind int

const (
	// QueuePostOps holds likes, reposts, bookmarks, and quotes whose
	// subject post has not been indexed yet. Keyed by post URI.
	QueuePostOps QueueKind = iota
	// QueueUserOps holds ops waiting on a user row. Keyed by DID.
	QueueUserOps
	// QueueListItems holds list items whose parent list is missing. Keyed
	// by list URI.
	QueueListItems
	// QueueUserCreations holds ops parked while a creation for their DID
	// is in flight or failed. Keyed by DID.
	QueueUserCreations

	numQueues
)

func (k QueueKind) String() string {
	switch k {
	case QueuePostOps:
		return "post_ops"
	case QueueUserOps:
		return "user_ops"
	case QueueListItems:
		return "list_items"
	case QueueUserCreations:
		return "user_creations"
	default:
		return "unknown"
	}
}

var (
	deferredPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appview_deferred_ops_pending",
		Help: "Deferred ops currently parked, per queue.",
	}, []string{"queue"})
	deferredEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appview_deferred_ops_enqueued_total",
		Help: "Ops parked for a missing prerequisite, per queue.",
	}, []string{"queue"})
	deferredFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appview_deferred_ops_flushed_total",
		Help: "Ops released for replay after their prerequisite appeared.",
	}, []string{"queue"})
	deferredExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appview_deferred_ops_expired_total",
		Help: "Ops dropped by the sweeper after exceeding the TTL.",
	}, []string{"queue"})
	deferredCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appview_deferred_ops_cancelled_total",
		Help: "Ops cancelled because their own record was deleted first.",
	})
)

// PendingOp is a record operation parked until its prerequisite exists. The
// payload is kept in CBOR so replay goes through the same handler path as a
// live commit.
type PendingOp struct {
	Did        string
	Collection string
	Rkey       string
	Action     string
	Cid        string
	Record     []byte
	EnqueuedAt time.Time
}

func (op *PendingOp) Uri() string {
	return "at://" + op.Did + "/" + op.Collection + "/" + op.Rkey
}

type pendingRef struct {
	kind   QueueKind
	prereq string
}

// DeferredOps reconciles out-of-order arrivals: ops whose prerequisite row
// (post, user, list) is missing get parked here and replayed when the
// prerequisite lands. A secondary op-URI index gives O(1) cancellation when
// the op's own record is deleted first. Entries older than the TTL are
// dropped by a periodic sweep.
type DeferredOps struct {
	lk     sync.Mutex
	queues [numQueues]map[string][]*PendingOp
	index  map[string]pendingRef
	sizes  [numQueues]int

	maxAge time.Duration
}

const (
	deferredOpTTL = 24 * time.Hour
	sweepInterval = 60 * time.Second
)

func NewDeferredOps() *DeferredOps {
	d := &DeferredOps{
		index:  make(map[string]pendingRef),
		maxAge: deferredOpTTL,
	}
	for i := range d.queues {
		d.queues[i] = make(map[string][]*PendingOp)
	}
	return d
}

// Enqueue parks op under the given prerequisite. Idempotent: a second call
// for the same op URI is a no-op, so duplicate receives on reconnect do not
// double the queue.
func (d *DeferredOps) Enqueue(kind QueueKind, prereq string, op *PendingOp) {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	uri := op.Uri()

	d.lk.Lock()
	defer d.lk.Unlock()

	if _, dup := d.index[uri]; dup {
		return
	}

	d.queues[kind][prereq] = append(d.queues[kind][prereq], op)
	d.index[uri] = pendingRef{kind: kind, prereq: prereq}
	d.sizes[kind]++

	deferredEnqueued.WithLabelValues(kind.String()).Inc()
	deferredPending.WithLabelValues(kind.String()).Set(float64(d.sizes[kind]))
}

// Flush removes and returns every op parked under the prerequisite. Removal
// happens before the caller replays anything, so duplicates arriving during
// replay re-enqueue cleanly instead of being lost.
func (d *DeferredOps) Flush(kind QueueKind, prereq string) []*PendingOp {
	d.lk.Lock()
	ops := d.queues[kind][prereq]
	if len(ops) == 0 {
		d.lk.Unlock()
		return nil
	}
	delete(d.queues[kind], prereq)
	d.sizes[kind] -= len(ops)
	for _, op := range ops {
		delete(d.index, op.Uri())
	}
	deferredPending.WithLabelValues(kind.String()).Set(float64(d.sizes[kind]))
	d.lk.Unlock()

	deferredFlushed.WithLabelValues(kind.String()).Add(float64(len(ops)))
	return ops
}

// Cancel drops a parked op by its own URI, for deletes that arrive before the
// prerequisite ever did.
func (d *DeferredOps) Cancel(opURI string) bool {
	d.lk.Lock()
	defer d.lk.Unlock()

	ref, ok := d.index[opURI]
	if !ok {
		return false
	}
	delete(d.index, opURI)

	ops := d.queues[ref.kind][ref.prereq]
	for i, op := range ops {
		if op.Uri() == opURI {
			ops = append(ops[:i], ops[i+1:]...)
			break
		}
	}
	if len(ops) == 0 {
		delete(d.queues[ref.kind], ref.prereq)
	} else {
		d.queues[ref.kind][ref.prereq] = ops
	}
	d.sizes[ref.kind]--

	deferredCancelled.Inc()
	deferredPending.WithLabelValues(ref.kind.String()).Set(float64(d.sizes[ref.kind]))
	return true
}

// Sweep drops ops older than the TTL and returns how many were dropped per
// queue.
func (d *DeferredOps) Sweep() [numQueues]int {
	cutoff := time.Now().Add(-d.maxAge)
	var dropped [numQueues]int

	d.lk.Lock()
	defer d.lk.Unlock()

	for kind := range d.queues {
		for prereq, ops := range d.queues[kind] {
			kept := ops[:0]
			for _, op := range ops {
				if op.EnqueuedAt.Before(cutoff) {
					delete(d.index, op.Uri())
					dropped[kind]++
				} else {
					kept = append(kept, op)
				}
			}
			if len(kept) == 0 {
				delete(d.queues[kind], prereq)
			} else {
				d.queues[kind][prereq] = kept
			}
		}
		if dropped[kind] > 0 {
			d.sizes[kind] -= dropped[kind]
			deferredExpired.WithLabelValues(QueueKind(kind).String()).Add(float64(dropped[kind]))
			deferredPending.WithLabelValues(QueueKind(kind).String()).Set(float64(d.sizes[kind]))
		}
	}
	return dropped
}

// RunSweeper loops Sweep on a fixed interval until the context ends.
func (d *DeferredOps) RunSweeper(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			dropped := d.Sweep()
			var total int
			for _, n := range dropped {
				total += n
			}
			if total > 0 {
				slog.Info("expired deferred ops",
					"post_ops", dropped[QueuePostOps],
					"user_ops", dropped[QueueUserOps],
					"list_items", dropped[QueueListItems],
					"user_creations", dropped[QueueUserCreations])
			}
		}
	}
}

// Size reports the op count for one queue, maintained as a counter rather
// than recomputed.
func (d *DeferredOps) Size(kind QueueKind) int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.sizes[kind]
}

// Len reports the total parked ops across all queues.
func (d *DeferredOps) Len() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	var n int
	for _, s := range d.sizes {
		n += s
	}
	return n
}

// Prereqs snapshots the outstanding prerequisite keys for one queue, for the
// retry sweep to probe against storage.
func (d *DeferredOps) Prereqs(kind QueueKind) []string {
	d.lk.Lock()
	defer d.lk.Unlock()
	keys := make([]string, 0, len(d.queues[kind]))
	for k := range d.queues[kind] {
		keys = append(keys, k)
	}
	return keys
}
