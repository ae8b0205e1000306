package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingLike(did, rkey string) *PendingOp {
	return &PendingOp{
		Did:        did,
		Collection: "app.bsky.feed.like",
		Rkey:       rkey,
		Action:     "create",
		Record:     []byte("cbor"),
	}
}

func TestDeferredEnqueueFlush(t *testing.T) {
	d := NewDeferredOps()
	post := "at://did:plc:author/app.bsky.feed.post/3k1"

	d.Enqueue(QueuePostOps, post, pendingLike("did:plc:a", "1"))
	d.Enqueue(QueuePostOps, post, pendingLike("did:plc:b", "2"))
	assert.Equal(t, 2, d.Size(QueuePostOps))
	assert.Equal(t, 2, d.Len())

	ops := d.Flush(QueuePostOps, post)
	require.Len(t, ops, 2)
	assert.Equal(t, "did:plc:a", ops[0].Did)
	assert.Equal(t, "did:plc:b", ops[1].Did)

	// queue and index are gone after flush
	assert.Equal(t, 0, d.Size(QueuePostOps))
	assert.Nil(t, d.Flush(QueuePostOps, post))
	assert.False(t, d.Cancel(ops[0].Uri()))
}

func TestDeferredEnqueueIdempotent(t *testing.T) {
	d := NewDeferredOps()
	post := "at://did:plc:author/app.bsky.feed.post/3k1"

	op := pendingLike("did:plc:a", "1")
	d.Enqueue(QueuePostOps, post, op)
	d.Enqueue(QueuePostOps, post, pendingLike("did:plc:a", "1"))
	assert.Equal(t, 1, d.Size(QueuePostOps))

	// same op URI is deduped even across queues
	d.Enqueue(QueueUserCreations, "did:plc:a", pendingLike("did:plc:a", "1"))
	assert.Equal(t, 0, d.Size(QueueUserCreations))
}

func TestDeferredCancel(t *testing.T) {
	d := NewDeferredOps()
	post := "at://did:plc:author/app.bsky.feed.post/3k1"

	keep := pendingLike("did:plc:a", "1")
	drop := pendingLike("did:plc:b", "2")
	d.Enqueue(QueuePostOps, post, keep)
	d.Enqueue(QueuePostOps, post, drop)

	assert.True(t, d.Cancel(drop.Uri()))
	assert.False(t, d.Cancel(drop.Uri()))
	assert.Equal(t, 1, d.Size(QueuePostOps))

	ops := d.Flush(QueuePostOps, post)
	require.Len(t, ops, 1)
	assert.Equal(t, keep.Uri(), ops[0].Uri())
}

func TestDeferredSweep(t *testing.T) {
	d := NewDeferredOps()
	d.maxAge = time.Minute
	post := "at://did:plc:author/app.bsky.feed.post/3k1"

	stale := pendingLike("did:plc:a", "1")
	stale.EnqueuedAt = time.Now().Add(-2 * time.Minute)
	fresh := pendingLike("did:plc:b", "2")

	d.Enqueue(QueuePostOps, post, stale)
	d.Enqueue(QueuePostOps, post, fresh)

	staleUser := &PendingOp{
		Did:        "did:plc:c",
		Collection: "app.bsky.graph.follow",
		Rkey:       "3",
		Action:     "create",
		EnqueuedAt: time.Now().Add(-2 * time.Minute),
	}
	d.Enqueue(QueueUserOps, "did:plc:target", staleUser)

	dropped := d.Sweep()
	assert.Equal(t, 1, dropped[QueuePostOps])
	assert.Equal(t, 1, dropped[QueueUserOps])
	assert.Equal(t, 1, d.Size(QueuePostOps))
	assert.Equal(t, 0, d.Size(QueueUserOps))

	// expired ops are fully forgotten
	assert.False(t, d.Cancel(stale.Uri()))
	assert.Empty(t, d.Prereqs(QueueUserOps))

	ops := d.Flush(QueuePostOps, post)
	require.Len(t, ops, 1)
	assert.Equal(t, fresh.Uri(), ops[0].Uri())
}

func TestDeferredPrereqs(t *testing.T) {
	d := NewDeferredOps()
	d.Enqueue(QueueListItems, "at://did:plc:x/app.bsky.graph.list/a", &PendingOp{
		Did: "did:plc:m", Collection: "app.bsky.graph.listitem", Rkey: "1", Action: "create",
	})
	d.Enqueue(QueueListItems, "at://did:plc:x/app.bsky.graph.list/b", &PendingOp{
		Did: "did:plc:m", Collection: "app.bsky.graph.listitem", Rkey: "2", Action: "create",
	})

	keys := d.Prereqs(QueueListItems)
	assert.ElementsMatch(t, []string{
		"at://did:plc:x/app.bsky.graph.list/a",
		"at://did:plc:x/app.bsky.graph.list/b",
	}, keys)
}
