package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bluesky-social/indigo/api/bsky"
	data "github.com/bluesky-social/indigo/atproto/atdata"
	jsmodels "github.com/bluesky-social/jetstream/pkg/models"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// typedRecord returns a fresh record value for collections with generated
// decoders, nil for everything else.
func typedRecord(collection string) cbg.CBORMarshaler {
	switch collection {
	case "app.bsky.feed.post":
		return new(bsky.FeedPost)
	case "app.bsky.feed.like":
		return new(bsky.FeedLike)
	case "app.bsky.feed.repost":
		return new(bsky.FeedRepost)
	case "app.bsky.graph.follow":
		return new(bsky.GraphFollow)
	case "app.bsky.graph.block":
		return new(bsky.GraphBlock)
	case "app.bsky.graph.list":
		return new(bsky.GraphList)
	case "app.bsky.graph.listitem":
		return new(bsky.GraphListitem)
	case "app.bsky.graph.listblock":
		return new(bsky.GraphListblock)
	case "app.bsky.graph.starterpack":
		return new(bsky.GraphStarterpack)
	case "app.bsky.actor.profile":
		return new(bsky.ActorProfile)
	case "app.bsky.feed.generator":
		return new(bsky.FeedGenerator)
	case "app.bsky.feed.threadgate":
		return new(bsky.FeedThreadgate)
	case "app.bsky.feed.postgate":
		return new(bsky.FeedPostgate)
	case "app.bsky.labeler.service":
		return new(bsky.LabelerService)
	default:
		return nil
	}
}

// RecordCBORFromJSON normalizes a JSON record to the CBOR encoding the
// handlers consume, so jetstream frames and PDS fetches replay through the
// same path as relay commits.
func RecordCBORFromJSON(collection string, raw json.RawMessage) ([]byte, error) {
	if rec := typedRecord(collection); rec != nil {
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, fmt.Errorf("decoding %s record: %w", collection, err)
		}
		buf := new(bytes.Buffer)
		if err := rec.MarshalCBOR(buf); err != nil {
			return nil, fmt.Errorf("re-encoding %s record: %w", collection, err)
		}
		return buf.Bytes(), nil
	}

	obj, err := data.UnmarshalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", collection, err)
	}
	return data.MarshalCBOR(obj)
}

// HandleJetstreamEvent adapts a jetstream frame onto the commit/identity/
// account paths. Records arrive as JSON here rather than CAR blocks.
func (ix *Ingester) HandleJetstreamEvent(ctx context.Context, evt *jsmodels.Event) error {
	switch evt.Kind {
	case jsmodels.EventKindCommit:
		if evt.Commit == nil {
			return fmt.Errorf("commit event missing commit data")
		}
		path := evt.Commit.Collection + "/" + evt.Commit.RKey

		switch evt.Commit.Operation {
		case jsmodels.CommitOperationCreate, jsmodels.CommitOperationUpdate:
			if evt.Commit.Record == nil {
				return fmt.Errorf("commit event missing record data")
			}
			recb, err := RecordCBORFromJSON(evt.Commit.Collection, evt.Commit.Record)
			if err != nil {
				slog.Debug("dropping undecodable record", "did", evt.Did, "path", path, "err", err)
				return nil
			}
			rcid := evt.Commit.CID
			if rcid == "" {
				rcid = SyntheticRecordCID(recb, evt.Did, path)
			}
			return ix.HandleRecordOp(ctx, evt.Did, path, evt.Commit.Operation, recb, rcid)
		case jsmodels.CommitOperationDelete:
			return ix.HandleDelete(ctx, evt.Did, path)
		default:
			return nil
		}
	case jsmodels.EventKindIdentity:
		if evt.Identity == nil {
			return nil
		}
		return ix.HandleIdentityEvent(ctx, evt.Identity.Did, evt.Identity.Handle)
	case jsmodels.EventKindAccount:
		if evt.Account == nil {
			return nil
		}
		return ix.HandleAccountEvent(ctx, evt.Account.Did, evt.Account.Active, evt.Account.Status)
	default:
		return nil
	}
}
