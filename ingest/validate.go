package ingest

import (
	"errors"
	"fmt"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
)

// ErrInvalidRecord marks records that fail the minimal shape check for their
// declared type. Callers log and drop these rather than failing the stream.
var ErrInvalidRecord = errors.New("invalid record")

type fieldKind int

const (
	kindString fieldKind = iota
	kindRef              // strong ref object with a uri, or a bare uri string
	kindObject
)

type fieldReq struct {
	name string
	kind fieldKind
}

// requiredFields captures the minimal shape per supported lexicon, checked on
// records arriving as generic maps (jetstream JSON, unknown sources). The
// check is deliberately permissive: optional fields are never listed, extra
// fields always pass, and collections not named here pass wholesale.
var requiredFields = map[string][]fieldReq{
	"app.bsky.feed.post":         {{"text", kindString}, {"createdAt", kindString}},
	"app.bsky.feed.like":         {{"subject", kindRef}, {"createdAt", kindString}},
	"app.bsky.feed.repost":       {{"subject", kindRef}, {"createdAt", kindString}},
	"app.bsky.bookmark":          {{"subject", kindRef}, {"createdAt", kindString}},
	"app.bsky.graph.follow":      {{"subject", kindString}, {"createdAt", kindString}},
	"app.bsky.graph.block":       {{"subject", kindString}, {"createdAt", kindString}},
	"app.bsky.graph.list":        {{"name", kindString}, {"createdAt", kindString}},
	"app.bsky.graph.listitem":    {{"subject", kindString}, {"list", kindString}, {"createdAt", kindString}},
	"app.bsky.graph.listblock":   {{"subject", kindString}, {"createdAt", kindString}},
	"app.bsky.graph.starterpack": {{"name", kindString}, {"list", kindString}, {"createdAt", kindString}},
	"app.bsky.graph.verification": {
		{"subject", kindString}, {"handle", kindString}, {"displayName", kindString}, {"createdAt", kindString},
	},
	"app.bsky.feed.generator":   {{"did", kindString}, {"displayName", kindString}, {"createdAt", kindString}},
	"app.bsky.feed.threadgate":  {{"post", kindString}, {"createdAt", kindString}},
	"app.bsky.feed.postgate":    {{"post", kindString}, {"createdAt", kindString}},
	"app.bsky.labeler.service":  {{"policies", kindObject}, {"createdAt", kindString}},
	"com.atproto.label.label":   {{"src", kindString}, {"uri", kindString}, {"val", kindString}},
	"app.bsky.actor.profile":    {},
	"chat.bsky.actor.declaration": {
		{"allowIncoming", kindString},
	},
}

// ValidRecord checks a record against the minimal shape required for its
// collection. Typed records from lexicon decode and generic maps are both
// accepted; anything else is assumed already vetted by its decoder.
func ValidRecord(collection string, rec any) error {
	switch r := rec.(type) {
	case map[string]any:
		return validMap(collection, r)
	case *bsky.FeedPost:
		return requireStrings(collection, field{"text", r.Text}, field{"createdAt", r.CreatedAt})
	case *bsky.FeedLike:
		if err := requireRef(collection, "subject", r.Subject); err != nil {
			return err
		}
		return requireStrings(collection, field{"createdAt", r.CreatedAt})
	case *bsky.FeedRepost:
		if err := requireRef(collection, "subject", r.Subject); err != nil {
			return err
		}
		return requireStrings(collection, field{"createdAt", r.CreatedAt})
	case *bsky.GraphFollow:
		return requireStrings(collection, field{"subject", r.Subject}, field{"createdAt", r.CreatedAt})
	case *bsky.GraphBlock:
		return requireStrings(collection, field{"subject", r.Subject}, field{"createdAt", r.CreatedAt})
	case *bsky.GraphList:
		return requireStrings(collection, field{"name", r.Name}, field{"createdAt", r.CreatedAt})
	case *bsky.GraphListitem:
		return requireStrings(collection, field{"subject", r.Subject}, field{"list", r.List}, field{"createdAt", r.CreatedAt})
	case *bsky.GraphListblock:
		return requireStrings(collection, field{"subject", r.Subject}, field{"createdAt", r.CreatedAt})
	case *bsky.GraphStarterpack:
		return requireStrings(collection, field{"name", r.Name}, field{"list", r.List}, field{"createdAt", r.CreatedAt})
	case *bsky.FeedGenerator:
		return requireStrings(collection, field{"did", r.Did}, field{"displayName", r.DisplayName}, field{"createdAt", r.CreatedAt})
	case *bsky.FeedThreadgate:
		return requireStrings(collection, field{"post", r.Post}, field{"createdAt", r.CreatedAt})
	case *bsky.FeedPostgate:
		return requireStrings(collection, field{"post", r.Post}, field{"createdAt", r.CreatedAt})
	case *bsky.LabelerService:
		if r.Policies == nil {
			return shapeErr(collection, "policies")
		}
		return requireStrings(collection, field{"createdAt", r.CreatedAt})
	case *bsky.ActorProfile:
		return nil
	default:
		return nil
	}
}

type field struct {
	name  string
	value string
}

func requireStrings(collection string, fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return shapeErr(collection, f.name)
		}
	}
	return nil
}

func requireRef(collection, name string, ref *comatproto.RepoStrongRef) error {
	if ref == nil || ref.Uri == "" {
		return shapeErr(collection, name)
	}
	return nil
}

func validMap(collection string, rec map[string]any) error {
	reqs, ok := requiredFields[collection]
	if !ok {
		return nil
	}
	for _, req := range reqs {
		v, present := rec[req.name]
		if !present || v == nil {
			return shapeErr(collection, req.name)
		}
		switch req.kind {
		case kindString:
			s, isStr := v.(string)
			if !isStr || s == "" {
				return shapeErr(collection, req.name)
			}
		case kindRef:
			switch ref := v.(type) {
			case string:
				if ref == "" {
					return shapeErr(collection, req.name)
				}
			case map[string]any:
				uri, _ := ref["uri"].(string)
				if uri == "" {
					return shapeErr(collection, req.name)
				}
			default:
				return shapeErr(collection, req.name)
			}
		case kindObject:
			if _, isMap := v.(map[string]any); !isMap {
				return shapeErr(collection, req.name)
			}
		}
	}
	return nil
}

func shapeErr(collection, fieldName string) error {
	return fmt.Errorf("%w: %s missing %s", ErrInvalidRecord, collection, fieldName)
}
