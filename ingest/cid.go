package ingest

import (
	"crypto/sha256"
	"strconv"

	data "github.com/bluesky-social/indigo/atproto/atdata"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ExtractBlobCID normalizes the blob-reference shapes that show up in records
// to a canonical content-address string. Three wire shapes exist: a bare
// string, a linked ref ({ref: {$link}} or {ref: "cid"}), and the
// decoded-binary form ({ref: {code, version, multihash: {code, digest,
// size}}}) whose digest may arrive as a byte slice, a plain array, or a
// numerically-keyed object. Typed forms from lexicon decode are handled too.
// Returns "" when nothing recognizable is present.
func ExtractBlobCID(v any) string {
	switch blob := v.(type) {
	case nil:
		return ""
	case string:
		if blob == "" || blob == "undefined" {
			return ""
		}
		return blob
	case cid.Cid:
		if !blob.Defined() {
			return ""
		}
		return blob.String()
	case *lexutil.LexBlob:
		if blob == nil {
			return ""
		}
		return extractLexLink(blob.Ref)
	case lexutil.LexBlob:
		return extractLexLink(blob.Ref)
	case *lexutil.LexLink:
		if blob == nil {
			return ""
		}
		return extractLexLink(*blob)
	case lexutil.LexLink:
		return extractLexLink(blob)
	case data.Blob:
		return extractCIDLink(blob.Ref)
	case *data.Blob:
		if blob == nil {
			return ""
		}
		return extractCIDLink(blob.Ref)
	case data.CIDLink:
		return extractCIDLink(blob)
	case map[string]any:
		ref, ok := blob["ref"]
		if !ok {
			// some callers hand us the ref object itself
			if _, isLink := blob["$link"]; isLink {
				return extractLinkMap(blob)
			}
			return ""
		}
		switch r := ref.(type) {
		case string:
			return ExtractBlobCID(r)
		case cid.Cid:
			return ExtractBlobCID(r)
		case data.CIDLink:
			return extractCIDLink(r)
		case map[string]any:
			if _, isLink := r["$link"]; isLink {
				return extractLinkMap(r)
			}
			return extractBinaryRef(r)
		default:
			return ""
		}
	default:
		return ""
	}
}

func extractLexLink(l lexutil.LexLink) string {
	c := cid.Cid(l)
	if !c.Defined() {
		return ""
	}
	return c.String()
}

func extractCIDLink(l data.CIDLink) string {
	c := cid.Cid(l)
	if !c.Defined() {
		return ""
	}
	return c.String()
}

func extractLinkMap(m map[string]any) string {
	link, _ := m["$link"].(string)
	if link == "undefined" {
		return ""
	}
	return link
}

// extractBinaryRef rebuilds a CID from the decoded-binary ref shape.
func extractBinaryRef(ref map[string]any) string {
	mhm, ok := ref["multihash"].(map[string]any)
	if !ok {
		return ""
	}

	hashCode, ok := asUint64(mhm["code"])
	if !ok {
		return ""
	}

	digest := digestBytes(mhm["digest"])
	if len(digest) == 0 {
		return ""
	}

	encoded, err := mh.Encode(digest, hashCode)
	if err != nil {
		return ""
	}

	version, _ := asUint64(ref["version"])
	codec, ok := asUint64(ref["code"])
	if !ok {
		codec = cid.DagCBOR
	}

	if version == 0 {
		return cid.NewCidV0(mh.Multihash(encoded)).String()
	}
	return cid.NewCidV1(codec, mh.Multihash(encoded)).String()
}

// digestBytes accepts the digest encodings observed on the wire: raw bytes, a
// plain array of byte values, or an object keyed "0".."N".
func digestBytes(v any) []byte {
	switch d := v.(type) {
	case []byte:
		return d
	case []any:
		out := make([]byte, 0, len(d))
		for _, e := range d {
			n, ok := asUint64(e)
			if !ok || n > 255 {
				return nil
			}
			out = append(out, byte(n))
		}
		return out
	case map[string]any:
		out := make([]byte, len(d))
		for k, e := range d {
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 || i >= len(out) {
				return nil
			}
			n, ok := asUint64(e)
			if !ok || n > 255 {
				return nil
			}
			out[i] = byte(n)
		}
		return out
	default:
		return nil
	}
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// SyntheticRecordCID derives a deterministic stand-in content address for
// records whose source frame lost the real one (pre-MST backfill paths). The
// raw codec keeps it visibly distinct from authentic dag-cbor record CIDs
// while staying stable across replays.
func SyntheticRecordCID(record []byte, did, path string) string {
	h := sha256.New()
	h.Write(record)
	h.Write([]byte(did))
	h.Write([]byte(path))

	encoded, err := mh.Encode(h.Sum(nil), mh.SHA2_256)
	if err != nil {
		// sha256 digests are always encodable
		return ""
	}
	return cid.NewCidV1(cid.Raw, mh.Multihash(encoded)).String()
}
