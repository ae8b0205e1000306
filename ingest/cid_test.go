package ingest

import (
	"crypto/sha256"
	"strconv"
	"strings"
	"testing"

	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCid(t *testing.T, seed string) cid.Cid {
	t.Helper()
	digest := sha256.Sum256([]byte(seed))
	encoded, err := mh.Encode(digest[:], mh.SHA2_256)
	require.NoError(t, err)
	return cid.NewCidV1(cid.DagCBOR, mh.Multihash(encoded))
}

func TestExtractBlobCIDStrings(t *testing.T) {
	assert.Equal(t, "", ExtractBlobCID(nil))
	assert.Equal(t, "", ExtractBlobCID(""))
	assert.Equal(t, "", ExtractBlobCID("undefined"))

	c := testCid(t, "avatar")
	assert.Equal(t, c.String(), ExtractBlobCID(c.String()))
	assert.Equal(t, c.String(), ExtractBlobCID(c))
}

func TestExtractBlobCIDLinkShapes(t *testing.T) {
	c := testCid(t, "banner")

	assert.Equal(t, c.String(), ExtractBlobCID(map[string]any{
		"ref": map[string]any{"$link": c.String()},
	}))
	assert.Equal(t, c.String(), ExtractBlobCID(map[string]any{
		"ref": c.String(),
	}))
	assert.Equal(t, c.String(), ExtractBlobCID(map[string]any{
		"$link": c.String(),
	}))
	assert.Equal(t, "", ExtractBlobCID(map[string]any{
		"ref": map[string]any{"$link": "undefined"},
	}))
	assert.Equal(t, "", ExtractBlobCID(map[string]any{"mimeType": "image/png"}))
}

func TestExtractBlobCIDTyped(t *testing.T) {
	c := testCid(t, "thumb")

	blob := &lexutil.LexBlob{
		Ref:      lexutil.LexLink(c),
		MimeType: "image/jpeg",
		Size:     1024,
	}
	assert.Equal(t, c.String(), ExtractBlobCID(blob))
	assert.Equal(t, c.String(), ExtractBlobCID(*blob))

	var nilBlob *lexutil.LexBlob
	assert.Equal(t, "", ExtractBlobCID(nilBlob))
	assert.Equal(t, "", ExtractBlobCID(cid.Undef))
}

func TestExtractBlobCIDBinaryRef(t *testing.T) {
	c := testCid(t, "video")
	decoded, err := mh.Decode(c.Hash())
	require.NoError(t, err)

	asSlice := make([]any, len(decoded.Digest))
	asMap := make(map[string]any, len(decoded.Digest))
	for i, b := range decoded.Digest {
		asSlice[i] = float64(b)
		asMap[strconv.Itoa(i)] = float64(b)
	}

	for name, digest := range map[string]any{
		"bytes": decoded.Digest,
		"array": asSlice,
		"keyed": asMap,
	} {
		got := ExtractBlobCID(map[string]any{
			"ref": map[string]any{
				"code":    float64(cid.DagCBOR),
				"version": float64(1),
				"multihash": map[string]any{
					"code":   float64(mh.SHA2_256),
					"digest": digest,
					"size":   float64(len(decoded.Digest)),
				},
			},
		})
		assert.Equal(t, c.String(), got, "digest shape %s", name)
	}
}

func TestExtractBlobCIDBinaryRefMalformed(t *testing.T) {
	assert.Equal(t, "", ExtractBlobCID(map[string]any{
		"ref": map[string]any{"version": float64(1)},
	}))
	assert.Equal(t, "", ExtractBlobCID(map[string]any{
		"ref": map[string]any{
			"code":      float64(cid.DagCBOR),
			"version":   float64(1),
			"multihash": map[string]any{"code": float64(mh.SHA2_256)},
		},
	}))
	assert.Equal(t, "", ExtractBlobCID(map[string]any{
		"ref": map[string]any{
			"code":    float64(cid.DagCBOR),
			"version": float64(1),
			"multihash": map[string]any{
				"code":   float64(mh.SHA2_256),
				"digest": map[string]any{"0": float64(1), "9": float64(2)},
			},
		},
	}))
}

func TestSyntheticRecordCID(t *testing.T) {
	rec := []byte(`{"$type":"app.bsky.feed.post","text":"hi"}`)

	a := SyntheticRecordCID(rec, "did:plc:abc", "app.bsky.feed.post/3k1")
	b := SyntheticRecordCID(rec, "did:plc:abc", "app.bsky.feed.post/3k1")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, SyntheticRecordCID(rec, "did:plc:xyz", "app.bsky.feed.post/3k1"))
	assert.NotEqual(t, a, SyntheticRecordCID(rec, "did:plc:abc", "app.bsky.feed.post/3k2"))
	assert.NotEqual(t, a, SyntheticRecordCID([]byte("other"), "did:plc:abc", "app.bsky.feed.post/3k1"))

	// raw-codec v1 keeps synthetic addresses distinguishable from real
	// dag-cbor record CIDs
	assert.True(t, strings.HasPrefix(a, "bafkrei"), a)

	parsed, err := cid.Decode(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.Raw), parsed.Type())
}
