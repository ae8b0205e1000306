package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/stretchr/testify/assert"
)

func TestRepoUnavailable(t *testing.T) {
	reason, skip := repoUnavailable(&xrpc.Error{StatusCode: 404})
	assert.True(t, skip)
	assert.Equal(t, "not-found", reason)

	// wrapped, as getRepo failures come back from the fetch helper
	reason, skip = repoUnavailable(fmt.Errorf("fetching repo: %w", &xrpc.Error{StatusCode: 404}))
	assert.True(t, skip)
	assert.Equal(t, "not-found", reason)

	for msg, want := range map[string]string{
		"XRPC ERROR 400: Could not find repo for DID": "not-found",
		"XRPC ERROR 400: RepoDeactivated":             "deactivated",
		"XRPC ERROR 400: RepoTakendown":               "takendown",
		"XRPC ERROR 400: RepoSuspended":               "suspended",
	} {
		reason, skip = repoUnavailable(errors.New(msg))
		assert.True(t, skip, msg)
		assert.Equal(t, want, reason, msg)
	}

	// transient failures are not skips, the caller should surface them
	_, skip = repoUnavailable(errors.New("dial tcp: connection refused"))
	assert.False(t, skip)
	_, skip = repoUnavailable(&xrpc.Error{StatusCode: 500})
	assert.False(t, skip)
}
