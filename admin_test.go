package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authCtx(e *echo.Echo, authz string) echo.Context {
	req := httptest.NewRequest(http.MethodPost, "/admin/retry-pending", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func signedToken(t *testing.T, build func(b *jwt.Builder) *jwt.Builder) string {
	t.Helper()

	tok, err := build(jwt.NewBuilder().IssuedAt(time.Now())).Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("test-secret")))
	require.NoError(t, err)
	return string(signed)
}

func TestAdminAuthRejectsBadHeaders(t *testing.T) {
	e := echo.New()
	s := &AdminServer{}

	_, err := s.authenticate(authCtx(e, ""))
	assert.Error(t, err)

	_, err = s.authenticate(authCtx(e, "Basic dXNlcjpwYXNz"))
	assert.Error(t, err)

	_, err = s.authenticate(authCtx(e, "Bearer not-a-jwt"))
	assert.Error(t, err)
}

func TestAdminAuthExtractsDid(t *testing.T) {
	e := echo.New()
	s := &AdminServer{}

	tok := signedToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("did:plc:abc123")
	})
	did, err := s.authenticate(authCtx(e, "Bearer "+tok))
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc123", did)

	// service tokens carry the DID in iss instead
	tok = signedToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("did:web:labeler.example")
	})
	did, err = s.authenticate(authCtx(e, "Bearer "+tok))
	require.NoError(t, err)
	assert.Equal(t, "did:web:labeler.example", did)

	tok = signedToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("someuser")
	})
	_, err = s.authenticate(authCtx(e, "Bearer "+tok))
	assert.Error(t, err)
}

func TestAdminAuthChecksAudience(t *testing.T) {
	e := echo.New()
	s := &AdminServer{appviewDid: "did:web:appview.example"}

	tok := signedToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("did:plc:abc123").Audience([]string{"did:web:appview.example"})
	})
	did, err := s.authenticate(authCtx(e, "Bearer "+tok))
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc123", did)

	tok = signedToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("did:plc:abc123").Audience([]string{"did:web:other.example"})
	})
	_, err = s.authenticate(authCtx(e, "Bearer "+tok))
	assert.Error(t, err)

	tok = signedToken(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Subject("did:plc:abc123")
	})
	_, err = s.authenticate(authCtx(e, "Bearer "+tok))
	assert.Error(t, err)
}
