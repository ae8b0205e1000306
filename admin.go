package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dollspace-gay/PublicAppView-sub002/ingest"
)

// AdminServer is the operational surface: health, metrics and queue
// introspection in the open, repair endpoints behind service auth.
type AdminServer struct {
	e          *echo.Echo
	svc        *services
	fh         *Firehose
	rb         *RepoBackfill
	appviewDid string
}

func newAdminServer(svc *services, fh *Firehose, rb *RepoBackfill, appviewDid string) *AdminServer {
	e := echo.New()
	e.HidePort = true
	e.HideBanner = true

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"*"},
	}))

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &AdminServer{
		e:          e,
		svc:        svc,
		fh:         fh,
		rb:         rb,
		appviewDid: appviewDid,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/debug", s.handleDebug)

	admin := e.Group("/admin", s.requireServiceAuth)
	admin.POST("/backfill-repo", s.handleBackfillRepo)
	admin.POST("/retry-pending", s.handleRetryPending)
	admin.POST("/invalidate-settings", s.handleInvalidateSettings)

	return s
}

func (s *AdminServer) Start(addr string) error {
	slog.Info("starting admin server", "addr", addr)
	return s.e.Start(addr)
}

func (s *AdminServer) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.svc.pool.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleDebug(c echo.Context) error {
	ctx := c.Request().Context()

	out := map[string]any{}

	if fc, err := s.svc.store.GetFirehoseCursor(ctx, firehoseService); err == nil && fc != nil {
		out["cursor"] = fc.Cursor
		out["lastEventTime"] = fc.LastEventTime
	}

	active, backlogged, dropped := s.fh.QueueStats()
	out["queue"] = map[string]any{
		"active":     active,
		"backlogged": backlogged,
		"dropped":    dropped,
	}

	deferred := map[string]int{}
	for _, kind := range []ingest.QueueKind{
		ingest.QueuePostOps,
		ingest.QueueUserOps,
		ingest.QueueListItems,
		ingest.QueueUserCreations,
	} {
		deferred[kind.String()] = s.svc.ix.Deferred().Size(kind)
	}
	out["deferred"] = deferred

	return c.JSON(http.StatusOK, out)
}

// requireServiceAuth gates the repair endpoints on an inter-service token.
// Signatures are not checked here; when an appview DID is configured the
// token's audience must name it, which keeps tokens minted for other
// services from working against this one.
func (s *AdminServer) requireServiceAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		did, err := s.authenticate(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthenticationRequired",
				"message": err.Error(),
			})
		}
		c.Set("viewer", did)
		return next(c)
	}
}

// authenticate extracts the caller's DID from the Authorization header,
// accepting both "sub" (PDS tokens) and "iss" (service tokens) claims.
func (s *AdminServer) authenticate(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse([]byte(parts[1]), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	var userDID string
	sub := token.Subject()
	if sub != "" && strings.HasPrefix(sub, "did:") {
		userDID = sub
	} else {
		iss := token.Issuer()
		if iss != "" && strings.HasPrefix(iss, "did:") {
			userDID = iss
		}
	}

	if userDID == "" {
		return "", fmt.Errorf("missing 'sub' or 'iss' claim with DID in token")
	}

	if s.appviewDid != "" {
		var ok bool
		for _, aud := range token.Audience() {
			if aud == s.appviewDid {
				ok = true
				break
			}
		}
		if !ok {
			return "", fmt.Errorf("token audience does not include this service")
		}
	}

	return userDID, nil
}

type backfillRepoRequest struct {
	Did string `json:"did"`
}

func (s *AdminServer) handleBackfillRepo(c echo.Context) error {
	var req backfillRepoRequest
	if err := c.Bind(&req); err != nil || req.Did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "body must carry a did or handle",
		})
	}

	did, err := resolveRepoArg(c.Request().Context(), s.svc.dir, req.Did)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": err.Error(),
		})
	}

	// runs detached: repo pulls take minutes and the caller only needs
	// to know the job was accepted
	go func() {
		if err := s.rb.BackfillRepo(context.Background(), did); err != nil {
			slog.Error("admin repo backfill failed", "did", did, "err", err)
			return
		}
		s.svc.ix.RetryPending(context.Background())
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"did": did, "status": "started"})
}

func (s *AdminServer) handleRetryPending(c echo.Context) error {
	s.svc.ix.RetryPending(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]int{"remaining": s.svc.ix.Deferred().Len()})
}

type invalidateSettingsRequest struct {
	Did   string `json:"did"`
	Erase bool   `json:"erase"`
}

// handleInvalidateSettings drops the cached opt-out decision for a DID so the
// next write re-reads it. With erase set it applies a full opt-out instead:
// profile fields nulled and future collection refused.
func (s *AdminServer) handleInvalidateSettings(c echo.Context) error {
	var req invalidateSettingsRequest
	if err := c.Bind(&req); err != nil || req.Did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "body must carry a did",
		})
	}

	if req.Erase {
		if err := s.svc.store.EraseUser(c.Request().Context(), req.Did); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": err.Error(),
			})
		}
	} else {
		s.svc.store.InvalidateUserSettings(req.Did)
	}

	return c.JSON(http.StatusOK, map[string]string{"did": req.Did, "status": "ok"})
}
