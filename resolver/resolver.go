package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("resolver")

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appview_identity_cache_hits",
		Help: "identity lookups served from cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appview_identity_cache_misses",
		Help: "identity lookups that missed the cache",
	})
	resolutionsByTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appview_identity_resolutions",
		Help: "successful identity resolutions by tier",
	}, []string{"tier"})
)

// ErrIdentityNotFound means every resolution tier came up empty for the
// identifier.
var ErrIdentityNotFound = errors.New("identity not found")

const (
	identityCacheSize = 100_000
	handleCacheSize   = 100_000
	defaultCacheTTL   = 15 * time.Minute

	docTimeout   = 10 * time.Second
	probeTimeout = 5 * time.Second

	lookupRetries    = 3
	lookupRetryDelay = time.Second
)

// knownPDS maps handle suffixes to the hosts known to serve them, so
// accounts on the big shared instances resolve without a document fetch.
var knownPDS = map[string]string{
	".bsky.social": "https://bsky.social",
}

// Identity is an account's resolved network location.
type Identity struct {
	Did         string
	Handle      string
	PDSEndpoint string

	// LowConfidence marks endpoints guessed from the handle's domain
	// rather than read out of a DID document. They are never cached.
	LowConfidence bool
}

type cacheEntry struct {
	ident   Identity
	fetched time.Time
}

// Resolver maps DIDs and handles to PDS endpoints. Lookups go through an
// in-process cache, then the DID document, then a series of handle-based
// fallbacks. Every endpoint it hands out has passed SafeURL.
type Resolver struct {
	dir identity.Directory
	dns *net.Resolver

	// probeClient talks to hosts named by untrusted records, so every
	// request goes through the SSRF transport.
	probeClient *http.Client

	idCache     *lru.TwoQueueCache[string, cacheEntry]
	handleCache *lru.TwoQueueCache[string, string]
	cacheTTL    time.Duration
	retryDelay  time.Duration
}

func NewResolver(plcHost string) *Resolver {
	if plcHost == "" {
		plcHost = identity.DefaultPLCURL
	}

	idc, _ := lru.New2Q[string, cacheEntry](identityCacheSize)
	hc, _ := lru.New2Q[string, string](handleCacheSize)

	base := &identity.BaseDirectory{
		PLCURL: plcHost,
		HTTPClient: http.Client{
			Timeout:   docTimeout,
			Transport: newSafeTransport(),
		},
		PLCLimiter:          rate.NewLimiter(rate.Limit(25), 1),
		TryAuthoritativeDNS: true,
		// the shared instances only publish handles over HTTP
		SkipDNSDomainSuffixes: []string{".bsky.social"},
	}

	return &Resolver{
		dir:         base,
		dns:         &net.Resolver{},
		probeClient: newSafeHTTPClient(probeTimeout),
		idCache:     idc,
		handleCache: hc,
		cacheTTL:    defaultCacheTTL,
		retryDelay:  lookupRetryDelay,
	}
}

// ResolveIdentity maps a DID to its handle and PDS endpoint. Tier order:
// cache, DID document, known-suffix table, well-known probe, and finally a
// guess from the handle's registered domain.
func (r *Resolver) ResolveIdentity(ctx context.Context, did string) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "resolveIdentity")
	defer span.End()

	var stale *Identity
	if ent, ok := r.idCache.Get(did); ok {
		if time.Since(ent.fetched) < r.cacheTTL {
			cacheHits.Inc()
			out := ent.ident
			return &out, nil
		}
		prev := ent.ident
		stale = &prev
	}
	cacheMisses.Inc()

	pdid, err := syntax.ParseDID(did)
	if err != nil {
		return nil, fmt.Errorf("invalid did %q: %w", did, err)
	}

	// An expired entry still tells us the last known handle, which the
	// fallback tiers can work from if the directory is unreachable.
	handle := ""
	if stale != nil {
		handle = stale.Handle
	}

	ident, lookupErr := r.lookupDID(ctx, pdid)
	if lookupErr == nil {
		if h := ident.Handle.String(); h != "" && h != "handle.invalid" {
			handle = h
		}
		if ep := ident.PDSEndpoint(); ep != "" {
			if !SafeURL(ep) {
				return nil, fmt.Errorf("%s: pds endpoint %q failed safety check", did, ep)
			}
			out := Identity{Did: did, Handle: handle, PDSEndpoint: ep}
			r.remember(out)
			resolutionsByTier.WithLabelValues("directory").Inc()
			return &out, nil
		}
	} else if errors.Is(lookupErr, identity.ErrDIDNotFound) && stale == nil {
		return nil, fmt.Errorf("%s: %w", did, ErrIdentityNotFound)
	}

	if handle == "" {
		if lookupErr != nil {
			return nil, fmt.Errorf("resolving %s: %w", did, lookupErr)
		}
		return nil, fmt.Errorf("%s: %w", did, ErrIdentityNotFound)
	}

	// No usable service entry in the document. Work from the handle.
	for suffix, host := range knownPDS {
		if strings.HasSuffix(handle, suffix) {
			out := Identity{Did: did, Handle: handle, PDSEndpoint: host}
			r.remember(out)
			resolutionsByTier.WithLabelValues("suffix").Inc()
			return &out, nil
		}
	}

	if probed, err := r.wellKnownDID(ctx, handle); err == nil && probed == did {
		ep := "https://" + handle
		if SafeURL(ep) {
			out := Identity{Did: did, Handle: handle, PDSEndpoint: ep}
			r.remember(out)
			resolutionsByTier.WithLabelValues("wellknown").Inc()
			return &out, nil
		}
	}

	if domain := registeredDomain(handle); domain != "" {
		ep := "https://" + domain
		if SafeURL(ep) {
			slog.Debug("falling back to domain guess for pds endpoint", "did", did, "handle", handle, "endpoint", ep)
			resolutionsByTier.WithLabelValues("domain-guess").Inc()
			return &Identity{Did: did, Handle: handle, PDSEndpoint: ep, LowConfidence: true}, nil
		}
	}

	return nil, fmt.Errorf("%s: %w", did, ErrIdentityNotFound)
}

// ResolveHandle maps a handle to a DID, consulting the _atproto DNS TXT
// record before the HTTP well-known endpoint and finally the directory.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	ctx, span := tracer.Start(ctx, "resolveHandle")
	defer span.End()

	handle = strings.ToLower(strings.TrimPrefix(handle, "@"))
	ph, err := syntax.ParseHandle(handle)
	if err != nil {
		return "", fmt.Errorf("invalid handle %q: %w", handle, err)
	}

	if did, ok := r.handleCache.Get(handle); ok {
		cacheHits.Inc()
		return did, nil
	}
	cacheMisses.Inc()

	if did, err := r.dnsTXTDID(ctx, handle); err == nil {
		r.handleCache.Add(handle, did)
		return did, nil
	}

	if did, err := r.wellKnownDID(ctx, handle); err == nil {
		r.handleCache.Add(handle, did)
		return did, nil
	}

	ident, err := r.dir.LookupHandle(ctx, ph)
	if err != nil {
		if errors.Is(err, identity.ErrHandleNotFound) {
			return "", fmt.Errorf("%s: %w", handle, ErrIdentityNotFound)
		}
		return "", fmt.Errorf("resolving handle %s: %w", handle, err)
	}

	did := ident.DID.String()
	r.handleCache.Add(handle, did)
	return did, nil
}

// Invalidate drops cached state for a DID. Called on identity events so the
// next lookup refetches the document.
func (r *Resolver) Invalidate(did string) {
	if ent, ok := r.idCache.Peek(did); ok && ent.ident.Handle != "" {
		r.handleCache.Remove(ent.ident.Handle)
	}
	r.idCache.Remove(did)
}

func (r *Resolver) remember(ident Identity) {
	r.idCache.Add(ident.Did, cacheEntry{ident: ident, fetched: time.Now()})
	if ident.Handle != "" {
		r.handleCache.Add(ident.Handle, ident.Did)
	}
}

// lookupDID fetches the DID document with bounded retries. Directory misses
// are terminal; transient failures back off 1s, 2s, 4s.
func (r *Resolver) lookupDID(ctx context.Context, did syntax.DID) (*identity.Identity, error) {
	var lastErr error
	delay := r.retryDelay
	for attempt := 0; attempt < lookupRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		ident, err := r.dir.LookupDID(ctx, did)
		if err == nil {
			return ident, nil
		}
		if errors.Is(err, identity.ErrDIDNotFound) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// dnsTXTDID reads the _atproto TXT record for a handle. Records carry
// either "did=did:..." or a bare DID.
func (r *Resolver) dnsTXTDID(ctx context.Context, handle string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	recs, err := r.dns.LookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		v := strings.TrimSpace(rec)
		if after, ok := strings.CutPrefix(v, "did="); ok {
			v = after
		}
		if strings.HasPrefix(v, "did:") {
			return v, nil
		}
	}
	return "", ErrIdentityNotFound
}

// wellKnownDID asks the handle's host which DID it claims to serve.
func (r *Resolver) wellKnownDID(ctx context.Context, handle string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	u := "https://" + handle + "/.well-known/atproto-did"
	if !SafeURL(u) {
		return "", fmt.Errorf("unsafe probe url %q", u)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := r.probeClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("well-known probe for %s: http %d", handle, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}

	did := strings.TrimSpace(string(body))
	// HTML or JSON here means the host serves something else on this path.
	if strings.HasPrefix(did, "<") || strings.HasPrefix(did, "{") || !strings.HasPrefix(did, "did:") {
		return "", fmt.Errorf("well-known probe for %s: body is not a did", handle)
	}
	return did, nil
}

// registeredDomain keeps the last two labels of a handle. Wrong for
// multi-part public suffixes, which is why results built from it are
// marked low-confidence.
func registeredDomain(handle string) string {
	parts := strings.Split(handle, ".")
	if len(parts) < 2 {
		return ""
	}
	for _, p := range parts {
		if p == "" {
			return ""
		}
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
