package swcache

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// HandleFetch resolves one intercepted request.
//
// Sub-resources are cache-first: a stored snapshot is returned without
// touching the network, and a miss is fetched and written through when the
// response is a same-origin GET with status 200 that is safe to share
// between users. Navigations are
// network-first and fall back to the offline page when the network fails.
//
// Cached sub-resources are never revalidated; a new version gets fresh
// copies only through its own manifest or later misses.
func (w *Worker) HandleFetch(ctx context.Context, r *http.Request) (Snapshot, Outcome, error) {
	if !r.URL.IsAbs() {
		r = w.absolute(r)
	}
	key := KeyFor(r)
	nav := IsNavigation(r)
	cache := w.currentCache()

	if !nav && cache != nil {
		snap, ok, err := cache.Match(ctx, key)
		if err != nil {
			w.log.Debug("cache match", zap.Stringer("key", key), zap.Error(err))
		}
		if ok {
			return snap, OutcomeHit, nil
		}
	}

	live, err := w.fetcher.Fetch(ctx, r)
	if err != nil {
		if nav && cache != nil {
			fb, ok, ferr := cache.Match(ctx, w.fallbackKey)
			if ferr == nil && ok {
				w.log.Debug("serving offline fallback", zap.Stringer("key", key), zap.Error(err))
				return fb, OutcomeFallback, nil
			}
		}
		return Snapshot{}, "", fmt.Errorf("%w: %w", ErrOffline, err)
	}
	if nav {
		return live, OutcomeNetwork, nil
	}

	if cache == nil || !w.cacheable(r, live) {
		return live, OutcomeBypass, nil
	}
	w.writeThrough(ctx, cache, key, live.Clone())
	return live, OutcomeMiss, nil
}

func (w *Worker) cacheable(r *http.Request, live Snapshot) bool {
	return r.Method == http.MethodGet &&
		live.Status == http.StatusOK &&
		w.sameOrigin(r.URL) &&
		shared(r.Header, live.Header) &&
		w.State() == StateActivated
}

// shared reports whether a response may be stored in a cache that every
// client of the server reads from. Credentialed requests and responses
// that set cookies or opt out of shared caching stay per-request.
func shared(req, resp http.Header) bool {
	if req.Get("Authorization") != "" || req.Get("Cookie") != "" {
		return false
	}
	if len(resp.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range resp.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return false
			}
		}
	}
	return true
}

// writeThrough stores a copy of a live response. The write is detached from
// the request so an abandoned fetch cannot cut it short; failures such as
// an exceeded quota are logged and otherwise ignored.
func (w *Worker) writeThrough(ctx context.Context, cache Cache, key RequestKey, snap Snapshot) {
	if err := cache.Put(context.WithoutCancel(ctx), key, snap); err != nil {
		w.writeLog.Warn("cache write failed", zap.Stringer("key", key), zap.Error(err))
	}
}

func (w *Worker) absolute(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.URL = w.origin.ResolveReference(r.URL)
	out.Host = ""
	out.RequestURI = ""
	return out
}
