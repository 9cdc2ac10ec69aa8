package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverPrecache walks the given sitemaps, following nested sitemap
// indexes, and returns the same-origin paths they list. The result feeds
// the worker's best-effort precache list.
func discoverPrecache(ctx context.Context, f Fetcher, origin string, sitemaps []string, log *zap.Logger) ([]string, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}

	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var paths []string

	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, absoluteURL(origin, sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, f, smURL)
		if err != nil {
			return paths, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, absoluteURL(origin, nested))
			}
		}

		ignored := 0
		for _, loc := range doc.URLs {
			path, ok := sameOriginPath(base, loc)
			if !ok {
				ignored++
				continue
			}
			if _, dup := seenPaths[path]; dup {
				continue
			}
			seenPaths[path] = struct{}{}
			paths = append(paths, path)
		}
		log.Debug("sitemap read",
			zap.String("sitemap", smURL),
			zap.Int("urls", len(doc.URLs)),
			zap.Int("ignored", ignored),
		)
	}
	return paths, nil
}

func fetchSitemap(ctx context.Context, f Fetcher, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, http.NoBody)
	if err != nil {
		return sitemapDoc{}, err
	}
	snap, err := f.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if snap.Status < 200 || snap.Status >= 300 {
		b := snap.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", snap.Status, strings.TrimSpace(string(b)))
	}

	body := snap.Body
	// .gz sitemaps may or may not arrive already decoded.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func absoluteURL(origin, u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return origin + u
}

// sameOriginPath returns the request URI of loc when it belongs to base.
// Relative locs are taken as paths on base.
func sameOriginPath(base *url.URL, loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	if u.IsAbs() && (!strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host)) {
		return "", false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path, true
}
