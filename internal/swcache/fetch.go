package swcache

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs a network request and captures the full response. Any
// HTTP status is a successful fetch; only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (Snapshot, error)
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type NetworkFetcher struct {
	Client HTTPClient
}

func NewNetworkFetcher(timeout time.Duration) *NetworkFetcher {
	return &NetworkFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *NetworkFetcher) Fetch(ctx context.Context, r *http.Request) (Snapshot, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return Snapshot{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	snap.Header.Del("Content-Length")
	removeHopHeaders(snap.Header)
	return snap, nil
}

// hopHeaders apply to a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	removeHopHeaders(dst)
}

// removeHopHeaders drops the hop-by-hop headers from h, including any
// named in its Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// IsNavigation reports whether r is a top-level document load. Browsers
// label those with Sec-Fetch-Mode; older clients are recognised by a GET
// that accepts HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
