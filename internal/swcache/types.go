package swcache

import (
	"net/http"
	"strings"
)

// RequestKey identifies a cached response: method plus absolute URL.
type RequestKey struct {
	Method string
	URL    string
}

func NewRequestKey(method, rawURL string) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: rawURL}
}

// KeyFor derives the key of an outbound request. r.URL must be absolute.
func KeyFor(r *http.Request) RequestKey {
	return NewRequestKey(r.Method, r.URL.String())
}

func (k RequestKey) String() string { return k.Method + " " + k.URL }

func ParseRequestKey(s string) (RequestKey, bool) {
	method, u, ok := strings.Cut(s, " ")
	if !ok || method == "" || u == "" {
		return RequestKey{}, false
	}
	return RequestKey{Method: method, URL: u}, true
}

// Snapshot is a captured, replayable response. Once stored it is never
// mutated; readers get their own copy.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = cloneHeader(s.Header)
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}

type Entry struct {
	Key      RequestKey
	Snapshot Snapshot
}

// Outcome says how a fetch was resolved. It is reported in the X-Swcache
// response header.
type Outcome string

const (
	OutcomeHit          Outcome = "hit"
	OutcomeMiss         Outcome = "miss"
	OutcomeNetwork      Outcome = "network"
	OutcomeFallback     Outcome = "fallback"
	OutcomeBypass       Outcome = "bypass"
	OutcomeUncontrolled Outcome = "uncontrolled"
)

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
