package swcache

import (
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// statsCollector counts fetch outcomes and the size of served bodies.
type statsCollector struct {
	hits         atomic.Uint64
	misses       atomic.Uint64
	network      atomic.Uint64
	fallbacks    atomic.Uint64
	bypassed     atomic.Uint64
	uncontrolled atomic.Uint64
	failures     atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveFailure() { s.failures.Add(1) }

func (s *statsCollector) Observe(outcome Outcome, respBytes int) {
	switch outcome {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeNetwork:
		s.network.Add(1)
	case OutcomeFallback:
		s.fallbacks.Add(1)
	case OutcomeBypass:
		s.bypassed.Add(1)
	case OutcomeUncontrolled:
		s.uncontrolled.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	storeIf(&s.minRespBytes, n, func(n, cur uint64) bool { return n < cur })
	storeIf(&s.maxRespBytes, n, func(n, cur uint64) bool { return n > cur })
}

// storeIf replaces the value of a with n for as long as better(n, current)
// holds, retrying when another writer got there first.
func storeIf(a *atomic.Uint64, n uint64, better func(n, cur uint64) bool) {
	for cur := a.Load(); better(n, cur); cur = a.Load() {
		if a.CompareAndSwap(cur, n) {
			return
		}
	}
}

type statsSnapshot struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Network      uint64 `json:"network"`
	Fallbacks    uint64 `json:"fallbacks"`
	Bypassed     uint64 `json:"bypassed"`
	Uncontrolled uint64 `json:"uncontrolled"`
	Failures     uint64 `json:"failures"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Network:      s.network.Load(),
		Fallbacks:    s.fallbacks.Load(),
		Bypassed:     s.bypassed.Load(),
		Uncontrolled: s.uncontrolled.Load(),
		Failures:     s.failures.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

var formatByteUnits = []string{"kb", "mb", "gb"}

// formatBytes renders b for log lines, e.g. 900b, 1.5kb, 2mb.
func formatBytes(b uint64) string {
	if b < 1024 {
		return strconv.FormatUint(b, 10) + "b"
	}
	v := float64(b) / 1024
	unit := 0
	for v >= 1024 && unit < len(formatByteUnits)-1 {
		v /= 1024
		unit++
	}
	return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0") + formatByteUnits[unit]
}
