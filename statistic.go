package octobuild

import (
	"fmt"
	"sync/atomic"
)

// Statistic holds the relaxed atomic counters a build accumulates:
// cache hits/misses (in both count and byte terms) and remote
// dispatches. A zero Statistic is ready to use.
type Statistic struct {
	hitCount    int64
	hitBytes    int64
	missCount   int64
	missBytes   int64
	remoteCount int64
}

// AddHit records a cache hit that restored n decompressed bytes.
func (s *Statistic) AddHit(n int64) {
	atomic.AddInt64(&s.hitCount, 1)
	atomic.AddInt64(&s.hitBytes, n)
}

// AddMiss records a cache miss that wrote n compressed bytes.
func (s *Statistic) AddMiss(n int64) {
	atomic.AddInt64(&s.missCount, 1)
	atomic.AddInt64(&s.missBytes, n)
}

// AddRemote records a compile step dispatched to a remote builder.
func (s *Statistic) AddRemote() {
	atomic.AddInt64(&s.remoteCount, 1)
}

// StatisticSnapshot is a point-in-time, non-atomic copy of Statistic,
// safe to print or compare.
type StatisticSnapshot struct {
	HitCount    int64
	HitBytes    int64
	MissCount   int64
	MissBytes   int64
	RemoteCount int64
}

// Snapshot takes a consistent-enough (each field independently
// atomic, not a joint transaction) copy of the counters.
func (s *Statistic) Snapshot() StatisticSnapshot {
	return StatisticSnapshot{
		HitCount:    atomic.LoadInt64(&s.hitCount),
		HitBytes:    atomic.LoadInt64(&s.hitBytes),
		MissCount:   atomic.LoadInt64(&s.missCount),
		MissBytes:   atomic.LoadInt64(&s.missBytes),
		RemoteCount: atomic.LoadInt64(&s.remoteCount),
	}
}

func (s *Statistic) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("%d hits (%d bytes), %d misses (%d bytes), %d remote",
		snap.HitCount, snap.HitBytes, snap.MissCount, snap.MissBytes, snap.RemoteCount)
}
