package transport

import (
	"hash/fnv"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// bucketCount is N in the spec's "N independent bucketed-time-series
// counters" rate-limiting design: enough buckets that two unrelated
// (ifName, sourceIP) pairs rarely collide, without keeping one counter per
// source.
const bucketCount = 1024

type bucket struct {
	count atomic.Int64
}

// RateLimiter enforces a per-second cap on inbound packets, independent of
// the packet's contents: buckets reset once per second (via the
// cache entry's TTL) and are shared across every (ifName, sourceIP) pair
// that hashes to the same bucket, a TTL-bucket dedup cache repurposed for
// rate admission instead of dedup.
type RateLimiter struct {
	cache     *ttlcache.Cache[uint32, *bucket]
	capPerSec int64
}

// NewRateLimiter returns a RateLimiter admitting at most capPerSecond
// packets per bucket per second.
func NewRateLimiter(capPerSecond int64) *RateLimiter {
	return &RateLimiter{
		cache: ttlcache.New[uint32, *bucket](
			ttlcache.WithTTL[uint32, *bucket](time.Second),
			ttlcache.WithDisableTouchOnHit[uint32, *bucket](),
		),
		capPerSec: capPerSecond,
	}
}

// Allow reports whether a packet from srcAddr on ifName is within the
// current second's budget for its bucket, incrementing that bucket's
// counter regardless of outcome.
func (r *RateLimiter) Allow(ifName string, srcAddr netip.Addr) bool {
	idx := bucketFor(ifName, srcAddr)
	item := r.cache.Get(idx)
	var b *bucket
	if item == nil {
		b = &bucket{}
		r.cache.Set(idx, b, ttlcache.DefaultTTL)
	} else {
		b = item.Value()
	}
	return b.count.Add(1) <= r.capPerSec
}

func bucketFor(ifName string, srcAddr netip.Addr) uint32 {
	h := fnv.New32a()
	h.Write([]byte(ifName))
	h.Write([]byte{0})
	b := srcAddr.As16()
	h.Write(b[:])
	return h.Sum32() % bucketCount
}
