// Package rtt implements the four-timestamp reflected-timing RTT
// computation and the per-neighbor step detector that separates sustained
// RTT changes from sample noise.
package rtt

import "time"

// Compute implements the four-timestamp RTT formula from section 4.5:
//
//	rtt = (myRecv - mySent) - (nbrSent - nbrRecv)
//
// All four timestamps are microseconds since the Unix epoch, as carried on
// the wire. It returns (0, false) when any mandatory timestamp is zero,
// when either peer's send/receive ordering is inverted (clock skew), or
// when the result would be non-positive (a clock jump that will
// self-correct on the next sample). On success the result is rounded down
// to millisecond granularity and floored at 1ms.
func Compute(mySentUs, nbrRecvUs, nbrSentUs, myRecvUs int64) (time.Duration, bool) {
	if mySentUs == 0 || nbrRecvUs == 0 || nbrSentUs == 0 || myRecvUs == 0 {
		return 0, false
	}
	if nbrSentUs < nbrRecvUs || myRecvUs < mySentUs {
		return 0, false
	}
	rawUs := (myRecvUs - mySentUs) - (nbrSentUs - nbrRecvUs)
	if rawUs <= 0 {
		return 0, false
	}
	ms := rawUs / 1000
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond, true
}
