// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// jitterBetween returns a uniformly distributed duration in [lo, hi], drawn
// from crypto/rand so the request cadence cannot be predicted.
func jitterBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := uint64(hi - lo)
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Degraded randomness is still a valid delay.
		return lo
	}
	n := binary.BigEndian.Uint64(buf[:]) % (span + 1)
	return lo + time.Duration(n)
}
