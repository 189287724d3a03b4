package ratelimit

import (
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// FingerprintBucket maps a user-agent string onto one of n buckets.
//
// Bucketing keeps key cardinality low: clients sharing a NAT address are split
// into a bounded number of groups, without giving every browser build its own window.
func FingerprintBucket(userAgent string, n int) int {
	if n <= 0 {
		n = DefaultFingerprintBuckets
	}
	sum := blake2b.Sum256([]byte(strings.TrimSpace(userAgent)))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}

// AddressKey derives the admission-control key for an address and user agent.
func AddressKey(address, userAgent string, buckets int) string {
	return address + "|" + strconv.Itoa(FingerprintBucket(userAgent, buckets))
}
