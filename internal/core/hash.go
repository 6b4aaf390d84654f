package core

import "unicode/utf16"

// Bucket maps a user id onto [0, 100) deterministically. Percentage rollout
// enables a user when their bucket is below the flag's rollout percentage.
func Bucket(userID string) int {
	return int(bucketHash(userID) % 100)
}

// bucketHash is the classic 31-polynomial string hash with 32-bit signed
// overflow, computed over UTF-16 code units, absolute value taken. Stored
// bucket assumptions depend on this exact algorithm, so it must stay
// bit-compatible across implementations: h = (h << 5) - h + codeUnit,
// truncated to int32 at every step.
func bucketHash(s string) int64 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = h<<5 - h + int32(unit)
	}

	// abs in 64 bits: |MinInt32| overflows int32.
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v
}
