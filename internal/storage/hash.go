package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// FingerprintHash computes a deterministic SHA256 hash over a sorted
// list of parts joined with "|". It underlies both the idempotency
// fingerprint (internal/idempotency) and the order fingerprint
// (hash(supplierId, sorted(productId:quantity), dailyBucket)); the stock
// monitor's dedup key is the plain "productId:supplierId" string and
// does not go through it. SHA256 is used rather than
// a salted password hash (bcrypt) because fingerprints must be fast and
// deterministic: two callers computing the same logical operation in the
// same time bucket must land on the same key, which a random salt would
// defeat.
func FingerprintHash(parts ...string) string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)
	sort.Strings(sorted)

	h := sha256.Sum256([]byte(strings.Join(sorted, "|")))

	return hex.EncodeToString(h[:])
}

// DailyBucket returns floor(unixSeconds / bucketSeconds) as a string, the
// time-bucketing component of every fingerprint in the system.
func DailyBucket(unixSeconds int64, bucketSeconds int64) string {
	if bucketSeconds <= 0 {
		bucketSeconds = 86400
	}

	return strconv.FormatInt(unixSeconds/bucketSeconds, 10)
}

// SanitizeScopeID replaces path separators and NUL bytes in scope/resource
// identifiers so they are safe to use as document ids — lock ids are built
// as "scope:resourceId" and must not smuggle a "/" that a document store
// could misinterpret as a path separator.
func SanitizeScopeID(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "\x00", "")

	return replacer.Replace(id)
}
