package upload

import "bytes"

// fingerprintLength is how many leading stream bytes are compared against a
// cached session before resuming it. The check is a heuristic: it catches
// uploading different content under a stale cache key, and a false negative
// only costs a clean restart.
const fingerprintLength = 16

// fingerprintsMatch compares the cached leading bytes against the fresh
// stream's. An absent cached fingerprint matches anything: old cache entries
// predate the check.
func fingerprintsMatch(cached, fresh []byte) bool {
	if len(cached) == 0 {
		return true
	}

	n := len(cached)
	if len(fresh) < n {
		n = len(fresh)
	}
	return bytes.Equal(cached[:n], fresh[:n])
}
