package upload

import "fmt"

// UnknownLength marks an upload whose total size is not known in advance.
// Such uploads are streamed to completion and finalized with a closing
// zero-length request.
const UnknownLength int64 = -1

// session is the mutable state of one resumable upload. It is owned by a
// single Uploader and mutated only by its control loop.
type session struct {
	cacheKey string

	// uri is the server-issued resumable session endpoint, empty until
	// created or recovered from the session store.
	uri string

	// uriProvidedManually blocks the create-a-fresh-session fallback on 404:
	// a caller-supplied endpoint is not ours to replace.
	uriProvidedManually bool

	// offset is the next byte position the server expects. It never
	// decreases except when a lost session is restarted from zero.
	offset int64

	// numBytesWritten counts stream bytes handed to requests and not
	// restored to the buffer. Always >= offset while a request is in flight.
	numBytesWritten int64

	contentLength int64
	chunkSize     int64
}

// singleShot reports whether the whole stream is transmitted in one request.
func (s *session) singleShot() bool {
	return s.chunkSize <= 0
}

// remaining returns how many bytes of a known-length upload are still
// unconsumed, or UnknownLength.
func (s *session) remaining() int64 {
	if s.contentLength == UnknownLength {
		return UnknownLength
	}
	return s.contentLength - s.numBytesWritten
}

func cacheKeyFor(bucket, object string, generation int64) string {
	if generation != 0 {
		return fmt.Sprintf("%s/%s/%d", bucket, object, generation)
	}
	return fmt.Sprintf("%s/%s", bucket, object)
}
