// Package upload implements the resumable upload protocol: it turns an
// unbounded, possibly interrupted byte stream into a sequence of
// correctly-sized, correctly-offset PUT requests against a resumable
// session, with mid-stream retry, backoff and server-offset reconciliation.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/gzip"

	"github.com/cloudpipe-io/go-objstore/sessionstore"
	"github.com/cloudpipe-io/go-objstore/transport"
)

// DefaultBaseURL is the upload endpoint of the storage JSON API.
const DefaultBaseURL = "https://storage.googleapis.com/upload/storage/v1"

// defaultBufferLimit caps how far the producer may run ahead of transmission,
// so a large source is never fully resident in memory.
const defaultBufferLimit = 4 * 1024 * 1024

// Config describes one upload. Bucket and Object are required; everything
// else has a usable default.
type Config struct {
	Bucket string
	Object string
	// Generation, when set, becomes part of the cache key so concurrent
	// uploads of different generations do not share session state.
	Generation int64

	// URI is an existing resumable session endpoint supplied by the caller.
	// When set, the uploader resumes against it and a 404 is surfaced
	// instead of triggering a fresh session.
	URI string

	// ChunkSize is the fixed transfer unit in bytes. Zero selects
	// single-shot mode: the whole stream goes out in one request.
	ChunkSize int64

	// ContentLength is the total upload size in bytes. Zero or
	// UnknownLength means the size is not known in advance.
	ContentLength int64

	// Metadata is the object metadata sent with the session creation
	// request. Metadata.Name defaults to Object.
	Metadata ObjectAttrs

	// PredefinedACL, if set, is applied to the created object.
	PredefinedACL string

	// EncryptionKey is a customer-supplied AES-256 key. It is presented as
	// X-Goog-Encryption-* headers on the session creation request; the session
	// carries the key for its subsequent chunks.
	EncryptionKey []byte

	// Params are extra query parameters for the session creation request,
	// e.g. generation preconditions (ifGenerationMatch).
	Params url.Values

	// GzipContent compresses the stream before transmission and marks the
	// object contentEncoding accordingly. Forces unknown-length mode.
	GzipContent bool

	BaseURL   string
	Transport *transport.Adapter
	Store     sessionstore.Store
	Retry     RetryOptions
	Logger    log.Logger
}

// UploadStatus is the server's view of an in-progress session.
type UploadStatus struct {
	// Offset is the next byte position the server expects.
	Offset   int64
	Complete bool
	// Info is set when the upload already completed.
	Info *ObjectInfo
}

// Uploader drives one resumable upload. Create it with New and run it with
// Upload; an Uploader is single-use.
type Uploader struct {
	config    Config
	logger    log.Logger
	transport *transport.Adapter
	store     sessionstore.Store
	retryOpts RetryOptions
	baseURL   string

	buffer  *Buffer
	iter    *Iterator
	pending []byte
	session session
	retry   retryState

	firstBytes   []byte
	requestCount int

	prodMu  sync.Mutex
	prodErr error
}

// New creates an Uploader for the given configuration.
func New(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Object == "" {
		return nil, errors.New("object is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	adapter := cfg.Transport
	if adapter == nil {
		adapter = transport.New(transport.Config{Logger: logger})
	}
	store := cfg.Store
	if store == nil {
		store = sessionstore.NewMemoryStore()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	contentLength := cfg.ContentLength
	if contentLength <= 0 || cfg.GzipContent {
		contentLength = UnknownLength
	}

	bufferLimit := defaultBufferLimit
	if n := int(cfg.ChunkSize) * 2; n > bufferLimit {
		bufferLimit = n
	}

	return &Uploader{
		config:    cfg,
		logger:    logger,
		transport: adapter,
		store:     store,
		retryOpts: cfg.Retry.withDefaults(),
		baseURL:   baseURL,
		buffer:    NewBufferLimit(bufferLimit),
		session: session{
			cacheKey:            cacheKeyFor(cfg.Bucket, cfg.Object, cfg.Generation),
			uri:                 cfg.URI,
			uriProvidedManually: cfg.URI != "",
			contentLength:       contentLength,
			chunkSize:           cfg.ChunkSize,
		},
	}, nil
}

// URI returns the resumable session endpoint, once one exists.
func (u *Uploader) URI() string {
	return u.session.uri
}

// CacheKey returns the stable identifier under which session state is
// persisted.
func (u *Uploader) CacheKey() string {
	return u.session.cacheKey
}

// Upload streams src to the object and blocks until the upload completes or
// fails. Cancelling ctx aborts the in-flight request and stops further
// chunks.
func (u *Uploader) Upload(ctx context.Context, src io.Reader) (*ObjectInfo, error) {
	go u.produce(src)
	// However the upload ends, release the producer; its next buffer write
	// fails and it stops reading src.
	defer u.buffer.Abort()

	info, err := u.run(ctx)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// CheckUploadStatus issues the zero-length offset probe
// (Content-Range: bytes */*) and reports the server's acknowledged position.
// The probe has no side effects and may be repeated.
func (u *Uploader) CheckUploadStatus(ctx context.Context) (*UploadStatus, error) {
	if u.session.uri == "" {
		return nil, errors.New("no upload session to check")
	}

	header := http.Header{}
	header.Set("Content-Range", "bytes */*")

	resp, doErr := u.transport.Do(ctx, transport.Request{
		Method: http.MethodPut,
		URL:    u.session.uri,
		Header: header,
	})
	if resp == nil {
		return nil, fmt.Errorf("query upload status: %w", doErr)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		info := parseObjectInfo(resp.Body)
		return &UploadStatus{Offset: info.Size, Complete: true, Info: info}, nil
	case http.StatusPermanentRedirect:
		var offset int64
		if last, ok := parseRangeEnd(resp.Header.Get("Range")); ok {
			offset = last + 1
		}
		return &UploadStatus{Offset: offset}, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, &SessionExpiredError{StatusCode: resp.StatusCode}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: string(resp.Body)}
	}
}

// produce pipes the upstream into the chunk buffer, optionally through gzip,
// and marks the end of the stream.
func (u *Uploader) produce(src io.Reader) {
	defer u.buffer.Finish()

	if u.config.GzipContent {
		gz := gzip.NewWriter(u.buffer)
		if _, err := io.Copy(gz, src); err != nil {
			u.setProduceError(err)
			return
		}
		if err := gz.Close(); err != nil {
			u.setProduceError(err)
		}
		return
	}

	if _, err := io.Copy(u.buffer, src); err != nil {
		u.setProduceError(err)
	}
}

func (u *Uploader) setProduceError(err error) {
	u.prodMu.Lock()
	defer u.prodMu.Unlock()
	if u.prodErr == nil {
		u.prodErr = err
	}
}

func (u *Uploader) produceError() error {
	u.prodMu.Lock()
	defer u.prodMu.Unlock()
	return u.prodErr
}

func (u *Uploader) run(ctx context.Context) (*ObjectInfo, error) {
	first, err := u.peekFirstBytes(ctx)
	if err != nil {
		return nil, err
	}
	u.firstBytes = first

	info, err := u.resolveSession(ctx)
	if err != nil {
		return nil, err
	}
	if info != nil {
		// A previous attempt already finished this upload.
		return info, nil
	}

	if skip := u.session.offset - u.session.numBytesWritten; skip > 0 {
		if err := u.fastForward(ctx, skip); err != nil {
			return nil, err
		}
	}

	return u.transmit(ctx)
}

// peekFirstBytes reads the stream's leading bytes for the consistency
// fingerprint and puts them back untouched.
func (u *Uploader) peekFirstBytes(ctx context.Context) ([]byte, error) {
	it := NewIterator(u.buffer, fingerprintLength, false)

	var peeked []byte
	for len(peeked) < fingerprintLength {
		data, final, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		peeked = append(peeked, data...)
		if final {
			break
		}
	}

	u.buffer.Unshift(peeked)
	if len(peeked) > fingerprintLength {
		peeked = peeked[:fingerprintLength]
	}
	return peeked, nil
}

// resolveSession establishes the session URI and starting offset, resuming a
// cached session when its fingerprint matches the fresh stream. A non-nil
// ObjectInfo means the upload already completed in a previous attempt.
func (u *Uploader) resolveSession(ctx context.Context) (*ObjectInfo, error) {
	s := &u.session

	if s.uriProvidedManually {
		status, err := u.CheckUploadStatus(ctx)
		if err != nil {
			var expired *SessionExpiredError
			if errors.As(err, &expired) && expired.StatusCode == http.StatusGone {
				// 410 exclusively signals session expiry, so even a
				// caller-supplied session may be replaced.
				return nil, u.startFreshSession(ctx)
			}
			return nil, err
		}
		if status.Complete {
			return status.Info, nil
		}
		s.offset = status.Offset
		return nil, nil
	}

	if record, ok := u.store.Get(s.cacheKey); ok && record.URI != "" {
		if !fingerprintsMatch(record.FirstBytes, u.firstBytes) {
			u.logger.Debugf("Cached session for %s does not match the stream contents, starting fresh", s.cacheKey)
			u.deleteSessionRecord()
		} else {
			s.uri = record.URI
			status, err := u.CheckUploadStatus(ctx)
			switch {
			case err == nil && status.Complete:
				u.deleteSessionRecord()
				return status.Info, nil
			case err == nil:
				u.logger.Debugf("Resuming upload for %s at offset %d", s.cacheKey, status.Offset)
				s.offset = status.Offset
				return nil, nil
			default:
				var expired *SessionExpiredError
				if !errors.As(err, &expired) {
					return nil, err
				}
				// The cached session died while we were away.
				s.uri = ""
				u.deleteSessionRecord()
			}
		}
	}

	return nil, u.startFreshSession(ctx)
}

// startFreshSession issues the session creation request and persists the
// resulting URI. Failures here are terminal, never retried.
func (u *Uploader) startFreshSession(ctx context.Context) error {
	s := &u.session

	attrs := u.config.Metadata
	if attrs.Name == "" {
		attrs.Name = u.config.Object
	}
	if u.config.GzipContent && attrs.ContentEncoding == "" {
		attrs.ContentEncoding = "gzip"
	}

	body, err := json.Marshal(attrs)
	if err != nil {
		return &SessionCreationError{Err: fmt.Errorf("encode object metadata: %w", err)}
	}

	params := url.Values{}
	for key, values := range u.config.Params {
		params[key] = append([]string(nil), values...)
	}
	params.Set("uploadType", "resumable")
	params.Set("name", u.config.Object)
	if u.config.PredefinedACL != "" {
		params.Set("predefinedAcl", u.config.PredefinedACL)
	}
	if attrs.KMSKeyName != "" {
		params.Set("kmsKeyName", attrs.KMSKeyName)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	if s.contentLength != UnknownLength {
		header.Set("X-Upload-Content-Length", strconv.FormatInt(s.contentLength, 10))
	}
	if attrs.ContentType != "" {
		header.Set("X-Upload-Content-Type", attrs.ContentType)
	}
	if key := u.config.EncryptionKey; len(key) > 0 {
		keyHash := sha256.Sum256(key)
		header.Set("X-Goog-Encryption-Algorithm", "AES256")
		header.Set("X-Goog-Encryption-Key", base64.StdEncoding.EncodeToString(key))
		header.Set("X-Goog-Encryption-Key-Sha256", base64.StdEncoding.EncodeToString(keyHash[:]))
	}

	resp, doErr := u.transport.Do(ctx, transport.Request{
		Method:        http.MethodPost,
		URL:           fmt.Sprintf("%s/b/%s/o", u.baseURL, url.PathEscape(u.config.Bucket)),
		Header:        header,
		Params:        params,
		Body:          bytes.NewReader(body),
		ContentLength: int64(len(body)),
	})
	if doErr != nil {
		return &SessionCreationError{Err: doErr}
	}

	uri := resp.Header.Get("Location")
	if uri == "" {
		return &SessionCreationError{Err: errors.New("response carries no session URI")}
	}

	s.uri = uri
	s.offset = 0
	u.persistSession()
	u.logger.Debugf("Created upload session for %s", s.cacheKey)
	return nil
}

// fastForward discards stream bytes the server already holds, so a resumed
// upload continues from the server's offset without fabricating data.
func (u *Uploader) fastForward(ctx context.Context, n int64) error {
	u.logger.Debugf("Skipping %s already accepted by the server",
		units.BytesSize(float64(n)))

	it := NewIterator(u.buffer, 256*1024, false)

	var discarded int64
	for discarded < n {
		data, _, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return &ShortUpstreamError{Expected: n, Got: discarded}
		}
		if err != nil {
			return err
		}

		want := n - discarded
		if int64(len(data)) > want {
			u.buffer.Unshift(data[want:])
			discarded = n
		} else {
			discarded += int64(len(data))
		}
	}

	u.session.numBytesWritten = u.session.offset
	return nil
}

// transmit is the main loop: gather a chunk, send it, interpret the
// response, repeat until the server reports completion.
func (u *Uploader) transmit(ctx context.Context) (*ObjectInfo, error) {
	s := &u.session
	u.iter = NewIterator(u.buffer, int(s.chunkSize), s.singleShot())

	for {
		chunk, final, err := u.gatherChunk(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			// Everything is consumed. A known-length upload normally
			// completes on its last data chunk, so reaching this point means
			// an empty stream or an unknown length awaiting finalization.
			if s.contentLength != UnknownLength && s.numBytesWritten < s.contentLength {
				return nil, &ShortUpstreamError{Expected: s.contentLength, Got: s.numBytesWritten}
			}
			chunk, final = nil, true
		}

		if perr := u.produceError(); perr != nil {
			return nil, fmt.Errorf("read upstream: %w", perr)
		}

		info, done, err := u.sendChunk(ctx, chunk, final)
		if err != nil {
			return nil, err
		}
		if done {
			return info, nil
		}
	}
}

// gatherChunk assembles the next transfer unit from the iterator: exactly
// chunkSize bytes in fixed-chunk mode (less only at the end of the stream),
// or the entire stream in single-shot mode.
func (u *Uploader) gatherChunk(ctx context.Context) ([]byte, bool, error) {
	s := &u.session

	if s.singleShot() {
		return u.iter.Next(ctx)
	}

	want := s.chunkSize
	if r := s.remaining(); r != UnknownLength && r < want {
		want = r
	}
	if want <= 0 {
		if len(u.pending) > 0 {
			return nil, false, fmt.Errorf("upstream produced more than the declared %d bytes", s.contentLength)
		}
		return nil, true, io.EOF
	}

	chunk := u.pending
	u.pending = nil
	var final bool

	for int64(len(chunk)) < want {
		data, f, err := u.iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			final = true
			break
		}
		if err != nil {
			return nil, false, err
		}
		chunk = append(chunk, data...)
		if f {
			final = true
			break
		}
	}

	if int64(len(chunk)) > want {
		// Chunk boundary overshoot: carry the surplus to the next gather.
		u.pending = append([]byte(nil), chunk[want:]...)
		chunk = chunk[:want]
		final = false
	}

	if len(chunk) == 0 && final {
		return nil, true, io.EOF
	}

	// With a known total length the last chunk is identifiable without
	// waiting for the upstream to close.
	if r := s.remaining(); r != UnknownLength && int64(len(chunk)) == r && len(u.pending) == 0 {
		final = true
	}

	return chunk, final, nil
}

// sendChunk transmits one chunk and interprets the response, retrying
// transient failures in place. done reports terminal success.
func (u *Uploader) sendChunk(ctx context.Context, chunk []byte, final bool) (info *ObjectInfo, done bool, err error) {
	s := &u.session

	contentRange := u.contentRangeFor(chunk, final)
	sendOffset := s.offset
	s.numBytesWritten += int64(len(chunk))

	for {
		u.retry.begin()
		u.logger.Debugf("Uploading %s at offset %d (%s)",
			units.BytesSize(float64(len(chunk))), sendOffset, contentRange)

		header := http.Header{}
		header.Set("Content-Range", contentRange)

		var body io.Reader
		if len(chunk) > 0 {
			body = bytes.NewReader(chunk)
		}

		resp, doErr := u.transport.Do(ctx, transport.Request{
			Method:        http.MethodPut,
			URL:           s.uri,
			Header:        header,
			Body:          body,
			ContentLength: int64(len(chunk)),
		})
		u.requestCount++

		if resp == nil {
			if ctx.Err() != nil {
				return nil, false, doErr
			}
			if !u.retryOpts.Retryable(0, doErr) {
				return nil, false, doErr
			}
			if rerr := u.backoff(ctx, 0, doErr.Error()); rerr != nil {
				return nil, false, rerr
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			u.deleteSessionRecord()
			return parseObjectInfo(resp.Body), true, nil

		case resp.StatusCode == http.StatusPermanentRedirect:
			return nil, false, u.reconcileOffset(resp, chunk, sendOffset)

		case resp.StatusCode == http.StatusNotFound && s.uriProvidedManually:
			return nil, false, &SessionExpiredError{StatusCode: resp.StatusCode}

		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return nil, false, u.restartSession(ctx, chunk, sendOffset)

		case u.retryOpts.Retryable(resp.StatusCode, doErr):
			if rerr := u.backoff(ctx, resp.StatusCode, string(resp.Body)); rerr != nil {
				return nil, false, rerr
			}
			continue

		default:
			return nil, false, &StatusError{StatusCode: resp.StatusCode, Message: string(resp.Body)}
		}
	}
}

// reconcileOffset applies a 308 response: advance to the server's
// acknowledged position and restore any unacknowledged suffix of the chunk
// to the buffer so it is retransmitted.
func (u *Uploader) reconcileOffset(resp *transport.Response, chunk []byte, sendOffset int64) error {
	s := &u.session

	var acked int64
	if last, ok := parseRangeEnd(resp.Header.Get("Range")); ok {
		acked = last + 1
	}

	sentEnd := sendOffset + int64(len(chunk))
	switch {
	case acked > sentEnd:
		return &StatusError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("server acknowledged %d bytes but only %d were sent", acked, sentEnd),
		}
	case acked < sendOffset:
		// The server lost bytes that predate the retained chunk; nothing
		// left to retransmit them from.
		return &DataLossError{MissingBytes: sendOffset - acked}
	case acked < sentEnd:
		u.logger.Debugf("Server accepted %d of %d bytes, re-queueing the rest",
			acked-sendOffset, len(chunk))
		u.restoreToBuffer(chunk[acked-sendOffset:])
	}

	s.offset = acked
	s.numBytesWritten = acked
	u.persistSession()
	return nil
}

// restoreToBuffer puts unacknowledged bytes back at the front of the stream,
// in order, and resets the iterator over the restored state.
func (u *Uploader) restoreToBuffer(data []byte) {
	if len(u.pending) > 0 {
		u.buffer.Unshift(u.pending)
		u.pending = nil
	}
	u.buffer.Unshift(data)
	u.iter = NewIterator(u.buffer, int(u.session.chunkSize), u.session.singleShot())
}

// restartSession replaces a lost session with a fresh one and rewinds to
// offset zero. Only possible while every transmitted byte is still
// retransmittable.
func (u *Uploader) restartSession(ctx context.Context, chunk []byte, sendOffset int64) error {
	s := &u.session

	if sendOffset > 0 {
		return &DataLossError{MissingBytes: sendOffset}
	}

	u.logger.Warnf("Upload session for %s is gone, restarting from scratch", s.cacheKey)

	u.restoreToBuffer(chunk)
	u.deleteSessionRecord()
	s.uri = ""
	s.uriProvidedManually = false
	s.offset = 0
	s.numBytesWritten = 0
	u.retry.reset()

	return u.startFreshSession(ctx)
}

// backoff counts a retry against the session's limits and sleeps the
// exponential delay. The sleep is cancellable through ctx.
func (u *Uploader) backoff(ctx context.Context, statusCode int, cause string) error {
	u.retry.numRetries++
	if u.retry.numRetries > u.retryOpts.RetryLimit {
		return &RetryLimitExceededError{
			Attempts:   u.retry.numRetries,
			StatusCode: statusCode,
			Message:    cause,
		}
	}

	delay := u.retry.delay(u.retryOpts)
	if delay <= 0 {
		return &RetryBudgetExceededError{Elapsed: time.Since(u.retry.timeOfFirstRequest)}
	}

	u.logger.Warnf("Transient upload failure (status %d), retry %d/%d in %s",
		statusCode, u.retry.numRetries, u.retryOpts.RetryLimit, delay.Round(time.Millisecond))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// contentRangeFor frames the Content-Range header for a chunk at the current
// offset. A request that is both the first and the last of the stream keeps
// the open-ended form; sequences of chunks carry explicit end bytes.
func (u *Uploader) contentRangeFor(chunk []byte, final bool) string {
	s := &u.session
	n := int64(len(chunk))

	if n == 0 {
		total := s.numBytesWritten
		if s.contentLength != UnknownLength {
			total = s.contentLength
		}
		return fmt.Sprintf("bytes */%d", total)
	}

	total := "*"
	if s.contentLength != UnknownLength {
		total = strconv.FormatInt(s.contentLength, 10)
	} else if final {
		total = strconv.FormatInt(s.offset+n, 10)
	}

	if s.singleShot() || (u.requestCount == 0 && final && s.offset == 0) {
		return fmt.Sprintf("bytes %d-*/%s", s.offset, total)
	}
	return fmt.Sprintf("bytes %d-%d/%s", s.offset, s.offset+n-1, total)
}

func (u *Uploader) persistSession() {
	record := sessionstore.Record{
		URI:        u.session.uri,
		FirstBytes: u.firstBytes,
	}
	if err := u.store.Set(u.session.cacheKey, record); err != nil {
		// Best effort: losing the cache only loses resumability.
		u.logger.Warnf("persist upload session: %s", err)
	}
}

func (u *Uploader) deleteSessionRecord() {
	if err := u.store.Delete(u.session.cacheKey); err != nil {
		u.logger.Warnf("delete upload session record: %s", err)
	}
}

// parseRangeEnd extracts the last acknowledged byte index from a Range
// response header of the form "bytes=0-N".
func parseRangeEnd(header string) (int64, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}

	header = strings.TrimPrefix(header, "bytes=")
	idx := strings.LastIndex(header, "-")
	if idx < 0 {
		return 0, false
	}

	last, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil || last < 0 {
		return 0, false
	}
	return last, true
}

func parseObjectInfo(body []byte) *ObjectInfo {
	info := &ObjectInfo{}
	if len(body) == 0 {
		return info
	}
	// A malformed body only degrades the returned metadata; the upload
	// itself succeeded.
	_ = json.Unmarshal(body, info)
	return info
}
