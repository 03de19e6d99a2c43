// Package signer produces signed URLs and POST policy documents for objects,
// delegating the actual signature to an injected credential signer.
package signer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultHost is the public object endpoint signed URLs point at.
const DefaultHost = "storage.googleapis.com"

// Credentials signs blobs on behalf of a service account. Implementations
// typically delegate to a local private key or a remote signing API.
type Credentials interface {
	// ClientEmail returns the service account email embedded in signed URLs.
	ClientEmail() string
	// SignBlob signs b and returns the raw signature bytes.
	SignBlob(ctx context.Context, b []byte) ([]byte, error)
}

// Scheme selects the signing algorithm.
type Scheme int

const (
	// SchemeV2 is the legacy signature embedded in GoogleAccessId/Expires/
	// Signature query parameters.
	SchemeV2 Scheme = iota
	// SchemeV4 is the canonical-request signature carried in X-Goog-*
	// query parameters. Expiration is capped at 7 days.
	SchemeV4
)

// Options configures a signed URL.
type Options struct {
	Scheme Scheme

	// Method is the HTTP method the URL is valid for. Required.
	Method string

	// Expires is when the URL stops working. Required.
	Expires time.Time

	// ContentType, if set, must be presented by the request using the URL.
	ContentType string

	// ContentMD5 is the base64 MD5 the request must carry. V2 only.
	ContentMD5 string

	// Headers are extension headers the request must present.
	Headers http.Header

	// QueryParameters are extra query parameters included in the signature.
	// V4 only.
	QueryParameters url.Values

	// Host overrides DefaultHost.
	Host string

	// Now is the clock used for expiration math; defaults to time.Now.
	// Exists for tests.
	Now func() time.Time
}

// SigningError wraps a credential signer failure so callers can tell it
// apart from input validation problems.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign request: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// InvalidExpirationError reports an unusable expiration before any signing
// happens.
type InvalidExpirationError struct {
	Reason string
}

func (e *InvalidExpirationError) Error() string {
	return fmt.Sprintf("invalid expiration: %s", e.Reason)
}

// SignedURL returns a URL granting temporary access to the object.
func SignedURL(ctx context.Context, bucket, object string, creds Credentials, opts Options) (string, error) {
	if creds == nil {
		return "", errors.New("credentials are required")
	}
	if bucket == "" || object == "" {
		return "", errors.New("bucket and object are required")
	}
	if opts.Method == "" {
		return "", errors.New("method is required")
	}
	if opts.Expires.IsZero() {
		return "", &InvalidExpirationError{Reason: "expiration is not set"}
	}

	switch opts.Scheme {
	case SchemeV2:
		return signedURLV2(ctx, bucket, object, creds, opts)
	case SchemeV4:
		return signedURLV4(ctx, bucket, object, creds, opts)
	default:
		return "", fmt.Errorf("unknown signing scheme %d", opts.Scheme)
	}
}

// signedURLV2 signs the legacy canonical string:
//
//	METHOD\nMD5\nContentType\nExpires\n{headers}{resource}
func signedURLV2(ctx context.Context, bucket, object string, creds Credentials, opts Options) (string, error) {
	resource := fmt.Sprintf("/%s/%s", bucket, object)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", opts.Method)
	fmt.Fprintf(&b, "%s\n", opts.ContentMD5)
	fmt.Fprintf(&b, "%s\n", opts.ContentType)
	fmt.Fprintf(&b, "%d\n", opts.Expires.Unix())
	b.WriteString(canonicalHeadersV2(opts.Headers))
	b.WriteString(resource)

	signature, err := creds.SignBlob(ctx, []byte(b.String()))
	if err != nil {
		return "", &SigningError{Err: err}
	}

	u := url.URL{
		Scheme: "https",
		Host:   hostOrDefault(opts),
		Path:   resource,
	}
	q := url.Values{}
	q.Set("GoogleAccessId", creds.ClientEmail())
	q.Set("Expires", strconv.FormatInt(opts.Expires.Unix(), 10))
	q.Set("Signature", base64.StdEncoding.EncodeToString(signature))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// canonicalHeadersV2 renders extension headers as "name:value\n" lines,
// lower-cased and sorted, multiple values joined by comma.
func canonicalHeadersV2(headers http.Header) string {
	if len(headers) == 0 {
		return ""
	}

	names := make([]string, 0, len(headers))
	byName := make(map[string][]string, len(headers))
	for name, values := range headers {
		lower := strings.ToLower(strings.TrimSpace(name))
		if _, seen := byName[lower]; !seen {
			names = append(names, lower)
		}
		byName[lower] = append(byName[lower], values...)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		values := make([]string, 0, len(byName[name]))
		for _, v := range byName[name] {
			values = append(values, collapseWhitespace(v))
		}
		fmt.Fprintf(&b, "%s:%s\n", name, strings.Join(values, ","))
	}
	return b.String()
}

// collapseWhitespace trims v and squeezes internal whitespace runs into a
// single space.
func collapseWhitespace(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func hostOrDefault(opts Options) string {
	if opts.Host != "" {
		return opts.Host
	}
	return DefaultHost
}

func nowFunc(opts Options) func() time.Time {
	if opts.Now != nil {
		return opts.Now
	}
	return time.Now
}
