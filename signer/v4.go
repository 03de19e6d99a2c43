package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	v4Algorithm  = "GOOG4-RSA-SHA256"
	v4MaxExpiry  = 7 * 24 * 60 * 60 // seconds
	v4CredSuffix = "auto/storage/goog4_request"
)

// signedURLV4 builds and signs the V4 canonical request. The expiration cap
// is enforced before the credential signer is ever invoked.
func signedURLV4(ctx context.Context, bucket, object string, creds Credentials, opts Options) (string, error) {
	now := nowFunc(opts)().UTC()

	if !opts.Expires.After(now) {
		return "", &InvalidExpirationError{Reason: "expiration is in the past"}
	}
	expiresSec := int64(opts.Expires.Sub(now).Seconds())
	if expiresSec > v4MaxExpiry {
		return "", &InvalidExpirationError{Reason: "expiration exceeds the seven day maximum"}
	}

	host := hostOrDefault(opts)
	timestamp := now.Format("20060102T150405Z")
	datestamp := now.Format("20060102")
	scope := fmt.Sprintf("%s/%s", datestamp, v4CredSuffix)

	headers := url.Values{}
	headers.Set("host", host)
	for name, values := range opts.Headers {
		lower := strings.ToLower(strings.TrimSpace(name))
		for _, v := range values {
			headers.Add(lower, collapseWhitespace(v))
		}
	}
	if opts.ContentType != "" {
		headers.Set("content-type", collapseWhitespace(opts.ContentType))
	}
	canonicalHeaders, signedHeaders := canonicalHeadersV4(headers)

	query := url.Values{}
	for key, values := range opts.QueryParameters {
		query[key] = append([]string(nil), values...)
	}
	query.Set("X-Goog-Algorithm", v4Algorithm)
	query.Set("X-Goog-Credential", fmt.Sprintf("%s/%s", creds.ClientEmail(), scope))
	query.Set("X-Goog-Date", timestamp)
	query.Set("X-Goog-Expires", strconv.FormatInt(expiresSec, 10))
	query.Set("X-Goog-SignedHeaders", signedHeaders)
	canonicalQuery := canonicalQueryV4(query)

	path := fmt.Sprintf("/%s/%s", bucket, object)

	var canonicalRequest strings.Builder
	fmt.Fprintf(&canonicalRequest, "%s\n", opts.Method)
	fmt.Fprintf(&canonicalRequest, "%s\n", pathEncodeV4(path))
	fmt.Fprintf(&canonicalRequest, "%s\n", canonicalQuery)
	fmt.Fprintf(&canonicalRequest, "%s\n", canonicalHeaders)
	fmt.Fprintf(&canonicalRequest, "%s\n", signedHeaders)
	canonicalRequest.WriteString("UNSIGNED-PAYLOAD")

	requestHash := sha256.Sum256([]byte(canonicalRequest.String()))

	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%s",
		v4Algorithm, timestamp, scope, hex.EncodeToString(requestHash[:]))

	signature, err := creds.SignBlob(ctx, []byte(stringToSign))
	if err != nil {
		return "", &SigningError{Err: err}
	}

	return fmt.Sprintf("https://%s%s?%s&X-Goog-Signature=%s",
		host, pathEncodeV4(path), canonicalQuery, hex.EncodeToString(signature)), nil
}

// canonicalHeadersV4 renders headers as sorted lower-cased "name:value"
// lines, each terminated by a newline, and the semicolon-joined name list.
func canonicalHeadersV4(headers url.Values) (canonical, signed string) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s:%s\n", name, strings.Join(headers[name], ","))
	}
	return b.String(), strings.Join(names, ";")
}

// canonicalQueryV4 percent-encodes keys and values over the unreserved
// character set and sorts by key.
func canonicalQueryV4(query url.Values) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			pairs = append(pairs, fmt.Sprintf("%s=%s", percentEncodeV4(key), percentEncodeV4(value)))
		}
	}
	return strings.Join(pairs, "&")
}

// percentEncodeV4 escapes everything outside the unreserved set
// (A-Z a-z 0-9 - _ . ~) with uppercase hex.
func percentEncodeV4(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreservedV4(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// pathEncodeV4 is percentEncodeV4 with the path separator kept literal.
func pathEncodeV4(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = percentEncodeV4(segment)
	}
	return strings.Join(segments, "/")
}

func isUnreservedV4(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}
