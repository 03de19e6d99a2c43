package signer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostPolicyOptions configures a signed POST policy document, which lets a
// browser form upload directly into the bucket under the stated conditions.
type PostPolicyOptions struct {
	Bucket string
	Object string

	// Expires is when the policy stops being accepted. Required.
	Expires time.Time

	// Conditions are extra raw policy conditions, appended verbatim after
	// the bucket and key conditions.
	Conditions []interface{}

	// Now is the clock used for expiration validation; defaults to time.Now.
	Now func() time.Time
}

// PostPolicy is a signed policy document ready to be embedded in an HTML
// form.
type PostPolicy struct {
	// GoogleAccessID identifies the signing service account.
	GoogleAccessID string
	// Policy is the base64-encoded policy document.
	Policy string
	// Signature is the base64-encoded signature over Policy.
	Signature string
}

type policyDocument struct {
	Expiration string        `json:"expiration"`
	Conditions []interface{} `json:"conditions"`
}

// SignedPostPolicy builds and signs a POST policy document for the object.
func SignedPostPolicy(ctx context.Context, creds Credentials, opts PostPolicyOptions) (*PostPolicy, error) {
	if creds == nil {
		return nil, errors.New("credentials are required")
	}
	if opts.Bucket == "" || opts.Object == "" {
		return nil, errors.New("bucket and object are required")
	}
	if opts.Expires.IsZero() {
		return nil, &InvalidExpirationError{Reason: "expiration is not set"}
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	if !opts.Expires.After(now()) {
		return nil, &InvalidExpirationError{Reason: "expiration is in the past"}
	}

	conditions := []interface{}{
		map[string]string{"bucket": opts.Bucket},
		map[string]string{"key": opts.Object},
	}
	conditions = append(conditions, opts.Conditions...)

	document, err := json.Marshal(policyDocument{
		Expiration: opts.Expires.UTC().Format(time.RFC3339),
		Conditions: conditions,
	})
	if err != nil {
		return nil, fmt.Errorf("encode policy document: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(document)

	signature, err := creds.SignBlob(ctx, []byte(encoded))
	if err != nil {
		return nil, &SigningError{Err: err}
	}

	return &PostPolicy{
		GoogleAccessID: creds.ClientEmail(),
		Policy:         encoded,
		Signature:      base64.StdEncoding.EncodeToString(signature),
	}, nil
}
