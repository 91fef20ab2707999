// Package uptoken parses upload credentials.
//
// An upload token has the form <accessKey>:<signature>:<policy>, where policy is the
// URL-safe base64 encoding of a JSON document such as
//
//	{"scope":"my-bucket:path/to/key","deadline":1700000000}
//
// Signatures are checked by the server, this package only extracts routing information.
package uptoken

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidToken is wrapped by every parse failure.
var ErrInvalidToken = errors.New("invalid upload token")

// Credential is a parsed upload token.
type Credential struct {
	// Token is the raw token, sent as is to the server.
	Token       string
	AccessKeyID string
	Bucket      string
	// Key is set when the token is scoped to a single object.
	Key string
	// Deadline is zero when the policy has no deadline.
	Deadline time.Time
}

type putPolicy struct {
	Scope    string `json:"scope"`
	Deadline int64  `json:"deadline"`
}

// Parse extracts the access key, bucket and deadline of token.
func Parse(token string) (Credential, error) {
	parts := strings.Split(strings.TrimSpace(token), ":")
	if len(parts) != 3 {
		return Credential{}, fmt.Errorf("%w: expected 3 colon separated parts, got %d", ErrInvalidToken, len(parts))
	}
	accessKey, sign, encodedPolicy := parts[0], parts[1], parts[2]
	if accessKey == "" || sign == "" || encodedPolicy == "" {
		return Credential{}, fmt.Errorf("%w: empty token part", ErrInvalidToken)
	}

	raw, err := decodeBase64(encodedPolicy)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: decode policy: %s", ErrInvalidToken, err)
	}

	var policy putPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return Credential{}, fmt.Errorf("%w: parse policy: %s", ErrInvalidToken, err)
	}

	bucket, key := policy.Scope, ""
	if i := strings.Index(policy.Scope, ":"); i >= 0 {
		bucket, key = policy.Scope[:i], policy.Scope[i+1:]
	}
	if bucket == "" {
		return Credential{}, fmt.Errorf("%w: policy has no bucket scope", ErrInvalidToken)
	}

	cred := Credential{
		Token:       token,
		AccessKeyID: accessKey,
		Bucket:      bucket,
		Key:         key,
	}
	if policy.Deadline > 0 {
		cred.Deadline = time.Unix(policy.Deadline, 0)
	}
	return cred, nil
}

// Expired reports whether the token deadline has passed at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.Deadline.IsZero() && !now.Before(c.Deadline)
}

// Encode builds an unsigned-looking token for the given policy, mostly useful in tests and local setups.
func Encode(accessKey, sign, bucket, key string, deadline time.Time) string {
	scope := bucket
	if key != "" {
		scope += ":" + key
	}
	policy := putPolicy{Scope: scope}
	if !deadline.IsZero() {
		policy.Deadline = deadline.Unix()
	}
	raw, _ := json.Marshal(policy) // a struct of a string and an int always marshals
	return fmt.Sprintf("%s:%s:%s", accessKey, sign, base64.URLEncoding.EncodeToString(raw))
}

func decodeBase64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
