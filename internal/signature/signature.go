// Package signature verifies provider notification signatures.
//
// Both schemes sign the canonical string built from the notification fields:
// non-empty values sorted by key, joined as k=v pairs with '&', followed by
// "&key=<secret>". MD5 and HMAC-SHA256 digests are compared as upper-case hex.
package signature

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const (
	SchemeMD5        = "MD5"
	SchemeHMACSHA256 = "HMAC-SHA256"
)

// Verifier checks a notification against the signature it carried. data must
// not contain the signature field itself.
type Verifier struct {
	scheme string
	secret string
}

// New returns a verifier for scheme. An empty scheme means MD5.
func New(scheme, secret string) (*Verifier, error) {
	switch strings.ToUpper(scheme) {
	case "", SchemeMD5:
		return &Verifier{scheme: SchemeMD5, secret: secret}, nil
	case SchemeHMACSHA256, "HMAC_SHA256", "SHA256":
		return &Verifier{scheme: SchemeHMACSHA256, secret: secret}, nil
	default:
		return nil, fmt.Errorf("unsupported sign type %q", scheme)
	}
}

func (v *Verifier) Scheme() string { return v.scheme }

// Sign computes the signature for data.
func (v *Verifier) Sign(data map[string]string) string {
	canonical := Canonical(data)
	switch v.scheme {
	case SchemeHMACSHA256:
		mac := hmac.New(sha256.New, []byte(v.secret))
		mac.Write([]byte(canonical + "&key=" + v.secret))
		return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
	default:
		sum := md5.Sum([]byte(canonical + "&key=" + v.secret))
		return strings.ToUpper(hex.EncodeToString(sum[:]))
	}
}

// Verify reports whether signature matches data.
func (v *Verifier) Verify(data map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	expected := v.Sign(data)
	return hmac.Equal([]byte(expected), []byte(strings.ToUpper(signature)))
}

// Canonical builds the string that gets signed.
func Canonical(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k, val := range data {
		if k == "sign" || val == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(data[k])
	}
	return b.String()
}
