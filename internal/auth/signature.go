// Package auth signs and verifies collector payloads with a shared key.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Scheme prefixes the Authorization header value.
const Scheme = "Mirador"

// DefaultMaxSkew bounds how far a signed timestamp may drift from the
// receiver's clock.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrMissingHeader = errors.New("missing authorization header")
	ErrMalformed     = errors.New("malformed authorization header")
	ErrBadSignature  = errors.New("invalid signature")
	ErrExpired       = errors.New("signature timestamp outside allowed window")
)

// Credentials are the fields carried by a signed request.
type Credentials struct {
	Signature string
	Timestamp string
	Nonce     string
	Client    string
}

// Sign returns base64(HMAC-SHA1(key, "timestamp nonce body")).
func Sign(key, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{' '})
	mac.Write([]byte(nonce))
	mac.Write([]byte{' '})
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NewCredentials signs body at now with a fresh nonce.
func NewCredentials(key, client string, body []byte, now time.Time) Credentials {
	ts := strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 6, 64)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Credentials{
		Signature: Sign(key, ts, nonce, body),
		Timestamp: ts,
		Nonce:     nonce,
		Client:    client,
	}
}

// Header renders the credentials as an Authorization header value.
func (c Credentials) Header() string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString(" signature=")
	b.WriteString(c.Signature)
	b.WriteString(", timestamp=")
	b.WriteString(c.Timestamp)
	b.WriteString(", nonce=")
	b.WriteString(c.Nonce)
	if c.Client != "" {
		b.WriteString(", client=")
		b.WriteString(c.Client)
	}
	return b.String()
}

// ParseHeader reads credentials from an Authorization header value. Unknown
// attributes are ignored; signature, timestamp and nonce are required.
func ParseHeader(value string) (Credentials, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Credentials{}, ErrMissingHeader
	}
	scheme, rest, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return Credentials{}, errors.Wrapf(ErrMalformed, "unexpected scheme %q", scheme)
	}

	var creds Credentials
	for _, part := range strings.Split(rest, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(name) {
		case "signature":
			creds.Signature = strings.TrimSpace(val)
		case "timestamp":
			creds.Timestamp = strings.TrimSpace(val)
		case "nonce":
			creds.Nonce = strings.TrimSpace(val)
		case "client":
			creds.Client = strings.TrimSpace(val)
		}
	}
	if creds.Signature == "" || creds.Timestamp == "" || creds.Nonce == "" {
		return Credentials{}, errors.Wrap(ErrMalformed, "signature, timestamp and nonce are required")
	}
	return creds, nil
}

// Verifier checks signed requests against a shared key.
type Verifier struct {
	Key     string
	MaxSkew time.Duration
	Now     func() time.Time
}

// Verify parses header and checks its signature over body and its timestamp
// against the allowed skew. A non-positive MaxSkew disables the window check.
func (v Verifier) Verify(header string, body []byte) (Credentials, error) {
	creds, err := ParseHeader(header)
	if err != nil {
		return Credentials{}, err
	}
	expected := Sign(v.Key, creds.Timestamp, creds.Nonce, body)
	if !hmac.Equal([]byte(expected), []byte(creds.Signature)) {
		return Credentials{}, ErrBadSignature
	}
	if v.MaxSkew > 0 {
		secs, err := strconv.ParseFloat(creds.Timestamp, 64)
		if err != nil {
			return Credentials{}, errors.Wrapf(ErrMalformed, "timestamp %q", creds.Timestamp)
		}
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		signedAt := time.Unix(0, int64(secs*1e9))
		skew := now().Sub(signedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.MaxSkew {
			return Credentials{}, errors.Wrapf(ErrExpired, "skew %s", skew.Round(time.Second))
		}
	}
	return creds, nil
}
