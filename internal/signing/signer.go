package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Credentials holds the four OAuth 1.0a secrets issued by the marketplace.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// SignedRequest is the output of Sign: the Authorization header value plus
// the raw base64 signature for callers that need it separately.
type SignedRequest struct {
	AuthorizationHeader string
	Signature           string
}

// Signer builds OAuth 1.0a HMAC-SHA1 request envelopes.
// Nonce and timestamp generation are injectable so tests can produce
// deterministic signatures.
type Signer struct {
	creds     Credentials
	nonceLen  int // random bytes per nonce; hex-encoded to 2x chars
	nonceFunc func() string
	nowFunc   func() time.Time
}

// Option customizes a Signer.
type Option func(*Signer)

// WithNonceFunc overrides nonce generation (tests).
func WithNonceFunc(f func() string) Option {
	return func(s *Signer) { s.nonceFunc = f }
}

// WithNowFunc overrides timestamp generation (tests).
func WithNowFunc(f func() time.Time) Option {
	return func(s *Signer) { s.nowFunc = f }
}

// WithNonceLength sets the number of random bytes per nonce (default 16).
func WithNonceLength(n int) Option {
	return func(s *Signer) { s.nonceLen = n }
}

// NewSigner returns a Signer bound to a credential set.
func NewSigner(creds Credentials, opts ...Option) *Signer {
	s := &Signer{
		creds:    creds,
		nonceLen: 16,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nonceFunc == nil {
		s.nonceFunc = s.randomNonce
	}
	return s
}

func (s *Signer) randomNonce() string {
	b := make([]byte, s.nonceLen)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; panic keeps the
		// signature path from silently producing a guessable nonce.
		panic(fmt.Sprintf("signing: nonce generation failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Sign builds the OAuth Authorization header for a request.
// params are the request's query/body parameters; they participate in the
// signature base string alongside the oauth_* protocol parameters.
func (s *Signer) Sign(method, rawurl string, params map[string]string) (*SignedRequest, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.creds.ConsumerKey,
		"oauth_token":            s.creds.Token,
		"oauth_nonce":            s.nonceFunc(),
		"oauth_timestamp":        fmt.Sprintf("%d", s.nowFunc().Unix()),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_version":          "1.0",
	}

	// All parameters (request + oauth + any query string already on the URL)
	// participate in the base string.
	all := make(map[string]string, len(params)+len(oauthParams))
	for k, v := range params {
		all[k] = v
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			all[k] = v[0]
		}
	}
	for k, v := range oauthParams {
		all[k] = v
	}

	baseURL := u.Scheme + "://" + u.Host + u.Path
	base := strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(canonicalParams(all))

	key := percentEncode(s.creds.ConsumerSecret) + "&" + percentEncode(s.creds.TokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	oauthParams["oauth_signature"] = sig

	return &SignedRequest{
		AuthorizationHeader: buildHeader(oauthParams),
		Signature:           sig,
	}, nil
}

// canonicalParams percent-encodes keys and values, sorts lexicographically by
// encoded key then encoded value, and joins as k=v pairs with '&'.
func canonicalParams(params map[string]string) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// buildHeader renders `OAuth k1="v1", k2="v2"` with keys sorted and
// percent-encoded per the protocol.
func buildHeader(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = percentEncode(k) + "=\"" + percentEncode(params[k]) + "\""
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// percentEncode implements RFC 3986 encoding as OAuth 1.0a requires:
// unreserved characters pass through, everything else becomes %XX with
// uppercase hex. url.QueryEscape is not usable here (it emits '+' for space).
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}
