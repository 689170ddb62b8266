package signing

import (
	"strings"
	"testing"
	"time"
)

func fixedSigner() *Signer {
	creds := Credentials{
		ConsumerKey:    "consumer-key",
		ConsumerSecret: "consumer-secret",
		Token:          "access-token",
		TokenSecret:    "token-secret",
	}
	return NewSigner(creds,
		WithNonceFunc(func() string { return "00112233445566778899aabbccddeeff" }),
		WithNowFunc(func() time.Time { return time.Unix(1700000000, 0) }),
	)
}

func TestSign_Deterministic(t *testing.T) {
	s := fixedSigner()

	params := map[string]string{"guide_type": "sold", "color_id": "5"}

	first, err := s.Sign("GET", "https://api.example.com/v1/items/part/3001/price", params)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	second, err := s.Sign("GET", "https://api.example.com/v1/items/part/3001/price", params)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}

	if first.Signature != second.Signature {
		t.Fatalf("signature not deterministic: %q vs %q", first.Signature, second.Signature)
	}
	if first.AuthorizationHeader != second.AuthorizationHeader {
		t.Fatalf("header not deterministic")
	}
}

func TestSign_ParamOrderIrrelevant(t *testing.T) {
	s := fixedSigner()

	// Maps iterate in random order; force the point with two literals anyway.
	a, err := s.Sign("GET", "https://api.example.com/v1/items/part/3001", map[string]string{
		"b": "2", "a": "1", "c": "3",
	})
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	b, err := s.Sign("GET", "https://api.example.com/v1/items/part/3001", map[string]string{
		"c": "3", "a": "1", "b": "2",
	})
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	if a.Signature != b.Signature {
		t.Fatalf("param order affected signature: %q vs %q", a.Signature, b.Signature)
	}
}

func TestSign_HeaderShape(t *testing.T) {
	s := fixedSigner()

	out, err := s.Sign("GET", "https://api.example.com/v1/colors/11", nil)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	if !strings.HasPrefix(out.AuthorizationHeader, "OAuth ") {
		t.Fatalf("header missing OAuth prefix: %q", out.AuthorizationHeader)
	}
	for _, want := range []string{
		`oauth_consumer_key="consumer-key"`,
		`oauth_token="access-token"`,
		`oauth_signature_method="HMAC-SHA1"`,
		`oauth_timestamp="1700000000"`,
		`oauth_nonce="00112233445566778899aabbccddeeff"`,
		`oauth_version="1.0"`,
		`oauth_signature="`,
	} {
		if !strings.Contains(out.AuthorizationHeader, want) {
			t.Fatalf("header missing %s: %q", want, out.AuthorizationHeader)
		}
	}
	// keys must appear sorted
	consumerIdx := strings.Index(out.AuthorizationHeader, "oauth_consumer_key")
	versionIdx := strings.Index(out.AuthorizationHeader, "oauth_version")
	if consumerIdx > versionIdx {
		t.Fatalf("header keys not sorted: %q", out.AuthorizationHeader)
	}
}

func TestSign_QueryStringOnURLParticipates(t *testing.T) {
	s := fixedSigner()

	viaParams, err := s.Sign("GET", "https://api.example.com/v1/items", map[string]string{"page": "2"})
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	viaURL, err := s.Sign("GET", "https://api.example.com/v1/items?page=2", nil)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	if viaParams.Signature != viaURL.Signature {
		t.Fatalf("query params on URL treated differently from param map")
	}
}

func TestPercentEncode(t *testing.T) {
	cases := map[string]string{
		"abcXYZ019-._~": "abcXYZ019-._~",
		"a b":           "a%20b",
		"a+b":           "a%2Bb",
		"ü":             "%C3%BC",
		"/":             "%2F",
	}
	for in, want := range cases {
		if got := percentEncode(in); got != want {
			t.Fatalf("percentEncode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRandomNonce_Length(t *testing.T) {
	s := NewSigner(Credentials{})
	n := s.randomNonce()
	if len(n) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(n))
	}
	if n == s.randomNonce() {
		t.Fatalf("two nonces should not collide")
	}
}
