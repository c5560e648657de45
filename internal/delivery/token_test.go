package delivery

import (
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func newTestSigner(t *testing.T, key, keyID string) *Signer {
	t.Helper()
	signer, err := NewSigner(SignerOptions{
		Issuer:   "bookforge-queue",
		Audience: "bookforge-worker",
		TTL:      2 * time.Second,
		Key:      key,
		KeyID:    keyID,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func newTestVerifier(t *testing.T, currentKey, nextKey string) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(VerifierOptions{
		Issuer:     "bookforge-queue",
		Audience:   "bookforge-worker",
		Leeway:     time.Second,
		CurrentKey: currentKey,
		NextKey:    nextKey,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func TestSignerVerifierRoundTrip(t *testing.T) {
	body := []byte(`{"bookId":"book-1","step":"init"}`)
	signer := newTestSigner(t, "key-a", CurrentKeyID)
	verifier := newTestVerifier(t, "key-a", "")

	token, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := verifier.Verify(token, body); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifierAcceptsNextKeyDuringRotation(t *testing.T) {
	body := []byte(`{"bookId":"book-1","step":"chapter","chapterNumber":2}`)
	signer := newTestSigner(t, "key-b", NextKeyID)
	verifier := newTestVerifier(t, "key-a", "key-b")

	token, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := verifier.Verify(token, body); err != nil {
		t.Fatalf("verify with next key: %v", err)
	}
}

func TestVerifierRejectsTamperedBody(t *testing.T) {
	signer := newTestSigner(t, "key-a", CurrentKeyID)
	verifier := newTestVerifier(t, "key-a", "")

	token, err := signer.Sign([]byte(`{"bookId":"book-1","step":"init"}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := verifier.Verify(token, []byte(`{"bookId":"book-2","step":"init"}`)); err == nil {
		t.Fatalf("expected body digest mismatch")
	}
}

func TestVerifierRejectsUnknownKey(t *testing.T) {
	body := []byte(`{}`)
	signer := newTestSigner(t, "key-x", CurrentKeyID)
	verifier := newTestVerifier(t, "key-a", "key-b")

	token, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := verifier.Verify(token, body); err == nil {
		t.Fatalf("expected signature from unknown key to fail")
	}
}

func TestVerifierRejectsMissingKid(t *testing.T) {
	body := []byte(`{}`)
	verifier := newTestVerifier(t, "key-a", "")

	now := time.Now().UTC()
	claims := deliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "bookforge-queue",
			Subject:   "bookforge-queue",
			Audience:  jwt.ClaimStrings{"bookforge-worker"},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			ID:        "jti-1",
		},
		BodySHA256: bodyDigest(body),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("key-a"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if err := verifier.Verify(signed, body); err == nil {
		t.Fatalf("expected missing kid token to fail")
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	body := []byte(`{}`)
	verifier := newTestVerifier(t, "key-a", "")

	claims := deliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "bookforge-queue",
			Subject:   "bookforge-queue",
			Audience:  jwt.ClaimStrings{"bookforge-worker"},
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-10 * time.Minute)),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-10 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-5 * time.Minute)),
			ID:        "jti-expired",
		},
		BodySHA256: bodyDigest(body),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = CurrentKeyID
	signed, err := token.SignedString([]byte("key-a"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if err := verifier.Verify(signed, body); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	token, ok := BearerToken(req)
	if !ok || token != "abc" {
		t.Fatalf("expected bearer token")
	}
}
