package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bookforge/internal/util"
)

const (
	// DefaultTokenTTL is the default lifetime for queue delivery tokens.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// CurrentKeyID labels the active signing key.
	CurrentKeyID = "delivery-current"
	// NextKeyID labels the standby key kept valid through rotation.
	NextKeyID = "delivery-next"
)

// deliveryClaims binds a token to the exact request body it authorizes.
type deliveryClaims struct {
	jwt.RegisteredClaims
	BodySHA256 string `json:"bodySha256"`
}

// Signer issues short-lived HS256 tokens for queue delivery callbacks.
type Signer struct {
	issuer   string
	audience string
	ttl      time.Duration
	key      []byte
	keyID    string
}

// SignerOptions configures delivery token signing.
type SignerOptions struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Key      string
	KeyID    string
}

// NewSigner creates a signer for the given shared key.
func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("delivery token issuer is required")
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("delivery token audience is required")
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		return nil, errors.New("delivery signing key is required")
	}
	keyID := strings.TrimSpace(opts.KeyID)
	if keyID == "" {
		keyID = CurrentKeyID
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		key:      []byte(key),
		keyID:    keyID,
	}, nil
}

// Sign issues a token bound to the given request body.
func (s *Signer) Sign(body []byte) (string, error) {
	now := time.Now().UTC()
	claims := deliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        util.NewID(),
		},
		BodySHA256: bodyDigest(body),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = s.keyID
	return t.SignedString(s.key)
}

// Verifier validates delivery tokens against the current and next signing
// keys, so rotation does not reject in-flight deliveries.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	keys     map[string][]byte
}

// VerifierOptions configures delivery token verification.
type VerifierOptions struct {
	Issuer     string
	Audience   string
	Leeway     time.Duration
	CurrentKey string
	NextKey    string
}

// NewVerifier creates a verifier holding the rotation key pair.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("delivery token issuer is required")
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("delivery token audience is required")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	keys := make(map[string][]byte)
	if key := strings.TrimSpace(opts.CurrentKey); key != "" {
		keys[CurrentKeyID] = []byte(key)
	}
	if key := strings.TrimSpace(opts.NextKey); key != "" {
		keys[NextKeyID] = []byte(key)
	}
	if len(keys) == 0 {
		return nil, errors.New("delivery verifier requires at least one key")
	}
	return &Verifier{
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		keys:     keys,
	}, nil
}

// Verify validates token signature, expiry, audience, issuer, and body digest.
func (v *Verifier) Verify(token string, body []byte) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token required")
	}
	claims := deliveryClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		key, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown token key %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	if claims.ID == "" {
		return errors.New("jti required")
	}
	if claims.BodySHA256 != bodyDigest(body) {
		return errors.New("body digest mismatch")
	}
	return nil
}

// BearerToken extracts a bearer token from a request header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
