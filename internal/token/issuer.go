package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var ErrInvalidToken = errors.New("invalid access token")

// Claims carried by every access token. Subject holds the identity id.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// IdentityID parses the subject back into an identity id.
func (c *Claims) IdentityID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// AccessToken is a signed JWT plus its expiry, for response payloads.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

type IssuerConfig struct {
	Issuer         string
	AccessTTL      time.Duration
	PrivateKeyFile string // PEM; a fresh RSA-2048 key is generated when empty
}

// Issuer signs RS256 access tokens. It holds no mutable state after
// construction and is safe for concurrent use.
type Issuer struct {
	key    *rsa.PrivateKey
	kid    string
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewIssuer(cfg IssuerConfig, clock clockwork.Clock) (*Issuer, error) {
	var (
		k   *rsa.PrivateKey
		err error
	)
	if cfg.PrivateKeyFile != "" {
		pemBytes, rerr := os.ReadFile(cfg.PrivateKeyFile)
		if rerr != nil {
			return nil, fmt.Errorf("read signing key: %w", rerr)
		}
		k, err = jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	} else {
		k, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	return NewIssuerWithKey(k, cfg, clock), nil
}

// NewIssuerWithKey builds an issuer around an existing key.
func NewIssuerWithKey(k *rsa.PrivateKey, cfg IssuerConfig, clock clockwork.Clock) *Issuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	// kid: base64 of the first 8 bytes of SHA256 over the DER public key
	der, _ := x509.MarshalPKIXPublicKey(&k.PublicKey)
	h := sha256.Sum256(der)
	kid := base64.RawURLEncoding.EncodeToString(h[:8])
	return &Issuer{key: k, kid: kid, issuer: cfg.Issuer, ttl: ttl, clock: clock}
}

// Issue signs an access token for the identity.
func (s *Issuer) Issue(identityID int64, email, role string) (AccessToken, error) {
	now := s.clock.Now()
	exp := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(identityID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: email,
		Role:  role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}
	return AccessToken{Token: signed, ExpiresAt: exp}, nil
}

// Verify checks signature, algorithm, issuer and expiry.
func (s *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tkn, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tkn.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PublicKey returns the RSA public key for verification.
func (s *Issuer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// TTL is the access token lifetime.
func (s *Issuer) TTL() time.Duration { return s.ttl }

// JWKS returns a minimal JWKS containing the public key.
func (s *Issuer) JWKS() map[string]any {
	pub := s.key.PublicKey
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	// encode exponent using big.Int to get minimal big-endian bytes
	e := base64.RawURLEncoding.EncodeToString(new(big.Int).SetInt64(int64(pub.E)).Bytes())
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": s.kid,
		"n":   n,
		"e":   e,
	}
	return map[string]any{"keys": []any{jwk}}
}
