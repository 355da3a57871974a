package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a bearer token cannot be verified.
var ErrInvalidToken = errors.New("invalid bearer token")

// Claims is the payload of registry bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Access  []ResourceActions      `json:"access"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func signingMethod(key interface{}) (jwt.SigningMethod, error) {
	switch key.(type) {
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", key)
	}
}

// Issuer mints bearer tokens.
type Issuer struct {
	keys     *KeySet
	issuer   string
	lifetime time.Duration
	clock    clock.Clock
}

// NewIssuer builds an Issuer.
func NewIssuer(keys *KeySet, issuer string, lifetime time.Duration, clk clock.Clock) *Issuer {
	if clk == nil {
		clk = clock.New()
	}
	return &Issuer{keys: keys, issuer: issuer, lifetime: lifetime, clock: clk}
}

// Issue mints a token for the caller with audience service granting access. access is expected to be down-scoped
// already.
func (i *Issuer) Issue(_ context.Context, ac AuthContext, service string, access []ResourceActions) (string, error) {
	kid, key := i.keys.SigningKey()
	method, err := signingMethod(key)
	if err != nil {
		return "", err
	}

	if access == nil {
		access = make([]ResourceActions, 0)
	}

	now := i.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   ac.Subject(),
			Audience:  jwt.ClaimStrings{service},
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
			ID:        uuid.NewString(),
		},
		Access:  access,
		Context: ac.claims(),
	}

	t := jwt.NewWithClaims(method, claims)
	t.Header["kid"] = kid

	s, err := t.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return s, nil
}

// Verifier validates bearer tokens minted by any instance of the key set.
type Verifier struct {
	keys    *KeySet
	issuer  string
	service string
	clock   clock.Clock
}

// NewVerifier builds a Verifier accepting tokens of issuer with audience service.
func NewVerifier(keys *KeySet, issuer, service string, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{keys: keys, issuer: issuer, service: service, clock: clk}
}

// Verify checks the signature, issuer, audience and validity window of a token and returns the identity and grants
// it carries.
func (v *Verifier) Verify(ctx context.Context, token string) (AuthContext, error) {
	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.service),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)

	claims := new(Claims)
	_, err := p.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return v.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	ac := contextFromClaims(claims.Context)
	if ac.IsAnonymous() {
		ac.Username = ""
	}
	return ac.WithAccess(claims.Access), nil
}
