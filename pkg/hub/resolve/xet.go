package resolve

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// XetTokenTTL is the lifetime of a read token.
const XetTokenTTL = 7 * 24 * time.Hour

var (
	// ErrInvalidXetToken covers malformed, mis-signed, and wrong-type tokens.
	ErrInvalidXetToken = errors.New("invalid xet token")

	// ErrExpiredXetToken marks a token past its expiry.
	ErrExpiredXetToken = errors.New("xet token has expired")
)

// XetClaims binds a read token to one repository revision.
type XetClaims struct {
	jwt.RegisteredClaims

	// Repo is "{type}/{namespace}/{name}".
	Repo string `json:"repo"`

	// Revision is the branch or commit the token was minted for.
	Revision string `json:"revision"`
}

// XetSigner mints and validates read tokens for xet-aware clients.
type XetSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewXetSigner builds a signer. The secret must be at least 32 bytes.
func NewXetSigner(secret, issuer string) (*XetSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("xet token secret must be at least 32 characters")
	}
	if issuer == "" {
		issuer = "kohakuhub"
	}
	return &XetSigner{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    XetTokenTTL,
		now:    time.Now,
	}, nil
}

// Mint signs a read token for (repo, revision) and returns it with its
// expiry time.
func (s *XetSigner) Mint(repo *models.Repository, revision string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)

	claims := &XetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   repo.FullID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Repo:     fmt.Sprintf("%s/%s", repo.RepoType, repo.FullID),
		Revision: revision,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign xet token: %w", err)
	}
	return token, expires, nil
}

// Validate parses a token and returns its claims.
func (s *XetSigner) Validate(token string) (*XetClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &XetClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredXetToken
		}
		return nil, ErrInvalidXetToken
	}

	claims, ok := parsed.Claims.(*XetClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidXetToken
	}
	return claims, nil
}
