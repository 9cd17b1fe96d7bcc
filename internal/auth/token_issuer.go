package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	DefaultAccessTTL  = 30 * 24 * time.Hour
	DefaultRefreshTTL = 90 * 24 * time.Hour
	DefaultIssuer     = "beresta-id"
)

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret must be provided")
	ErrInvalidToken         = errors.New("token issuer: invalid token")
	ErrExpiredToken         = errors.New("token issuer: token expired")
	errMissingUserID        = errors.New("token issuer: user id must be provided")
)

// AccessClaims authorize a single request on behalf of a user.
type AccessClaims struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims are exchanged for new access tokens.
type RefreshClaims struct {
	UserID int64  `json:"userId"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// IssuedToken is a signed token with its expiry.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// TokenIssuerConfig configures HS256 token issuance.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates access and refresh tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clock         func() time.Time
}

// NewTokenIssuer applies defaults and requires a signing secret.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		clock:         clock,
	}, nil
}

func (i *TokenIssuer) registered(userID int64, ttl time.Duration) jwt.RegisteredClaims {
	now := i.clock().UTC()
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    i.issuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (i *TokenIssuer) sign(claims jwt.Claims, expiresAt *jwt.NumericDate) (IssuedToken, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: signed, ExpiresAt: expiresAt.Time}, nil
}

// IssueAccessToken signs {userId, email, typ:"access"}.
func (i *TokenIssuer) IssueAccessToken(userID int64, email string) (IssuedToken, error) {
	if userID <= 0 {
		return IssuedToken{}, errMissingUserID
	}
	claims := AccessClaims{
		UserID:           userID,
		Email:            email,
		Type:             TokenTypeAccess,
		RegisteredClaims: i.registered(userID, i.accessTTL),
	}
	return i.sign(claims, claims.ExpiresAt)
}

// IssueRefreshToken signs {userId, typ:"refresh"}. Every token carries a
// fresh jti, so two tokens issued in the same second still differ.
func (i *TokenIssuer) IssueRefreshToken(userID int64) (IssuedToken, error) {
	if userID <= 0 {
		return IssuedToken{}, errMissingUserID
	}
	claims := RefreshClaims{
		UserID:           userID,
		Type:             TokenTypeRefresh,
		RegisteredClaims: i.registered(userID, i.refreshTTL),
	}
	return i.sign(claims, claims.ExpiresAt)
}

// ValidateAccessToken checks signature, issuer, expiry and token type.
func (i *TokenIssuer) ValidateAccessToken(tokenString string) (AccessClaims, error) {
	claims := &AccessClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return AccessClaims{}, err
	}
	if claims.Type != TokenTypeAccess || claims.UserID <= 0 {
		return AccessClaims{}, ErrInvalidToken
	}
	return *claims, nil
}

// ValidateRefreshToken checks signature, issuer, expiry and token type.
func (i *TokenIssuer) ValidateRefreshToken(tokenString string) (RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return RefreshClaims{}, err
	}
	if claims.Type != TokenTypeRefresh || claims.UserID <= 0 {
		return RefreshClaims{}, ErrInvalidToken
	}
	return *claims, nil
}

func (i *TokenIssuer) parse(tokenString string, claims jwt.Claims) error {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
