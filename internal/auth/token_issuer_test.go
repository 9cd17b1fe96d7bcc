package auth

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSigningSecret = "super-secret"

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "beresta-id-test",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesAccessTokens(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	issued, err := issuer.IssueAccessToken(7, "a@x.com")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !issued.ExpiresAt.Equal(now.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expected 30 day expiry, got %v", issued.ExpiresAt)
	}

	claims := &AccessClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	if _, err := parser.ParseWithClaims(issued.Token, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSigningSecret), nil
	}); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.UserID != 7 || claims.Email != "a@x.com" || claims.Type != TokenTypeAccess {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.Subject != strconv.Itoa(7) || claims.Issuer != "beresta-id-test" || claims.ID == "" {
		t.Fatalf("unexpected registered claims %+v", claims.RegisteredClaims)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	access, err := issuer.IssueAccessToken(11, "b@x.com")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	refresh, err := issuer.IssueRefreshToken(11)
	if err != nil {
		t.Fatalf("unexpected error issuing refresh token: %v", err)
	}
	if refresh.Token == access.Token {
		t.Fatalf("expected distinct tokens")
	}

	claims, err := issuer.ValidateAccessToken(access.Token)
	if err != nil || claims.UserID != 11 {
		t.Fatalf("expected access validation success, got %+v (%v)", claims, err)
	}
	refreshClaims, err := issuer.ValidateRefreshToken(refresh.Token)
	if err != nil || refreshClaims.UserID != 11 {
		t.Fatalf("expected refresh validation success, got %+v (%v)", refreshClaims, err)
	}

	if _, err := issuer.ValidateAccessToken(refresh.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected refresh token to be rejected as access token, got %v", err)
	}
	if _, err := issuer.ValidateRefreshToken(access.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected access token to be rejected as refresh token, got %v", err)
	}
	if _, err := issuer.ValidateAccessToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected malformed token rejection, got %v", err)
	}
	if _, err := issuer.ValidateAccessToken(" "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAndExpiredTokens(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := issued
	issuer := newTestIssuer(t, func() time.Time { return current })

	token, err := issuer.IssueAccessToken(3, "c@x.com")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	current = issued.Add(31 * 24 * time.Hour)
	if _, err := issuer.ValidateAccessToken(token.Token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}

	other, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other-secret"), Issuer: "beresta-id-test"})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	foreign, _ := other.IssueAccessToken(3, "c@x.com")
	current = time.Now()
	if _, err := issuer.ValidateAccessToken(foreign.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign signature rejection, got %v", err)
	}
}

func TestIssueRejectsMissingUserID(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	if _, err := issuer.IssueAccessToken(0, "a@x.com"); err == nil {
		t.Fatalf("expected error for missing user id")
	}
	if _, err := issuer.IssueRefreshToken(-1); err == nil {
		t.Fatalf("expected error for negative user id")
	}
}
