package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned by Parse for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid session token")

// TokenIssuer signs the session token handed out at first login.
//
// Tokens are issued once per user and returned unchanged on later logins.
// Nothing on the request path verifies them yet; Parse exists for the day
// something does.
type TokenIssuer struct {
	secretKey []byte
	issuer    string
}

// Claims represents the custom JWT claims for a user session.
type Claims struct {
	WalletAddress string `json:"wallet_address"`
	jwt.RegisteredClaims
}

// NewTokenIssuer creates an issuer signing with HS256 under secretKey.
func NewTokenIssuer(secretKey, issuer string) *TokenIssuer {
	return &TokenIssuer{secretKey: []byte(secretKey), issuer: issuer}
}

// Issue creates a session token for userID.
func (m *TokenIssuer) Issue(userID, walletAddress string, now time.Time) (string, error) {
	claims := &Claims{
		WalletAddress: walletAddress,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Subject:  userID,
			Issuer:   m.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Parse verifies tokenString and returns its claims.
func (m *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
		jwt.WithIssuer(m.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
