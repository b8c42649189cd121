package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// issuer identifies tokens minted by this server. Validation rejects tokens
// carrying any other issuer.
const issuer = "accord"

// AccessClaims holds the JWT claims for an access token. Subject is the
// user's snowflake ID; SessionID binds the token to one refresh session so
// revoking the session invalidates gateway connections built on this token.
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// UserID parses the subject claim into a snowflake ID.
func (c *AccessClaims) UserID() (snowflake.ID, error) {
	return snowflake.Parse(c.Subject)
}

// Session parses the sid claim.
func (c *AccessClaims) Session() (uuid.UUID, error) {
	return uuid.Parse(c.SessionID)
}

// NewAccessToken creates a signed HS256 access token for the given user and session.
func NewAccessToken(userID snowflake.ID, sessionID uuid.UUID, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID.String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and validates an access token string, enforcing the HMAC signing method and issuer claim.
func ValidateAccessToken(tokenStr, secret string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
