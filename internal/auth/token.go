// Package auth issues and validates the HS256 tokens used by the API and
// the signaling websocket.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mossy-p/teleconsult/internal/models"
)

const (
	// AudienceAPI marks user tokens accepted by the REST API.
	AudienceAPI = "api"
	// AudienceSignal marks room join tokens accepted by the websocket hub.
	AudienceSignal = "signal"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims represents the claims carried by both token kinds. RoomID and Role
// are only set on join tokens.
type Claims struct {
	UserID string      `json:"user_id"`
	RoomID string      `json:"room_id,omitempty"`
	Role   models.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs tokens with a shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// IssueUserToken signs an API token for userID.
func (i *Issuer) IssueUserToken(userID string, ttl time.Duration) (string, time.Time, error) {
	return i.sign(Claims{UserID: userID}, AudienceAPI, ttl)
}

// IssueJoinToken signs a token that admits userID to roomID's signaling
// channel with the given role.
func (i *Issuer) IssueJoinToken(userID, roomID string, role models.Role, ttl time.Duration) (string, time.Time, error) {
	return i.sign(Claims{UserID: userID, RoomID: roomID, Role: role}, AudienceSignal, ttl)
}

func (i *Issuer) sign(claims Claims, audience string, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse validates tokenString for the given audience and returns its claims.
func (i *Issuer) Parse(tokenString, audience string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
