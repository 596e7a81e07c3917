package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
)

// firstVirtualPID is the first process id handed out to HTTP clients. Each
// login gets its own, so clients never share an identity.
const firstVirtualPID = 100000

// JWTClaims represents the JWT token claims
type JWTClaims struct {
	PackageName string `json:"package_name"`
	UID         int    `json:"uid"`
	PID         int    `json:"pid"`
	IsAdmin     bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the caller identity the bus sees for these claims.
func (c *JWTClaims) Identity() ubus.Identity {
	return ubus.Identity{PID: c.PID, UID: c.UID, PackageName: c.PackageName}
}

// JWTAuth handles JWT token creation and validation
type JWTAuth struct {
	secretKey []byte
	ttl       time.Duration
	nextPID   atomic.Int64
}

// NewJWTAuth creates a new JWT authentication handler. A non-positive ttl
// means 24 hours.
func NewJWTAuth(secretKey string, ttl time.Duration) *JWTAuth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	j := &JWTAuth{
		secretKey: []byte(secretKey),
		ttl:       ttl,
	}
	j.nextPID.Store(firstVirtualPID)
	return j
}

// GenerateToken creates a token for packageName running as uid, with a
// fresh virtual pid.
func (j *JWTAuth) GenerateToken(packageName string, uid int, isAdmin bool) (string, *JWTClaims, error) {
	if packageName == "" {
		return "", nil, errors.New("packageName cannot be empty")
	}

	now := time.Now()
	claims := &JWTClaims{
		PackageName: packageName,
		UID:         uid,
		PID:         int(j.nextPID.Add(1)),
		IsAdmin:     isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   packageName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create token: %w", err)
	}
	return tokenString, claims, nil
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}
