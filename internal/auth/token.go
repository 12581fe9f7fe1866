// ABOUTME: JWT token verification for authenticating live chat participants
// ABOUTME: Uses HS256 signing with configurable secret; carries participant, name, and role

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum accepted HS256 secret size in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// Role is the participant's role claim.
type Role string

const (
	RoleMember Role = "member"
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
)

// Claims is the verified identity carried by a token.
type Claims struct {
	ParticipantID string // "sub"
	Name          string
	Role          Role
}

// IsStaff reports whether the participant may act on conversations they are
// not a member of.
func (c *Claims) IsStaff() bool {
	return c.Role == RoleAgent || c.Role == RoleAdmin
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

type tokenClaims struct {
	Name string `json:"name,omitempty"`
	Role Role   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
// Returns ErrWeakSecret if the secret is shorter than MinSecretLength.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the participant claims.
// A missing role claim means RoleMember.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	var tc tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &tc, func(token *jwt.Token) (any, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role := tc.Role
	switch role {
	case "":
		role = RoleMember
	case RoleMember, RoleAgent, RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	return &Claims{ParticipantID: tc.Subject, Name: tc.Name, Role: role}, nil
}

// Generate creates a signed token for claims that expires after expiresIn.
func (v *JWTVerifier) Generate(claims Claims, expiresIn time.Duration) (string, error) {
	now := time.Now()
	tc := tokenClaims{
		Name: claims.Name,
		Role: claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	return token.SignedString(v.secret)
}
