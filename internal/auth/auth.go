// Package auth issues and verifies student bearer tokens and checks admin
// credentials.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "assessor"

// RoleStudent is the only role carried in bearer tokens.
const RoleStudent = "student"

type Service struct {
	hmac []byte
	ttl  time.Duration
	now  func() time.Time
}

// NewService returns a Service signing with secret. Tokens live for ttl.
func NewService(secret string, ttl time.Duration) (*Service, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{hmac: []byte(secret), ttl: ttl, now: time.Now}, nil
}

type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueJWT signs an HS256 token for the student.
func (a *Service) IssueJWT(studentID string) (string, error) {
	now := a.now()
	claims := &Claims{
		Sub:  studentID,
		Role: RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   studentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

// Parse verifies a token and returns its claims.
func (a *Service) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.hmac, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Sub == "" || c.Role != RoleStudent {
		return nil, errors.New("invalid token claims")
	}
	return c, nil
}

// Admin checks HTTP basic credentials against a configured bcrypt hash.
type Admin struct {
	user string
	hash []byte
}

// NewAdmin returns an Admin checker. An empty hash disables admin access.
func NewAdmin(user, passwordHash string) *Admin {
	return &Admin{user: user, hash: []byte(passwordHash)}
}

// Enabled reports whether an admin password is configured.
func (a *Admin) Enabled() bool {
	return a != nil && len(a.hash) > 0
}

// Check reports whether the credentials match.
func (a *Admin) Check(user, password string) bool {
	if !a.Enabled() || user != a.user {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(password)) == nil
}

// HashPassword returns a bcrypt hash suitable for the admin password setting.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
