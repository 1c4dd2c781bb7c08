package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the role claim.
const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
)

// Token types carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Identity is who a token speaks for.
type Identity struct {
	Subject string
	Role    string
	// AdminID is the class a student belongs to; for admins it equals Subject.
	AdminID string
	CR      bool
}

// Claims represents JWT payload.
type Claims struct {
	Type    string `json:"typ"`
	Role    string `json:"role"`
	AdminID string `json:"admin_id,omitempty"`
	CR      bool   `json:"cr,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity encoded in c.
func (c Claims) Identity() Identity {
	adminID := c.AdminID
	if c.Role == RoleAdmin && adminID == "" {
		adminID = c.Subject
	}
	return Identity{Subject: c.Subject, Role: c.Role, AdminID: adminID, CR: c.CR}
}

// Issue issues signed access and refresh tokens for id.
func Issue(id Identity, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(accessTTL)
	refreshExp := now.Add(refreshTTL)

	sign := func(typ string, exp time.Time) (string, error) {
		claims := Claims{
			Type:    typ,
			Role:    id.Role,
			AdminID: id.AdminID,
			CR:      id.CR,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				Subject:   id.Subject,
				ExpiresAt: jwt.NewNumericDate(exp),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	}

	accessToken, err := sign(TypeAccess, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := sign(TypeRefresh, refreshExp)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("missing subject")
	}
	return *claims, nil
}
