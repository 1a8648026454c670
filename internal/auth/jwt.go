// Package auth validates the bearer tokens issued by the MakeX identity
// provider. Tokens are HS256 JWTs whose subject is the user ID.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

// RoleService marks tokens held by sandbox agents rather than end users
const RoleService = "service"

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IsService reports whether the token belongs to a sandbox agent
func (c *Claims) IsService() bool {
	return c.Role == RoleService
}

// Config holds JWT configuration
type Config struct {
	SecretKey   string        `yaml:"secret_key"`
	Audience    string        `yaml:"audience"`
	Issuer      string        `yaml:"issuer"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// DefaultConfig returns default JWT configuration
func DefaultConfig() Config {
	return Config{
		Audience:    "authenticated",
		Issuer:      "makex",
		TokenExpiry: 24 * time.Hour,
	}
}

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secretKey   []byte
	audience    string
	issuer      string
	tokenExpiry time.Duration
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(config Config) (*JWTAuth, error) {
	if config.SecretKey == "" {
		return nil, errors.New("auth: secret key is required")
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = DefaultConfig().TokenExpiry
	}
	return &JWTAuth{
		secretKey:   []byte(config.SecretKey),
		audience:    config.Audience,
		issuer:      config.Issuer,
		tokenExpiry: config.TokenExpiry,
	}, nil
}

// GenerateToken signs a token for userID. Used by makexctl for operators and agents.
func (a *JWTAuth) GenerateToken(userID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
			Subject:   userID,
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// ValidateToken validates a JWT token and returns claims
func (a *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secretKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ExtractTokenFromRequest extracts JWT token from request header
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", ErrInvalidToken
	}

	return parts[1], nil
}

// Middleware rejects requests without a valid bearer token and stores the
// claims on the request context.
func (a *JWTAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := ExtractTokenFromRequest(c.Request)
		if err != nil {
			unauthorized(c, "missing or invalid token")
			return
		}

		claims, err := a.ValidateToken(token)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				unauthorized(c, "token expired")
			} else {
				unauthorized(c, "invalid token")
			}
			return
		}

		c.Request = c.Request.WithContext(SetClaimsContext(c.Request.Context(), claims))
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
}
