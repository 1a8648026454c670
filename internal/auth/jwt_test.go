package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T) *JWTAuth {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SecretKey = "test-secret"
	a, err := NewJWTAuth(cfg)
	require.NoError(t, err)
	return a
}

func TestNewJWTAuth_RequiresSecret(t *testing.T) {
	_, err := NewJWTAuth(DefaultConfig())
	assert.Error(t, err)
}

func TestGenerateAndValidate(t *testing.T) {
	a := newTestAuth(t)

	token, err := a.GenerateToken("user-1", "")
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.False(t, claims.IsService())

	token, err = a.GenerateToken("agent", RoleService)
	require.NoError(t, err)
	claims, err = a.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.IsService())
}

func TestValidateToken_Rejects(t *testing.T) {
	a := newTestAuth(t)

	sign := func(claims jwt.Claims, key string, method jwt.SigningMethod) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"authenticated"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	t.Run("wrong key", func(t *testing.T) {
		_, err := a.ValidateToken(sign(valid, "other", jwt.SigningMethodHS256))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		_, err := a.ValidateToken(sign(valid, "test-secret", jwt.SigningMethodHS512))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired := valid
		expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := a.ValidateToken(sign(expired, "test-secret", jwt.SigningMethodHS256))
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := valid
		other.Audience = jwt.ClaimStrings{"anon"}
		_, err := a.ValidateToken(sign(other, "test-secret", jwt.SigningMethodHS256))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no subject", func(t *testing.T) {
		anon := valid
		anon.Subject = ""
		_, err := a.ValidateToken(sign(anon, "test-secret", jwt.SigningMethodHS256))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := a.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestExtractTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := ExtractTokenFromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Basic abc")
	_, err = ExtractTokenFromRequest(r)
	assert.ErrorIs(t, err, ErrInvalidToken)

	r.Header.Set("Authorization", "Bearer abc")
	token, err := ExtractTokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuth(t)

	r := gin.New()
	r.GET("/me", a.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, UserIDFromContext(c.Request.Context()))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"unauthorized"`)

	token, err := a.GenerateToken("user-42", "")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-42", w.Body.String())
}
