package utils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mindgraphix/config"
	"mindgraphix/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("mysecretpassword", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	hash2, err := HashPassword("mysecretpassword", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, hash, hash2, "salted hashes differ")

	_, err = HashPassword(strings.Repeat("x", 80), bcrypt.MinCost)
	assert.Error(t, err, "bcrypt rejects passwords over 72 bytes")
}

func TestCheckPasswordHash(t *testing.T) {
	hash, err := HashPassword("mysecretpassword", bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, CheckPasswordHash("mysecretpassword", hash))
	assert.False(t, CheckPasswordHash("wrongpassword", hash))
	assert.False(t, CheckPasswordHash("mysecretpassword", "invalidhashstring"))
}

// --- JWT Tests ---

func createTestJWTConfig() *config.Config {
	return &config.Config{
		JwtSecret:     "test-secret-key-longer-than-32-bytes",
		TokenLifetime: time.Hour,
	}
}

func createTestSession(lifetime time.Duration) models.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return models.Session{
		ID:        GenerateDashlessUUID(),
		UserID:    GenerateSortableID(),
		Email:     "test@example.com",
		Tier:      models.RoleUser,
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
	}
}

func TestGenerateJWT(t *testing.T) {
	cfg := createTestJWTConfig()
	sess := createTestSession(time.Hour)

	tokenString, err := GenerateJWT(sess, cfg)
	require.NoError(t, err)
	assert.Len(t, strings.Split(tokenString, "."), 3)

	_, err = GenerateJWT(sess, &config.Config{})
	assert.Error(t, err, "an empty secret cannot sign")
}

func TestValidateJWT(t *testing.T) {
	cfg := createTestJWTConfig()
	sess := createTestSession(time.Hour)
	sess.Tier = models.RoleAdmin

	validToken, err := GenerateJWT(sess, cfg)
	require.NoError(t, err)

	t.Run("Valid", func(t *testing.T) {
		claims, err := ValidateJWT(validToken, cfg)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, claims.ID, "jti is the session id")
		assert.Equal(t, sess.UserID, claims.UserID)
		assert.Equal(t, sess.Email, claims.Email)
		assert.Equal(t, models.RoleAdmin, claims.Tier)
		assert.Equal(t, tokenIssuer, claims.Issuer)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := ValidateJWT("this.is.not.a.valid.token", cfg)
		assert.Error(t, err)
	})

	t.Run("Wrong secret", func(t *testing.T) {
		other := createTestJWTConfig()
		other.JwtSecret = "different-secret-key-also-needs-to-be-long"
		_, err := ValidateJWT(validToken, other)
		assert.ErrorContains(t, err, "invalid token")
	})

	t.Run("Expired", func(t *testing.T) {
		expired, err := GenerateJWT(createTestSession(-time.Minute), cfg)
		require.NoError(t, err)
		_, err = ValidateJWT(expired, cfg)
		assert.ErrorContains(t, err, "token has expired")
	})

	t.Run("Other signing method", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{ID: "s", Issuer: tokenIssuer}})
		unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = ValidateJWT(unsigned, cfg)
		assert.Error(t, err)
	})

	t.Run("Missing session id", func(t *testing.T) {
		noJTI := sess
		noJTI.ID = ""
		token, err := GenerateJWT(noJTI, cfg)
		require.NoError(t, err)
		_, err = ValidateJWT(token, cfg)
		assert.ErrorContains(t, err, "missing session")
	})

	t.Run("Empty secret", func(t *testing.T) {
		_, err := ValidateJWT(validToken, &config.Config{})
		assert.Error(t, err)
	})
}

// --- AuthMiddleware Tests ---

type fakeSessions map[string]models.Session

func (f fakeSessions) GetSession(id string) (models.Session, error) {
	s, ok := f[id]
	if !ok {
		return models.Session{}, errors.New("not found")
	}
	return s, nil
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := createTestJWTConfig()

	live := createTestSession(time.Hour)
	liveToken, err := GenerateJWT(live, cfg)
	require.NoError(t, err)

	revoked := createTestSession(time.Hour)
	revokedToken, err := GenerateJWT(revoked, cfg)
	require.NoError(t, err)

	// A stored session that belongs to someone else than the token says.
	hijacked := createTestSession(time.Hour)
	hijackedToken, err := GenerateJWT(hijacked, cfg)
	require.NoError(t, err)
	hijackedStored := hijacked
	hijackedStored.UserID = "someone-else"

	sessions := fakeSessions{live.ID: live, hijacked.ID: hijackedStored}

	router := gin.New()
	router.GET("/protected", AuthMiddleware(cfg, sessions), func(c *gin.Context) {
		sess, ok := CurrentSession(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user": sess.UserID, "tier": CurrentTier(c), "email": c.GetString(ContextUserEmail)})
	})

	testCases := []struct {
		name     string
		header   string
		query    string
		wantCode int
	}{
		{name: "Valid header", header: "Bearer " + liveToken, wantCode: http.StatusOK},
		{name: "Lower-case scheme", header: "bearer " + liveToken, wantCode: http.StatusOK},
		{name: "Token query parameter", query: "?token=" + liveToken, wantCode: http.StatusOK},
		{name: "No credentials", wantCode: http.StatusUnauthorized},
		{name: "Wrong scheme", header: "Basic abc", wantCode: http.StatusUnauthorized},
		{name: "Garbage token", header: "Bearer nope", wantCode: http.StatusUnauthorized},
		{name: "Revoked session", header: "Bearer " + revokedToken, wantCode: http.StatusUnauthorized},
		{name: "Session user mismatch", header: "Bearer " + hijackedToken, wantCode: http.StatusUnauthorized},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.wantCode, w.Code, w.Body.String())
			if tc.wantCode == http.StatusOK {
				assert.Contains(t, w.Body.String(), live.UserID)
				assert.Contains(t, w.Body.String(), `"tier":"user"`)
			} else {
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}
}

func TestCurrentTier_Anonymous(t *testing.T) {
	c, _ := createTestContext()
	assert.Equal(t, models.RoleAnonymous, CurrentTier(c))
	_, ok := CurrentSession(c)
	assert.False(t, ok)
}
