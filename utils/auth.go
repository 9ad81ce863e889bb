package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mindgraphix/config"
	"mindgraphix/logx"
	"mindgraphix/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "mindgraphix"

// Context keys set by AuthMiddleware.
const (
	ContextSession   = "session"
	ContextUserID    = "userID"
	ContextUserEmail = "userEmail"
	ContextTier      = "tier"
)

// --- Password Hashing ---

// HashPassword generates a bcrypt hash for the given password.
func HashPassword(password string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		logx.Error(err, "Failed to hash password")
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a plain text password with a stored bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// --- JWT Handling ---

// Claims defines the structure of the JWT claims. The registered ID (jti)
// is the session id.
type Claims struct {
	UserID string      `json:"user_id"`
	Email  string      `json:"email"`
	Tier   models.Role `json:"tier"`
	jwt.RegisteredClaims
}

// GenerateJWT signs a token for sess. The token expires with the session.
func GenerateJWT(sess models.Session, cfg *config.Config) (string, error) {
	if cfg.JwtSecret == "" {
		logx.Error(nil, "JWT secret is empty, cannot generate token")
		return "", errors.New("JWT secret is not configured")
	}

	claims := &Claims{
		UserID: sess.UserID,
		Email:  sess.Email,
		Tier:   sess.Tier,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			Issuer:    tokenIssuer,
			Subject:   sess.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JwtSecret))
	if err != nil {
		logx.Error(err, "Failed to sign JWT token")
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateJWT parses and validates a JWT token string.
func ValidateJWT(tokenString string, cfg *config.Config) (*Claims, error) {
	if cfg.JwtSecret == "" {
		logx.Error(nil, "JWT secret is empty, cannot validate token")
		return nil, errors.New("JWT secret is not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JwtSecret), nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			logx.Debug("JWT validation failed: token expired")
			return nil, errors.New("token has expired")
		}
		logx.Debug("JWT validation failed", "error", err.Error())
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.ID == "" || claims.UserID == "" {
		return nil, errors.New("invalid token: missing session")
	}
	return claims, nil
}

// SessionLookup resolves the session a token refers to.
type SessionLookup interface {
	GetSession(id string) (models.Session, error)
}

// bearerToken reads "Authorization: Bearer <token>", falling back to the
// token query parameter for clients that cannot set headers (websockets).
func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("token"); t != "" {
			return t, nil
		}
		return "", errors.New("authorization header required")
	}
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("authorization header format must be Bearer {token}")
	}
	return parts[1], nil
}

// Authenticate validates the request's token and session record and stores
// the session in the context. On failure it aborts with 401 and returns false.
func Authenticate(c *gin.Context, cfg *config.Config, sessions SessionLookup) bool {
	tokenString, err := bearerToken(c)
	if err != nil {
		GinUnauthorized(c, err.Error())
		return false
	}

	claims, err := ValidateJWT(tokenString, cfg)
	if err != nil {
		GinUnauthorized(c, err.Error())
		return false
	}

	sess, err := sessions.GetSession(claims.ID)
	if err != nil || sess.UserID != claims.UserID {
		GinUnauthorized(c, "session is no longer valid")
		return false
	}
	if sess.Expired(time.Now()) {
		GinUnauthorized(c, "session has expired")
		return false
	}

	c.Set(ContextSession, sess)
	c.Set(ContextUserID, sess.UserID)
	c.Set(ContextUserEmail, sess.Email)
	c.Set(ContextTier, sess.Tier)
	return true
}

// AuthMiddleware protects routes with a session token. Every request
// re-checks the session record, so revoked sessions stop working at once.
func AuthMiddleware(cfg *config.Config, sessions SessionLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Authenticate(c, cfg, sessions) {
			c.Next()
		}
	}
}

// CurrentSession returns the session stored by AuthMiddleware.
func CurrentSession(c *gin.Context) (models.Session, bool) {
	v, ok := c.Get(ContextSession)
	if !ok {
		return models.Session{}, false
	}
	sess, ok := v.(models.Session)
	return sess, ok
}

// CurrentTier returns the caller's tier, anonymous when unauthenticated.
func CurrentTier(c *gin.Context) models.Role {
	if v, ok := c.Get(ContextTier); ok {
		if tier, ok := v.(models.Role); ok {
			return tier
		}
	}
	return models.RoleAnonymous
}
