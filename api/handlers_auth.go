package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mindgraphix/db"
	"mindgraphix/logx"
	"mindgraphix/models"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

const minPasswordLength = 8

// dummyHash is compared against when an email is unknown, so a failed
// login costs the same whether or not the account exists.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3ZhxLk8sH9cFC5x5N9wYbLy"

const genericLoginError = "invalid email or password"

// --- Signup ---

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Phone    string `json:"phone"`
}

// RegisterHandler creates a client account.
// @Summary      Register a new account
// @Description  Creates a client account. The email must not already be registered; a second registration with the same email (in any letter case) is rejected with 409 and nothing is written.
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        account body RegisterRequest true "Name, email and password (at least 8 characters)"
// @Success      201  {object}  models.UserAccount
// @Failure      400  {object}  utils.APIError "Missing or invalid fields"
// @Failure      409  {object}  utils.APIError "Email already registered"
// @Router       /auth/register [post]
func RegisterHandler(c *gin.Context, d *Deps) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(req.Password) < minPasswordLength {
		utils.GinBadRequest(c, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	hash, err := utils.HashPassword(req.Password, d.Config.BcryptCost)
	if err != nil {
		utils.GinBadRequest(c, "password cannot be used")
		return
	}

	user, err := d.Store.RegisterUser(models.UserAccount{
		Name:         req.Name,
		Email:        req.Email,
		Phone:        req.Phone,
		PasswordHash: hash,
		Role:         models.RoleUser,
	})
	if err != nil {
		GinStoreError(c, err)
		return
	}
	logx.Info("Account registered", "user_id", user.ID)
	setETag(c, user.Revision)
	c.JSON(http.StatusCreated, user.Sanitized())
}

// --- Login ---

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries a session token.
type LoginResponse struct {
	Token      string             `json:"token"`
	ExpiresAt  time.Time          `json:"expires_at"`
	Tier       models.Role        `json:"tier"`
	CanElevate bool               `json:"can_elevate"`
	User       models.UserAccount `json:"user"`
}

// LoginHandler verifies credentials and opens a session.
// @Summary      Log in
// @Description  Verifies the password and returns a bearer token. Wrong passwords, unknown emails and disabled accounts give the same answer. Repeated failures lock the email for a while.
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        credentials body LoginRequest true "Email and password"
// @Success      200  {object}  LoginResponse
// @Failure      401  {object}  utils.APIError "Invalid email or password"
// @Failure      429  {object}  utils.APIError "Too many failed attempts"
// @Router       /auth/login [post]
func LoginHandler(c *gin.Context, d *Deps) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if remaining, locked := d.Guard.Locked(req.Email); locked {
		lockedOut(c, remaining)
		return
	}

	user, err := d.Store.GetUserByEmail(req.Email)
	hash := user.PasswordHash
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) && !errors.Is(err, db.ErrValidation) {
			GinStoreError(c, err)
			return
		}
		hash = dummyHash
	}
	// A disabled account answers like a wrong password.
	if !utils.CheckPasswordHash(req.Password, hash) || err != nil || !user.IsActive {
		if d.Guard.Fail(req.Email) {
			_, _ = d.Store.AppendAdminLog("account_locked", strings.ToLower(req.Email), "too many failed logins", models.SeverityWarning)
		}
		utils.GinUnauthorized(c, genericLoginError)
		return
	}
	d.Guard.Reset(req.Email)

	p := d.Policy.Get()
	resp, err := issueSession(d, user, p.LoginTier(user.Role, user.Email))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	resp.CanElevate = p.SupremeEligible(user.Role, user.Email)
	logx.Info("Login succeeded", "user_id", user.ID, "tier", resp.Tier)
	c.JSON(http.StatusOK, resp)
}

func lockedOut(c *gin.Context, remaining time.Duration) {
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
	utils.GinTooManyRequests(c, "too many failed attempts, try again later")
}

func issueSession(d *Deps, user models.UserAccount, tier models.Role) (LoginResponse, error) {
	now := time.Now().UTC()
	sess, err := d.Store.CreateSession(models.Session{
		ID:        utils.GenerateDashlessUUID(),
		UserID:    user.ID,
		Email:     user.Email,
		Tier:      tier,
		IssuedAt:  now,
		ExpiresAt: now.Add(d.Config.TokenLifetime),
	})
	if err != nil {
		return LoginResponse{}, err
	}
	token, err := utils.GenerateJWT(sess, d.Config)
	if err != nil {
		_ = d.Store.RevokeSession(sess.ID)
		return LoginResponse{}, err
	}
	return LoginResponse{Token: token, ExpiresAt: sess.ExpiresAt, Tier: tier, User: user.Sanitized()}, nil
}

// LogoutHandler revokes the caller's session.
// @Summary      Log out
// @Tags         Authentication
// @Security     BearerAuth
// @Success      204
// @Failure      401  {object}  utils.APIError
// @Router       /auth/logout [post]
func LogoutHandler(c *gin.Context, d *Deps) {
	sess, _ := utils.CurrentSession(c)
	if err := d.Store.RevokeSession(sess.ID); err != nil {
		GinStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Supreme elevation ---

// ElevationQuestionHandler returns the security question for eligible callers.
// @Summary      Get the elevation question
// @Tags         Authentication
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  map[string]string
// @Failure      403  {object}  utils.APIError "Not eligible"
// @Router       /auth/elevate [get]
func ElevationQuestionHandler(c *gin.Context, d *Deps) {
	user := currentUser(c)
	p := d.Policy.Get()
	if !p.SupremeEligible(user.Role, user.Email) {
		utils.GinForbidden(c, "elevation is not available for this account")
		return
	}
	c.JSON(http.StatusOK, gin.H{"question": p.Supreme.Question})
}

// ElevateRequest is the body of POST /auth/elevate.
type ElevateRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// ElevateHandler trades the current session for a supreme one.
// @Summary      Elevate to supreme
// @Description  Checks the answer to the security question and, when it matches, revokes the current session and issues a supreme session.
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        answer body ElevateRequest true "Security answer"
// @Success      200  {object}  LoginResponse
// @Failure      401  {object}  utils.APIError "Wrong answer"
// @Failure      403  {object}  utils.APIError "Not eligible"
// @Failure      429  {object}  utils.APIError "Too many failed attempts"
// @Router       /auth/elevate [post]
func ElevateHandler(c *gin.Context, d *Deps) {
	var req ElevateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	user := currentUser(c)
	p := d.Policy.Get()
	if !p.SupremeEligible(user.Role, user.Email) {
		utils.GinForbidden(c, "elevation is not available for this account")
		return
	}

	guardKey := "elevate:" + user.Email
	if remaining, locked := d.Guard.Locked(guardKey); locked {
		lockedOut(c, remaining)
		return
	}
	if !p.CheckAnswer(req.Answer) {
		d.Guard.Fail(guardKey)
		_, _ = d.Store.AppendAdminLog("elevation_failed", user.Email, "", models.SeverityWarning)
		utils.GinUnauthorized(c, "incorrect answer")
		return
	}
	d.Guard.Reset(guardKey)

	sess, _ := utils.CurrentSession(c)
	resp, err := issueSession(d, user, models.RoleSupreme)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	if err := d.Store.RevokeSession(sess.ID); err != nil {
		logx.Warn("Failed to revoke pre-elevation session", "session", sess.ID, "error", err.Error())
	}
	_, _ = d.Store.AppendAdminLog("supreme_elevation", user.Email, "", models.SeverityWarning)
	logx.Info("Session elevated to supreme", "user_id", user.ID)
	c.JSON(http.StatusOK, resp)
}

// PingHandler answers with the server time.
// @Summary      Ping
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]any
// @Router       /api/ping [get]
func PingHandler(c *gin.Context, d *Deps) {
	c.JSON(http.StatusOK, gin.H{"message": "pong", "server_time": time.Now().UTC()})
}
