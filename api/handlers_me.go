package api

import (
	"fmt"
	"net/http"

	"mindgraphix/db"
	"mindgraphix/logx"
	"mindgraphix/models"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

// MeResponse is the caller's profile with their effective tier.
type MeResponse struct {
	User          models.UserAccount `json:"user"`
	Tier          models.Role        `json:"tier"`
	Capabilities  []string           `json:"capabilities"`
	UnreadNotices int                `json:"unread_notifications"`
}

// GetMeHandler returns the authenticated account.
// @Summary      Get my account
// @Tags         Account
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  MeResponse
// @Failure      401  {object}  utils.APIError
// @Router       /me [get]
func GetMeHandler(c *gin.Context, d *Deps) {
	user := currentUser(c)
	tier := utils.CurrentTier(c)
	caps := d.Policy.Get().CapabilitiesOf(tier)
	names := make([]string, len(caps))
	for i, cp := range caps {
		names[i] = string(cp)
	}
	setETag(c, user.Revision)
	c.JSON(http.StatusOK, MeResponse{
		User:          user.Sanitized(),
		Tier:          tier,
		Capabilities:  names,
		UnreadNotices: d.Store.UnreadCount(user.Email),
	})
}

// UpdateMeRequest holds the fields a user may change on their own account.
type UpdateMeRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

// UpdateMeHandler edits the caller's profile.
// @Summary      Update my account
// @Description  Only the fields present in the body change. Changing the email moves the notification inbox with it.
// @Tags         Account
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        If-Match  header  string           false  "Expected revision, quoted"
// @Param        profile   body    UpdateMeRequest  true   "Fields to change"
// @Success      200  {object}  models.UserAccount
// @Failure      400  {object}  utils.APIError
// @Failure      409  {object}  utils.APIError "Revision conflict or email taken"
// @Router       /me [put]
func UpdateMeHandler(c *gin.Context, d *Deps) {
	rev, ok := ifMatch(c)
	if !ok {
		return
	}
	var req UpdateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	user := currentUser(c)
	updated, err := d.Store.UpdateUser(user.ID, db.UserPatch{Name: req.Name, Email: req.Email, Phone: req.Phone}, rev)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, updated.Revision)
	c.JSON(http.StatusOK, updated.Sanitized())
}

// ChangePasswordRequest is the body of PUT /me/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

// ChangePasswordHandler replaces the caller's password. Every session of
// the account is revoked, including the current one.
// @Summary      Change my password
// @Tags         Account
// @Accept       json
// @Security     BearerAuth
// @Param        passwords  body  ChangePasswordRequest  true  "Current and new password"
// @Success      204
// @Failure      400  {object}  utils.APIError
// @Failure      401  {object}  utils.APIError "Current password is wrong"
// @Router       /me/password [put]
func ChangePasswordHandler(c *gin.Context, d *Deps) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		utils.GinBadRequest(c, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}
	user := currentUser(c)
	stored, err := d.Store.GetUser(user.ID)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	if !utils.CheckPasswordHash(req.CurrentPassword, stored.PasswordHash) {
		utils.GinUnauthorized(c, "current password is incorrect")
		return
	}
	hash, err := utils.HashPassword(req.NewPassword, d.Config.BcryptCost)
	if err != nil {
		utils.GinBadRequest(c, "password cannot be used")
		return
	}
	if err := d.Store.SetPassword(user.ID, hash); err != nil {
		GinStoreError(c, err)
		return
	}
	logx.Info("Password changed", "user_id", user.ID)
	c.Status(http.StatusNoContent)
}
