package api

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"mindgraphix/db"
	"mindgraphix/logx"
	"mindgraphix/models"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

// --- Users ---

// ListUsersHandler lists accounts without password hashes.
// @Summary      List users
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        q      query  []string  false  "Filters, e.g. role equals admin" collectionFormat(multi)
// @Param        sort   query  string    false  "Field to sort by"
// @Param        order  query  string    false  "asc or desc"
// @Param        page   query  int       false  "1-based page"
// @Param        limit  query  int       false  "Page size"
// @Success      200  {object}  db.Page[models.UserAccount]
// @Failure      400  {object}  utils.APIError "Malformed query"
// @Router       /admin/users [get]
func ListUsersHandler(c *gin.Context, d *Deps) {
	page, err := d.Store.ListUsers(listOptions(c))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	for i := range page.Items {
		page.Items[i] = page.Items[i].Sanitized()
	}
	c.JSON(http.StatusOK, page)
}

// CreateUserBody is the body of POST /admin/users.
type CreateUserBody struct {
	Name     string      `json:"name" binding:"required"`
	Email    string      `json:"email" binding:"required"`
	Phone    string      `json:"phone"`
	Role     models.Role `json:"role"`
	Password string      `json:"password"`
}

// CreateUserResponse returns the generated password once.
type CreateUserResponse struct {
	User     models.UserAccount `json:"user"`
	Password string             `json:"password,omitempty"`
}

// CreateUserHandler creates an account on someone's behalf. Without a
// password one is generated and returned in the response.
// @Summary      Create a user
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        user  body  CreateUserBody  true  "Account fields"
// @Success      201  {object}  CreateUserResponse
// @Failure      400  {object}  utils.APIError
// @Failure      409  {object}  utils.APIError "Email already registered"
// @Router       /admin/users [post]
func CreateUserHandler(c *gin.Context, d *Deps) {
	var body CreateUserBody
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	generated := ""
	if body.Password == "" {
		generated = utils.GenerateDashlessUUID()[:16]
		body.Password = generated
	}
	if len(body.Password) < minPasswordLength {
		utils.GinBadRequest(c, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}
	if body.Role == "" {
		body.Role = models.RoleUser
	}
	hash, err := utils.HashPassword(body.Password, d.Config.BcryptCost)
	if err != nil {
		utils.GinBadRequest(c, "password cannot be used")
		return
	}
	user, err := d.Store.RegisterUser(models.UserAccount{
		Name:         body.Name,
		Email:        body.Email,
		Phone:        body.Phone,
		PasswordHash: hash,
		Role:         body.Role,
	})
	if err != nil {
		GinStoreError(c, err)
		return
	}
	_, _ = d.Store.AppendAdminLog("user_created", actorName(c), fmt.Sprintf("%s (%s)", user.Email, user.Role), models.SeverityInfo)
	setETag(c, user.Revision)
	c.JSON(http.StatusCreated, CreateUserResponse{User: user.Sanitized(), Password: generated})
}

// GetUserHandler returns one account.
// @Summary      Get a user
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "User ID"
// @Success      200  {object}  models.UserAccount
// @Failure      404  {object}  utils.APIError
// @Router       /admin/users/{id} [get]
func GetUserHandler(c *gin.Context, d *Deps) {
	user, err := d.Store.GetUser(c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, user.Revision)
	c.JSON(http.StatusOK, user.Sanitized())
}

// UpdateUserHandler edits any field of an account, including role and
// active flag. Deactivating an account revokes its sessions.
// @Summary      Update a user
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id        path    string        true   "User ID"
// @Param        If-Match  header  string        false  "Expected revision, quoted"
// @Param        patch     body    db.UserPatch  true   "Fields to change"
// @Success      200  {object}  models.UserAccount
// @Failure      400  {object}  utils.APIError
// @Failure      404  {object}  utils.APIError
// @Failure      409  {object}  utils.APIError
// @Router       /admin/users/{id} [put]
func UpdateUserHandler(c *gin.Context, d *Deps) {
	rev, ok := ifMatch(c)
	if !ok {
		return
	}
	var patch db.UserPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	id := c.Param("id")
	user, err := d.Store.UpdateUser(id, patch, rev)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	if patch.IsActive != nil && !*patch.IsActive {
		if n, err := d.Store.RevokeUserSessions(id); err != nil {
			logx.Warn("Failed to revoke sessions of deactivated user", "user_id", id, "error", err.Error())
		} else if n > 0 {
			logx.Info("Revoked sessions of deactivated user", "user_id", id, "sessions", n)
		}
	}
	if patch.Role != nil {
		_, _ = d.Store.AppendAdminLog("user_role_changed", actorName(c), fmt.Sprintf("%s -> %s", user.Email, user.Role), models.SeverityWarning)
	}
	setETag(c, user.Revision)
	c.JSON(http.StatusOK, user.Sanitized())
}

// ResetPasswordBody is the optional body of POST /admin/users/{id}/password.
type ResetPasswordBody struct {
	Password string `json:"password"`
}

// ResetUserPasswordHandler sets a new password for an account and ends its
// sessions. Without a password in the body one is generated and returned.
// @Summary      Reset a user's password
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id    path  string             true   "User ID"
// @Param        body  body  ResetPasswordBody  false  "New password"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  utils.APIError
// @Failure      404  {object}  utils.APIError
// @Router       /admin/users/{id}/password [post]
func ResetUserPasswordHandler(c *gin.Context, d *Deps) {
	var body ResetPasswordBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}
	generated := ""
	if body.Password == "" {
		generated = utils.GenerateDashlessUUID()[:16]
		body.Password = generated
	}
	if len(body.Password) < minPasswordLength {
		utils.GinBadRequest(c, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}
	user, err := d.Store.GetUser(c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	hash, err := utils.HashPassword(body.Password, d.Config.BcryptCost)
	if err != nil {
		utils.GinBadRequest(c, "password cannot be used")
		return
	}
	if err := d.Store.SetPassword(user.ID, hash); err != nil {
		GinStoreError(c, err)
		return
	}
	d.Guard.Reset(user.Email)
	_, _ = d.Store.AppendAdminLog("user_password_reset", actorName(c), user.Email, models.SeverityWarning)
	resp := gin.H{"user_id": user.ID}
	if generated != "" {
		resp["password"] = generated
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteUserHandler removes an account with its notifications and sessions.
// @Summary      Delete a user
// @Tags         Admin
// @Security     BearerAuth
// @Param        id  path  string  true  "User ID"
// @Success      204
// @Failure      404  {object}  utils.APIError
// @Failure      422  {object}  utils.APIError "Cannot delete yourself"
// @Router       /admin/users/{id} [delete]
func DeleteUserHandler(c *gin.Context, d *Deps) {
	id := c.Param("id")
	if id == currentUser(c).ID {
		utils.GinError(c, http.StatusUnprocessableEntity, "cannot delete your own account")
		return
	}
	user, err := d.Store.GetUser(id)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	if err := d.Store.DeleteUser(id); err != nil {
		GinStoreError(c, err)
		return
	}
	_, _ = d.Store.AppendAdminLog("user_deleted", actorName(c), user.Email, models.SeverityWarning)
	c.Status(http.StatusNoContent)
}

// --- Admin logs ---

// ListAdminLogsHandler returns admin log entries, newest first.
// @Summary      List admin logs
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        severity  query  string  false  "info, warning, error or critical"
// @Param        limit     query  int     false  "Maximum entries"
// @Success      200  {array}  models.AdminLog
// @Router       /admin/logs [get]
func ListAdminLogsHandler(c *gin.Context, d *Deps) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, d.Store.ListAdminLogs(models.Severity(c.Query("severity")), limit))
}

// AdminLogBody is the body of POST /admin/logs.
type AdminLogBody struct {
	Action   string          `json:"action" binding:"required"`
	Details  string          `json:"details"`
	Severity models.Severity `json:"severity"`
}

// AppendAdminLogHandler records an entry on behalf of the caller.
// @Summary      Append an admin log entry
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        entry  body  AdminLogBody  true  "Action, details and severity"
// @Success      201  {object}  models.AdminLog
// @Failure      400  {object}  utils.APIError
// @Router       /admin/logs [post]
func AppendAdminLogHandler(c *gin.Context, d *Deps) {
	var body AdminLogBody
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	entry, err := d.Store.AppendAdminLog(body.Action, actorName(c), body.Details, body.Severity)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// --- Quotes ---

// SubmitQuoteBody is the body of POST /quotes.
type SubmitQuoteBody struct {
	Name    string   `json:"name" binding:"required"`
	Email   string   `json:"email" binding:"required"`
	Phone   string   `json:"phone"`
	Service string   `json:"service"`
	Message string   `json:"message" binding:"required"`
	Files   []string `json:"files"`
}

// SubmitQuoteHandler stores a quote request from the public site.
// @Summary      Request a quote
// @Tags         Quotes
// @Accept       json
// @Produce      json
// @Param        quote  body  SubmitQuoteBody  true  "Contact details and message"
// @Success      201  {object}  models.Quote
// @Failure      400  {object}  utils.APIError
// @Router       /quotes [post]
func SubmitQuoteHandler(c *gin.Context, d *Deps) {
	var body SubmitQuoteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	q, err := d.Store.SubmitQuote(models.Quote{
		Name:    body.Name,
		Email:   body.Email,
		Phone:   body.Phone,
		Service: body.Service,
		Message: body.Message,
		Files:   body.Files,
	})
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}

// ListQuotesHandler lists quote requests, newest first.
// @Summary      List quotes
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        page   query  int  false  "1-based page"
// @Param        limit  query  int  false  "Page size"
// @Success      200  {object}  db.Page[models.Quote]
// @Router       /admin/quotes [get]
func ListQuotesHandler(c *gin.Context, d *Deps) {
	page, err := d.Store.ListQuotes(listOptions(c))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetQuoteHandler returns one quote.
// @Summary      Get a quote
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "Quote ID"
// @Success      200  {object}  models.Quote
// @Failure      404  {object}  utils.APIError
// @Router       /admin/quotes/{id} [get]
func GetQuoteHandler(c *gin.Context, d *Deps) {
	q, err := d.Store.GetQuote(c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// DeleteQuoteHandler removes a quote.
// @Summary      Delete a quote
// @Tags         Admin
// @Security     BearerAuth
// @Param        id  path  string  true  "Quote ID"
// @Success      204
// @Failure      404  {object}  utils.APIError
// @Router       /admin/quotes/{id} [delete]
func DeleteQuoteHandler(c *gin.Context, d *Deps) {
	if err := d.Store.DeleteQuote(c.Param("id")); err != nil {
		GinStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- System ---

// HealthResponse reports process and store figures.
type HealthResponse struct {
	Status        string   `json:"status"`
	Uptime        string   `json:"uptime"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Goroutines    int      `json:"goroutines"`
	HeapAlloc     uint64   `json:"heap_alloc_bytes"`
	HeapSys       uint64   `json:"heap_sys_bytes"`
	NumGC         uint32   `json:"num_gc"`
	GoVersion     string   `json:"go_version"`
	Users         int      `json:"users"`
	Store         db.Stats `json:"store"`
}

// HealthHandler reports measured runtime and storage figures.
// @Summary      System health
// @Description  Memory and goroutine figures come from the Go runtime; storage figures from the store. Status is degraded when the last persist failed or usage is above 90% of the quota.
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  HealthResponse
// @Router       /admin/health [get]
func HealthHandler(c *gin.Context, d *Deps) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats := d.Store.Stats()
	uptime := time.Since(d.StartedAt).Truncate(time.Second)

	status := "ok"
	if stats.LastPersistError != "" || (stats.MaxBytes > 0 && stats.Bytes*10 > stats.MaxBytes*9) {
		status = "degraded"
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:        status,
		Uptime:        uptime.String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapAlloc:     mem.HeapAlloc,
		HeapSys:       mem.HeapSys,
		NumGC:         mem.NumGC,
		GoVersion:     runtime.Version(),
		Users:         d.Store.CountUsers(),
		Store:         stats,
	})
}

// BackupHandler downloads a checksummed backup. Repeat prefix to limit it.
// @Summary      Download a backup
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        prefix  query  []string  false  "Key prefixes to include" collectionFormat(multi)
// @Success      200  {object}  db.Backup
// @Router       /admin/backup [get]
func BackupHandler(c *gin.Context, d *Deps) {
	backup, err := d.Store.ExportAll(c.QueryArray("prefix")...)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	_, _ = d.Store.AppendAdminLog("backup_export", actorName(c), fmt.Sprintf("%d entries at revision %d", len(backup.Entries), backup.Revision), models.SeverityInfo)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, timestamped("mindgraphix-backup")))
	unescapedJSON(c, http.StatusOK, backup)
}

// RestoreHandler replaces stored data with a backup. A legacy browser dump
// is accepted with legacy=true.
// @Summary      Restore a backup
// @Description  Verifies the checksum and replaces every key the backup covers in one transaction. Login sessions survive.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        legacy  query  bool  false  "Body is a legacy localStorage dump"
// @Success      200  {object}  db.ImportResult
// @Failure      400  {object}  utils.APIError "Malformed backup or checksum mismatch"
// @Router       /admin/restore [post]
func RestoreHandler(c *gin.Context, d *Deps) {
	data, ok := readBody(c, d.Config.MaxTotalBytes)
	if !ok {
		return
	}
	if c.Query("legacy") == "true" {
		hasher := func(plain string) (string, error) { return utils.HashPassword(plain, d.Config.BcryptCost) }
		report, err := d.Store.ImportLegacy(data, hasher)
		if err != nil {
			GinStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}
	result, err := d.Store.RestoreAll(data)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	_, _ = d.Store.AppendAdminLog("backup_restore", actorName(c), fmt.Sprintf("written=%d removed=%d", result.Written, result.Removed), models.SeverityCritical)
	c.JSON(http.StatusOK, result)
}

// ResetHandler removes every key under prefix, or the whole store when
// prefix is empty. Login sessions are kept unless they are targeted.
// @Summary      Reset stored data
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        prefix   query  string  false  "Key prefix to clear"
// @Param        confirm  query  string  true   "Must be yes"
// @Success      200  {object}  map[string]int
// @Failure      400  {object}  utils.APIError "Missing confirmation"
// @Router       /admin/reset [post]
func ResetHandler(c *gin.Context, d *Deps) {
	if c.Query("confirm") != "yes" {
		utils.GinBadRequest(c, "reset requires confirm=yes")
		return
	}
	prefix := c.Query("prefix")
	removed, err := d.Store.Reset(prefix)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	_, _ = d.Store.AppendAdminLog("store_reset", actorName(c), fmt.Sprintf("prefix=%q removed=%d", prefix, removed), models.SeverityCritical)
	logx.Warn("Store reset", "prefix", prefix, "removed", removed, "by", actorName(c))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
