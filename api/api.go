/*
Package api exposes the store over HTTP with gin.

Handlers are plain functions taking the gin context and the shared Deps.
RegisterRoutes wires them to paths and applies authentication and
capability checks per route group.
*/
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"mindgraphix/blob"
	"mindgraphix/config"
	"mindgraphix/db"
	"mindgraphix/logx"
	"mindgraphix/models"
	"mindgraphix/policy"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/time/rate"
)

// Deps bundles everything the handlers need.
type Deps struct {
	Store     *db.Store
	Config    *config.Config
	Policy    *policy.Holder
	Blobs     blob.Store
	Guard     *utils.LoginGuard
	Limiter   *utils.IPRateLimiter
	StartedAt time.Time

	// pingPeriod paces event stream pings and session checks.
	pingPeriod time.Duration
}

// NewDeps fills the optional fields of Deps from cfg.
func NewDeps(store *db.Store, cfg *config.Config, holder *policy.Holder, blobs blob.Store) *Deps {
	if holder == nil {
		holder = policy.Static(policy.Default())
	}
	return &Deps{
		Store:     store,
		Config:    cfg,
		Policy:    holder,
		Blobs:     blobs,
		Guard:     utils.NewLoginGuard(cfg.MaxLoginAttempts, cfg.LockoutDuration),
		Limiter:   utils.NewIPRateLimiter(rate.Limit(cfg.LoginRate), cfg.LoginBurst),
		StartedAt: time.Now(),

		pingPeriod: defaultPingPeriod,
	}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d *Deps) *gin.Engine {
	router := gin.New()
	router.Use(logx.GinLogger(), gin.Recovery())
	router.RedirectTrailingSlash = false
	RegisterRoutes(router, d)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	return router
}

// NewHandler wraps the router with CORS for the configured origins.
func NewHandler(d *Deps) http.Handler {
	origins := d.Config.AllowedOrigins
	if d.Config.IsDevelopment() {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	return c.Handler(NewRouter(d))
}

// RegisterRoutes attaches every endpoint to router.
func RegisterRoutes(router gin.IRouter, d *Deps) {
	h := func(fn func(*gin.Context, *Deps)) gin.HandlerFunc {
		return func(c *gin.Context) { fn(c, d) }
	}
	auth := authenticate(d)
	can := func(cap policy.Capability) gin.HandlerFunc { return RequireCapability(d, cap) }

	router.GET("/api/ping", h(PingHandler))
	router.POST("/quotes", h(SubmitQuoteHandler))

	authGroup := router.Group("/auth")
	authGroup.Use(d.Limiter.Middleware())
	{
		authGroup.POST("/register", h(RegisterHandler))
		authGroup.POST("/login", h(LoginHandler))
		authGroup.POST("/logout", auth, h(LogoutHandler))
		authGroup.GET("/elevate", auth, h(ElevationQuestionHandler))
		authGroup.POST("/elevate", auth, h(ElevateHandler))
	}

	content := router.Group("/content")
	{
		content.GET("", h(GetContentHandler))
		content.GET("/:key", h(GetContentKeyHandler))
		content.GET("/:key/html", h(GetContentHTMLHandler))
		content.PUT("", auth, can(policy.ContentWrite), h(UpdateContentBatchHandler))
		content.PUT("/:key", auth, can(policy.ContentWrite), h(UpdateContentKeyHandler))
		content.DELETE("/:key", auth, can(policy.ContentWrite), h(DeleteContentKeyHandler))
	}

	me := router.Group("/me", auth)
	{
		me.GET("", h(GetMeHandler))
		me.PUT("", h(UpdateMeHandler))
		me.PUT("/password", h(ChangePasswordHandler))
	}

	requests := router.Group("/requests", auth)
	{
		requests.POST("", h(CreateRequestHandler))
		requests.GET("", h(ListRequestsHandler))
		requests.GET("/:id", h(GetRequestHandler))
		requests.POST("/:id/responses", h(AddResponseHandler))
		requests.PUT("/:id/status", can(policy.RequestsManage), h(UpdateRequestStatusHandler))
		requests.DELETE("/:id", can(policy.RequestsManage), h(DeleteRequestHandler))
	}

	chats := router.Group("/chats", auth)
	{
		chats.POST("", h(OpenChatHandler))
		chats.GET("", h(ListChatsHandler))
		chats.GET("/:id", h(GetChatHandler))
		chats.POST("/:id/messages", h(AppendChatMessageHandler))
		chats.POST("/:id/close", h(CloseChatHandler))
		chats.DELETE("/:id", can(policy.ChatsManage), h(DeleteChatHandler))
	}

	notifications := router.Group("/notifications", auth)
	{
		notifications.GET("", h(ListNotificationsHandler))
		notifications.POST("/read-all", h(MarkAllNotificationsReadHandler))
		notifications.POST("/:id/read", h(MarkNotificationReadHandler))
		notifications.DELETE("/:id", h(DeleteNotificationHandler))
	}

	files := router.Group("/files", auth, can(policy.FilesManage))
	{
		files.POST("", h(UploadFileHandler))
		files.GET("", h(ListFilesHandler))
		files.GET("/:id", h(GetFileHandler))
		files.GET("/:id/download", h(DownloadFileHandler))
		files.DELETE("/:id", h(DeleteFileHandler))
	}

	admin := router.Group("/admin", auth)
	{
		admin.GET("/content/export", can(policy.ContentWrite), h(ExportContentHandler))
		admin.POST("/content/import", can(policy.ContentWrite), h(ImportContentHandler))

		admin.GET("/users", can(policy.UsersManage), h(ListUsersHandler))
		admin.POST("/users", can(policy.UsersManage), h(CreateUserHandler))
		admin.GET("/users/:id", can(policy.UsersManage), h(GetUserHandler))
		admin.PUT("/users/:id", can(policy.UsersManage), h(UpdateUserHandler))
		admin.DELETE("/users/:id", can(policy.UsersManage), h(DeleteUserHandler))
		admin.POST("/users/:id/password", can(policy.UsersManage), h(ResetUserPasswordHandler))

		admin.GET("/notifications", can(policy.NotificationsAdmin), h(ListAdminNotificationsHandler))
		admin.POST("/notifications", can(policy.NotificationsAdmin), h(SendNotificationHandler))
		admin.POST("/notifications/read-all", can(policy.NotificationsAdmin), h(MarkAllAdminNotificationsReadHandler))
		admin.POST("/notifications/:id/read", can(policy.NotificationsAdmin), h(MarkAdminNotificationReadHandler))

		admin.GET("/logs", can(policy.LogsRead), h(ListAdminLogsHandler))
		admin.POST("/logs", can(policy.LogsWrite), h(AppendAdminLogHandler))

		admin.GET("/quotes", can(policy.QuotesRead), h(ListQuotesHandler))
		admin.GET("/quotes/:id", can(policy.QuotesRead), h(GetQuoteHandler))
		admin.DELETE("/quotes/:id", can(policy.RequestsManage), h(DeleteQuoteHandler))

		admin.GET("/health", can(policy.HealthRead), h(HealthHandler))
		admin.GET("/backup", can(policy.BackupExport), h(BackupHandler))
		admin.POST("/restore", can(policy.BackupImport), h(RestoreHandler))
		admin.POST("/reset", can(policy.StoreReset), h(ResetHandler))
		admin.GET("/events", can(policy.EventsWatch), h(EventsHandler))
	}
}

// authenticate validates the session token, then resolves the caller's
// tier against the current user record and policy. A tier removed from
// the policy, or a deactivated account, takes effect on the next request.
func authenticate(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.Authenticate(c, d.Config, d.Store) {
			return
		}
		sess, _ := utils.CurrentSession(c)
		user, err := d.Store.GetUser(sess.UserID)
		if err != nil || !user.IsActive {
			utils.GinUnauthorized(c, "account is not available")
			return
		}
		allowed := d.Policy.Get().EffectiveTier(user.Role, user.Email)
		tier := sess.Tier
		if policy.Rank(allowed) < policy.Rank(tier) {
			tier = allowed
		}
		c.Set(utils.ContextTier, tier)
		c.Set(utils.ContextUserEmail, user.Email)
		c.Set(contextUser, user)
	}
}

const contextUser = "user"

// RequireCapability aborts with 403 unless the caller's tier holds cap.
func RequireCapability(d *Deps, cap policy.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier := utils.CurrentTier(c)
		if !d.Policy.Get().Allows(tier, cap) {
			logx.Debug("Capability denied", "tier", tier, "capability", cap, "path", c.Request.URL.Path)
			utils.GinForbidden(c, "insufficient privileges")
			return
		}
		c.Next()
	}
}

// currentUser returns the account resolved by authenticate.
func currentUser(c *gin.Context) models.UserAccount {
	v, _ := c.Get(contextUser)
	u, _ := v.(models.UserAccount)
	return u
}

// hasCapability reports whether the caller holds cap without aborting.
func hasCapability(c *gin.Context, d *Deps, cap policy.Capability) bool {
	return d.Policy.Get().Allows(utils.CurrentTier(c), cap)
}

// ifMatch reads If-Match: "<revision>". A missing header or "*" means any
// revision.
func ifMatch(c *gin.Context) (int64, bool) {
	h := strings.TrimSpace(c.GetHeader("If-Match"))
	if h == "" || h == "*" {
		return db.AnyRevision, true
	}
	h = strings.TrimPrefix(h, "W/")
	rev, err := strconv.ParseInt(strings.Trim(h, `"`), 10, 64)
	if err != nil || rev < 0 {
		utils.GinBadRequest(c, "If-Match must be a quoted revision number")
		return 0, false
	}
	return rev, true
}

func setETag(c *gin.Context, revision int64) {
	c.Header("ETag", strconv.Quote(strconv.FormatInt(revision, 10)))
}

// listOptions reads q, sort, order, page and limit from the query string.
func listOptions(c *gin.Context) db.ListOptions {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	return db.ListOptions{
		Query:  c.QueryArray("q"),
		SortBy: c.Query("sort"),
		Order:  c.Query("order"),
		Page:   page,
		Limit:  limit,
	}
}

func actorName(c *gin.Context) string {
	if email := c.GetString(utils.ContextUserEmail); email != "" {
		return email
	}
	return "system"
}
