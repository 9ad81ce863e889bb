package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mindgraphix/api"
	"mindgraphix/blob"
	"mindgraphix/config"
	"mindgraphix/db"
	_ "mindgraphix/docs" // registers the swagger docs via init()
	"mindgraphix/logx"
	"mindgraphix/policy"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// @title           MindGraphix API
// @version         1.0.0

// @description     ## MindGraphix API
// @description
// @description     Backend for the MindGraphix agency site: editable site content, client accounts,
// @description     service requests, chat sessions, notifications, quotes, file uploads and the admin tools
// @description     around them. All state lives in one key/value store persisted to a JSON file or SQLite.
// @description
// @description     **Access tiers:** anonymous < user < admin < supreme. Login grants at most admin;
// @description     the supreme tier requires answering the security question at `POST /auth/elevate`.
// @description
// @description     **Optimistic concurrency:** mutable records carry a `revision`. Send it back in an
// @description     `If-Match` header on updates; a stale value is answered with `409 Conflict`.
// @description
// @description     **Filtering (`q` parameter):** list endpoints accept repeated `q` parts that alternate
// @description     between a `path operator value` condition and a logic word (`and` / `or`), evaluated left
// @description     to right against each record's JSON. Operators: equals, notEquals, greaterThan, lessThan,
// @description     greaterThanOrEquals, lessThanOrEquals, contains, startsWith, endsWith. Append
// @description     `-insensitive` to the string operators to ignore case.
// @description         `?q=priority equals "urgent"&q=or&q=status equals "pending"`

// @license.name  MIT

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	// A missing .env file is fine, the environment and flags still apply.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags are bound when the tree is built,
// so the environment must be loaded before calling it.
func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "mindgraphix",
		Short: "MindGraphix site backend",
		Long: `MindGraphix serves the agency site's content and client portal API.

Run without a subcommand to start the HTTP server. The other commands
operate on the configured store directly and are meant for maintenance.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logx.InitGlobalLogger(logx.Options{
				Development: cfg.IsDevelopment(),
				LogFile:     cfg.LogFile,
			}); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if err := config.Finalize(cfg); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), cfg)
		},
	}
	cfg = config.BindFlags(rootCmd.PersistentFlags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), cfg)
		},
	}

	rootCmd.AddCommand(
		serveCmd,
		newExportCmd(cfg),
		newImportCmd(cfg),
		newResetCmd(cfg),
		newHashAnswerCmd(cfg),
		newUsersCmd(cfg),
	)
	return rootCmd
}

// loadPolicy returns a holder for the configured policy file and keeps the
// store's content schema in step with it.
func loadPolicy(cfg *config.Config, store *db.Store) (*policy.Holder, error) {
	holder, err := policy.NewHolder(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	apply := func(p *policy.Policy) {
		schema, err := p.Schema(db.DefaultContentSchema())
		if err != nil {
			logx.Error(err, "Policy content schema rejected, keeping the previous schema")
			return
		}
		store.SetContentSchema(schema)
	}
	apply(holder.Get())
	holder.OnChange(apply)
	return holder, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := db.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore(store)

	holder, err := loadPolicy(cfg, store)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}

	deps := api.NewDeps(store, cfg, holder, blobs)

	go func() {
		if err := holder.Watch(ctx); err != nil {
			logx.Error(err, "Policy watcher stopped")
		}
	}()
	go deps.Limiter.Run(ctx)
	go pruneSessions(ctx, store, cfg.SessionPruneInterval)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info("Server listening", "addr", srv.Addr, "swagger", "/swagger/index.html")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logx.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// pruneSessions drops expired sessions every interval until ctx is done.
func pruneSessions(ctx context.Context, store *db.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PruneExpiredSessions(now)
			if err != nil {
				logx.Error(err, "Session prune failed")
				continue
			}
			if n > 0 {
				logx.Debug("Pruned expired sessions", "count", n)
			}
		}
	}
}

func closeStore(store *db.Store) {
	if err := store.Close(); err != nil {
		logx.Error(err, "Failed to flush store on close")
	}
}
