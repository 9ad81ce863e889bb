package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"mindgraphix/config"
	"mindgraphix/db"
	"mindgraphix/models"
	"mindgraphix/policy"
	"mindgraphix/utils"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// cliActor is recorded as the user in admin log entries written from the CLI.
const cliActor = "cli"

// withStore opens the configured store, runs fn and flushes the store.
func withStore(cfg *config.Config, fn func(store *db.Store) error) (err error) {
	store, err := db.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("flush store: %w", cerr)
		}
	}()
	return fn(store)
}

// writeJSON writes v to path, or to w when path is empty or "-".
func writeJSON(w io.Writer, path string, v any) error {
	data, err := db.EncodeJSON(v, "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = w.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func newExportCmd(cfg *config.Config) *cobra.Command {
	var output string
	var prefixes []string

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write site content or a full backup to a file",
	}
	exportCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")

	contentCmd := &cobra.Command{
		Use:   "content",
		Short: "Export site content with its checksum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(store *db.Store) error {
				export, err := store.ExportContent()
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), output, export); err != nil {
					return err
				}
				if output != "" && output != "-" {
					color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "Exported %d content keys to %s\n", len(export.Content), output)
				}
				return nil
			})
		},
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Export every record except sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(store *db.Store) error {
				backup, err := store.ExportAll(prefixes...)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), output, backup); err != nil {
					return err
				}
				if _, err := store.AppendAdminLog("backup_export", cliActor, fmt.Sprintf("%d keys", len(backup.Entries)), models.SeverityInfo); err != nil {
					return err
				}
				if output != "" && output != "-" {
					color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "Exported %d keys to %s\n", len(backup.Entries), output)
				}
				return nil
			})
		},
	}
	backupCmd.Flags().StringSliceVar(&prefixes, "prefix", nil, "Only export keys under these prefixes")

	exportCmd.AddCommand(contentCmd, backupCmd)
	return exportCmd
}

func newImportCmd(cfg *config.Config) *cobra.Command {
	var mode string

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Load site content, a backup or a legacy browser dump",
	}

	contentCmd := &cobra.Command{
		Use:   "content <file>",
		Short: "Import site content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withStore(cfg, func(store *db.Store) error {
				res, err := store.ImportContent(data, db.ImportMode(mode))
				if err != nil {
					return err
				}
				details := fmt.Sprintf("%s: %d written, %d removed", mode, res.Written, res.Removed)
				if _, err := store.AppendAdminLog("content_import", cliActor, details, models.SeverityWarning); err != nil {
					return err
				}
				color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Imported content: %d written, %d removed (revision %d)\n", res.Written, res.Removed, res.Revision)
				return nil
			})
		},
	}
	contentCmd.Flags().StringVar(&mode, "mode", string(db.ImportReplace), "Import mode: replace or merge")

	backupCmd := &cobra.Command{
		Use:   "backup <file>",
		Short: "Restore a backup, replacing the keys it covers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withStore(cfg, func(store *db.Store) error {
				res, err := store.RestoreAll(data)
				if err != nil {
					return err
				}
				details := fmt.Sprintf("%d written, %d removed", res.Written, res.Removed)
				if _, err := store.AppendAdminLog("backup_restore", cliActor, details, models.SeverityCritical); err != nil {
					return err
				}
				color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Restored backup: %d written, %d removed (revision %d)\n", res.Written, res.Removed, res.Revision)
				return nil
			})
		},
	}

	legacyCmd := &cobra.Command{
		Use:   "legacy <file>",
		Short: "Import a dump of the old browser storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			hasher := func(plain string) (string, error) {
				return utils.HashPassword(plain, cfg.BcryptCost)
			}
			return withStore(cfg, func(store *db.Store) error {
				report, err := store.ImportLegacy(data, hasher)
				if err != nil {
					return err
				}
				cyan := color.New(color.FgCyan)
				yellow := color.New(color.FgYellow)
				out := cmd.OutOrStdout()
				cyan.Fprintf(out, "Legacy import (revision %d)\n", report.Revision)
				for kind, n := range report.Imported {
					fmt.Fprintf(out, "  %-20s %d\n", kind, n)
				}
				for _, skipped := range report.Skipped {
					yellow.Fprintf(out, "  skipped: %s\n", skipped)
				}
				return nil
			})
		},
	}

	importCmd.AddCommand(contentCmd, backupCmd, legacyCmd)
	return importCmd
}

func newResetCmd(cfg *config.Config) *cobra.Command {
	var prefix string
	var yes bool

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every key under a prefix",
		Long: `Delete every key under --prefix, or the whole store when it is empty.
Sessions survive unless the prefix targets them explicitly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			return withStore(cfg, func(store *db.Store) error {
				n, err := store.Reset(prefix)
				if err != nil {
					return err
				}
				scope := prefix
				if scope == "" {
					scope = "all"
				}
				if _, err := store.AppendAdminLog("store_reset", cliActor, fmt.Sprintf("%s: %d keys", scope, n), models.SeverityCritical); err != nil {
					return err
				}
				color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(), "Removed %d keys (%s)\n", n, scope)
				return nil
			})
		},
	}
	resetCmd.Flags().StringVar(&prefix, "prefix", "", "Only delete keys under this prefix")
	resetCmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return resetCmd
}

func newHashAnswerCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-answer <answer>",
		Short: "Print the bcrypt hash of a security answer for the policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := policy.HashAnswer(args[0], cfg.BcryptCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newUsersCmd(cfg *config.Config) *cobra.Command {
	var name, email, phone, role, password string

	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account, generating a password when none is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := policy.ParseTier(role)
			if err != nil {
				return err
			}
			generated := password == ""
			if generated {
				password = utils.GenerateDashlessUUID()[:16]
			}
			hash, err := utils.HashPassword(password, cfg.BcryptCost)
			if err != nil {
				return err
			}
			return withStore(cfg, func(store *db.Store) error {
				user, err := store.RegisterUser(models.UserAccount{
					Name:         name,
					Email:        email,
					Phone:        phone,
					Role:         tier,
					PasswordHash: hash,
				})
				if err != nil {
					return err
				}
				if _, err := store.AppendAdminLog("user_created", cliActor, fmt.Sprintf("%s as %s", user.Email, user.Role), models.SeverityInfo); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				color.New(color.FgGreen).Fprintf(out, "Created %s (%s) with id %s\n", user.Email, user.Role, user.ID)
				if generated {
					color.New(color.FgCyan).Fprintf(out, "Password: ")
					fmt.Fprintln(out, password)
				}
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "Display name")
	createCmd.Flags().StringVar(&email, "email", "", "Login email")
	createCmd.Flags().StringVar(&phone, "phone", "", "Phone number")
	createCmd.Flags().StringVar(&role, "role", string(models.RoleUser), "Stored role: user or admin")
	createCmd.Flags().StringVar(&password, "password", "", "Password (generated when empty)")
	_ = createCmd.MarkFlagRequired("email")
	_ = createCmd.MarkFlagRequired("name")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(store *db.Store) error {
				out := cmd.OutOrStdout()
				cyan := color.New(color.FgCyan)
				opts := db.ListOptions{SortBy: "email", Order: "asc", Limit: 100}
				for opts.Page = 1; ; opts.Page++ {
					page, err := store.ListUsers(opts)
					if err != nil {
						return err
					}
					for _, u := range page.Items {
						state := "active"
						if !u.IsActive {
							state = "inactive"
						}
						cyan.Fprintf(out, "%-32s ", u.Email)
						fmt.Fprintf(out, "%-8s %-8s %s\n", u.Role, state, strings.TrimSpace(u.Name))
					}
					if opts.Page*page.Limit >= page.Total {
						return nil
					}
				}
			})
		},
	}

	usersCmd.AddCommand(createCmd, listCmd)
	return usersCmd
}
