// Command gotrs-inbound polls support mailboxes and turns their mail into
// tickets, threaded replies and agent assignments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-inbound/internal/config"
	"github.com/gotrs-io/gotrs-inbound/internal/database"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-inbound/internal/repository"
	"github.com/gotrs-io/gotrs-inbound/internal/runner"
	"github.com/gotrs-io/gotrs-inbound/internal/runner/tasks"
	"github.com/gotrs-io/gotrs-inbound/internal/version"
)

var configDir string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gotrs-inbound",
		Short: "GOTRS inbound email pipeline",
		Long: `gotrs-inbound fetches mail from the configured mailboxes, threads each
message onto an existing ticket or opens a new one, and assigns new tickets
to the least loaded eligible agent.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configDir, "config", ".", "Directory containing config.yaml")

	root.AddCommand(
		newServeCmd(),
		newTaskCmd("poll", "Poll every active mailbox once", tasks.PollTaskName),
		newTaskCmd("process", "Process one batch of queued messages", tasks.ProcessTaskName),
		newTaskCmd("rebalance", "Move tickets away from agents over capacity", tasks.RebalanceTaskName),
		newFailedCmd(),
		newMigrateCmd(),
		newAccountsCmd(),
		newVersionCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	if err := config.Load(configDir); err != nil {
		return nil, err
	}
	return config.Get(), nil
}

// withApp loads configuration, wires the pipeline and runs fn with it.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled pipeline and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return withApp(ctx, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	if err := database.Migrate(ctx, a.db); err != nil {
		return err
	}
	r := runner.NewRunner(a.tasks)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.server(r).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		a.logger.Printf("gotrs-inbound: operator API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() { errc <- r.Start(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	a.logger.Println("gotrs-inbound: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}
	return runErr
}

// newTaskCmd runs one registered task outside its schedule.
func newTaskCmd(use, short, task string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				return runner.NewRunner(a.tasks).RunOnce(ctx, task)
			})
		},
	}
}

func newFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and requeue terminally failed messages",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List terminally failed messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				msgs, err := a.store.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\taccount=%d\tretries=%d\t%s\t%s\n",
						m.ID, m.MailboxAccountID, m.RetryCount, m.MessageID, oneLine(m.LastError))
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages to list")

	requeue := &cobra.Command{
		Use:   "requeue ID...",
		Short: "Return failed messages to the pending queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid message id %q", arg)
				}
				ids = append(ids, id)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var errs []error
				for _, id := range ids {
					if err := a.store.Requeue(ctx, id, time.Now().UTC()); err != nil {
						errs = append(errs, fmt.Errorf("message %d: %w", id, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", id)
				}
				return errors.Join(errs...)
			})
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN, database.Options{})
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.Printf("gotrs-inbound: schema is up to date (%s)", db.DriverName())
			return nil
		},
	}
}

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage mailbox accounts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured mailbox accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				accounts, err := a.accounts.List(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), accounts)
			})
		},
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert accounts from a YAML file into the SQL account table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			accounts, err := repository.ParseAccounts(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				repo, ok := a.accounts.(*repository.MailboxAccountRepository)
				if !ok {
					return errors.New("accounts import requires accounts.source=sql")
				}
				for _, acc := range accounts {
					if err := repo.Save(ctx, acc); err != nil {
						return fmt.Errorf("account %d: %w", acc.ID, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d accounts\n", len(accounts))
				return nil
			})
		},
	}

	seal := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a mailbox password read from stdin with security.credential_key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Security.CredentialKey == "" {
				return errors.New("security.credential_key is not set")
			}
			box, err := connector.NewSecretBox(cfg.Security.CredentialKey)
			if err != nil {
				return err
			}
			secret, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			sealed, err := box.Seal([]byte(strings.TrimRight(string(secret), "\r\n")))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}

	cmd.AddCommand(list, importCmd, seal)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), version.GetInfo())
		},
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
