package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"clinicrm/internal/app"
	"clinicrm/internal/config"
	"clinicrm/internal/db"
	"clinicrm/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crm",
	Short: "clinicrm follow-up task automation",
	Long: `clinicrm creates follow-up tasks for clinic leads as they move through the sales funnel.
- Steps: funnel stages a lead sits in.
- Rules: the ordered task chain of a step (delay, delay type, assignee).
- Tasks: PENDING until completed or cancelled; the sweeper marks late ones OVERDUE.
- Jobs: lead events are turned into generation jobs run by workers ('crm worker' or 'crm serve').
- Event log: audit trail of every change, view with 'crm log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLINICRM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/clinicrm.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("company", "default", "company id for new steps and issued tokens")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "company", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorkers, noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with automation workers and the sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.HTTP.Addr
				}
				if basePath == "" {
					basePath = a.Config.HTTP.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv(a.Config.Auth.JWTSecretEnv),
					AllowActorHeader: a.Config.Auth.AllowActorHeader,
					Logger:           a.Logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("%s is required when the actor header is disabled", a.Config.Auth.JWTSecretEnv)
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Jobs:     a.Inspector,
					BasePath: basePath,
					Auth:     authCfg,
					Registry: a.Registry,
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}

				errs := make(chan error, 1)
				if !noWorkers {
					go func() {
						if err := a.RunWorkers(ctx); err != nil && !errors.Is(err, context.Canceled) {
							errs <- fmt.Errorf("workers: %w", err)
						}
					}()
				}
				if !noSweeper && a.Config.Sweeper.Enabled {
					if err := a.Sweeper().Start(ctx); err != nil {
						return err
					}
				}
				server.StartWebhooks(ctx, a.Engine.Repo, a.Config.Webhooks, a.Logger)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				go func() {
					a.Logger.Info("serving API", "addr", addr, "base_path", basePath, "queue", a.Config.Queue.Backend)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errs <- err
					}
				}()
				select {
				case err := <-errs:
					return err
				case <-ctx.Done():
					return nil
				}
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config http.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config http.base_path)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not consume automation jobs")
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not schedule the expired task sweeper")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume automation jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Logger.Info("worker started", "queue", a.Config.Queue.Backend, "workers", a.Config.Queue.Workers)
				err := a.RunWorkers(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark pending tasks past their due date overdue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := a.Sweeper()
				if watch {
					if err := s.Start(ctx); err != nil {
						return err
					}
					<-ctx.Done()
					return nil
				}
				n, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printResult(map[string]int{"overdue": n}, func() {
					fmt.Printf("%d task(s) marked overdue\n", n)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping on the configured schedule")
	return cmd
}

func tokenCmd() *cobra.Command {
	var unscoped bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			secret := os.Getenv(cfg.Auth.JWTSecretEnv)
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Auth.JWTSecretEnv)
			}
			company := viper.GetString("company")
			if unscoped {
				company = ""
			}
			token, err := server.IssueToken(secret, viper.GetString("actor-id"), company)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&unscoped, "unscoped", false, "omit the company_id claim")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect or create clinicrm.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return writeConfig(os.Stdout, cfg, viper.GetBool("json"))
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

// --- helpers ---

// writeConfig renders cfg in the clinicrm.yml layout, or as JSON.
func writeConfig(w io.Writer, cfg *config.Config, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = w.Write(out)
	return err
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

// printResult prints v as JSON with --json, otherwise runs the table renderer.
func printResult(v any, table func()) error {
	if viper.GetBool("json") || table == nil {
		return printJSON(v)
	}
	table()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
