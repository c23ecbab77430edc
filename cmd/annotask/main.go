package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annotask/internal/app"
	"annotask/internal/config"
	"annotask/internal/db"
	"annotask/internal/domain"
	"annotask/internal/engine"
	"annotask/internal/logging"
	"annotask/internal/migrate"
	"annotask/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "annotask",
	Short: "Annotask task engine",
	Long: `Annotask hands out clip annotation work to contributors and settles their answers.
- Tasks: one unit of work on a clip (translation_check, accent_tag, emotion_tag, ...).
- Assignments: a contributor's lease on a task; heartbeats keep it alive, it lapses otherwise.
- Bundles: a batch of assignments claimed together, closed once nothing is leased.
- Consensus: reputation weighted votes decide auto_approved or needs_review.
- Events: every state change lands in the event log and is relayed to AMQP and webhooks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile := viper.GetString("env"); envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ANNOTASK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "config file (default <workspace>/annotask.yml)")
	flags.String("env", "", "dotenv file to load before running")
	flags.String("driver", "", "store driver override (sqlite, postgres, memory)")
	flags.String("dsn", "", "store dsn override")
	flags.String("log-level", "", "log level override")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"workspace", "config", "env", "driver", "dsn", "log-level", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(peekCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default annotask.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver == db.DriverMemory {
				return fmt.Errorf("the memory store has no schema to migrate")
			}
			r, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			version, err := migrate.Version(cmd.Context(), r.(*repo.SQL).DB)
			if err != nil {
				return err
			}
			fmt.Printf("Schema at version %d (%s)\n", version, cfg.Store.Driver)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	var mockPerType int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load contributors, clips and tasks from a YAML fixture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && mockPerType <= 0 {
				return fmt.Errorf("--file or --mock is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if mockPerType > 0 {
					if err := repo.SeedMock(ctx, e.Repo, mockPerType, time.Now()); err != nil {
						return err
					}
					fmt.Printf("Generated %d mock tasks per type\n", mockPerType)
				}
				if file == "" {
					return nil
				}
				f, err := app.LoadFixtures(file)
				if err != nil {
					return err
				}
				rep, err := f.Apply(ctx, e.Repo, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "fixture file")
	cmd.Flags().IntVar(&mockPerType, "mock", 0, "also generate this many mock tasks per task type")
	return cmd
}

func statsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the contributor agreement leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Leaderboard(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Contributor", "EWMA", "Agreed", "Total", "Golden", "Last active"})
				for _, s := range stats {
					golden := "-"
					if s.GoldenTotal > 0 {
						golden = fmt.Sprintf("%d/%d", s.GoldenCorrect, s.GoldenTotal)
					}
					tw.AppendRow(table.Row{s.ContributorID, fmt.Sprintf("%.3f", s.EWMAAgreement), s.TasksAgreed, s.TasksTotal, golden, s.LastActive.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of contributors")
	return cmd
}

func peekCmd() *cobra.Command {
	var taskType string
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Show the open backlog per task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Peek(ctx, taskType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task type", "Open"})
				for _, t := range domain.TaskTypes {
					tw.AppendRow(table.Row{t, res.BacklogByType[t]})
				}
				tw.AppendFooter(table.Row{"est. wait", fmt.Sprintf("%ds", res.EstWaitSeconds)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "cap", "", "task type used for the wait estimate")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reclaim lapsed leases and expire stale bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Reconcile(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "max rows swept per kind")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage contributor API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var contributorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a contributor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC()
				if _, err := app.ResolveContributor(ctx, e.Repo, contributorID, false, now); err != nil {
					return err
				}
				secret := "ak_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:            uuid.NewString(),
					ContributorID: contributorID,
					Name:          name,
					KeyHash:       repo.HashAPIKey(secret),
					CreatedAt:     now,
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key for %s (shown once): %s\n", contributorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contributorID, "contributor", "", "contributor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("contributor")
	return cmd
}

// --- helpers ---

// loadConfig reads annotask.yml (or the --config file) and applies flag and
// ANNOTASK_* env overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("amqp-url"); v != "" {
		cfg.Events.AMQPURL = v
	}
	if cfg.Store.Workspace == "" || cfg.Store.Workspace == "." {
		cfg.Store.Workspace = workspace
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// openStore opens the configured repository and migrates it.
func openStore(ctx context.Context, cfg *config.Config) (repo.Repository, func(), error) {
	if cfg.Store.Driver == db.DriverMemory {
		m := repo.NewMemory()
		m.GenerateReplacements = cfg.Tasks.MockMode
		return m, func() {}, nil
	}
	conn, err := db.Open(db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Workspace: cfg.Store.Workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(ctx, conn, cfg.Store.Driver); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return repo.NewSQL(conn, cfg.Store.Driver), func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, engine.New(r, cfg))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
