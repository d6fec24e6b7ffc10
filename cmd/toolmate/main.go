package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hession/toolmate/internal/app"
	"github.com/hession/toolmate/internal/cli"
	"github.com/hession/toolmate/internal/config"
	"github.com/hession/toolmate/internal/logger"
	"github.com/hession/toolmate/internal/memory"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configDir string
	userID    string
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "toolmate",
		Short: "Toolmate - tool recommendations that remember you",
		Long: `Toolmate is a chat assistant for finding developer tools.

It keeps a per-user memory of past interactions:
  • Recent interactions are injected into every answer
  • Similar past questions can be found by embedding similarity
  • Old, rarely used memories are compressed and then archived
  • Every API call is recorded with its estimated cost`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.configDir != "" {
				config.SetConfigDir(flags.configDir)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				return cli.Run(a, flags.userID)
			})
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default ./config)")
	rootCmd.PersistentFlags().StringVarP(&flags.userID, "user", "u", defaultUser(), "user whose memories are used")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start the interactive chat",
		RunE:  rootCmd.RunE,
	}

	rootCmd.AddCommand(
		chatCmd,
		newMemoryCmd(flags),
		newMaintainCmd(),
		newCostsCmd(),
		newConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "Toolmate v%s\n", cli.Version)
			},
		},
	)
	return rootCmd
}

// withApp loads configuration, installs the logger and runs fn with a
// fully wired App that is closed afterwards.
func withApp(fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, closeLog, err := logger.New(logger.Config{
		LogDir:     cfg.Logging.Dir,
		Level:      logger.ParseLevel(cfg.Logging.Level),
		MaxDays:    cfg.Logging.MaxDays,
		ConsoleOut: cfg.Logging.ConsoleOut,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()
	prev := slog.Default()
	slog.SetDefault(log)
	defer slog.SetDefault(prev)
	logConfigInfo(cfg)

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown failed", "error", err)
		}
	}()
	return fn(a)
}

// logConfigInfo records the effective configuration without secrets
func logConfigInfo(cfg *config.Config) {
	slog.Info("configuration loaded",
		"model", cfg.Model.Model,
		"base_url", cfg.Model.BaseURL,
		"api_key", maskKey(cfg.Model.APIKey),
		"memory_db", cfg.Memory.DBPath,
		"costs_db", cfg.Costs.DBPath,
		"embeddings", cfg.EmbeddingsAvailable(),
		"embedding_model", cfg.Embedding.Model,
	)
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 8:
		return "****"
	default:
		return key[:4] + "****" + key[len(key)-4:]
	}
}

func newMemoryCmd(flags *globalFlags) *cobra.Command {
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage stored memories",
	}

	var (
		category string
		limit    int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				records, err := a.Memory.Records(cmd.Context(), flags.userID, limit, category)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderRecords(records))
				return nil
			})
		},
	}
	listCmd.Flags().StringVarP(&category, "category", "c", "", "only this category")
	listCmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of memories")

	var (
		saveCategory string
		source       string
		tags         string
	)
	saveCmd := &cobra.Command{
		Use:   "save <content>",
		Short: "Store a memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				meta := memory.Metadata{Source: source}
				if tags != "" {
					meta.Set(memory.MetaTags, tags)
				}
				id, err := a.Memory.Save(cmd.Context(), flags.userID, strings.Join(args, " "), meta, saveCategory)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Saved memory #%d\n", id)
				return nil
			})
		},
	}
	saveCmd.Flags().StringVarP(&saveCategory, "category", "c", "", "category (default from config)")
	saveCmd.Flags().StringVar(&source, "source", "cli", "metadata source")
	saveCmd.Flags().StringVar(&tags, "tags", "", "comma separated tags")

	var (
		text      string
		threshold float64
		simLimit  int
	)
	similarCmd := &cobra.Command{
		Use:   "similar",
		Short: "Find memories similar to a text",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return errors.New("--text is required")
			}
			return withApp(func(a *app.App) error {
				th := threshold
				if th < 0 {
					th = a.Config.Memory.SimilarityThreshold
				}
				results, err := a.Memory.FindSimilarText(cmd.Context(), flags.userID, text, th, simLimit)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderScored(results))
				return nil
			})
		},
	}
	similarCmd.Flags().StringVarP(&text, "text", "t", "", "query text")
	similarCmd.Flags().Float64Var(&threshold, "threshold", -1, "minimum cosine similarity (default from config)")
	similarCmd.Flags().IntVarP(&simLimit, "limit", "n", memory.DefaultSimilarLimit, "maximum number of results")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count memories by lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				st, err := a.Memory.Stats(cmd.Context(), flags.userID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderStats(flags.userID, st))
				return nil
			})
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all memories of the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete all memories of %s without --yes", flags.userID)
			}
			return withApp(func(a *app.App) error {
				n, err := a.Memory.Clear(cmd.Context(), flags.userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Deleted %d memories\n", n)
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withApp(func(a *app.App) error {
				ok, err := a.Memory.Delete(cmd.Context(), flags.userID, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no memory with id %d", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Memory %d deleted\n", id)
				return nil
			})
		},
	}

	memoryCmd.AddCommand(listCmd, saveCmd, similarCmd, statsCmd, clearCmd, rmCmd)
	return memoryCmd
}

func newMaintainCmd() *cobra.Command {
	var (
		daemon      bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Compress and archive old memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if !daemon {
					res, err := a.Maintainer.RunOnce(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), cli.RenderMaintenance(res))
					return nil
				}
				addr := metricsAddr
				if addr == "" {
					addr = a.Config.Metrics.Addr
				}
				return runDaemon(cmd.Context(), a, addr)
			})
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep running and maintain on the configured interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address in daemon mode")
	return cmd
}

// runDaemon runs scheduled maintenance until SIGINT or SIGTERM
func runDaemon(ctx context.Context, a *app.App, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Log.Error("metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
		a.Log.Info("serving metrics", "addr", metricsAddr)
	}

	a.Maintainer.Start()
	a.Log.Info("maintenance daemon started", "interval", a.Maintainer.Interval())
	<-ctx.Done()
	a.Maintainer.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
	}
	a.Log.Info("maintenance daemon stopped")
	return nil
}

func newCostsCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Show API spend by service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours <= 0 {
				return errors.New("--hours must be greater than 0")
			}
			return withApp(func(a *app.App) error {
				d := time.Duration(hours) * time.Hour
				out, err := cli.CostReport(cmd.Context(), a.Ledger, d)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "period to report on")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())

			path, _ := config.ConfigPath()
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfig file path: %s\n", path)
			return nil
		},
	}
}
