package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/config"
	"github.com/wanfaliang/benchmarking/internal/artifact"
	"github.com/wanfaliang/benchmarking/internal/database"
	"github.com/wanfaliang/benchmarking/internal/pkg/jwt"
	"github.com/wanfaliang/benchmarking/internal/pkg/logger"
	"github.com/wanfaliang/benchmarking/internal/repository"
	"github.com/wanfaliang/benchmarking/internal/service"
)

// env 子命令共用的依赖
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	analysis *service.AnalysisService
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "finctl",
		Short:        "Benchmarking maintenance CLI",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file path")

	load := func() (*env, error) {
		return loadEnv(configPath)
	}

	root.AddCommand(cleanupCmd(load))
	root.AddCommand(recoverCmd(load))
	root.AddCommand(tokenCmd(&configPath))
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadEnv 不启动后台任务，仅用于离线维护
func loadEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	zlog, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	analysis := service.NewAnalysisService(
		repository.NewAnalysisRepository(db),
		repository.NewSectionRepository(db),
		artifact.NewStore(cfg.Storage.DataDir),
		nil, nil, nil, zlog, nil,
	)
	// 不沿用服务端的 instance_id，否则会把服务端的运行中任务当作自己的
	analysis.SetInstance("", 0, time.Duration(cfg.Worker.StaleAfterSeconds)*time.Second)
	return &env{cfg: cfg, logger: zlog, analysis: analysis}, nil
}

func cleanupCmd(load func() (*env, error)) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove artifact directories that have no analysis record",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			out := cmd.OutOrStdout()
			if dryRun {
				orphans, err := e.analysis.FindOrphans(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range orphans {
					fmt.Fprintf(out, "  - %s\n", id)
				}
				fmt.Fprintf(out, "%d orphan directories (dry run, nothing deleted)\n", len(orphans))
				return nil
			}

			removed, err := e.analysis.CleanupOrphans(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "removed %d orphan directories\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "only list orphan directories")
	return cmd
}

func recoverCmd(load func() (*env, error)) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark analyses left running by a crashed server as failed",
		Long: `Mark analyses left running by a crashed server as failed.

Only analyses whose heartbeat is older than worker.stale_after_seconds are
touched. --force also fails analyses that a live server is still running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			n, err := e.analysis.RecoverInterrupted(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d analyses\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also fail analyses with a live heartbeat")
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if hours <= 0 {
				hours = cfg.JWT.ExpireHours
			}

			token, err := jwt.GenerateToken(userID, cfg.JWT.Secret, hours)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 0, "token lifetime in hours (default from config)")
	return cmd
}
