package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"backer/internal/apiserver"
	"backer/internal/appctx"
	"backer/internal/backer"
	"backer/internal/config"
	"backer/internal/metrics"
)

var (
	cfgPath string
	debug   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "backer",
		Short:         "Incremental snapshot-replication engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/usr/local/etc/backer.yaml", "config file")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug logging")

	root.AddCommand(
		newBackupCmd(),
		newIndexCmd(),
		newBackupAllCmd(),
		newIndexAllCmd(),
		newListCmd(),
		newRestoreCmd(),
		newDaemonCmd(),
	)
	return root
}

func newLogger() zerolog.Logger {
	lvl := zerolog.InfoLevel
	if debug {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func loadApp() (*appctx.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return appctx.New(cfg), nil
}

func newBackupCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rb, err := app.GetBackup(ctx, name)
			if err != nil {
				return err
			}
			eng := backer.New(newLogger())
			return eng.Backup(ctx, rb.FS, rb.Remote, rb.BID, force)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "backup name")
	cmd.Flags().BoolVar(&force, "force", false, "force a new generation even if unchanged")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newIndexCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Refresh named head pointers for one backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rb, err := app.GetBackup(ctx, name)
			if err != nil {
				return err
			}
			eng := backer.New(newLogger())
			return eng.Index(ctx, rb.FS, rb.Remote, rb.BID)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "backup name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newBackupAllCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "backup-all",
		Short: "Run every configured backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng := backer.New(newLogger())
			for name := range app.Cfg.Backups {
				rb, err := app.GetBackup(ctx, name)
				if err != nil {
					return err
				}
				if err := eng.Backup(ctx, rb.FS, rb.Remote, rb.BID, force); err != nil {
					return fmt.Errorf("backup %s: %w", name, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "force a new generation even if unchanged")
	return cmd
}

func newIndexAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index-all",
		Short: "Refresh named head pointers for every configured backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng := backer.New(newLogger())
			for name := range app.Cfg.Backups {
				rb, err := app.GetBackup(ctx, name)
				if err != nil {
					return err
				}
				if err := eng.Index(ctx, rb.FS, rb.Remote, rb.BID); err != nil {
					return fmt.Errorf("index %s: %w", name, err)
				}
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var remoteName, fsFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List current backup heads as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rem, err := app.GetRemote(ctx, remoteName)
			if err != nil {
				return err
			}
			metas, err := rem.List(ctx, "", "")
			if err != nil {
				return err
			}
			if fsFilter != "" {
				var kept []backer.Meta
				for _, m := range metas {
					if m.FSName == fsFilter {
						kept = append(kept, m)
					}
				}
				metas = kept
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(metas)
		},
	}
	cmd.Flags().StringVarP(&remoteName, "remote", "r", "", "remote name (default: default_remote)")
	cmd.Flags().StringVarP(&fsFilter, "fsname", "f", "", "filesystem name filter")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var localName, remoteName, fsguid, target, bid string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Reconstruct a backup chain onto a target filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			local, err := app.GetLocal(localName)
			if err != nil {
				return err
			}
			rem, err := app.GetRemote(ctx, remoteName)
			if err != nil {
				return err
			}
			return backer.Restore(ctx, local, rem, fsguid, bid, target)
		},
	}
	cmd.Flags().StringVarP(&localName, "local", "l", "", "local name (default: default_local)")
	cmd.Flags().StringVarP(&remoteName, "remote", "r", "", "remote name (default: default_remote)")
	cmd.Flags().StringVarP(&fsguid, "fsguid", "g", "", "source filesystem guid")
	cmd.Flags().StringVarP(&target, "fsname", "f", "", "target filesystem name")
	cmd.Flags().StringVarP(&bid, "id", "i", "default", "backup id")
	_ = cmd.MarkFlagRequired("fsguid")
	_ = cmd.MarkFlagRequired("fsname")
	return cmd
}

func newDaemonCmd() *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			log := newLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var backups []backer.BackupConfig
			for name, bc := range app.Cfg.Backups {
				rb, err := app.GetBackup(ctx, name)
				if err != nil {
					return err
				}
				backups = append(backups, backer.BackupConfig{
					Name:   name,
					FS:     rb.FS,
					Remote: rb.Remote,
					BID:    rb.BID,
					Period: time.Duration(bc.PeriodSeconds()) * time.Second,
				})
			}

			sched := &backer.Scheduler{
				Engine:  backer.New(log),
				Backups: backups,
				Log:     log,
			}

			ready := true
			srv := &http.Server{Addr: httpAddr, Handler: apiserver.New(log, metrics.Registry(), func() bool { return ready })}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("apiserver stopped")
				}
			}()

			sched.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "127.0.0.1:9102", "address for /healthz and /metrics")
	return cmd
}
