package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sbx-deploy/internal/backup"
	"sbx-deploy/internal/job"
)

func init() {
	var backupDir string
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the configuration, client info, certificates and renewal job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			dir := backupDir
			if dir == "" {
				dir = a.cfg.Paths.BackupDir()
			}
			name, err := backup.NewArchiver(a.cfg.Paths).CreateFile(dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	backupCmd.Flags().StringVarP(&backupDir, "output", "o", "", "Backup directory (default: <state dir>/backups)")

	var restart bool
	restoreCmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore a backup archive and restart sing-box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open backup: %w", err)
			}
			defer f.Close()
			if _, err := backup.NewArchiver(a.cfg.Paths).Restore(f); err != nil {
				return err
			}
			if !restart {
				return nil
			}
			ctx := cmd.Context()
			if err := a.engine.Check(ctx, a.cfg.Paths.SingboxConfig); err != nil {
				return err
			}
			return a.systemd.Restart(ctx, a.cfg.Paths.ServiceName)
		},
	}
	restoreCmd.Flags().BoolVar(&restart, "restart", true, "Check the restored config and restart sing-box")

	certSyncCmd := &cobra.Command{
		Use:   "cert-sync",
		Short: "Copy renewed certificates into place and restart sing-box when they changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			jobs, err := a.jobs.Load()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				logrus.Infof("[CertSync] No renewal jobs registered in %s", a.jobs.Path)
				return nil
			}
			results, err := job.SyncAll(cmd.Context(), a.syncer(), jobs, logrus.StandardLogger())
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: changed=%t expires=%s\n", r.Domain, r.Changed, r.NotAfter.Format("2006-01-02"))
			}
			return err
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the certificate sync jobs on their schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp()
			if err != nil {
				return err
			}
			jobs, err := a.jobs.Load()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				return fmt.Errorf("no renewal jobs registered in %s", a.jobs.Path)
			}

			syncer := a.syncer()
			// 启动时先同步一次，避免错过停机期间的续期
			if _, err := job.SyncAll(ctx, syncer, jobs, logrus.StandardLogger()); err != nil {
				logrus.Warnf("[Watch] Initial sync failed: %v", err)
			}

			s := job.NewScheduler(logrus.StandardLogger())
			if err := job.RegisterAll(s, syncer, jobs); err != nil {
				return err
			}
			s.Start()
			logrus.Infof("[Watch] Watching %d renewal job(s)", len(jobs))
			<-ctx.Done()
			logrus.Info("[Watch] Shutdown signal received...")
			<-s.Stop().Done()
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sbx %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(backupCmd, restoreCmd, certSyncCmd, watchCmd, versionCmd)
}
