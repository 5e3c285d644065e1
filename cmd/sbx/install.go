package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sbx-deploy/internal/config"
	"sbx-deploy/internal/export"
	"sbx-deploy/internal/install"
)

func addInstallFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("domain", "", "Domain name or bare IP of this server")
	f.String("cert-mode", "", "Certificate mode: http or dns (default: auto)")
	f.String("cert-fullchain", "", "Existing certificate chain (PEM)")
	f.String("cert-key", "", "Existing certificate private key (PEM)")
	f.String("dns-provider", "cloudflare", "DNS-01 provider")
	f.String("dns-token", "", "DNS provider API token")
	f.String("acme-email", "", "ACME account email")
	f.Bool("engine-acme", false, "Let sing-box issue certificates itself instead of Caddy")
	f.Bool("reality-only", false, "Deploy only the Reality inbound")
	f.String("protocols", "", "Comma separated protocols: reality,ws,hy2")
	f.Int("reality-port", config.DefaultRealityPort, "Reality listen port")
	f.Int("ws-port", config.DefaultWSPort, "WS-TLS listen port")
	f.Int("hy2-port", config.DefaultHy2Port, "Hysteria2 listen port (UDP)")
	f.String("sni", "", "Reality handshake server name")
	f.String("uuid", "", "VLESS user UUID")
	f.String("short-id", "", "Reality short ID (0-8 hex chars)")
	f.String("ws-path", "", "WebSocket path")
	f.String("dns-strategy", "", "DNS strategy (prefer_ipv4, ipv4_only, ...)")
	f.Duration("cert-timeout", config.DefaultCertTimeout, "How long to wait for certificate issuance")
}

func init() {
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install or reconcile the sing-box deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, install.Request{})
		},
	}
	addInstallFlags(installCmd)

	reconfigureCmd := &cobra.Command{
		Use:   "reconfigure",
		Short: "Regenerate the configuration of an existing deployment, keeping its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if !a.store.Exists() && !fileExists(a.cfg.Paths.SingboxConfig) {
				return errors.New("no existing deployment found, run `sbx install` first")
			}
			return runInstall(cmd, install.Request{})
		},
	}
	addInstallFlags(reconfigureCmd)

	upgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Verify the installed sing-box version and regenerate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, install.Request{Upgrade: true})
		},
	}
	addInstallFlags(upgradeCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Print the configuration that install would write, without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, install.Request{DryRun: true})
		},
	}
	addInstallFlags(checkCmd)

	rootCmd.AddCommand(installCmd, reconfigureCmd, upgradeCmd, checkCmd)
}

func runInstall(cmd *cobra.Command, req install.Request) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp()
	if err != nil {
		return err
	}
	if !req.DryRun && !a.engine.Available() {
		return fmt.Errorf("sing-box binary not found at %s", a.cfg.Paths.SingboxBin)
	}

	res, err := a.orchestrator().Run(ctx, a.cfg, req)
	for _, note := range res.Notes {
		logrus.Warnf("[Install] %s", note)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if req.DryRun {
		_, err := out.Write(res.Document)
		return err
	}

	fmt.Fprintf(out, "\nDeployment %s (%s)\n", res.State, a.cfg.Paths.SingboxConfig)
	if res.Artifact != nil && !res.Artifact.NotAfter.IsZero() {
		fmt.Fprintf(out, "Certificate: %s, expires %s\n", res.Artifact.Provenance, res.Artifact.NotAfter.Format("2006-01-02"))
	}
	links, err := export.Links(res.Info)
	if err != nil {
		return err
	}
	for _, l := range links {
		fmt.Fprintf(out, "\n[%s]\n%s\n", l.Name, l.URI)
	}
	fmt.Fprintf(out, "\nClient info saved to %s\n", a.store.Path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
