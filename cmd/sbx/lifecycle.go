package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	C "github.com/sagernet/sing-box/constant"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sbx-deploy/internal/assemble"
	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/export"
	"sbx-deploy/internal/state"
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show service, certificate and port status",
		RunE:  runStatus,
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the client connection info of this deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := loadInfo()
			if err != nil {
				return err
			}
			return printInfo(cmd.OutOrStdout(), info)
		},
	}

	var exportFormat string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export client configuration (uri, singbox, clash)",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := loadInfo()
			if err != nil {
				return err
			}
			return runExport(cmd.OutOrStdout(), info, exportFormat)
		},
	}
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "uri", "Output format: uri, singbox or clash")

	qrCmd := &cobra.Command{
		Use:   "qr [reality|ws|hy2]",
		Short: "Print share links as terminal QR codes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := loadInfo()
			if err != nil {
				return err
			}
			return runQR(cmd.OutOrStdout(), info, args)
		},
	}

	var purgeCaddy bool
	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop sing-box and remove the configuration, client info, certificates and renewal job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUninstall(cmd.Context(), purgeCaddy)
		},
	}
	uninstallCmd.Flags().BoolVar(&purgeCaddy, "caddy", true, "Also remove the Caddy site and stop Caddy")

	rootCmd.AddCommand(statusCmd, infoCmd, exportCmd, qrCmd, uninstallCmd)
}

func loadInfo() (state.ClientInfo, error) {
	a, err := loadApp()
	if err != nil {
		return state.ClientInfo{}, err
	}
	info, err := a.store.Load()
	if errors.Is(err, state.ErrNoRecord) {
		return info, fmt.Errorf("%w: run `sbx install` first", err)
	}
	return info, err
}

func printInfo(w io.Writer, info state.ClientInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"Server", info.Server},
		{"Domain", info.Domain},
		{"UUID", info.UUID},
		{"Protocols", strings.Join(info.Protocols, ",")},
	}
	if info.HasProtocol(string(config.ProtocolReality)) {
		rows = append(rows,
			[2]string{"Reality port", fmt.Sprint(info.RealityPort)},
			[2]string{"Public key", info.PublicKey},
			[2]string{"Short ID", info.ShortID},
			[2]string{"SNI", info.SNI},
		)
	}
	if info.HasProtocol(string(config.ProtocolWsTLS)) {
		rows = append(rows, [2]string{"WS port", fmt.Sprint(info.WSPort)}, [2]string{"WS path", info.WSPath})
	}
	if info.HasProtocol(string(config.ProtocolHysteria2)) {
		rows = append(rows, [2]string{"Hysteria2 port", fmt.Sprint(info.Hy2Port)}, [2]string{"Hysteria2 password", info.Hy2Password})
	}
	rows = append(rows,
		[2]string{"Certificate", valueOr(info.CertMode, "none")},
		[2]string{"sing-box", info.EngineVersion},
		[2]string{"Updated", info.UpdatedAt.Format(time.RFC3339)},
	)
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

func runExport(w io.Writer, info state.ClientInfo, format string) error {
	switch strings.ToLower(format) {
	case "uri", "link", "links":
		links, err := export.Links(info)
		if err != nil {
			return err
		}
		for _, l := range links {
			fmt.Fprintln(w, l.URI)
		}
		return nil
	case "singbox", "sing-box", "json":
		data, err := export.SingboxClient(info)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "clash", "mihomo", "yaml":
		data, err := export.Clash(info)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	return fmt.Errorf("unknown export format %q (want uri, singbox or clash)", format)
}

func runQR(w io.Writer, info state.ClientInfo, args []string) error {
	links, err := export.Links(info)
	if err != nil {
		return err
	}
	var only config.Protocol
	if len(args) == 1 {
		p, ok := config.ParseProtocol(args[0])
		if !ok {
			return fmt.Errorf("unknown protocol %q", args[0])
		}
		only = p
	}
	for _, l := range links {
		if only != "" && l.Protocol != only {
			continue
		}
		qr, err := export.QR(l.URI)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n[%s]\n%s\n%s", l.Name, l.URI, qr)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if hi, err := host.InfoWithContext(ctx); err == nil {
		fmt.Fprintf(tw, "Host:\t%s (%s %s), up %s\n", hi.Hostname, hi.Platform, hi.PlatformVersion,
			(time.Duration(hi.Uptime) * time.Second).String())
	}

	svc := "inactive"
	if a.systemd.IsActive(ctx, a.cfg.Paths.ServiceName) {
		svc = "active"
	}
	fmt.Fprintf(tw, "Service:\t%s %s\n", a.cfg.Paths.ServiceName, svc)

	if version, err := a.engine.Version(ctx); err == nil {
		fmt.Fprintf(tw, "sing-box:\t%s\n", version)
	} else {
		fmt.Fprintf(tw, "sing-box:\tunavailable (%v)\n", err)
	}

	doc, err := assemble.ReadDocument(a.cfg.Paths.SingboxConfig)
	if err != nil {
		fmt.Fprintf(tw, "Config:\t%s missing\n", a.cfg.Paths.SingboxConfig)
		return nil
	}
	fmt.Fprintf(tw, "Config:\t%s\n", a.cfg.Paths.SingboxConfig)

	probe := cert.NewSystemProbe()
	for _, in := range doc.Inbounds {
		network := "tcp"
		if in.Type == C.TypeHysteria2 {
			network = "udp"
		}
		st := probe.Probe(ctx, network, in.ListenPort)
		listener := "not listening"
		if st.Busy {
			listener = valueOr(st.Owner(), "listening")
		}
		fmt.Fprintf(tw, "Inbound %s:\t%d/%s, %s\n", in.Tag, in.ListenPort, network, listener)
	}

	chain, _ := a.certManager().Paths()
	if notAfter, err := cert.LeafExpiry(chain); err == nil {
		days := int(time.Until(notAfter).Hours() / 24)
		fmt.Fprintf(tw, "Certificate:\texpires %s (%d days left)\n", notAfter.Format("2006-01-02"), days)
		if days < int(cert.ExpiryWarning.Hours()/24) {
			logrus.Warnf("[Status] Certificate expires in %d days, run `sbx cert-sync`", days)
		}
	}
	return nil
}

func runUninstall(ctx context.Context, purgeCaddy bool) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if a.systemd.IsActive(ctx, a.cfg.Paths.ServiceName) {
		if err := a.systemd.Stop(ctx, a.cfg.Paths.ServiceName); err != nil {
			return err
		}
	}

	var errs []error
	for _, path := range []string{a.cfg.Paths.SingboxConfig, a.cfg.Paths.SingboxConfig + assemble.BackupSuffix} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.store.Remove(), a.jobs.Remove(), os.RemoveAll(a.cfg.Paths.CertDir()))
	if purgeCaddy {
		errs = append(errs, a.companion().Remove(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logrus.Infof("[Uninstall] Removed deployment, backups kept in %s", filepath.Clean(a.cfg.Paths.BackupDir()))
	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
