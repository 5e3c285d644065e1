package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sbx-deploy/internal/config"
	"sbx-deploy/internal/errdefs"
)

// Build info - injected via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configFile string
	v          *viper.Viper
)

// flagKeys 命令行参数与配置键的对应关系
var flagKeys = map[string]string{
	"domain":         "domain",
	"cert-mode":      "cert_mode",
	"cert-fullchain": "cert_fullchain",
	"cert-key":       "cert_key",
	"dns-provider":   "dns_provider",
	"dns-token":      "dns_api_token",
	"acme-email":     "acme_email",
	"engine-acme":    "engine_acme",
	"reality-only":   "reality_only",
	"protocols":      "protocols",
	"reality-port":   "reality_port",
	"ws-port":        "ws_port",
	"hy2-port":       "hy2_port",
	"sni":            "sni",
	"uuid":           "uuid",
	"short-id":       "short_id",
	"ws-path":        "ws_path",
	"dns-strategy":   "dns_strategy",
	"log-level":      "log_level",
	"cert-timeout":   "cert_timeout",
}

var rootCmd = &cobra.Command{
	Use:           "sbx",
	Short:         "Deploy and manage a sing-box server",
	Long:          `sbx turns a domain or bare IP into a validated sing-box configuration with Reality, WS-TLS and Hysteria2 inbounds, issues certificates through Caddy and manages the deployment lifecycle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.NewViper()
		if err != nil {
			return err
		}
		if err := config.ReadFile(v, configFile); err != nil {
			return err
		}
		if err := bindFlags(cmd.Flags()); err != nil {
			return err
		}
		return setupLogging(v.GetString("log_level"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Optional YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func bindFlags(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

func setupLogging(level string) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	logrus.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errdefs.Invalid("log_level", "%v", err)
	}
	logrus.SetLevel(lvl)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}
