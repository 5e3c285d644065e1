package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sbx-deploy/internal/errdefs"
)

const (
	DefaultRealityPort      = 443
	DefaultWSPort           = 8444
	DefaultHy2Port          = 8443
	DefaultSNI              = "www.microsoft.com"
	DefaultMinEngineVersion = "1.12.0"
	DefaultCertTimeout      = 120 * time.Second
)

// envAliases 配置键与环境变量的对应关系，SBX_ 前缀由 AutomaticEnv 处理
var envAliases = map[string][]string{
	"domain":               {"SBX_DOMAIN", "DOMAIN"},
	"cert_mode":            {"SBX_CERT_MODE", "CERT_MODE"},
	"cert_fullchain":       {"SBX_CERT_FULLCHAIN", "CERT_FULLCHAIN"},
	"cert_key":             {"SBX_CERT_KEY", "CERT_KEY"},
	"dns_provider":         {"SBX_DNS_PROVIDER", "DNS_PROVIDER"},
	"dns_api_token":        {"SBX_DNS_API_TOKEN", "CF_API_TOKEN", "CF_Token"},
	"acme_email":           {"SBX_ACME_EMAIL", "ACME_EMAIL"},
	"engine_acme":          {"SBX_ENGINE_ACME", "ENGINE_ACME"},
	"reality_only":         {"SBX_REALITY_ONLY", "REALITY_ONLY"},
	"protocols":            {"SBX_PROTOCOLS", "PROTOCOLS"},
	"reality_port":         {"SBX_REALITY_PORT", "REALITY_PORT"},
	"ws_port":              {"SBX_WS_PORT", "WS_PORT"},
	"hy2_port":             {"SBX_HY2_PORT", "HY2_PORT"},
	"sni":                  {"SBX_SNI", "SNI"},
	"uuid":                 {"SBX_UUID", "UUID"},
	"short_id":             {"SBX_SHORT_ID", "SHORT_ID"},
	"reality_private_key":  {"SBX_REALITY_PRIVATE_KEY", "REALITY_PRIVATE_KEY"},
	"reality_public_key":   {"SBX_REALITY_PUBLIC_KEY", "REALITY_PUBLIC_KEY"},
	"hy2_password":         {"SBX_HY2_PASSWORD", "HY2_PASSWORD"},
	"ws_path":              {"SBX_WS_PATH", "WS_PATH"},
	"dns_strategy":         {"SBX_DNS_STRATEGY", "DNS_STRATEGY"},
	"log_level":            {"SBX_LOG_LEVEL", "LOG_LEVEL"},
	"cert_timeout":         {"SBX_CERT_TIMEOUT", "CERT_TIMEOUT"},
	"min_engine_version":   {"SBX_MIN_ENGINE_VERSION"},
	"paths.singbox_bin":    {"SBX_SINGBOX_BIN", "SINGBOX_BIN"},
	"paths.singbox_config": {"SBX_SINGBOX_CONFIG", "SINGBOX_CONFIG"},
	"paths.state_dir":      {"SBX_STATE_DIR"},
	"paths.caddy_bin":      {"SBX_CADDY_BIN", "CADDY_BIN"},
	"paths.caddyfile":      {"SBX_CADDYFILE"},
	"paths.caddy_storage":  {"SBX_CADDY_STORAGE"},
	"paths.service_name":   {"SBX_SERVICE_NAME"},
	"paths.caddy_service":  {"SBX_CADDY_SERVICE"},
}

// NewViper 创建带默认值和环境变量绑定的 viper 实例
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SBX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envAliases {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("reality_port", DefaultRealityPort)
	v.SetDefault("ws_port", DefaultWSPort)
	v.SetDefault("hy2_port", DefaultHy2Port)
	v.SetDefault("dns_provider", "cloudflare")
	v.SetDefault("log_level", "info")
	v.SetDefault("cert_timeout", DefaultCertTimeout)
	v.SetDefault("min_engine_version", DefaultMinEngineVersion)

	v.SetDefault("paths.singbox_bin", "/usr/local/bin/sing-box")
	v.SetDefault("paths.singbox_config", "/etc/sing-box/config.json")
	v.SetDefault("paths.state_dir", "/etc/sbx")
	v.SetDefault("paths.caddy_bin", "/usr/bin/caddy")
	v.SetDefault("paths.caddyfile", "/etc/caddy/Caddyfile")
	v.SetDefault("paths.caddy_storage", "/var/lib/caddy/.local/share/caddy")
	v.SetDefault("paths.service_name", "sing-box")
	v.SetDefault("paths.caddy_service", "caddy")
}

// ReadFile 读取可选的 YAML 配置文件，文件不存在时忽略
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load 从 viper 构造不可变的安装配置
func Load(v *viper.Viper) (InstallConfig, error) {
	mode, ok := ParseCertMode(v.GetString("cert_mode"))
	if !ok {
		return InstallConfig{}, errdefs.Invalid("CERT_MODE", "unknown mode %q (want http or dns)", v.GetString("cert_mode"))
	}

	cfg := InstallConfig{
		Domain:            strings.TrimSpace(v.GetString("domain")),
		CertMode:          mode,
		CertFullchain:     strings.TrimSpace(v.GetString("cert_fullchain")),
		CertKey:           strings.TrimSpace(v.GetString("cert_key")),
		DNSProvider:       strings.ToLower(v.GetString("dns_provider")),
		DNSAPIToken:       strings.TrimSpace(v.GetString("dns_api_token")),
		ACMEEmail:         v.GetString("acme_email"),
		EngineACME:        v.GetBool("engine_acme"),
		RealityOnly:       v.GetBool("reality_only"),
		RealityPort:       v.GetInt("reality_port"),
		WSPort:            v.GetInt("ws_port"),
		Hy2Port:           v.GetInt("hy2_port"),
		SNI:               strings.TrimSpace(v.GetString("sni")),
		UUID:              strings.TrimSpace(v.GetString("uuid")),
		ShortID:           strings.TrimSpace(v.GetString("short_id")),
		ShortIDSet:        v.IsSet("short_id") || envPresent("short_id"),
		RealityPrivateKey: strings.TrimSpace(v.GetString("reality_private_key")),
		RealityPublicKey:  strings.TrimSpace(v.GetString("reality_public_key")),
		Hy2Password:       v.GetString("hy2_password"),
		WSPath:            v.GetString("ws_path"),
		DNSStrategy:       v.GetString("dns_strategy"),
		LogLevel:          v.GetString("log_level"),
		CertTimeout:       v.GetDuration("cert_timeout"),
		MinEngineVersion:  v.GetString("min_engine_version"),
		Paths: Paths{
			SingboxBin:    v.GetString("paths.singbox_bin"),
			SingboxConfig: v.GetString("paths.singbox_config"),
			StateDir:      strings.TrimSuffix(v.GetString("paths.state_dir"), "/"),
			CaddyBin:      v.GetString("paths.caddy_bin"),
			Caddyfile:     v.GetString("paths.caddyfile"),
			CaddyStorage:  v.GetString("paths.caddy_storage"),
			ServiceName:   v.GetString("paths.service_name"),
			CaddyService:  v.GetString("paths.caddy_service"),
		},
	}
	if cfg.CertTimeout <= 0 {
		cfg.CertTimeout = DefaultCertTimeout
	}

	protocols, err := parseProtocols(v.Get("protocols"))
	if err != nil {
		return InstallConfig{}, err
	}
	if len(protocols) == 0 {
		protocols = defaultProtocols(cfg)
	}
	cfg.protocols = normalizeProtocols(protocols)

	return cfg, nil
}

// envPresent 环境变量是否存在，空值也算。viper 会忽略空的环境变量，
// 而 SHORT_ID= 表示显式使用空 short_id
func envPresent(key string) bool {
	for _, name := range envAliases[key] {
		if _, ok := os.LookupEnv(name); ok {
			return true
		}
	}
	return false
}

// defaultProtocols 有域名（或自备证书）时启用全部协议，否则只启用 Reality
func defaultProtocols(cfg InstallConfig) []Protocol {
	if cfg.RealityOnly {
		return []Protocol{ProtocolReality}
	}
	if cfg.HasDomain() || (cfg.CertFullchain != "" && cfg.CertKey != "") {
		return AllProtocols
	}
	return []Protocol{ProtocolReality}
}

func parseProtocols(raw any) ([]Protocol, error) {
	var names []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		names = strings.FieldsFunc(val, func(r rune) bool {
			return r == ',' || r == ' ' || r == ';'
		})
	case []string:
		names = val
	case []any:
		for _, item := range val {
			names = append(names, fmt.Sprint(item))
		}
	default:
		return nil, errdefs.Invalid("PROTOCOLS", "unsupported value %v", raw)
	}

	protocols := make([]Protocol, 0, len(names))
	for _, name := range names {
		p, ok := ParseProtocol(name)
		if !ok {
			return nil, errdefs.Invalid("PROTOCOLS", "unknown protocol %q", name)
		}
		protocols = append(protocols, p)
	}
	return protocols, nil
}
