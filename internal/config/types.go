package config

import (
	"net"
	"slices"
	"strings"
	"time"
)

// Protocol 入站协议
type Protocol string

const (
	ProtocolReality   Protocol = "reality"
	ProtocolWsTLS     Protocol = "ws"
	ProtocolHysteria2 Protocol = "hy2"
)

// AllProtocols 按生成顺序排列
var AllProtocols = []Protocol{ProtocolReality, ProtocolWsTLS, ProtocolHysteria2}

// RequiresTLS 是否需要证书
func (p Protocol) RequiresTLS() bool {
	return p == ProtocolWsTLS || p == ProtocolHysteria2
}

// ParseProtocol 解析协议名（兼容常见别名）
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reality", "vless-reality", "vr":
		return ProtocolReality, true
	case "ws", "ws-tls", "wstls", "vless-ws", "vw":
		return ProtocolWsTLS, true
	case "hy2", "hysteria2", "hysteria":
		return ProtocolHysteria2, true
	}
	return "", false
}

// CertMode 显式证书模式
type CertMode string

const (
	CertModeAuto CertMode = ""
	CertModeHTTP CertMode = "http"
	CertModeDNS  CertMode = "dns"
)

// ParseCertMode 解析证书模式（兼容旧脚本取值）
func ParseCertMode(s string) (CertMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return CertModeAuto, true
	case "http", "http-01", "http01", "caddy_http":
		return CertModeHTTP, true
	case "dns", "dns-01", "dns01", "caddy_dns", "cf_dns":
		return CertModeDNS, true
	}
	return "", false
}

// Paths 文件与外部程序位置
type Paths struct {
	SingboxBin    string
	SingboxConfig string
	StateDir      string
	CaddyBin      string
	Caddyfile     string
	CaddyStorage  string
	ServiceName   string
	CaddyService  string
}

// ClientInfoPath 客户端信息记录
func (p Paths) ClientInfoPath() string {
	return p.StateDir + "/client-info.txt"
}

// CertDir 证书目录
func (p Paths) CertDir() string {
	return p.StateDir + "/certs"
}

// RenewalJobPath 续期同步任务文件
func (p Paths) RenewalJobPath() string {
	return p.StateDir + "/renewal.yaml"
}

// BackupDir 备份目录
func (p Paths) BackupDir() string {
	return p.StateDir + "/backups"
}

// InstallConfig 安装输入，Load 之后不再修改
type InstallConfig struct {
	Domain        string // 域名或裸 IP
	CertMode      CertMode
	CertFullchain string
	CertKey       string
	DNSProvider   string
	DNSAPIToken   string
	ACMEEmail     string
	EngineACME    bool // 由 sing-box 自身完成 ACME，不经过 Caddy
	RealityOnly   bool

	protocols []Protocol

	RealityPort int
	WSPort      int
	Hy2Port     int

	SNI               string
	UUID              string
	ShortID           string
	ShortIDSet        bool // 区分未设置与显式空 short_id
	RealityPrivateKey string
	RealityPublicKey  string
	Hy2Password       string
	WSPath            string

	DNSStrategy      string
	LogLevel         string
	CertTimeout      time.Duration
	MinEngineVersion string

	Paths Paths
}

// Protocols 返回请求的协议副本
func (c InstallConfig) Protocols() []Protocol {
	return slices.Clone(c.protocols)
}

// HasProtocol 是否请求了指定协议
func (c InstallConfig) HasProtocol(p Protocol) bool {
	return slices.Contains(c.protocols, p)
}

// HasTLSProtocol 是否请求了需要证书的协议
func (c InstallConfig) HasTLSProtocol() bool {
	for _, p := range c.protocols {
		if p.RequiresTLS() {
			return true
		}
	}
	return false
}

// DomainIsIP 输入的是裸 IP
func (c InstallConfig) DomainIsIP() bool {
	return net.ParseIP(c.Domain) != nil
}

// HasDomain 是否提供了可签发证书的域名
func (c InstallConfig) HasDomain() bool {
	return c.Domain != "" && !c.DomainIsIP()
}

// RealityOnlyEffective 显式 REALITY_ONLY 或没有请求任何 TLS 协议
func (c InstallConfig) RealityOnlyEffective() bool {
	return c.RealityOnly || !c.HasTLSProtocol()
}

// PortFor 返回协议端口
func (c InstallConfig) PortFor(p Protocol) int {
	switch p {
	case ProtocolReality:
		return c.RealityPort
	case ProtocolWsTLS:
		return c.WSPort
	case ProtocolHysteria2:
		return c.Hy2Port
	}
	return 0
}

// WithProtocols 返回替换协议列表后的副本，主要用于测试
func (c InstallConfig) WithProtocols(protocols ...Protocol) InstallConfig {
	c.protocols = normalizeProtocols(protocols)
	return c
}

func normalizeProtocols(in []Protocol) []Protocol {
	out := make([]Protocol, 0, len(in))
	for _, p := range AllProtocols {
		if slices.Contains(in, p) {
			out = append(out, p)
		}
	}
	return out
}
