// Package assemble 把各协议入站合并成完整的 sing-box 配置，自检后交给引擎校验并原子写入。
package assemble

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"

	C "github.com/sagernet/sing-box/constant"

	"sbx-deploy/internal/builder"
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/errdefs"
)

const (
	DNSStrategyIPv4Only   = "ipv4_only"
	DNSStrategyPreferIPv4 = "prefer_ipv4"

	dnsLocalTag  = "dns-local"
	dnsLocalType = "local"
	directTag    = "direct"
)

var validDNSStrategies = map[string]bool{
	"prefer_ipv4": true,
	"prefer_ipv6": true,
	"ipv4_only":   true,
	"ipv6_only":   true,
}

// Log log 段
type Log struct {
	Level     string `json:"level"`
	Timestamp bool   `json:"timestamp"`
}

// DNSServer dns.servers 条目
type DNSServer struct {
	Tag  string `json:"tag"`
	Type string `json:"type"`
}

// DNS 全局 strategy 只出现在这里
type DNS struct {
	Servers  []DNSServer `json:"servers"`
	Strategy string      `json:"strategy"`
}

// Outbound 出站
type Outbound struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}

// RouteRule 路由规则
type RouteRule struct {
	Action string `json:"action"`
}

// Route route 段
type Route struct {
	Rules               []RouteRule `json:"rules"`
	Final               string      `json:"final"`
	AutoDetectInterface bool        `json:"auto_detect_interface"`
}

// Document 完整的 sing-box 配置
type Document struct {
	Log       Log               `json:"log"`
	DNS       DNS               `json:"dns"`
	Inbounds  []builder.Inbound `json:"inbounds"`
	Outbounds []Outbound        `json:"outbounds"`
	Route     Route             `json:"route"`
}

// Options 全局设置
type Options struct {
	LogLevel    string
	DNSStrategy string      // 为空时按是否有 IPv6 自动选择
	HasIPv6     func() bool // 为空时探测本机网卡
}

// Assemble 合并入站并执行结构自检
func Assemble(opts Options, inbounds []builder.Inbound) (Document, error) {
	level := opts.LogLevel
	if level == "" {
		level = "info"
	}
	strategy, err := dnsStrategy(opts)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		Log: Log{Level: level, Timestamp: true},
		DNS: DNS{
			Servers:  []DNSServer{{Tag: dnsLocalTag, Type: dnsLocalType}},
			Strategy: strategy,
		},
		Inbounds:  inbounds,
		Outbounds: []Outbound{{Type: C.TypeDirect, Tag: directTag}},
		Route: Route{
			Rules:               []RouteRule{{Action: C.RuleActionTypeSniff}},
			Final:               directTag,
			AutoDetectInterface: true,
		},
	}
	if err := SelfCheck(doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func dnsStrategy(opts Options) (string, error) {
	if opts.DNSStrategy != "" {
		if !validDNSStrategies[opts.DNSStrategy] {
			return "", errdefs.Invalid("dns_strategy", "unknown strategy %q", opts.DNSStrategy)
		}
		return opts.DNSStrategy, nil
	}
	hasIPv6 := opts.HasIPv6
	if hasIPv6 == nil {
		hasIPv6 = HostHasIPv6
	}
	if hasIPv6() {
		return DNSStrategyPreferIPv4, nil
	}
	return DNSStrategyIPv4Only, nil
}

// HostHasIPv6 本机是否有全局单播 IPv6 地址
func HostHasIPv6() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipnet.IP.To4() == nil && ipnet.IP.IsGlobalUnicast() {
			return true
		}
	}
	return false
}

// SelfCheck 交给引擎之前的结构检查
func SelfCheck(doc Document) error {
	if len(doc.Inbounds) == 0 {
		return fmt.Errorf("configuration has no inbounds")
	}

	ports := make(map[int]string)
	tags := make(map[string]bool)
	for _, in := range doc.Inbounds {
		if prev, ok := ports[in.ListenPort]; ok {
			return fmt.Errorf("inbounds %s and %s both listen on port %d", prev, in.Tag, in.ListenPort)
		}
		ports[in.ListenPort] = in.Tag
		if tags[in.Tag] {
			return fmt.Errorf("duplicate inbound tag %s", in.Tag)
		}
		tags[in.Tag] = true

		switch {
		case in.TLS != nil && in.TLS.Reality != nil:
			if err := builder.VerifyReality(in); err != nil {
				return err
			}
		case in.Tag == builder.TagWsTLS:
			if !in.TLS.HasCertificate() {
				return &errdefs.MissingCertificateError{Protocol: string(config.ProtocolWsTLS)}
			}
		case in.Type == C.TypeHysteria2:
			if !in.TLS.HasCertificate() {
				return &errdefs.MissingCertificateError{Protocol: string(config.ProtocolHysteria2)}
			}
		}
	}

	direct := 0
	for _, out := range doc.Outbounds {
		switch out.Type {
		case C.TypeDirect:
			direct++
		case C.TypeBlock:
			return fmt.Errorf("block outbound %s is deprecated, use route rule actions", out.Tag)
		}
	}
	if direct != 1 || len(doc.Outbounds) != 1 {
		return fmt.Errorf("want exactly one direct outbound, got %d outbounds", len(doc.Outbounds))
	}
	if doc.DNS.Strategy == "" {
		return fmt.Errorf("dns strategy is empty")
	}
	return nil
}

// RequireCertificate 请求了 TLS 协议却没有证书策略时直接失败
func RequireCertificate(cfg config.InstallConfig, hasArtifact bool) error {
	if hasArtifact {
		return nil
	}
	for _, p := range cfg.Protocols() {
		if p.RequiresTLS() {
			return &errdefs.MissingCertificateError{Protocol: string(p)}
		}
	}
	return nil
}

// Marshal 固定格式序列化，相同输入得到相同字节
func Marshal(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadDocument 读取已部署的配置
func ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// Inbound 按 tag 查找入站
func (d Document) Inbound(tag string) (builder.Inbound, bool) {
	for _, in := range d.Inbounds {
		if in.Tag == tag {
			return in, true
		}
	}
	return builder.Inbound{}, false
}

// RealityPrivateKey 已部署配置中的 Reality 私钥
func (d Document) RealityPrivateKey() string {
	in, ok := d.Inbound(builder.TagReality)
	if !ok || in.TLS == nil || in.TLS.Reality == nil {
		return ""
	}
	return in.TLS.Reality.PrivateKey
}
