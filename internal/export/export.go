// Package export 只根据客户端信息记录生成客户端配置：分享链接、sing-box 客户端 JSON、Clash Meta YAML 和二维码。
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	C "github.com/sagernet/sing-box/constant"
	"github.com/skip2/go-qrcode"
	"gopkg.in/yaml.v3"

	"sbx-deploy/internal/config"
	"sbx-deploy/internal/state"
)

const (
	fingerprint = "chrome"
	flowVision  = "xtls-rprx-vision"
	alpnH3      = "h3"
)

// ErrNoProtocols 记录中没有可导出的协议
var ErrNoProtocols = errors.New("client info has no protocols")

// Link 单个协议的分享链接
type Link struct {
	Protocol config.Protocol
	Name     string
	URI      string
}

// Links 按协议顺序生成全部分享链接
func Links(info state.ClientInfo) ([]Link, error) {
	var links []Link
	for _, p := range config.AllProtocols {
		if !info.HasProtocol(string(p)) {
			continue
		}
		uri, err := URI(info, p)
		if err != nil {
			return nil, err
		}
		links = append(links, Link{Protocol: p, Name: nodeName(p), URI: uri})
	}
	if len(links) == 0 {
		return nil, ErrNoProtocols
	}
	return links, nil
}

// URI 生成单个协议的分享链接
func URI(info state.ClientInfo, p config.Protocol) (string, error) {
	if !info.HasProtocol(string(p)) {
		return "", fmt.Errorf("protocol %s is not deployed", p)
	}
	switch p {
	case config.ProtocolReality:
		if info.PublicKey == "" {
			return "", errors.New("reality public key missing from client info, run reconfigure")
		}
		q := url.Values{}
		q.Set("encryption", "none")
		q.Set("flow", flowVision)
		q.Set("security", "reality")
		q.Set("sni", info.SNI)
		q.Set("fp", fingerprint)
		q.Set("pbk", info.PublicKey)
		q.Set("sid", info.ShortID)
		q.Set("type", "tcp")
		return shareURL("vless", url.User(info.UUID), info.Server, info.RealityPort, q, nodeName(p)), nil

	case config.ProtocolWsTLS:
		host := tlsHost(info)
		q := url.Values{}
		q.Set("encryption", "none")
		q.Set("security", "tls")
		q.Set("sni", host)
		q.Set("fp", fingerprint)
		q.Set("type", "ws")
		q.Set("host", host)
		q.Set("path", info.WSPath)
		return shareURL("vless", url.User(info.UUID), host, info.WSPort, q, nodeName(p)), nil

	case config.ProtocolHysteria2:
		host := tlsHost(info)
		q := url.Values{}
		q.Set("sni", host)
		q.Set("alpn", alpnH3)
		return shareURL("hysteria2", url.User(info.Hy2Password), host, info.Hy2Port, q, nodeName(p)), nil
	}
	return "", fmt.Errorf("unknown protocol %q", p)
}

func shareURL(scheme string, user *url.Userinfo, host string, port int, q url.Values, name string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     user,
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		RawQuery: q.Encode(),
		Fragment: name,
	}
	return u.String()
}

// tlsHost 证书协议必须用域名连接
func tlsHost(info state.ClientInfo) string {
	if info.Domain != "" {
		return info.Domain
	}
	return info.Server
}

var nodeLabels = map[config.Protocol]string{
	config.ProtocolReality:   "Reality",
	config.ProtocolWsTLS:     "WS-TLS",
	config.ProtocolHysteria2: "Hysteria2",
}

func nodeName(p config.Protocol) string {
	return "sbx-" + nodeLabels[p]
}

// QR 把内容渲染成终端可显示的二维码
func QR(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("generate qr code: %w", err)
	}
	return qr.ToSmallString(false), nil
}

// sing-box 客户端配置

type clientUTLS struct {
	Enabled     bool   `json:"enabled"`
	Fingerprint string `json:"fingerprint"`
}

type clientReality struct {
	Enabled   bool   `json:"enabled"`
	PublicKey string `json:"public_key"`
	ShortID   string `json:"short_id"`
}

type clientTLS struct {
	Enabled    bool           `json:"enabled"`
	ServerName string         `json:"server_name"`
	ALPN       []string       `json:"alpn,omitempty"`
	UTLS       *clientUTLS    `json:"utls,omitempty"`
	Reality    *clientReality `json:"reality,omitempty"`
}

type clientTransport struct {
	Type    string            `json:"type"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type clientOutbound struct {
	Type       string           `json:"type"`
	Tag        string           `json:"tag"`
	Server     string           `json:"server,omitempty"`
	ServerPort int              `json:"server_port,omitempty"`
	UUID       string           `json:"uuid,omitempty"`
	Password   string           `json:"password,omitempty"`
	Flow       string           `json:"flow,omitempty"`
	TLS        *clientTLS       `json:"tls,omitempty"`
	Transport  *clientTransport `json:"transport,omitempty"`
	Outbounds  []string         `json:"outbounds,omitempty"`
}

type clientInbound struct {
	Type       string `json:"type"`
	Tag        string `json:"tag"`
	Listen     string `json:"listen"`
	ListenPort int    `json:"listen_port"`
}

type clientRoute struct {
	Final               string `json:"final"`
	AutoDetectInterface bool   `json:"auto_detect_interface"`
}

type clientConfig struct {
	Log       map[string]string `json:"log"`
	Inbounds  []clientInbound   `json:"inbounds"`
	Outbounds []clientOutbound  `json:"outbounds"`
	Route     clientRoute       `json:"route"`
}

// SingboxClient 生成 sing-box 客户端配置：本地 mixed 入站加所有节点的 selector
func SingboxClient(info state.ClientInfo) ([]byte, error) {
	links, err := Links(info)
	if err != nil {
		return nil, err
	}

	selector := clientOutbound{Type: C.TypeSelector, Tag: "proxy"}
	outbounds := []clientOutbound{selector}
	for _, l := range links {
		out := clientOutboundFor(info, l)
		outbounds = append(outbounds, out)
		outbounds[0].Outbounds = append(outbounds[0].Outbounds, out.Tag)
	}
	outbounds = append(outbounds, clientOutbound{Type: C.TypeDirect, Tag: "direct"})

	cfg := clientConfig{
		Log:       map[string]string{"level": "warn"},
		Inbounds:  []clientInbound{{Type: C.TypeMixed, Tag: "mixed-in", Listen: "127.0.0.1", ListenPort: 2080}},
		Outbounds: outbounds,
		Route:     clientRoute{Final: "proxy", AutoDetectInterface: true},
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("marshal client config: %w", err)
	}
	return buf.Bytes(), nil
}

func clientOutboundFor(info state.ClientInfo, l Link) clientOutbound {
	switch l.Protocol {
	case config.ProtocolReality:
		return clientOutbound{
			Type:       C.TypeVLESS,
			Tag:        l.Name,
			Server:     info.Server,
			ServerPort: info.RealityPort,
			UUID:       info.UUID,
			Flow:       flowVision,
			TLS: &clientTLS{
				Enabled:    true,
				ServerName: info.SNI,
				UTLS:       &clientUTLS{Enabled: true, Fingerprint: fingerprint},
				Reality:    &clientReality{Enabled: true, PublicKey: info.PublicKey, ShortID: info.ShortID},
			},
		}
	case config.ProtocolWsTLS:
		host := tlsHost(info)
		return clientOutbound{
			Type:       C.TypeVLESS,
			Tag:        l.Name,
			Server:     host,
			ServerPort: info.WSPort,
			UUID:       info.UUID,
			TLS:        &clientTLS{Enabled: true, ServerName: host, UTLS: &clientUTLS{Enabled: true, Fingerprint: fingerprint}},
			Transport:  &clientTransport{Type: C.V2RayTransportTypeWebsocket, Path: info.WSPath, Headers: map[string]string{"Host": host}},
		}
	default:
		host := tlsHost(info)
		return clientOutbound{
			Type:       C.TypeHysteria2,
			Tag:        l.Name,
			Server:     host,
			ServerPort: info.Hy2Port,
			Password:   info.Hy2Password,
			TLS:        &clientTLS{Enabled: true, ServerName: host, ALPN: []string{alpnH3}},
		}
	}
}

// Clash Meta (mihomo) 配置

type clashReality struct {
	PublicKey string `yaml:"public-key"`
	ShortID   string `yaml:"short-id"`
}

type clashWS struct {
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type clashProxy struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"`
	Server            string        `yaml:"server"`
	Port              int           `yaml:"port"`
	UUID              string        `yaml:"uuid,omitempty"`
	Password          string        `yaml:"password,omitempty"`
	Network           string        `yaml:"network,omitempty"`
	TLS               bool          `yaml:"tls,omitempty"`
	UDP               bool          `yaml:"udp"`
	Flow              string        `yaml:"flow,omitempty"`
	ServerName        string        `yaml:"servername,omitempty"`
	SNI               string        `yaml:"sni,omitempty"`
	ALPN              []string      `yaml:"alpn,omitempty"`
	ClientFingerprint string        `yaml:"client-fingerprint,omitempty"`
	RealityOpts       *clashReality `yaml:"reality-opts,omitempty"`
	WSOpts            *clashWS      `yaml:"ws-opts,omitempty"`
}

type clashGroup struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Proxies []string `yaml:"proxies"`
}

type clashConfig struct {
	MixedPort   int          `yaml:"mixed-port"`
	Mode        string       `yaml:"mode"`
	Proxies     []clashProxy `yaml:"proxies"`
	ProxyGroups []clashGroup `yaml:"proxy-groups"`
	Rules       []string     `yaml:"rules"`
}

// Clash 生成 Clash Meta 配置
func Clash(info state.ClientInfo) ([]byte, error) {
	links, err := Links(info)
	if err != nil {
		return nil, err
	}

	cfg := clashConfig{MixedPort: 7890, Mode: "rule", Rules: []string{"MATCH,PROXY"}}
	var names []string
	for _, l := range links {
		cfg.Proxies = append(cfg.Proxies, clashProxyFor(info, l))
		names = append(names, l.Name)
	}
	cfg.ProxyGroups = []clashGroup{{Name: "PROXY", Type: "select", Proxies: names}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("marshal clash config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal clash config: %w", err)
	}
	return buf.Bytes(), nil
}

func clashProxyFor(info state.ClientInfo, l Link) clashProxy {
	switch l.Protocol {
	case config.ProtocolReality:
		return clashProxy{
			Name:              l.Name,
			Type:              "vless",
			Server:            info.Server,
			Port:              info.RealityPort,
			UUID:              info.UUID,
			Network:           "tcp",
			TLS:               true,
			UDP:               true,
			Flow:              flowVision,
			ServerName:        info.SNI,
			ClientFingerprint: fingerprint,
			RealityOpts:       &clashReality{PublicKey: info.PublicKey, ShortID: info.ShortID},
		}
	case config.ProtocolWsTLS:
		host := tlsHost(info)
		return clashProxy{
			Name:              l.Name,
			Type:              "vless",
			Server:            host,
			Port:              info.WSPort,
			UUID:              info.UUID,
			Network:           "ws",
			TLS:               true,
			UDP:               true,
			ServerName:        host,
			ClientFingerprint: fingerprint,
			WSOpts:            &clashWS{Path: info.WSPath, Headers: map[string]string{"Host": host}},
		}
	default:
		host := tlsHost(info)
		return clashProxy{
			Name:     l.Name,
			Type:     "hysteria2",
			Server:   host,
			Port:     info.Hy2Port,
			Password: info.Hy2Password,
			UDP:      true,
			SNI:      host,
			ALPN:     []string{alpnH3},
		}
	}
}
