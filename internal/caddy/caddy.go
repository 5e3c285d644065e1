// Package caddy 把 Caddy 当作 ACME 客户端使用：生成 Caddyfile、重载服务、定位签发的证书。
package caddy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/sirupsen/logrus"

	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/system"
)

const (
	// DefaultHTTPSPort Caddy 的 HTTPS 端口，避开 Reality 的 443
	DefaultHTTPSPort = 8445
)

// issuerDirectories Caddy 默认签发方的存储目录，Let's Encrypt 失败时回退到 ZeroSSL
var issuerDirectories = []string{
	"acme-v02.api.letsencrypt.org-directory",
	"acme.zerossl.com-v2-dv90",
}

var caddyfileTmpl = template.Must(template.New("Caddyfile").Parse(`# Managed by sbx. Manual edits will be overwritten.
{
	https_port {{.HTTPSPort}}
{{- if .Email}}
	email {{.Email}}
{{- end}}
{{- if .DNSProvider}}
	acme_dns {{.DNSProvider}} {{.DNSToken}}
{{- end}}
}

{{.Domain}} {
	respond "OK" 200
}
`))

// Service 服务控制
type Service interface {
	IsActive(ctx context.Context, name string) bool
	Start(ctx context.Context, name string) error
	Reload(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// Companion Caddy 签发实现
type Companion struct {
	Bin         string
	Caddyfile   string
	Storage     string
	ServiceName string
	HTTPSPort   int

	Runner  system.Runner
	Service Service
	Log     logrus.FieldLogger
}

// NewCompanion 创建 Caddy 签发器
func NewCompanion(bin, caddyfile, storage, serviceName string, runner system.Runner, svc Service) *Companion {
	return &Companion{
		Bin:         bin,
		Caddyfile:   caddyfile,
		Storage:     storage,
		ServiceName: serviceName,
		HTTPSPort:   DefaultHTTPSPort,
		Runner:      runner,
		Service:     svc,
		Log:         logrus.StandardLogger(),
	}
}

type siteData struct {
	Domain      string
	Email       string
	HTTPSPort   int
	DNSProvider string
	DNSToken    string
}

// Render 生成策略对应的 Caddyfile
func (c *Companion) Render(s cert.Strategy) ([]byte, error) {
	data := siteData{
		Domain:    s.Domain,
		Email:     s.Email,
		HTTPSPort: c.HTTPSPort,
	}
	if data.HTTPSPort == 0 {
		data.HTTPSPort = DefaultHTTPSPort
	}
	if s.Kind == cert.KindDNS {
		data.DNSProvider = s.DNSProvider
		data.DNSToken = s.DNSToken
	}
	var buf bytes.Buffer
	if err := caddyfileTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render Caddyfile: %w", err)
	}
	return buf.Bytes(), nil
}

// Issue 写入 Caddyfile，校验后重载 Caddy 触发签发
func (c *Companion) Issue(ctx context.Context, s cert.Strategy) error {
	if !s.Kind.Issues() {
		return fmt.Errorf("strategy %s does not need issuance", s.Kind)
	}
	content, err := c.Render(s)
	if err != nil {
		return err
	}

	previous, readErr := os.ReadFile(c.Caddyfile)
	if err := os.MkdirAll(filepath.Dir(c.Caddyfile), 0o755); err != nil {
		return fmt.Errorf("create Caddyfile dir: %w", err)
	}
	// 包含 DNS token，只允许 root 读取
	if err := os.WriteFile(c.Caddyfile, content, 0o600); err != nil {
		return fmt.Errorf("write Caddyfile: %w", err)
	}

	if _, err := c.Runner.Run(ctx, c.Bin, "validate", "--config", c.Caddyfile, "--adapter", "caddyfile"); err != nil {
		c.restore(previous, readErr)
		return fmt.Errorf("caddy validate: %w", err)
	}

	if c.Service.IsActive(ctx, c.ServiceName) {
		err = c.Service.Reload(ctx, c.ServiceName)
	} else {
		err = c.Service.Start(ctx, c.ServiceName)
	}
	if err != nil {
		c.restore(previous, readErr)
		return fmt.Errorf("activate caddy: %w", err)
	}
	c.log().Infof("[Caddy] Site %s configured for %s-01 issuance", s.Domain, s.Kind)
	return nil
}

func (c *Companion) restore(previous []byte, readErr error) {
	if readErr != nil {
		os.Remove(c.Caddyfile)
		return
	}
	if err := os.WriteFile(c.Caddyfile, previous, 0o600); err != nil {
		c.log().Warnf("[Caddy] Restore previous Caddyfile failed: %v", err)
	}
}

// CertificatePaths Caddy 存储中证书和私钥的位置：返回第一个已有证书的签发方目录，
// 都没有时返回 Let's Encrypt 的路径
func (c *Companion) CertificatePaths(domain string) (string, string) {
	for _, issuer := range issuerDirectories {
		chain, key := c.issuerPaths(issuer, domain)
		if _, err := os.Stat(chain); err == nil {
			return chain, key
		}
	}
	return c.issuerPaths(issuerDirectories[0], domain)
}

func (c *Companion) issuerPaths(issuer, domain string) (string, string) {
	dir := filepath.Join(c.Storage, "certificates", issuer, domain)
	return filepath.Join(dir, domain+".crt"), filepath.Join(dir, domain+".key")
}

// Remove 删除 Caddyfile 并停止 Caddy（卸载时使用）
func (c *Companion) Remove(ctx context.Context) error {
	if err := os.Remove(c.Caddyfile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove Caddyfile: %w", err)
	}
	if c.Service.IsActive(ctx, c.ServiceName) {
		return c.Service.Stop(ctx, c.ServiceName)
	}
	return nil
}

func (c *Companion) log() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}
