package cert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/validate"
)

const (
	// DefaultPollInterval 等待证书文件的初始轮询间隔
	DefaultPollInterval = 2 * time.Second
	maxPollInterval     = 10 * time.Second

	FullchainName = "fullchain.pem"
	KeyName       = "privkey.pem"
)

// Companion 负责 ACME 签发的配套反向代理（Caddy）
type Companion interface {
	// Issue 为策略中的域名配置签发，立即返回，证书稍后出现在 CertificatePaths
	Issue(ctx context.Context, s Strategy) error
	CertificatePaths(domain string) (fullchain, key string)
}

// RenewalJob 续期后把证书同步到 sing-box 证书目录
type RenewalJob struct {
	Domain          string `yaml:"domain"`
	SourceFullchain string `yaml:"source_fullchain"`
	SourceKey       string `yaml:"source_key"`
	TargetFullchain string `yaml:"target_fullchain"`
	TargetKey       string `yaml:"target_key"`
	Service         string `yaml:"service"`
	Schedule        string `yaml:"schedule"`
}

// Registrar 注册续期同步任务
type Registrar interface {
	Register(ctx context.Context, job RenewalJob) error
}

// Manager 证书生命周期管理器
type Manager struct {
	Companion    Companion
	Registrar    Registrar
	Probe        PortProbe
	CertDir      string
	Service      string // 证书变化后需要重启的服务
	Timeout      time.Duration
	PollInterval time.Duration
	Log          logrus.FieldLogger
}

// NewManager 创建证书管理器
func NewManager(companion Companion, registrar Registrar, probe PortProbe, certDir string, timeout time.Duration) *Manager {
	return &Manager{
		Companion:    companion,
		Registrar:    registrar,
		Probe:        probe,
		CertDir:      certDir,
		Timeout:      timeout,
		PollInterval: DefaultPollInterval,
		Log:          logrus.StandardLogger(),
	}
}

// Obtain 按策略取得证书产物。KindNone 返回 nil；签发失败返回 IssuanceError
func (m *Manager) Obtain(ctx context.Context, s Strategy) (*Artifact, []string, error) {
	switch s.Kind {
	case KindNone:
		return nil, nil, nil
	case KindFiles:
		a, err := LoadArtifact(s.Fullchain, s.Key, KindFiles, s.Domain)
		if err != nil {
			return nil, nil, err
		}
		m.log().Infof("[CertManager] Using supplied certificate %s, expires at: %s", s.Fullchain, a.NotAfter.Format("2006-01-02"))
		return a, nil, nil
	case KindHTTP, KindDNS:
		return m.issue(ctx, s)
	}
	return nil, nil, fmt.Errorf("unknown certificate strategy %q", s.Kind)
}

func (m *Manager) issue(ctx context.Context, s Strategy) (*Artifact, []string, error) {
	var notes []string
	if s.Kind == KindHTTP {
		if note := m.checkPort80(ctx); note != "" {
			notes = append(notes, note)
		}
	}

	if s.EngineACME {
		m.log().Infof("[CertManager] Certificate for %s will be issued by sing-box ACME", s.Domain)
		a := &Artifact{
			Provenance: s.Kind,
			Domain:     s.Domain,
			ACME: &EngineACME{
				Domain:        s.Domain,
				Email:         s.Email,
				DataDirectory: filepath.Join(m.CertDir, "acme"),
			},
		}
		if s.Kind == KindDNS {
			a.ACME.DNSProvider = s.DNSProvider
			a.ACME.DNSToken = s.DNSToken
		}
		return a, notes, nil
	}

	if m.Companion == nil {
		return nil, notes, &errdefs.IssuanceError{Domain: s.Domain, Err: errors.New("no ACME companion configured")}
	}

	m.log().Infof("[CertManager] Requesting %s-01 certificate for %s", s.Kind, s.Domain)
	if err := m.Companion.Issue(ctx, s); err != nil {
		return nil, notes, &errdefs.IssuanceError{Domain: s.Domain, Err: err}
	}

	srcChain, srcKey, err := m.waitForFiles(ctx, s.Domain)
	if err != nil {
		return nil, notes, &errdefs.IssuanceError{Domain: s.Domain, Err: err}
	}

	dstChain, dstKey := m.Paths()
	if _, err := CopyPair(srcChain, srcKey, dstChain, dstKey); err != nil {
		return nil, notes, &errdefs.IssuanceError{Domain: s.Domain, Err: err}
	}
	a, err := LoadArtifact(dstChain, dstKey, s.Kind, s.Domain)
	if err != nil {
		return nil, notes, &errdefs.IssuanceError{Domain: s.Domain, Err: err}
	}
	m.log().Infof("[CertManager] Certificate saved, expires at: %s", a.NotAfter.Format("2006-01-02"))
	return a, notes, nil
}

// RegisterRenewal 登记续期同步任务。只应在新配置生效之后调用，失败只产生提示
func (m *Manager) RegisterRenewal(ctx context.Context, s Strategy) []string {
	if m.Registrar == nil || m.Companion == nil || !s.Kind.Issues() || s.EngineACME {
		return nil
	}
	srcChain, srcKey := m.Companion.CertificatePaths(s.Domain)
	dstChain, dstKey := m.Paths()
	job := RenewalJob{
		Domain:          s.Domain,
		SourceFullchain: srcChain,
		SourceKey:       srcKey,
		TargetFullchain: dstChain,
		TargetKey:       dstKey,
		Service:         m.Service,
	}
	if err := m.Registrar.Register(ctx, job); err != nil {
		m.log().Warnf("[CertManager] Register renewal sync failed: %v", err)
		return []string{"renewal sync job not registered, run `sbx cert-sync` after renewals"}
	}
	return nil
}

// Paths sing-box 读取的稳定证书路径
func (m *Manager) Paths() (fullchain, key string) {
	return filepath.Join(m.CertDir, FullchainName), filepath.Join(m.CertDir, KeyName)
}

func (m *Manager) checkPort80(ctx context.Context) string {
	if m.Probe == nil {
		return ""
	}
	st := m.Probe.Probe(ctx, "tcp", 80)
	if !st.Busy {
		return ""
	}
	owner := st.Owner()
	if strings.Contains(strings.ToLower(owner), "caddy") {
		return ""
	}
	if owner == "" {
		owner = "another process"
	}
	m.log().Warnf("[CertManager] Port 80 is in use by %s; HTTP-01 validation may fail. "+
		"Stop it or set CERT_MODE=dns with CF_API_TOKEN", owner)
	return fmt.Sprintf("port 80 busy (%s), HTTP-01 attempted anyway", owner)
}

// waitForFiles 指数退避轮询，直到证书对可用或超时。
// 每次都重新询问 Companion 路径，签发方（Let's Encrypt / ZeroSSL）可能在等待期间切换
func (m *Manager) waitForFiles(ctx context.Context, domain string) (string, string, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = max(interval, maxPollInterval)
	b.MaxElapsedTime = 0

	var lastErr error
	for {
		fullchain, key := m.Companion.CertificatePaths(domain)
		if lastErr = validate.CertFiles(fullchain, key); lastErr == nil {
			return fullchain, key, nil
		}
		wait := b.NextBackOff()
		m.log().Debugf("[CertManager] Certificate not ready (%v), retry in %s", lastErr, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", "", fmt.Errorf("certificate not available after %s: %w", timeout, lastErr)
		case <-timer.C:
		}
	}
}

func (m *Manager) log() logrus.FieldLogger {
	if m.Log == nil {
		return logrus.StandardLogger()
	}
	return m.Log
}

// CopyPair 把证书对复制到目标路径（证书 0644，私钥 0600），内容未变时跳过。
// 返回是否发生了变更
func CopyPair(srcChain, srcKey, dstChain, dstKey string) (bool, error) {
	chain, err := os.ReadFile(srcChain)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", srcChain, err)
	}
	key, err := os.ReadFile(srcKey)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", srcKey, err)
	}

	oldChain, _ := os.ReadFile(dstChain)
	oldKey, _ := os.ReadFile(dstKey)
	if string(oldChain) == string(chain) && string(oldKey) == string(key) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dstChain), 0o700); err != nil {
		return false, fmt.Errorf("create cert dir: %w", err)
	}
	if err := writeFileAtomic(dstKey, key, 0o600); err != nil {
		return false, fmt.Errorf("write key: %w", err)
	}
	if err := writeFileAtomic(dstChain, chain, 0o644); err != nil {
		return false, fmt.Errorf("write cert: %w", err)
	}
	return true, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
