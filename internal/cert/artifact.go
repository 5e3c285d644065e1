package cert

import (
	"fmt"
	"os"
	"time"

	"sbx-deploy/internal/validate"
)

// ExpiryWarning 剩余有效期低于该值时告警
const ExpiryWarning = 30 * 24 * time.Hour

// EngineACME sing-box 内置 ACME 参数
type EngineACME struct {
	Domain        string
	Email         string
	DataDirectory string
	DNSProvider   string // 为空表示 HTTP-01
	DNSToken      string
}

// Artifact 证书产物，由 Manager 创建，配置流水线只读
type Artifact struct {
	Fullchain  string
	Key        string
	Provenance Kind
	Domain     string
	NotAfter   time.Time

	ACME *EngineACME // 非空时证书由引擎自行管理，没有文件路径
}

// Managed 证书是否由引擎内置 ACME 管理
func (a *Artifact) Managed() bool {
	return a != nil && a.ACME != nil
}

// Remaining 距离过期的时间
func (a *Artifact) Remaining(now time.Time) time.Duration {
	if a == nil || a.NotAfter.IsZero() {
		return 0
	}
	return a.NotAfter.Sub(now)
}

// ExpiresSoon 剩余有效期不足 30 天
func (a *Artifact) ExpiresSoon(now time.Time) bool {
	if a == nil || a.NotAfter.IsZero() {
		return false
	}
	return a.Remaining(now) < ExpiryWarning
}

// LoadArtifact 校验证书对并从叶子证书读取过期时间
func LoadArtifact(fullchain, key string, provenance Kind, domain string) (*Artifact, error) {
	if err := validate.CertFiles(fullchain, key); err != nil {
		return nil, err
	}
	notAfter, err := LeafExpiry(fullchain)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Fullchain:  fullchain,
		Key:        key,
		Provenance: provenance,
		Domain:     domain,
		NotAfter:   notAfter,
	}, nil
}

// LeafExpiry 读取证书链第一张证书的 NotAfter
func LeafExpiry(fullchain string) (time.Time, error) {
	data, err := os.ReadFile(fullchain)
	if err != nil {
		return time.Time{}, fmt.Errorf("read certificate: %w", err)
	}
	leaf, err := validate.LeafCertificate(data)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", fullchain, err)
	}
	return leaf.NotAfter, nil
}
