// Package cert 决定证书策略并驱动签发、同步和到期检查。
package cert

import (
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/validate"
)

// Kind 证书策略类型
type Kind string

const (
	KindNone  Kind = "none"
	KindFiles Kind = "files"
	KindHTTP  Kind = "http"
	KindDNS   Kind = "dns"
)

// Issues 是否需要 ACME 签发
func (k Kind) Issues() bool {
	return k == KindHTTP || k == KindDNS
}

// Strategy 一次运行中唯一生效的证书策略
type Strategy struct {
	Kind   Kind
	Domain string

	// KindFiles
	Fullchain string
	Key       string

	// KindDNS
	DNSProvider string
	DNSToken    string

	Email      string
	EngineACME bool // 签发交给 sing-box 内置 ACME
	Auto       bool // 未显式指定模式时自动选择
}

// Resolve 按 证书文件 > 显式模式 > 域名自动 HTTP-01 > None 的顺序决定策略。
// 同样的输入总是得到同样的结果，不访问网络。
func Resolve(cfg config.InstallConfig) (Strategy, []string, error) {
	var notes []string
	realityOnly := cfg.RealityOnlyEffective()

	switch {
	case cfg.CertFullchain != "" && cfg.CertKey != "":
		if err := validate.CertFiles(cfg.CertFullchain, cfg.CertKey); err != nil {
			return Strategy{}, nil, err
		}
		if cfg.CertMode != config.CertModeAuto {
			notes = append(notes, "CERT_MODE ignored because certificate files were supplied")
		}
		return Strategy{
			Kind:      KindFiles,
			Domain:    cfg.Domain,
			Fullchain: cfg.CertFullchain,
			Key:       cfg.CertKey,
		}, notes, nil

	case cfg.CertFullchain != "" || cfg.CertKey != "":
		return Strategy{}, nil, &errdefs.StrategyConflictError{
			Inputs: []string{"CERT_FULLCHAIN", "CERT_KEY"},
			Reason: "both certificate paths must be supplied together",
		}
	}

	if cfg.CertMode != config.CertModeAuto {
		return explicit(cfg, realityOnly)
	}

	if cfg.HasDomain() && !realityOnly {
		if err := validate.Domain(cfg.Domain); err != nil {
			return Strategy{}, nil, err
		}
		notes = append(notes, "no CERT_MODE set, automatically using HTTP-01 for "+cfg.Domain)
		return Strategy{
			Kind:       KindHTTP,
			Domain:     cfg.Domain,
			Email:      cfg.ACMEEmail,
			EngineACME: cfg.EngineACME,
			Auto:       true,
		}, notes, nil
	}

	return Strategy{Kind: KindNone, Domain: cfg.Domain}, notes, nil
}

func explicit(cfg config.InstallConfig, realityOnly bool) (Strategy, []string, error) {
	mode := string(cfg.CertMode)
	if realityOnly {
		inputs := []string{"CERT_MODE=" + mode, "PROTOCOLS"}
		if cfg.RealityOnly {
			inputs[1] = "REALITY_ONLY"
		}
		return Strategy{}, nil, &errdefs.StrategyConflictError{
			Inputs: inputs,
			Reason: "certificate mode requested but no TLS protocol is enabled",
		}
	}
	if !cfg.HasDomain() {
		return Strategy{}, nil, &errdefs.StrategyConflictError{
			Inputs: []string{"CERT_MODE=" + mode, "DOMAIN"},
			Reason: "ACME issuance needs a domain name, not an empty value or bare IP",
		}
	}
	if err := validate.Domain(cfg.Domain); err != nil {
		return Strategy{}, nil, err
	}

	s := Strategy{
		Domain:     cfg.Domain,
		Email:      cfg.ACMEEmail,
		EngineACME: cfg.EngineACME,
	}
	switch cfg.CertMode {
	case config.CertModeHTTP:
		s.Kind = KindHTTP
	case config.CertModeDNS:
		if cfg.DNSAPIToken == "" {
			return Strategy{}, nil, &errdefs.StrategyConflictError{
				Inputs: []string{"CERT_MODE=dns", "CF_API_TOKEN"},
				Reason: "DNS-01 requires a provider API token",
			}
		}
		s.Kind = KindDNS
		s.DNSProvider = cfg.DNSProvider
		if s.DNSProvider == "" {
			s.DNSProvider = "cloudflare"
		}
		s.DNSToken = cfg.DNSAPIToken
	}
	return s, nil, nil
}
