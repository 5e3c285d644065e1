package builder

import (
	"fmt"

	C "github.com/sagernet/sing-box/constant"

	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/material"
)

const (
	TagReality   = "in-reality"
	TagWsTLS     = "in-ws"
	TagHysteria2 = "in-hy2"

	FlowVision      = "xtls-rprx-vision"
	userName        = "sbx"
	listenAll       = "::"
	handshakePort   = 443
	hysteria2ALPN   = "h3"
	cloudflareDNS01 = "cloudflare"
)

// Build 按描述符选择对应的构建函数
func Build(d Descriptor) (Inbound, error) {
	switch d.Protocol {
	case config.ProtocolReality:
		return Reality(d.Creds, d.Port)
	case config.ProtocolWsTLS:
		return WsTLS(d.Creds, d.Artifact, d.Port)
	case config.ProtocolHysteria2:
		return Hysteria2(d.Creds, d.Artifact, d.Port)
	}
	return Inbound{}, fmt.Errorf("unknown protocol %q", d.Protocol)
}

// Reality VLESS + Reality 入站
func Reality(creds material.Credentials, port int) (Inbound, error) {
	in := Inbound{
		Type:       C.TypeVLESS,
		Tag:        TagReality,
		Listen:     listenAll,
		ListenPort: port,
		Users: []User{{
			Name: userName,
			UUID: creds.UUID,
			Flow: FlowVision,
		}},
		TLS: &TLS{
			Enabled:    true,
			ServerName: creds.SNI,
			Reality: &RealityConfig{
				Enabled: true,
				Handshake: Handshake{
					Server:     creds.SNI,
					ServerPort: handshakePort,
				},
				PrivateKey: creds.PrivateKey,
				ShortID:    append([]string(nil), creds.ShortIDs...),
			},
		},
	}
	if err := VerifyReality(in); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// VerifyReality 握手目标必须与 server_name 一致，short_id 必须是单元素数组
func VerifyReality(in Inbound) error {
	if in.TLS == nil || in.TLS.Reality == nil {
		return fmt.Errorf("inbound %s: reality block missing under tls", in.Tag)
	}
	r := in.TLS.Reality
	if r.Handshake.Server != in.TLS.ServerName {
		return fmt.Errorf("inbound %s: reality handshake server %q differs from tls.server_name %q",
			in.Tag, r.Handshake.Server, in.TLS.ServerName)
	}
	if r.PrivateKey == "" {
		return errdefs.Invalid("reality_private_key", "empty")
	}
	if len(r.ShortID) != 1 {
		return errdefs.Invalid("short_id", "want exactly one short_id, got %d", len(r.ShortID))
	}
	return nil
}

// WsTLS VLESS + WebSocket + TLS 入站
func WsTLS(creds material.Credentials, artifact *cert.Artifact, port int) (Inbound, error) {
	tls, err := certificateTLS(config.ProtocolWsTLS, artifact)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{
		Type:       C.TypeVLESS,
		Tag:        TagWsTLS,
		Listen:     listenAll,
		ListenPort: port,
		Users: []User{{
			Name: userName,
			UUID: creds.UUID,
		}},
		TLS: tls,
		Transport: &Transport{
			Type: C.V2RayTransportTypeWebsocket,
			Path: creds.WSPath,
		},
	}, nil
}

// Hysteria2 Hysteria2 入站，证书接法与 WS 相同
func Hysteria2(creds material.Credentials, artifact *cert.Artifact, port int) (Inbound, error) {
	tls, err := certificateTLS(config.ProtocolHysteria2, artifact)
	if err != nil {
		return Inbound{}, err
	}
	tls.ALPN = []string{hysteria2ALPN}
	return Inbound{
		Type:       C.TypeHysteria2,
		Tag:        TagHysteria2,
		Listen:     listenAll,
		ListenPort: port,
		Users: []User{{
			Name:     userName,
			Password: creds.Hy2Password,
		}},
		TLS: tls,
	}, nil
}

func certificateTLS(p config.Protocol, a *cert.Artifact) (*TLS, error) {
	if a == nil {
		return nil, &errdefs.MissingCertificateError{Protocol: string(p)}
	}
	if a.Managed() {
		acme := &ACME{
			Domain:        []string{a.ACME.Domain},
			DataDirectory: a.ACME.DataDirectory,
			Email:         a.ACME.Email,
		}
		if a.ACME.DNSProvider != "" {
			if a.ACME.DNSProvider != cloudflareDNS01 {
				return nil, errdefs.Invalid("dns_provider", "sing-box ACME supports only %s, got %q", cloudflareDNS01, a.ACME.DNSProvider)
			}
			acme.DNS01Challenge = &ACMEDNS01{Provider: cloudflareDNS01, APIToken: a.ACME.DNSToken}
		}
		return &TLS{Enabled: true, ServerName: a.ACME.Domain, ACME: acme}, nil
	}
	if a.Fullchain == "" || a.Key == "" {
		return nil, &errdefs.MissingCertificateError{Protocol: string(p)}
	}
	return &TLS{
		Enabled:         true,
		ServerName:      a.Domain,
		CertificatePath: a.Fullchain,
		KeyPath:         a.Key,
	}, nil
}
