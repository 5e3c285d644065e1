// Package builder 为每种入站协议生成强类型的 sing-box 入站结构，JSON 序列化只在组装阶段进行。
package builder

import (
	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/material"
)

// User 入站用户，flow 只出现在这里
type User struct {
	Name     string `json:"name,omitempty"`
	UUID     string `json:"uuid,omitempty"`
	Password string `json:"password,omitempty"`
	Flow     string `json:"flow,omitempty"`
}

// Handshake Reality 握手目标
type Handshake struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
}

// RealityConfig tls.reality
type RealityConfig struct {
	Enabled    bool      `json:"enabled"`
	Handshake  Handshake `json:"handshake"`
	PrivateKey string    `json:"private_key"`
	ShortID    []string  `json:"short_id"`
}

// ACMEDNS01 tls.acme.dns01_challenge
type ACMEDNS01 struct {
	Provider string `json:"provider"`
	APIToken string `json:"api_token,omitempty"`
}

// ACME tls.acme
type ACME struct {
	Domain         []string   `json:"domain"`
	DataDirectory  string     `json:"data_directory,omitempty"`
	Email          string     `json:"email,omitempty"`
	DNS01Challenge *ACMEDNS01 `json:"dns01_challenge,omitempty"`
}

// TLS 入站 tls 块，reality/acme 只能嵌套在这里
type TLS struct {
	Enabled         bool           `json:"enabled"`
	ServerName      string         `json:"server_name,omitempty"`
	ALPN            []string       `json:"alpn,omitempty"`
	CertificatePath string         `json:"certificate_path,omitempty"`
	KeyPath         string         `json:"key_path,omitempty"`
	ACME            *ACME          `json:"acme,omitempty"`
	Reality         *RealityConfig `json:"reality,omitempty"`
}

// HasCertificate 是否带有证书文件或 ACME
func (t *TLS) HasCertificate() bool {
	return t != nil && ((t.CertificatePath != "" && t.KeyPath != "") || t.ACME != nil)
}

// Transport V2Ray 传输层
type Transport struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

// Inbound sing-box 入站
type Inbound struct {
	Type       string     `json:"type"`
	Tag        string     `json:"tag"`
	Listen     string     `json:"listen"`
	ListenPort int        `json:"listen_port"`
	Users      []User     `json:"users"`
	TLS        *TLS       `json:"tls,omitempty"`
	Transport  *Transport `json:"transport,omitempty"`
}

// Descriptor 单个协议实例的输入
type Descriptor struct {
	Protocol config.Protocol
	Port     int
	Creds    material.Credentials
	Artifact *cert.Artifact // Reality 为空
}
