// Package validate 校验用户输入和生成的凭据，所有检查均无副作用。
package validate

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"

	"sbx-deploy/internal/errdefs"
)

var (
	shortIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{0,8}$`)
	keyPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	labelPattern   = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
)

// ShortID 0-8 位十六进制，空值合法（客户端可不带 sid）
func ShortID(s string) error {
	if !shortIDPattern.MatchString(s) {
		return errdefs.Invalid("short_id", "%q must be 0-8 hex characters", s)
	}
	return nil
}

// RealityKeypair 校验 Reality 密钥对格式；两者都能解码为 32 字节时还要求公钥与私钥匹配
func RealityKeypair(priv, pub string) error {
	if priv == "" || pub == "" {
		return errdefs.Invalid("reality_keypair", "private and public key are both required")
	}
	if !keyPattern.MatchString(priv) {
		return errdefs.Invalid("reality_private_key", "contains characters outside base64url")
	}
	if !keyPattern.MatchString(pub) {
		return errdefs.Invalid("reality_public_key", "contains characters outside base64url")
	}

	privRaw, err1 := base64.RawURLEncoding.DecodeString(priv)
	pubRaw, err2 := base64.RawURLEncoding.DecodeString(pub)
	if err1 != nil || err2 != nil || len(privRaw) != curve25519.ScalarSize || len(pubRaw) != curve25519.PointSize {
		return nil
	}
	derived, err := curve25519.X25519(privRaw, curve25519.Basepoint)
	if err != nil {
		return errdefs.Invalid("reality_private_key", "not a usable X25519 scalar: %v", err)
	}
	if !bytes.Equal(derived, pubRaw) {
		return errdefs.Invalid("reality_keypair", "public key does not match private key")
	}
	return nil
}

// RealitySNI Reality 握手目标必须是合法域名
func RealitySNI(name string) error {
	if err := hostname(name); err != nil {
		return errdefs.Invalid("sni", "%s", err)
	}
	return nil
}

// Domain 证书域名
func Domain(name string) error {
	if err := hostname(name); err != nil {
		return errdefs.Invalid("domain", "%s", err)
	}
	return nil
}

// IsIP 是否为裸 IP
func IsIP(s string) bool {
	return net.ParseIP(s) != nil
}

func hostname(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name")
	case strings.Contains(name, "://"):
		return fmt.Errorf("%q must not include a scheme", name)
	case strings.ContainsAny(name, " \t\r\n/"):
		return fmt.Errorf("%q contains whitespace or '/'", name)
	case len(name) > 253:
		return fmt.Errorf("name longer than 253 characters")
	case IsIP(name):
		return fmt.Errorf("%q is an IP address, a DNS name is required", name)
	}

	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	if len(labels) < 2 {
		return fmt.Errorf("%q is not a fully qualified name", name)
	}
	for _, label := range labels {
		if !labelPattern.MatchString(label) {
			return fmt.Errorf("invalid label %q in %q", label, name)
		}
	}
	return nil
}

// UUID 要求 RFC 4122 v4
func UUID(s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return errdefs.Invalid("uuid", "%q: %v", s, err)
	}
	if id.Version() != 4 {
		return errdefs.Invalid("uuid", "%q is version %d, want 4", s, id.Version())
	}
	return nil
}

// Port 1-65535
func Port(field string, n int) error {
	if n < 1 || n > 65535 {
		return errdefs.Invalid(field, "port %d out of range 1-65535", n)
	}
	return nil
}

// CertFiles 证书链和私钥必须存在、非空、可解析且互相匹配
func CertFiles(fullchain, key string) error {
	chainPEM, err := readNonEmpty("cert_fullchain", fullchain)
	if err != nil {
		return err
	}
	keyPEM, err := readNonEmpty("cert_key", key)
	if err != nil {
		return err
	}

	if _, err := LeafCertificate(chainPEM); err != nil {
		return errdefs.Invalid("cert_fullchain", "%s: %v", fullchain, err)
	}
	if _, err := tls.X509KeyPair(chainPEM, keyPEM); err != nil {
		return errdefs.Invalid("cert_key", "%s does not match %s: %v", key, fullchain, err)
	}
	return nil
}

// LeafCertificate 解析 PEM 中的第一张证书
func LeafCertificate(chainPEM []byte) (*x509.Certificate, error) {
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no CERTIFICATE block found")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		return cert, nil
	}
}

func readNonEmpty(field, path string) ([]byte, error) {
	if path == "" {
		return nil, errdefs.Invalid(field, "path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Invalid(field, "read %s: %v", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errdefs.Invalid(field, "%s is empty", path)
	}
	return data, nil
}
