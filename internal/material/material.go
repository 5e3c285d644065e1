// Package material 生成和合并安装所需的凭据。
package material

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"

	"sbx-deploy/internal/config"
	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/validate"
)

// Credentials 一次安装使用的全部凭据
type Credentials struct {
	UUID        string
	PrivateKey  string // 只写入服务端配置
	PublicKey   string
	ShortIDs    []string
	SNI         string
	Hy2Password string
	WSPath      string
}

// ShortID 返回第一个 short_id（导出给客户端用）
func (c Credentials) ShortID() string {
	if len(c.ShortIDs) == 0 {
		return ""
	}
	return c.ShortIDs[0]
}

// KeypairSource 生成 Reality 密钥对
type KeypairSource interface {
	GenerateRealityKeypair(ctx context.Context) (privateKey, publicKey string, err error)
}

// LocalKeypair 本地 X25519 生成
type LocalKeypair struct{}

// GenerateRealityKeypair 生成新的 Reality 密钥对
func (LocalKeypair) GenerateRealityKeypair(context.Context) (string, string, error) {
	var privateKey [32]byte
	if _, err := rand.Read(privateKey[:]); err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	publicKey, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(privateKey[:]),
		base64.RawURLEncoding.EncodeToString(publicKey), nil
}

// PublicKeyFor 由 Reality 私钥推导公钥
func PublicKeyFor(privateKey string) (string, error) {
	priv, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil || len(priv) != curve25519.ScalarSize {
		return "", errdefs.Invalid("reality_private_key", "not a base64url X25519 key")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}

// Generator 按 用户输入 > 已部署值 > 新生成 的顺序确定凭据
type Generator struct {
	Keys KeypairSource
	Log  logrus.FieldLogger
}

// NewGenerator 创建凭据生成器，keys 为空时只用本地生成
func NewGenerator(keys KeypairSource) *Generator {
	return &Generator{Keys: keys, Log: logrus.StandardLogger()}
}

// Resolve 合并用户输入和已部署凭据，缺失项重新生成。prior 可为 nil
func (g *Generator) Resolve(ctx context.Context, cfg config.InstallConfig, prior *Credentials) (Credentials, error) {
	var creds Credentials
	if prior != nil {
		creds = *prior
		creds.ShortIDs = append([]string(nil), prior.ShortIDs...)
	}

	if cfg.UUID != "" {
		if err := validate.UUID(cfg.UUID); err != nil {
			return Credentials{}, err
		}
		creds.UUID = cfg.UUID
	} else if creds.UUID == "" {
		creds.UUID = uuid.NewString()
	}

	if err := g.resolveKeypair(ctx, cfg, &creds); err != nil {
		return Credentials{}, err
	}

	switch {
	case cfg.ShortIDSet:
		if err := validate.ShortID(cfg.ShortID); err != nil {
			return Credentials{}, err
		}
		creds.ShortIDs = []string{strings.ToLower(cfg.ShortID)}
	case len(creds.ShortIDs) == 0:
		id, err := randomHex(4)
		if err != nil {
			return Credentials{}, fmt.Errorf("generate short_id: %w", err)
		}
		creds.ShortIDs = []string{id}
	}

	switch {
	case cfg.SNI != "":
		if err := validate.RealitySNI(cfg.SNI); err != nil {
			return Credentials{}, err
		}
		creds.SNI = cfg.SNI
	case creds.SNI == "":
		creds.SNI = config.DefaultSNI
	}

	if cfg.Hy2Password != "" {
		creds.Hy2Password = cfg.Hy2Password
	} else if creds.Hy2Password == "" {
		pw, err := randomHex(16)
		if err != nil {
			return Credentials{}, fmt.Errorf("generate hysteria2 password: %w", err)
		}
		creds.Hy2Password = pw
	}

	if cfg.WSPath != "" {
		if !strings.HasPrefix(cfg.WSPath, "/") {
			return Credentials{}, errdefs.Invalid("ws_path", "%q must start with '/'", cfg.WSPath)
		}
		creds.WSPath = cfg.WSPath
	} else if creds.WSPath == "" {
		suffix, err := randomHex(4)
		if err != nil {
			return Credentials{}, fmt.Errorf("generate ws path: %w", err)
		}
		creds.WSPath = "/" + suffix
	}

	return creds, nil
}

func (g *Generator) resolveKeypair(ctx context.Context, cfg config.InstallConfig, creds *Credentials) error {
	if cfg.RealityPrivateKey != "" || cfg.RealityPublicKey != "" {
		if err := validate.RealityKeypair(cfg.RealityPrivateKey, cfg.RealityPublicKey); err != nil {
			return err
		}
		creds.PrivateKey, creds.PublicKey = cfg.RealityPrivateKey, cfg.RealityPublicKey
		return nil
	}
	if creds.PrivateKey != "" && creds.PublicKey != "" {
		return nil
	}

	priv, pub, err := g.generateKeypair(ctx)
	if err != nil {
		return err
	}
	if err := validate.RealityKeypair(priv, pub); err != nil {
		return fmt.Errorf("generated keypair rejected: %w", err)
	}
	creds.PrivateKey, creds.PublicKey = priv, pub
	return nil
}

func (g *Generator) generateKeypair(ctx context.Context) (string, string, error) {
	if g.Keys != nil {
		priv, pub, err := g.Keys.GenerateRealityKeypair(ctx)
		if err == nil {
			return priv, pub, nil
		}
		g.logger().Warnf("[Material] engine keypair generation failed, using local X25519: %v", err)
	}
	return LocalKeypair{}.GenerateRealityKeypair(ctx)
}

func (g *Generator) logger() logrus.FieldLogger {
	if g.Log == nil {
		return logrus.StandardLogger()
	}
	return g.Log
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
