// Package state 持久化客户端信息记录（不含 Reality 私钥）。
package state

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"

	"sbx-deploy/internal/material"
)

func init() {
	// 输出 KEY=value，与 shell 版 client-info 兼容
	ini.PrettyFormat = false
	ini.PrettyEqual = false
}

// ErrNoRecord 记录不存在
var ErrNoRecord = errors.New("client info record not found")

// ClientInfo 重新生成客户端导出所需的全部非私密信息
type ClientInfo struct {
	Server        string    `ini:"SERVER"`
	Domain        string    `ini:"DOMAIN"`
	UUID          string    `ini:"UUID"`
	PublicKey     string    `ini:"PUBLIC_KEY"`
	ShortID       string    `ini:"SHORT_ID"`
	SNI           string    `ini:"SNI"`
	RealityPort   int       `ini:"REALITY_PORT"`
	WSPort        int       `ini:"WS_PORT"`
	Hy2Port       int       `ini:"HY2_PORT"`
	WSPath        string    `ini:"WS_PATH"`
	Hy2Password   string    `ini:"HY2_PASSWORD"`
	CertMode      string    `ini:"CERT_MODE"`
	Protocols     []string  `ini:"PROTOCOLS" delim:","`
	EngineVersion string    `ini:"SINGBOX_VERSION"`
	UpdatedAt     time.Time `ini:"UPDATED_AT"`
}

// Credentials 用记录和服务端私钥还原凭据
func (c ClientInfo) Credentials(privateKey string) material.Credentials {
	creds := material.Credentials{
		UUID:        c.UUID,
		PrivateKey:  privateKey,
		PublicKey:   c.PublicKey,
		SNI:         c.SNI,
		Hy2Password: c.Hy2Password,
		WSPath:      c.WSPath,
		ShortIDs:    []string{c.ShortID},
	}
	if privateKey == "" {
		// 私钥丢失时公钥也无效，让生成器重新生成密钥对
		creds.PublicKey = ""
	}
	return creds
}

// HasProtocol 记录中是否启用了协议
func (c ClientInfo) HasProtocol(name string) bool {
	for _, p := range c.Protocols {
		if p == name {
			return true
		}
	}
	return false
}

// Store 客户端信息文件
type Store struct {
	Path string
}

// Exists 记录是否存在
func (s Store) Exists() bool {
	_, err := os.Stat(s.Path)
	return err == nil
}

// Save 以 0600 权限原子写入记录
func (s Store) Save(info ClientInfo) error {
	f := ini.Empty()
	if err := f.Section("").ReflectFrom(&info); err != nil {
		return fmt.Errorf("encode client info: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("# sbx client info, do not share\n")
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("encode client info: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write client info: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod client info: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace client info: %w", err)
	}
	return nil
}

// Load 读取记录，不存在时返回 ErrNoRecord
func (s Store) Load() (ClientInfo, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return ClientInfo{}, ErrNoRecord
	}
	if err != nil {
		return ClientInfo{}, fmt.Errorf("read client info: %w", err)
	}
	f, err := ini.Load(data)
	if err != nil {
		return ClientInfo{}, fmt.Errorf("parse client info: %w", err)
	}
	var info ClientInfo
	if err := f.Section("").MapTo(&info); err != nil {
		return ClientInfo{}, fmt.Errorf("decode client info: %w", err)
	}
	return info, nil
}

// Remove 删除记录
func (s Store) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove client info: %w", err)
	}
	return nil
}
