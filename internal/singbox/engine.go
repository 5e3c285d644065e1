// Package singbox 调用 sing-box 二进制：生成密钥对、校验配置、读取版本。
package singbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/system"
)

var (
	versionRegex = regexp.MustCompile(`(?:sing-box\s+)?version[:\s]+v?(\d+\.\d+\.\d+[0-9A-Za-z.+-]*)`)
	privateRegex = regexp.MustCompile(`(?m)^\s*PrivateKey:\s*(\S+)`)
	publicRegex  = regexp.MustCompile(`(?m)^\s*PublicKey:\s*(\S+)`)
)

// Engine sing-box 命令封装
type Engine struct {
	Bin    string
	Runner system.Runner
}

// NewEngine 创建引擎封装
func NewEngine(bin string, runner system.Runner) *Engine {
	if runner == nil {
		runner = system.ExecRunner{}
	}
	return &Engine{Bin: bin, Runner: runner}
}

// Available 二进制是否存在
func (e *Engine) Available() bool {
	if strings.Contains(e.Bin, "/") {
		_, err := os.Stat(e.Bin)
		return err == nil
	}
	_, err := exec.LookPath(e.Bin)
	return err == nil
}

// GenerateRealityKeypair 执行 `sing-box generate reality-keypair`
func (e *Engine) GenerateRealityKeypair(ctx context.Context) (string, string, error) {
	out, err := e.Runner.Run(ctx, e.Bin, "generate", "reality-keypair")
	if err != nil {
		return "", "", fmt.Errorf("generate reality keypair: %w", err)
	}
	priv := privateRegex.FindSubmatch(out)
	pub := publicRegex.FindSubmatch(out)
	if priv == nil || pub == nil {
		return "", "", fmt.Errorf("unexpected reality-keypair output: %q", strings.TrimSpace(string(out)))
	}
	return string(priv[1]), string(pub[1]), nil
}

// Check 执行 `sing-box check -c path`。引擎拒绝配置时返回 SchemaCheckError，诊断原样保留
func (e *Engine) Check(ctx context.Context, path string) error {
	out, err := e.Runner.Run(ctx, e.Bin, "check", "-c", path)
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sing-box binary unavailable: %w", err)
	}
	diag := strings.TrimSpace(string(out))
	if diag == "" {
		diag = err.Error()
	}
	return &errdefs.SchemaCheckError{Diagnostic: diag}
}

// Version 执行 `sing-box version` 并解析版本号
func (e *Engine) Version(ctx context.Context) (string, error) {
	out, err := e.Runner.Run(ctx, e.Bin, "version")
	if err != nil {
		return "", fmt.Errorf("sing-box version: %w", err)
	}
	return ParseVersion(string(out))
}

// ParseVersion 从 version 输出中提取版本号，例如 "sing-box version 1.12.0"
func ParseVersion(output string) (string, error) {
	m := versionRegex.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("no version in %q", strings.TrimSpace(output))
	}
	return m[1], nil
}

// CompareVersions v1<v2 返回 -1，相等 0，大于 1。预发布后缀不参与比较
func CompareVersions(v1, v2 string) int {
	p1 := parseVersion(v1)
	p2 := parseVersion(v2)
	for i := 0; i < 3; i++ {
		if p1[i] < p2[i] {
			return -1
		}
		if p1[i] > p2[i] {
			return 1
		}
	}
	return 0
}

// RequireVersion 版本低于 min 时报错
func RequireVersion(version, min string) error {
	if CompareVersions(version, min) < 0 {
		return fmt.Errorf("sing-box %s is older than the minimum supported %s", version, min)
	}
	return nil
}

func parseVersion(v string) [3]int {
	var parts [3]int
	v = strings.TrimPrefix(v, "v")
	segments := strings.Split(v, ".")
	for i := 0; i < len(segments) && i < 3; i++ {
		num := 0
		for _, c := range segments[i] {
			if c < '0' || c > '9' {
				break
			}
			num = num*10 + int(c-'0')
		}
		parts[i] = num
	}
	return parts
}
