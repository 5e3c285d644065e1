// Package backup 打包和恢复部署产物：sing-box 配置、客户端信息记录、证书和续期任务。
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
)

const maxEntrySize = 8 << 20

// Entry 归档内的逻辑名与磁盘路径
type Entry struct {
	Name string
	Path string
	Mode os.FileMode
}

// Layout 一次部署需要备份的文件
func Layout(p config.Paths) []Entry {
	certDir := p.CertDir()
	return []Entry{
		{Name: "config.json", Path: p.SingboxConfig, Mode: 0o600},
		{Name: "client-info.txt", Path: p.ClientInfoPath(), Mode: 0o600},
		{Name: "renewal.yaml", Path: p.RenewalJobPath(), Mode: 0o600},
		{Name: "certs/" + cert.FullchainName, Path: filepath.Join(certDir, cert.FullchainName), Mode: 0o644},
		{Name: "certs/" + cert.KeyName, Path: filepath.Join(certDir, cert.KeyName), Mode: 0o600},
	}
}

// Archiver tar.gz 备份
type Archiver struct {
	Entries []Entry
	Now     func() time.Time
	Log     logrus.FieldLogger
}

// NewArchiver 按部署路径创建备份器
func NewArchiver(p config.Paths) *Archiver {
	return &Archiver{Entries: Layout(p), Now: time.Now, Log: logrus.StandardLogger()}
}

// Create 把存在的文件写入归档，返回写入的条目名
func (a *Archiver) Create(w io.Writer) ([]string, error) {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	now := a.now()

	var written []string
	for _, e := range a.Entries {
		data, err := os.ReadFile(e.Path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Path, err)
		}
		hdr := &tar.Header{
			Name:     e.Name,
			Mode:     int64(e.Mode),
			Size:     int64(len(data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header %s: %w", e.Name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write %s: %w", e.Name, err)
		}
		written = append(written, e.Name)
	}
	if len(written) == 0 {
		return nil, errors.New("nothing to back up, no deployment found")
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return written, nil
}

// CreateFile 在 dir 下生成带时间戳的归档（0600），返回文件路径
func (a *Archiver) CreateFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := filepath.Join(dir, "sbx-backup-"+a.now().UTC().Format("20060102-150405")+".tar.gz")

	var buf bytes.Buffer
	entries, err := a.Create(&buf)
	if err != nil {
		return "", err
	}
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write backup: %w", err)
	}
	a.log().Infof("[Backup] Wrote %s (%s)", name, strings.Join(entries, ", "))
	return name, nil
}

// Restore 先完整校验归档，再逐个原子替换文件。归档中只允许出现 Layout 里的条目
func (a *Archiver) Restore(r io.Reader) ([]string, error) {
	known := make(map[string]Entry, len(a.Entries))
	for _, e := range a.Entries {
		known[e.Name] = e
	}

	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer gr.Close()

	type pending struct {
		entry Entry
		data  []byte
	}
	var files []pending
	seen := make(map[string]bool)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		name, err := cleanName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("archive entry %s: unsupported type %q", hdr.Name, hdr.Typeflag)
		}
		e, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("archive entry %s is not part of a deployment backup", hdr.Name)
		}
		if seen[name] {
			return nil, fmt.Errorf("archive entry %s appears twice", hdr.Name)
		}
		seen[name] = true
		if hdr.Size > maxEntrySize {
			return nil, fmt.Errorf("archive entry %s is too large (%d bytes)", hdr.Name, hdr.Size)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxEntrySize))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		files = append(files, pending{entry: e, data: data})
	}
	if len(files) == 0 {
		return nil, errors.New("archive is empty")
	}

	var restored []string
	for _, f := range files {
		if err := writeFile(f.entry.Path, f.data, f.entry.Mode); err != nil {
			return restored, err
		}
		restored = append(restored, f.entry.Name)
	}
	a.log().Infof("[Backup] Restored %s", strings.Join(restored, ", "))
	return restored, nil
}

// cleanName 拒绝绝对路径和 .. 穿越
func cleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", fmt.Errorf("invalid archive entry name %q", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid path traversal detected: %s", name)
	}
	return clean, nil
}

func writeFile(target string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	tmp := target + ".restore"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", target, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", target, err)
	}
	return nil
}

func (a *Archiver) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

func (a *Archiver) log() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}
