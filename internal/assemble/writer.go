package assemble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"sbx-deploy/internal/errdefs"
)

// BackupSuffix 上一份配置的快照后缀
const BackupSuffix = ".bak"

// Checker 引擎侧的配置校验
type Checker interface {
	Check(ctx context.Context, path string) error
}

// Writer 先写临时文件，引擎校验通过后原子替换目标文件
type Writer struct {
	Checker Checker
	Log     logrus.FieldLogger
}

// NewWriter 创建配置写入器
func NewWriter(checker Checker) *Writer {
	return &Writer{Checker: checker, Log: logrus.StandardLogger()}
}

// Write 校验并写入配置，返回内容是否发生变化。
// 返回 true 时 path+.bak 恰好是本次被替换的内容（首次写入则不存在）。任何失败都不会修改 path
func (w *Writer) Write(ctx context.Context, path string, data []byte) (bool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return false, fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp config: %w", err)
	}

	if w.Checker != nil {
		if err := w.Checker.Check(ctx, tmpName); err != nil {
			var schemaErr *errdefs.SchemaCheckError
			if errors.As(err, &schemaErr) {
				return false, err
			}
			return false, fmt.Errorf("check config: %w", err)
		}
	}

	previous, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(previous, data):
		w.log().Infof("[Config] %s unchanged", path)
		return false, nil
	case err == nil:
		if err := os.WriteFile(path+BackupSuffix, previous, 0o600); err != nil {
			return false, fmt.Errorf("snapshot previous config: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("read previous config: %w", err)
	default:
		// 没有上一份配置时，残留的 .bak 不能再用于回滚
		if err := os.Remove(path + BackupSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("remove stale snapshot: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return false, fmt.Errorf("replace config: %w", err)
	}
	w.log().Infof("[Config] Wrote %s", path)
	return true, nil
}

// Rollback 用 .bak 快照恢复配置
func Rollback(path string) error {
	data, err := os.ReadFile(path + BackupSuffix)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	tmp := path + ".rollback"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write rollback: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

func (w *Writer) log() logrus.FieldLogger {
	if w.Log == nil {
		return logrus.StandardLogger()
	}
	return w.Log
}
