package cert

import (
	"errors"
	"fmt"
	"os"
)

type snapshotFile struct {
	path    string
	data    []byte
	perm    os.FileMode
	existed bool
}

// PairSnapshot 证书对在签发前的状态，运行失败时用来恢复
type PairSnapshot struct {
	files    []snapshotFile
	restored bool
}

// SnapshotPair 读取证书对的当前内容，文件不存在也算一种状态
func SnapshotPair(fullchain, key string) (*PairSnapshot, error) {
	s := &PairSnapshot{}
	for _, f := range []snapshotFile{{path: fullchain, perm: 0o644}, {path: key, perm: 0o600}} {
		data, err := os.ReadFile(f.path)
		switch {
		case err == nil:
			f.data, f.existed = data, true
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("snapshot %s: %w", f.path, err)
		}
		s.files = append(s.files, f)
	}
	return s, nil
}

// Restore 写回快照内容，原本不存在的文件被删除。重复调用只生效一次
func (s *PairSnapshot) Restore() error {
	if s == nil || s.restored {
		return nil
	}
	s.restored = true
	var errs []error
	for _, f := range s.files {
		if !f.existed {
			if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		current, err := os.ReadFile(f.path)
		if err == nil && string(current) == string(f.data) {
			continue
		}
		if err := writeFileAtomic(f.path, f.data, f.perm); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", f.path, err))
		}
	}
	return errors.Join(errs...)
}
