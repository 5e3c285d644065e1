package cert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultSyncSchedule 续期同步默认每天两次
const DefaultSyncSchedule = "17 3,15 * * *"

// Restarter 证书变化后重启服务
type Restarter interface {
	Restart(ctx context.Context, name string) error
}

// SyncResult 一次同步的结果
type SyncResult struct {
	Domain      string
	Changed     bool
	NotAfter    time.Time
	ExpiresSoon bool
}

// Syncer 把 Caddy 续期后的证书同步到 sing-box 证书目录
type Syncer struct {
	Restarter Restarter
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// NewSyncer 创建证书同步器
func NewSyncer(restarter Restarter) *Syncer {
	return &Syncer{Restarter: restarter, Log: logrus.StandardLogger(), Now: time.Now}
}

// Sync 执行一次同步：复制变化的证书、按需重启服务、检查到期时间
func (s *Syncer) Sync(ctx context.Context, job RenewalJob) (SyncResult, error) {
	res := SyncResult{Domain: job.Domain}

	if job.SourceFullchain != "" {
		changed, err := CopyPair(job.SourceFullchain, job.SourceKey, job.TargetFullchain, job.TargetKey)
		if err != nil {
			return res, fmt.Errorf("sync certificate for %s: %w", job.Domain, err)
		}
		res.Changed = changed
	}

	notAfter, err := LeafExpiry(job.TargetFullchain)
	if err != nil {
		return res, err
	}
	res.NotAfter = notAfter
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	a := &Artifact{NotAfter: notAfter}
	res.ExpiresSoon = a.ExpiresSoon(now())

	log := s.log().WithField("domain", job.Domain)
	if res.Changed {
		log.Infof("[CertSync] Certificate updated, expires at: %s", notAfter.Format("2006-01-02"))
		if s.Restarter != nil && job.Service != "" {
			if err := s.Restarter.Restart(ctx, job.Service); err != nil {
				return res, fmt.Errorf("restart %s after certificate update: %w", job.Service, err)
			}
		}
	}
	if res.ExpiresSoon {
		days := int(a.Remaining(now()).Hours() / 24)
		log.Warnf("[CertSync] Certificate expires in %d days (%s), check the renewal setup",
			days, notAfter.Format("2006-01-02"))
	}
	return res, nil
}

func (s *Syncer) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// JobFile 以 YAML 保存续期同步任务，供 `sbx watch` 读取
type JobFile struct {
	Path string
}

type jobDocument struct {
	Jobs []RenewalJob `yaml:"jobs"`
}

// Register 写入任务，替换同域名或同目标证书路径的旧任务。
// 换域名后旧任务不能再把旧证书同步到同一位置
func (f JobFile) Register(_ context.Context, job RenewalJob) error {
	jobs, err := f.Load()
	if err != nil {
		return err
	}
	if job.Schedule == "" {
		job.Schedule = DefaultSyncSchedule
	}

	kept := jobs[:0]
	for _, j := range jobs {
		sameTarget := job.TargetFullchain != "" && j.TargetFullchain == job.TargetFullchain
		if j.Domain != job.Domain && !sameTarget {
			kept = append(kept, j)
		}
	}
	jobs = append(kept, job)

	data, err := yaml.Marshal(jobDocument{Jobs: jobs})
	if err != nil {
		return fmt.Errorf("marshal renewal jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return writeFileAtomic(f.Path, data, 0o600)
}

// Load 读取任务，文件不存在时返回空列表
func (f JobFile) Load() ([]RenewalJob, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read renewal jobs: %w", err)
	}
	var doc jobDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return doc.Jobs, nil
}

// Remove 删除任务文件
func (f JobFile) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
