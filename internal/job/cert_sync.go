package job

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"sbx-deploy/internal/cert"
)

// Syncer 证书同步
type Syncer interface {
	Sync(ctx context.Context, job cert.RenewalJob) (cert.SyncResult, error)
}

// CertSyncJob 把一个续期任务包装成可调度任务
type CertSyncJob struct {
	Job    cert.RenewalJob
	Syncer Syncer
}

// Name 任务名
func (j CertSyncJob) Name() string {
	return "cert-sync:" + j.Job.Domain
}

// Run 执行一次同步
func (j CertSyncJob) Run(ctx context.Context) error {
	_, err := j.Syncer.Sync(ctx, j.Job)
	return err
}

// SyncAll 立即同步全部任务，单个失败不影响其他任务
func SyncAll(ctx context.Context, syncer Syncer, jobs []cert.RenewalJob, log logrus.FieldLogger) ([]cert.SyncResult, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var results []cert.SyncResult
	var errs []error
	for _, j := range jobs {
		res, err := syncer.Sync(ctx, j)
		if err != nil {
			log.Errorf("[CertSync] %s: %v", j.Domain, err)
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// RegisterAll 按各自的 schedule 注册全部同步任务
func RegisterAll(s *Scheduler, syncer Syncer, jobs []cert.RenewalJob) error {
	for _, j := range jobs {
		spec := j.Schedule
		if spec == "" {
			spec = cert.DefaultSyncSchedule
		}
		if _, err := s.Register(spec, CertSyncJob{Job: j, Syncer: syncer}); err != nil {
			return err
		}
	}
	return nil
}
