// Package job 运行证书续期同步等后台任务。
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Runnable 由调度器触发的任务
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler 封装 cron，提供日志与优雅停机
type Scheduler struct {
	cron    *cron.Cron
	log     logrus.FieldLogger
	timeout time.Duration
	mu      sync.Mutex
	started bool
}

const defaultJobTimeout = 2 * time.Minute

// NewScheduler 创建支持可选秒字段和 @every 描述符的调度器
func NewScheduler(log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Scheduler{cron: c, log: log, timeout: defaultJobTimeout}
}

// Register 绑定 cron 表达式与任务
func (s *Scheduler) Register(spec string, r Runnable) (cron.EntryID, error) {
	if r == nil {
		return 0, errors.New("scheduler: runnable is required")
	}
	if spec == "" {
		return 0, fmt.Errorf("scheduler: empty schedule for %s", r.Name())
	}
	id, err := s.cron.AddFunc(spec, s.wrap(r))
	if err != nil {
		return 0, fmt.Errorf("scheduler: register %s: %w", r.Name(), err)
	}
	s.log.Infof("[Scheduler] Registered %s (%s)", r.Name(), spec)
	return id, nil
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop 停止调度，返回的 context 在执行中的任务结束后关闭
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return context.Background()
	}
	s.started = false
	return s.cron.Stop()
}

// Entries 已注册任务数
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) wrap(r Runnable) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		start := time.Now()
		if err := r.Run(ctx); err != nil {
			s.log.Errorf("[Scheduler] %s failed after %s: %v", r.Name(), time.Since(start).Round(time.Millisecond), err)
			return
		}
		s.log.Debugf("[Scheduler] %s completed in %s", r.Name(), time.Since(start).Round(time.Millisecond))
	}
}
