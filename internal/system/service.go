package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Systemd 通过 systemctl 控制服务
type Systemd struct {
	Runner Runner
	Log    logrus.FieldLogger
}

// NewSystemd 创建 systemd 控制器
func NewSystemd(runner Runner) *Systemd {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Systemd{Runner: runner, Log: logrus.StandardLogger()}
}

// IsActive 服务是否处于 active 状态
func (s *Systemd) IsActive(ctx context.Context, name string) bool {
	out, err := s.Runner.Run(ctx, "systemctl", "is-active", name)
	return err == nil && strings.TrimSpace(string(out)) == "active"
}

// Start 启用并启动服务
func (s *Systemd) Start(ctx context.Context, name string) error {
	return s.ctl(ctx, "enable", "--now", name)
}

// Stop 停止并禁用服务
func (s *Systemd) Stop(ctx context.Context, name string) error {
	return s.ctl(ctx, "disable", "--now", name)
}

// Restart 重启服务
func (s *Systemd) Restart(ctx context.Context, name string) error {
	return s.ctl(ctx, "restart", name)
}

// Reload 服务支持时 reload，否则 restart
func (s *Systemd) Reload(ctx context.Context, name string) error {
	return s.ctl(ctx, "reload-or-restart", name)
}

func (s *Systemd) ctl(ctx context.Context, args ...string) error {
	if _, err := s.Runner.Run(ctx, "systemctl", args...); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	if s.Log != nil {
		s.Log.Infof("[Service] systemctl %s", strings.Join(args, " "))
	}
	return nil
}
