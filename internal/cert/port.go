package cert

import (
	"context"
	"fmt"
	"net"
	"strconv"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// PortStatus 端口占用情况
type PortStatus struct {
	Port    int
	Network string // tcp 或 udp
	Busy    bool
	PID     int32
	Process string
}

// Owner 占用者描述，未知时返回空
func (s PortStatus) Owner() string {
	switch {
	case s.Process != "" && s.PID > 0:
		return fmt.Sprintf("%s (pid %d)", s.Process, s.PID)
	case s.PID > 0:
		return fmt.Sprintf("pid %d", s.PID)
	}
	return s.Process
}

// PortProbe 检查端口是否可用
type PortProbe interface {
	Probe(ctx context.Context, network string, port int) PortStatus
}

// SystemProbe 通过实际 bind 判断端口占用，再用 gopsutil 找出占用进程
type SystemProbe struct {
	Connections func(ctx context.Context, kind string) ([]gnet.ConnectionStat, error)
	ProcessName func(ctx context.Context, pid int32) (string, error)
}

// NewSystemProbe 创建系统端口探测器
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{
		Connections: gnet.ConnectionsWithContext,
		ProcessName: func(ctx context.Context, pid int32) (string, error) {
			p, err := process.NewProcessWithContext(ctx, pid)
			if err != nil {
				return "", err
			}
			return p.NameWithContext(ctx)
		},
	}
}

// Probe 检查 network/port，占用时尽量给出进程名
func (p *SystemProbe) Probe(ctx context.Context, network string, port int) PortStatus {
	status := PortStatus{Port: port, Network: network}
	addr := net.JoinHostPort("", strconv.Itoa(port))

	if network == "udp" {
		conn, err := net.ListenPacket("udp", addr)
		if err == nil {
			conn.Close()
			return status
		}
	} else {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return status
		}
	}

	status.Busy = true
	p.fillOwner(ctx, &status)
	return status
}

func (p *SystemProbe) fillOwner(ctx context.Context, status *PortStatus) {
	if p.Connections == nil {
		return
	}
	conns, err := p.Connections(ctx, status.Network)
	if err != nil {
		return
	}
	for _, c := range conns {
		if int(c.Laddr.Port) != status.Port || c.Pid == 0 {
			continue
		}
		if status.Network == "tcp" && c.Status != "LISTEN" {
			continue
		}
		status.PID = c.Pid
		if p.ProcessName != nil {
			if name, err := p.ProcessName(ctx, c.Pid); err == nil {
				status.Process = name
			}
		}
		return
	}
}
