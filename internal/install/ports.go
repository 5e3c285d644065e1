package install

import (
	"context"
	"fmt"
	"strings"

	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
)

// fallbackPorts 首选端口被占用时的备选起点
var fallbackPorts = map[config.Protocol]int{
	config.ProtocolReality:   24443,
	config.ProtocolWsTLS:     24444,
	config.ProtocolHysteria2: 24445,
}

const maxFallbackAttempts = 50

func network(p config.Protocol) string {
	if p == config.ProtocolHysteria2 {
		return "udp"
	}
	return "tcp"
}

// ownedBySingbox 端口已被本机 sing-box 占用，重启后会被新配置接管
func ownedBySingbox(st cert.PortStatus) bool {
	return strings.Contains(strings.ToLower(st.Process), "sing-box")
}

// resolvePorts 为每个协议选定端口：上次部署的端口优先，冲突时改用备选端口并记录说明
func (o *Orchestrator) resolvePorts(ctx context.Context, cfg config.InstallConfig, prior map[config.Protocol]int) (map[config.Protocol]int, []string, error) {
	ports := make(map[config.Protocol]int)
	used := make(map[int]bool)
	var notes []string

	for _, p := range cfg.Protocols() {
		want := cfg.PortFor(p)
		if prev, ok := prior[p]; ok && prev > 0 && want == defaultPort(p) {
			want = prev
		}

		port, note, err := o.pickPort(ctx, p, want, used)
		if err != nil {
			return nil, notes, err
		}
		if note != "" {
			notes = append(notes, note)
		}
		ports[p] = port
		used[port] = true
	}
	return ports, notes, nil
}

func (o *Orchestrator) pickPort(ctx context.Context, p config.Protocol, want int, used map[int]bool) (int, string, error) {
	reason, ok := o.portUsable(ctx, p, want, used)
	if ok {
		return want, "", nil
	}

	candidate := fallbackPorts[p]
	for i := 0; i < maxFallbackAttempts; i, candidate = i+1, candidate+1 {
		if _, free := o.portUsable(ctx, p, candidate, used); free {
			o.log().Warnf("[Install] %s port %d %s, falling back to %d", p, want, reason, candidate)
			return candidate, fmt.Sprintf("%s port %d %s, using %d instead", p, want, reason, candidate), nil
		}
	}
	return 0, "", fmt.Errorf("no free port for %s (tried %d and %d fallbacks)", p, want, maxFallbackAttempts)
}

func (o *Orchestrator) portUsable(ctx context.Context, p config.Protocol, port int, used map[int]bool) (string, bool) {
	if used[port] {
		return "is already taken by another protocol", false
	}
	if o.Probe == nil {
		return "", true
	}
	st := o.Probe.Probe(ctx, network(p), port)
	if !st.Busy || ownedBySingbox(st) {
		return "", true
	}
	owner := st.Owner()
	if owner == "" {
		owner = "another process"
	}
	return "is in use by " + owner, false
}

func defaultPort(p config.Protocol) int {
	switch p {
	case config.ProtocolReality:
		return config.DefaultRealityPort
	case config.ProtocolWsTLS:
		return config.DefaultWSPort
	case config.ProtocolHysteria2:
		return config.DefaultHy2Port
	}
	return 0
}
