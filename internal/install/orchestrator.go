// Package install 串联证书策略、凭据、构建和组装，负责首次安装与重新配置。
package install

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sbx-deploy/internal/assemble"
	"sbx-deploy/internal/builder"
	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/material"
	"sbx-deploy/internal/singbox"
	"sbx-deploy/internal/state"
	"sbx-deploy/internal/validate"
)

// State 安装状态机
type State string

const (
	StateFresh       State = "fresh"
	StateReconfigure State = "reconfigure"
	StateUpgrade     State = "upgrade"
	StateFailed      State = "failed"
)

// Engine sing-box 引擎
type Engine interface {
	material.KeypairSource
	assemble.Checker
	Version(ctx context.Context) (string, error)
}

// Service 服务控制
type Service interface {
	IsActive(ctx context.Context, name string) bool
	Start(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
}

// Certificates 证书生命周期
type Certificates interface {
	Obtain(ctx context.Context, s cert.Strategy) (*cert.Artifact, []string, error)
	Paths() (fullchain, key string)
	RegisterRenewal(ctx context.Context, s cert.Strategy) []string
}

// Request 本次运行的意图
type Request struct {
	Upgrade bool // 要求升级路径（版本检查）
	DryRun  bool // 只生成配置，不写文件、不操作服务
}

// Result 一次运行的产物
type Result struct {
	State    State
	Strategy cert.Strategy
	Artifact *cert.Artifact
	Ports    map[config.Protocol]int
	Document []byte
	Changed  bool
	Info     state.ClientInfo
	Notes    []string
}

// Orchestrator 安装编排器
type Orchestrator struct {
	Engine  Engine
	Service Service
	Certs   Certificates
	Probe   cert.PortProbe
	Keys    *material.Generator
	Writer  *assemble.Writer
	Store   state.Store

	HasIPv6  func() bool
	ServerIP func() string
	Now      func() time.Time
	Log      logrus.FieldLogger
}

// New 用默认组件创建编排器
func New(engine Engine, svc Service, certs Certificates, probe cert.PortProbe, store state.Store) *Orchestrator {
	return &Orchestrator{
		Engine:   engine,
		Service:  svc,
		Certs:    certs,
		Probe:    probe,
		Keys:     material.NewGenerator(engine),
		Writer:   assemble.NewWriter(engine),
		Store:    store,
		HasIPv6:  assemble.HostHasIPv6,
		ServerIP: PrimaryIPv4,
		Now:      time.Now,
		Log:      logrus.StandardLogger(),
	}
}

type prior struct {
	creds *material.Credentials
	ports map[config.Protocol]int
}

// Run 执行一次安装或重新配置。任何失败都返回 StateFailed，已有配置保持不变
func (o *Orchestrator) Run(ctx context.Context, cfg config.InstallConfig, req Request) (Result, error) {
	res := Result{State: StateFresh}
	// 签发前的证书对，新配置生效前失败时写回
	var certs *cert.PairSnapshot
	fail := func(err error) (Result, error) {
		res.State = StateFailed
		if rbErr := certs.Restore(); rbErr != nil {
			o.log().Warnf("[Install] Restore previous certificate failed: %v", rbErr)
		}
		o.log().Errorf("[Install] Failed: %v", err)
		return res, err
	}

	prev, err := o.detect(cfg)
	if err != nil {
		return fail(err)
	}
	if prev != nil {
		res.State = StateReconfigure
	}
	if req.Upgrade {
		if prev == nil {
			return fail(errors.New("no existing deployment to upgrade, run install first"))
		}
		res.State = StateUpgrade
	}
	o.log().Infof("[Install] State: %s", res.State)

	version, verErr := o.Engine.Version(ctx)
	if res.State == StateUpgrade {
		if verErr != nil {
			return fail(fmt.Errorf("read engine version: %w", verErr))
		}
		if err := singbox.RequireVersion(version, cfg.MinEngineVersion); err != nil {
			return fail(err)
		}
	}

	strategy, notes, err := cert.Resolve(cfg)
	if err != nil {
		return fail(err)
	}
	res.Strategy = strategy
	res.Notes = append(res.Notes, notes...)
	if err := assemble.RequireCertificate(cfg, strategy.Kind != cert.KindNone); err != nil {
		return fail(err)
	}

	var priorCreds *material.Credentials
	var priorPorts map[config.Protocol]int
	if prev != nil {
		priorCreds, priorPorts = prev.creds, prev.ports
	}
	creds, err := o.Keys.Resolve(ctx, cfg, priorCreds)
	if err != nil {
		return fail(err)
	}

	ports, portNotes, err := o.resolvePorts(ctx, cfg, priorPorts)
	if err != nil {
		return fail(err)
	}
	res.Ports = ports
	res.Notes = append(res.Notes, portNotes...)

	if strategy.Kind.Issues() && !strategy.EngineACME && !req.DryRun {
		if certs, err = cert.SnapshotPair(o.Certs.Paths()); err != nil {
			return fail(err)
		}
	}
	artifact, certNotes, err := o.artifact(ctx, res.State, strategy, req.DryRun)
	res.Notes = append(res.Notes, certNotes...)
	if err != nil {
		return fail(err)
	}
	res.Artifact = artifact

	var inbounds []builder.Inbound
	for _, p := range cfg.Protocols() {
		in, err := builder.Build(builder.Descriptor{Protocol: p, Port: ports[p], Creds: creds, Artifact: artifact})
		if err != nil {
			return fail(err)
		}
		inbounds = append(inbounds, in)
	}
	doc, err := assemble.Assemble(assemble.Options{
		LogLevel:    cfg.LogLevel,
		DNSStrategy: cfg.DNSStrategy,
		HasIPv6:     o.HasIPv6,
	}, inbounds)
	if err != nil {
		return fail(err)
	}
	data, err := assemble.Marshal(doc)
	if err != nil {
		return fail(err)
	}
	res.Document = data
	res.Info = o.clientInfo(cfg, strategy, creds, ports, version)

	if req.DryRun {
		return res, nil
	}

	changed, err := o.Writer.Write(ctx, cfg.Paths.SingboxConfig, data)
	if err != nil {
		return fail(err)
	}
	res.Changed = changed

	if err := o.activate(ctx, cfg, changed, certs); err != nil {
		return fail(err)
	}
	certs = nil
	if err := o.Store.Save(res.Info); err != nil {
		return fail(err)
	}
	res.Notes = append(res.Notes, o.Certs.RegisterRenewal(ctx, strategy)...)
	o.log().Infof("[Install] Done: %s, protocols %s", res.State, strings.Join(res.Info.Protocols, ","))
	return res, nil
}

// detect 查找已有部署：优先客户端记录，其次现有配置文件。私钥只从服务端配置读取
func (o *Orchestrator) detect(cfg config.InstallConfig) (*prior, error) {
	doc, docErr := assemble.ReadDocument(cfg.Paths.SingboxConfig)
	if docErr != nil && !errors.Is(docErr, os.ErrNotExist) {
		o.log().Warnf("[Install] Ignoring unreadable config %s: %v", cfg.Paths.SingboxConfig, docErr)
	}

	info, err := o.Store.Load()
	switch {
	case err == nil:
		creds := info.Credentials(doc.RealityPrivateKey())
		return &prior{creds: &creds, ports: recordPorts(info)}, nil
	case !errors.Is(err, state.ErrNoRecord):
		return nil, err
	}

	if docErr != nil || len(doc.Inbounds) == 0 {
		return nil, nil
	}
	o.log().Warnf("[Install] Found %s without client info, reusing its credentials", cfg.Paths.SingboxConfig)
	creds, ports := credsFromDocument(doc)
	return &prior{creds: &creds, ports: ports}, nil
}

func recordPorts(info state.ClientInfo) map[config.Protocol]int {
	ports := make(map[config.Protocol]int)
	if info.RealityPort > 0 {
		ports[config.ProtocolReality] = info.RealityPort
	}
	if info.WSPort > 0 {
		ports[config.ProtocolWsTLS] = info.WSPort
	}
	if info.Hy2Port > 0 {
		ports[config.ProtocolHysteria2] = info.Hy2Port
	}
	return ports
}

// credsFromDocument 从没有客户端记录的旧配置中恢复凭据，公钥由私钥推导
func credsFromDocument(doc assemble.Document) (material.Credentials, map[config.Protocol]int) {
	var creds material.Credentials
	ports := make(map[config.Protocol]int)
	for _, in := range doc.Inbounds {
		switch in.Tag {
		case builder.TagReality:
			ports[config.ProtocolReality] = in.ListenPort
			if len(in.Users) > 0 {
				creds.UUID = in.Users[0].UUID
			}
			if in.TLS != nil && in.TLS.Reality != nil {
				creds.SNI = in.TLS.ServerName
				creds.ShortIDs = append([]string(nil), in.TLS.Reality.ShortID...)
				if pub, err := material.PublicKeyFor(in.TLS.Reality.PrivateKey); err == nil {
					creds.PrivateKey, creds.PublicKey = in.TLS.Reality.PrivateKey, pub
				}
			}
		case builder.TagWsTLS:
			ports[config.ProtocolWsTLS] = in.ListenPort
			if in.Transport != nil {
				creds.WSPath = in.Transport.Path
			}
			if creds.UUID == "" && len(in.Users) > 0 {
				creds.UUID = in.Users[0].UUID
			}
		case builder.TagHysteria2:
			ports[config.ProtocolHysteria2] = in.ListenPort
			if len(in.Users) > 0 {
				creds.Hy2Password = in.Users[0].Password
			}
		}
	}
	return creds, ports
}

// artifact 重新配置时复用仍然有效的证书，避免重复签发
func (o *Orchestrator) artifact(ctx context.Context, st State, s cert.Strategy, dryRun bool) (*cert.Artifact, []string, error) {
	if s.Kind == cert.KindNone {
		return nil, nil, nil
	}
	if s.Kind.Issues() && !s.EngineACME && (st != StateFresh || dryRun) {
		chain, key := o.Certs.Paths()
		if a, err := cert.LoadArtifact(chain, key, s.Kind, s.Domain); err == nil && coversDomain(chain, s.Domain) &&
			!a.ExpiresSoon(o.now()) {
			o.log().Infof("[Install] Reusing certificate for %s, expires at: %s", s.Domain, a.NotAfter.Format("2006-01-02"))
			return a, nil, nil
		}
		if dryRun {
			chain, key := o.Certs.Paths()
			return &cert.Artifact{Fullchain: chain, Key: key, Provenance: s.Kind, Domain: s.Domain},
				[]string{"dry run: certificate would be issued for " + s.Domain}, nil
		}
	}
	return o.Certs.Obtain(ctx, s)
}

func coversDomain(fullchain, domain string) bool {
	data, err := os.ReadFile(fullchain)
	if err != nil {
		return false
	}
	leaf, err := validate.LeafCertificate(data)
	if err != nil {
		return false
	}
	return leaf.VerifyHostname(domain) == nil
}

func (o *Orchestrator) clientInfo(cfg config.InstallConfig, s cert.Strategy, creds material.Credentials, ports map[config.Protocol]int, version string) state.ClientInfo {
	server := cfg.Domain
	if server == "" && o.ServerIP != nil {
		server = o.ServerIP()
	}
	info := state.ClientInfo{
		Server:        server,
		Domain:        cfg.Domain,
		UUID:          creds.UUID,
		PublicKey:     creds.PublicKey,
		ShortID:       creds.ShortID(),
		SNI:           creds.SNI,
		RealityPort:   ports[config.ProtocolReality],
		WSPort:        ports[config.ProtocolWsTLS],
		Hy2Port:       ports[config.ProtocolHysteria2],
		CertMode:      string(s.Kind),
		EngineVersion: version,
		UpdatedAt:     o.now().UTC().Truncate(time.Second),
	}
	if cfg.HasProtocol(config.ProtocolWsTLS) {
		info.WSPath = creds.WSPath
	}
	if cfg.HasProtocol(config.ProtocolHysteria2) {
		info.Hy2Password = creds.Hy2Password
	}
	for _, p := range cfg.Protocols() {
		info.Protocols = append(info.Protocols, string(p))
	}
	return info
}

// activate 配置变化或服务未运行时（重新）启动服务。
// 失败时只有本次替换过配置才回滚到 .bak，证书对先于重启恢复
func (o *Orchestrator) activate(ctx context.Context, cfg config.InstallConfig, changed bool, certs *cert.PairSnapshot) error {
	if o.Service == nil {
		return nil
	}
	name := cfg.Paths.ServiceName
	active := o.Service.IsActive(ctx, name)
	if !changed && active {
		return nil
	}

	var err error
	if active {
		err = o.Service.Restart(ctx, name)
	} else {
		err = o.Service.Start(ctx, name)
	}
	if err == nil {
		return nil
	}

	if !changed {
		return fmt.Errorf("start %s: %w", name, err)
	}
	if rbErr := assemble.Rollback(cfg.Paths.SingboxConfig); rbErr != nil {
		o.log().Warnf("[Install] Rollback failed: %v", rbErr)
		return fmt.Errorf("start %s: %w", name, err)
	}
	if certErr := certs.Restore(); certErr != nil {
		o.log().Warnf("[Install] Restore previous certificate failed: %v", certErr)
	}
	o.log().Warnf("[Install] Restored previous configuration after start failure")
	if restartErr := o.Service.Restart(ctx, name); restartErr != nil {
		o.log().Warnf("[Install] Restart with previous configuration failed: %v", restartErr)
	}
	return fmt.Errorf("start %s: %w", name, err)
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Orchestrator) log() logrus.FieldLogger {
	if o.Log == nil {
		return logrus.StandardLogger()
	}
	return o.Log
}

// PrimaryIPv4 第一个全局单播 IPv4 地址，没有时返回空
func PrimaryIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipnet.IP.To4(); ip != nil && ip.IsGlobalUnicast() {
			return ip.String()
		}
	}
	return ""
}
