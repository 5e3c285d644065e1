package main

import (
	"sbx-deploy/internal/caddy"
	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/install"
	"sbx-deploy/internal/singbox"
	"sbx-deploy/internal/state"
	"sbx-deploy/internal/system"
)

// app 一次命令执行所需的组件
type app struct {
	cfg     config.InstallConfig
	runner  system.Runner
	engine  *singbox.Engine
	systemd *system.Systemd
	store   state.Store
	jobs    cert.JobFile
}

func loadApp() (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	runner := system.ExecRunner{}
	return &app{
		cfg:     cfg,
		runner:  runner,
		engine:  singbox.NewEngine(cfg.Paths.SingboxBin, runner),
		systemd: system.NewSystemd(runner),
		store:   state.Store{Path: cfg.Paths.ClientInfoPath()},
		jobs:    cert.JobFile{Path: cfg.Paths.RenewalJobPath()},
	}, nil
}

func (a *app) companion() *caddy.Companion {
	p := a.cfg.Paths
	return caddy.NewCompanion(p.CaddyBin, p.Caddyfile, p.CaddyStorage, p.CaddyService, a.runner, a.systemd)
}

func (a *app) certManager() *cert.Manager {
	m := cert.NewManager(a.companion(), a.jobs, cert.NewSystemProbe(), a.cfg.Paths.CertDir(), a.cfg.CertTimeout)
	m.Service = a.cfg.Paths.ServiceName
	return m
}

func (a *app) orchestrator() *install.Orchestrator {
	return install.New(a.engine, a.systemd, a.certManager(), cert.NewSystemProbe(), a.store)
}

func (a *app) syncer() *cert.Syncer {
	return cert.NewSyncer(a.systemd)
}
