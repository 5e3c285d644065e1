package cert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/testutil"
)

type fakeCompanion struct {
	dir      string
	fallback string // 证书出现在这里时优先返回，模拟签发方切换
	issueErr error
	issued   []Strategy
}

func (f *fakeCompanion) Issue(_ context.Context, s Strategy) error {
	f.issued = append(f.issued, s)
	return f.issueErr
}

func (f *fakeCompanion) CertificatePaths(domain string) (string, string) {
	if f.fallback != "" {
		if _, err := os.Stat(filepath.Join(f.fallback, domain+".crt")); err == nil {
			return filepath.Join(f.fallback, domain+".crt"), filepath.Join(f.fallback, domain+".key")
		}
	}
	return filepath.Join(f.dir, domain+".crt"), filepath.Join(f.dir, domain+".key")
}

type fakeProbe struct {
	busy  map[int]PortStatus
	calls []int
}

func (f *fakeProbe) Probe(_ context.Context, network string, port int) PortStatus {
	f.calls = append(f.calls, port)
	if st, ok := f.busy[port]; ok {
		return st
	}
	return PortStatus{Port: port, Network: network}
}

type recordingRegistrar struct {
	jobs []RenewalJob
	err  error
}

func (r *recordingRegistrar) Register(_ context.Context, job RenewalJob) error {
	r.jobs = append(r.jobs, job)
	return r.err
}

func newTestManager(t *testing.T, companion Companion, registrar Registrar, probe PortProbe) *Manager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return &Manager{
		Companion:    companion,
		Registrar:    registrar,
		Probe:        probe,
		CertDir:      filepath.Join(t.TempDir(), "certs"),
		Service:      "sing-box",
		Timeout:      300 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Log:          logger,
	}
}

func TestObtainNone(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	a, notes, err := m.Obtain(context.Background(), Strategy{Kind: KindNone})
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Empty(t, notes)
}

func TestObtainSuppliedFiles(t *testing.T) {
	dir := t.TempDir()
	notAfter := time.Now().Add(45 * 24 * time.Hour).Truncate(time.Second)
	chain, key := testutil.WriteCertPair(t, dir, "files.example.com", notAfter)

	m := newTestManager(t, nil, nil, nil)
	a, _, err := m.Obtain(context.Background(), Strategy{Kind: KindFiles, Fullchain: chain, Key: key, Domain: "files.example.com"})
	require.NoError(t, err)
	assert.Equal(t, chain, a.Fullchain)
	assert.Equal(t, key, a.Key)
	assert.Equal(t, KindFiles, a.Provenance)
	assert.True(t, a.NotAfter.Equal(notAfter.UTC()), "got %s", a.NotAfter)
}

func TestObtainHTTPCopiesCertificate(t *testing.T) {
	storage := t.TempDir()
	companion := &fakeCompanion{dir: storage}
	testutil.WriteCertPair(t, storage, "test.example.com", time.Now().Add(90*24*time.Hour))
	registrar := &recordingRegistrar{}
	probe := &fakeProbe{}

	m := newTestManager(t, companion, registrar, probe)
	a, notes, err := m.Obtain(context.Background(), Strategy{Kind: KindHTTP, Domain: "test.example.com"})
	require.NoError(t, err)
	assert.Empty(t, notes)
	assert.Equal(t, []int{80}, probe.calls)
	require.Len(t, companion.issued, 1)

	wantChain, wantKey := m.Paths()
	assert.Equal(t, wantChain, a.Fullchain)
	assert.Equal(t, wantKey, a.Key)
	assert.Equal(t, KindHTTP, a.Provenance)

	info, err := os.Stat(wantKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	info, err = os.Stat(wantChain)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	assert.Empty(t, registrar.jobs, "renewal job is registered only after the config is live")

	assert.Empty(t, m.RegisterRenewal(context.Background(), Strategy{Kind: KindHTTP, Domain: "test.example.com"}))
	require.Len(t, registrar.jobs, 1)
	assert.Equal(t, "test.example.com", registrar.jobs[0].Domain)
	assert.Equal(t, filepath.Join(storage, "test.example.com.crt"), registrar.jobs[0].SourceFullchain)
	assert.Equal(t, wantChain, registrar.jobs[0].TargetFullchain)
	assert.Equal(t, "sing-box", registrar.jobs[0].Service)
}

func TestObtainFollowsIssuerSwitch(t *testing.T) {
	companion := &fakeCompanion{dir: t.TempDir(), fallback: t.TempDir()}
	m := newTestManager(t, companion, nil, nil)
	m.Timeout = 5 * time.Second

	go func() {
		time.Sleep(50 * time.Millisecond)
		testutil.WriteCertPair(t, companion.fallback, "zerossl.example.com", time.Now().Add(90*24*time.Hour))
	}()

	a, _, err := m.Obtain(context.Background(), Strategy{Kind: KindHTTP, Domain: "zerossl.example.com"})
	require.NoError(t, err)
	wantChain, _ := m.Paths()
	assert.Equal(t, wantChain, a.Fullchain)
}

func TestObtainWaitsForDelayedCertificate(t *testing.T) {
	storage := t.TempDir()
	companion := &fakeCompanion{dir: storage}
	m := newTestManager(t, companion, nil, nil)
	m.Timeout = 5 * time.Second

	go func() {
		time.Sleep(50 * time.Millisecond)
		testutil.WriteCertPair(t, storage, "slow.example.com", time.Now().Add(90*24*time.Hour))
	}()

	a, _, err := m.Obtain(context.Background(), Strategy{Kind: KindDNS, Domain: "slow.example.com", DNSProvider: "cloudflare", DNSToken: "x"})
	require.NoError(t, err)
	assert.Equal(t, KindDNS, a.Provenance)
}

func TestObtainPort80BusyTimeoutFails(t *testing.T) {
	companion := &fakeCompanion{dir: t.TempDir()}
	probe := &fakeProbe{busy: map[int]PortStatus{
		80: {Port: 80, Network: "tcp", Busy: true, PID: 42, Process: "nginx"},
	}}
	m := newTestManager(t, companion, nil, probe)

	a, notes, err := m.Obtain(context.Background(), Strategy{Kind: KindHTTP, Domain: "test.example.com"})
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Equal(t, errdefs.KindIssuanceFailure, errdefs.KindOf(err))
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "nginx (pid 42)")

	_, statErr := os.Stat(m.CertDir)
	assert.True(t, os.IsNotExist(statErr), "no certificate directory should be created")
}

func TestObtainDNSSkipsPortCheck(t *testing.T) {
	companion := &fakeCompanion{dir: t.TempDir(), issueErr: errors.New("caddy reload failed")}
	probe := &fakeProbe{}
	m := newTestManager(t, companion, nil, probe)

	_, _, err := m.Obtain(context.Background(), Strategy{Kind: KindDNS, Domain: "test.example.com"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindIssuanceFailure, errdefs.KindOf(err))
	assert.Empty(t, probe.calls)
}

func TestObtainEngineACME(t *testing.T) {
	m := newTestManager(t, nil, nil, &fakeProbe{})
	a, _, err := m.Obtain(context.Background(), Strategy{
		Kind:        KindDNS,
		Domain:      "test.example.com",
		DNSProvider: "cloudflare",
		DNSToken:    "tok",
		Email:       "ops@example.com",
		EngineACME:  true,
	})
	require.NoError(t, err)
	require.True(t, a.Managed())
	assert.Equal(t, "test.example.com", a.ACME.Domain)
	assert.Equal(t, "tok", a.ACME.DNSToken)
	assert.Equal(t, filepath.Join(m.CertDir, "acme"), a.ACME.DataDirectory)
}

func TestRegisterRenewalFailureIsNote(t *testing.T) {
	m := newTestManager(t, &fakeCompanion{dir: t.TempDir()}, &recordingRegistrar{err: errors.New("read-only")}, nil)

	notes := m.RegisterRenewal(context.Background(), Strategy{Kind: KindHTTP, Domain: "test.example.com"})
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "cert-sync")
}

func TestRegisterRenewalSkipsEngineACME(t *testing.T) {
	registrar := &recordingRegistrar{}
	m := newTestManager(t, &fakeCompanion{dir: t.TempDir()}, registrar, nil)

	assert.Empty(t, m.RegisterRenewal(context.Background(), Strategy{Kind: KindHTTP, Domain: "a.example.com", EngineACME: true}))
	assert.Empty(t, m.RegisterRenewal(context.Background(), Strategy{Kind: KindFiles, Domain: "a.example.com"}))
	assert.Empty(t, registrar.jobs)
}
