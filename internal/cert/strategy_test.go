package cert

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbx-deploy/internal/config"
	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/testutil"
)

func TestResolveRealityOnlyDomainIsNone(t *testing.T) {
	cfg := config.InstallConfig{Domain: "test.example.com"}.WithProtocols(config.ProtocolReality)

	s, notes, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, KindNone, s.Kind)
	assert.Empty(t, notes)
}

func TestResolveDomainDefaultsToHTTP(t *testing.T) {
	cfg := config.InstallConfig{Domain: "test.example.com"}.WithProtocols(config.ProtocolWsTLS)

	s, notes, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, s.Kind)
	assert.True(t, s.Auto)
	assert.Equal(t, "test.example.com", s.Domain)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "automatically")
}

func TestResolveDNSWithoutTokenConflicts(t *testing.T) {
	cfg := config.InstallConfig{
		Domain:   "test.example.com",
		CertMode: config.CertModeDNS,
	}.WithProtocols(config.ProtocolWsTLS)

	_, _, err := Resolve(cfg)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindStrategyConflict, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "CF_API_TOKEN")
}

func TestResolveDNSWithToken(t *testing.T) {
	cfg := config.InstallConfig{
		Domain:      "test.example.com",
		CertMode:    config.CertModeDNS,
		DNSAPIToken: "cf-token",
	}.WithProtocols(config.ProtocolHysteria2)

	s, _, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, Strategy{
		Kind:        KindDNS,
		Domain:      "test.example.com",
		DNSProvider: "cloudflare",
		DNSToken:    "cf-token",
	}, s)
}

func TestResolveExplicitModeConflicts(t *testing.T) {
	cases := map[string]config.InstallConfig{
		"no domain":    config.InstallConfig{CertMode: config.CertModeHTTP}.WithProtocols(config.ProtocolWsTLS),
		"ip address":   config.InstallConfig{Domain: "203.0.113.7", CertMode: config.CertModeHTTP}.WithProtocols(config.ProtocolWsTLS),
		"reality only": config.InstallConfig{Domain: "a.example.com", CertMode: config.CertModeHTTP, RealityOnly: true}.WithProtocols(config.ProtocolReality),
		"no tls proto": config.InstallConfig{Domain: "a.example.com", CertMode: config.CertModeHTTP}.WithProtocols(config.ProtocolReality),
		"half paths":   config.InstallConfig{Domain: "a.example.com", CertFullchain: "/tmp/fullchain.pem"}.WithProtocols(config.ProtocolWsTLS),
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Resolve(cfg)
			require.Error(t, err)
			assert.Equal(t, errdefs.KindStrategyConflict, errdefs.KindOf(err))
		})
	}
}

func TestResolveIPWithoutModeIsNone(t *testing.T) {
	cfg := config.InstallConfig{Domain: "203.0.113.7"}.WithProtocols(config.AllProtocols...)

	s, _, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, KindNone, s.Kind)
}

func TestResolveSuppliedFiles(t *testing.T) {
	dir := t.TempDir()
	chain, key := testutil.WriteCertPair(t, dir, "test.example.com", time.Now().Add(60*24*time.Hour))

	cfg := config.InstallConfig{
		Domain:        "test.example.com",
		CertMode:      config.CertModeDNS,
		CertFullchain: chain,
		CertKey:       key,
	}.WithProtocols(config.ProtocolWsTLS)

	s, notes, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, KindFiles, s.Kind)
	assert.Equal(t, chain, s.Fullchain)
	assert.Equal(t, key, s.Key)
	assert.Len(t, notes, 1)

	cfg.CertKey = filepath.Join(dir, "missing.key")
	_, _, err = Resolve(cfg)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestResolveIsDeterministic(t *testing.T) {
	cfg := config.InstallConfig{Domain: "test.example.com"}.WithProtocols(config.AllProtocols...)
	first, firstNotes, err := Resolve(cfg)
	require.NoError(t, err)
	second, secondNotes, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, firstNotes, secondNotes)
}
