package assemble

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbx-deploy/internal/builder"
	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/material"
)

func creds() material.Credentials {
	return material.Credentials{
		UUID:        "3f1c9a52-7d4e-4b8a-9c2f-1e5d6a7b8c9d",
		PrivateKey:  "server-only-private-key",
		PublicKey:   "client-public-key",
		ShortIDs:    []string{"a1b2c3d4"},
		SNI:         "www.microsoft.com",
		Hy2Password: "pw",
		WSPath:      "/ws",
	}
}

func artifact() *cert.Artifact {
	return &cert.Artifact{Fullchain: "/c/fullchain.pem", Key: "/c/privkey.pem", Domain: "test.example.com", Provenance: cert.KindFiles}
}

func allInbounds(t *testing.T) []builder.Inbound {
	t.Helper()
	r, err := builder.Reality(creds(), 443)
	require.NoError(t, err)
	w, err := builder.WsTLS(creds(), artifact(), 8444)
	require.NoError(t, err)
	h, err := builder.Hysteria2(creds(), artifact(), 8443)
	require.NoError(t, err)
	return []builder.Inbound{r, w, h}
}

func noIPv6() bool { return false }

func TestAssembleSections(t *testing.T) {
	doc, err := Assemble(Options{HasIPv6: noIPv6}, allInbounds(t))
	require.NoError(t, err)

	assert.Equal(t, Log{Level: "info", Timestamp: true}, doc.Log)
	assert.Equal(t, DNS{Servers: []DNSServer{{Tag: "dns-local", Type: "local"}}, Strategy: "ipv4_only"}, doc.DNS)
	assert.Equal(t, []Outbound{{Type: "direct", Tag: "direct"}}, doc.Outbounds)
	assert.Equal(t, Route{Rules: []RouteRule{{Action: "sniff"}}, Final: "direct", AutoDetectInterface: true}, doc.Route)

	data, err := Marshal(doc)
	require.NoError(t, err)
	s := string(data)
	assert.NotContains(t, s, `"block"`)
	assert.Equal(t, 1, strings.Count(s, `"strategy"`))
	assert.True(t, strings.HasSuffix(s, "}\n"))
}

func TestAssembleDNSStrategy(t *testing.T) {
	doc, err := Assemble(Options{HasIPv6: func() bool { return true }}, allInbounds(t)[:1])
	require.NoError(t, err)
	assert.Equal(t, "prefer_ipv4", doc.DNS.Strategy)

	doc, err = Assemble(Options{DNSStrategy: "ipv6_only"}, allInbounds(t)[:1])
	require.NoError(t, err)
	assert.Equal(t, "ipv6_only", doc.DNS.Strategy)

	_, err = Assemble(Options{DNSStrategy: "fastest"}, allInbounds(t)[:1])
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestSelfCheck(t *testing.T) {
	_, err := Assemble(Options{HasIPv6: noIPv6}, nil)
	assert.ErrorContains(t, err, "no inbounds")

	in := allInbounds(t)
	in[1].ListenPort = 443
	_, err = Assemble(Options{HasIPv6: noIPv6}, in)
	assert.ErrorContains(t, err, "port 443")

	in = allInbounds(t)
	in[2].TLS.CertificatePath = ""
	_, err = Assemble(Options{HasIPv6: noIPv6}, in)
	assert.Equal(t, errdefs.KindMissingCertificate, errdefs.KindOf(err))

	doc, err := Assemble(Options{HasIPv6: noIPv6}, allInbounds(t))
	require.NoError(t, err)
	doc.Outbounds = append(doc.Outbounds, Outbound{Type: "block", Tag: "block"})
	assert.ErrorContains(t, SelfCheck(doc), "deprecated")
}

func TestRequireCertificate(t *testing.T) {
	cfg := config.InstallConfig{}.WithProtocols(config.ProtocolReality, config.ProtocolHysteria2)
	err := RequireCertificate(cfg, false)
	assert.Equal(t, errdefs.KindMissingCertificate, errdefs.KindOf(err))
	assert.NoError(t, RequireCertificate(cfg, true))
	assert.NoError(t, RequireCertificate(cfg.WithProtocols(config.ProtocolReality), false))
}

func TestMarshalDeterministic(t *testing.T) {
	doc, err := Assemble(Options{HasIPv6: noIPv6}, allInbounds(t))
	require.NoError(t, err)
	a, err := Marshal(doc)
	require.NoError(t, err)
	b, err := Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

type fakeChecker struct {
	err     error
	checked []string
}

func (f *fakeChecker) Check(_ context.Context, path string) error {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return readErr
	}
	f.checked = append(f.checked, string(data))
	return f.err
}

func newWriter(checker Checker) *Writer {
	logger, _ := test.NewNullLogger()
	return &Writer{Checker: checker, Log: logger}
}

func TestWriterAtomicWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sing-box", "config.json")
	checker := &fakeChecker{}
	w := newWriter(checker)

	changed, err := w.Write(context.Background(), path, []byte("v1"))
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = os.Stat(path + BackupSuffix)
	assert.True(t, os.IsNotExist(err))

	changed, err = w.Write(context.Background(), path, []byte("v1"))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = w.Write(context.Background(), path, []byte("v2"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"v1", "v1", "v2"}, checker.checked)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "v2", string(data))
	bak, _ := os.ReadFile(path + BackupSuffix)
	assert.Equal(t, "v1", string(bak))

	require.NoError(t, Rollback(path))
	data, _ = os.ReadFile(path)
	assert.Equal(t, "v1", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestWriterSchemaFailureKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("good"), 0o600))

	diag := "FATAL[0000] decode config at inbounds[0].tls.reality.short_id: json: cannot unmarshal string"
	w := newWriter(&fakeChecker{err: &errdefs.SchemaCheckError{Diagnostic: diag}})
	_, err := w.Write(context.Background(), path, []byte("bad"))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSchemaCheck, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), diag)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "good", string(data))
	_, err = os.Stat(path + BackupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWriterCheckerUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	w := newWriter(&fakeChecker{err: errors.New("exec: sing-box: not found")})
	_, err := w.Write(context.Background(), path, []byte("x"))
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriterFirstWriteDropsStaleBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path+BackupSuffix, []byte("stale"), 0o600))

	changed, err := newWriter(&fakeChecker{}).Write(context.Background(), path, []byte("fresh"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoFileExists(t, path+BackupSuffix)
	assert.Error(t, Rollback(path))
}

func TestReadDocumentPrivateKey(t *testing.T) {
	doc, err := Assemble(Options{HasIPv6: noIPv6}, allInbounds(t))
	require.NoError(t, err)
	data, err := Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	read, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "server-only-private-key", read.RealityPrivateKey())
	assert.Equal(t, doc, read)
}
