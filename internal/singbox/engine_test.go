package singbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/testutil"
)

func TestGenerateRealityKeypair(t *testing.T) {
	runner := &testutil.FakeRunner{Results: map[string]testutil.Result{
		"sing-box generate reality-keypair": {Output: "PrivateKey: aPriv_key-1\nPublicKey: bPub_key-2\n"},
	}}
	e := NewEngine("sing-box", runner)

	priv, pub, err := e.GenerateRealityKeypair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "aPriv_key-1", priv)
	assert.Equal(t, "bPub_key-2", pub)
}

func TestGenerateRealityKeypairBadOutput(t *testing.T) {
	runner := &testutil.FakeRunner{Results: map[string]testutil.Result{
		"sing-box generate": {Output: "unknown command"},
	}}
	_, _, err := NewEngine("sing-box", runner).GenerateRealityKeypair(context.Background())
	assert.ErrorContains(t, err, "unexpected reality-keypair output")
}

func TestCheckSchemaFailureKeepsDiagnostic(t *testing.T) {
	diag := "FATAL[0000] decode config at inbounds[0]: unknown field \"flow\""
	runner := &testutil.FakeRunner{Results: map[string]testutil.Result{
		"sing-box check -c /tmp/c.json": {Output: diag + "\n", Err: errors.New("exit status 1")},
	}}
	err := NewEngine("sing-box", runner).Check(context.Background(), "/tmp/c.json")
	require.Error(t, err)
	var schemaErr *errdefs.SchemaCheckError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, diag, schemaErr.Diagnostic)
}

func TestCheckMissingBinary(t *testing.T) {
	runner := &testutil.FakeRunner{Results: map[string]testutil.Result{
		"sing-box check": {Err: fmt.Errorf("exec: %w", exec.ErrNotFound)},
	}}
	err := NewEngine("sing-box", runner).Check(context.Background(), "/tmp/c.json")
	require.Error(t, err)
	assert.NotEqual(t, errdefs.KindSchemaCheck, errdefs.KindOf(err))
}

func TestCheckPasses(t *testing.T) {
	runner := &testutil.FakeRunner{}
	require.NoError(t, NewEngine("/usr/local/bin/sing-box", runner).Check(context.Background(), "/etc/sing-box/config.json"))
	assert.Equal(t, []string{"/usr/local/bin/sing-box check -c /etc/sing-box/config.json"}, runner.Calls())
}

func TestParseVersion(t *testing.T) {
	cases := []struct{ out, want string }{
		{"sing-box version 1.12.0\n\nEnvironment: go1.24.5 linux/amd64\nTags: with_quic,with_utls", "1.12.0"},
		{"sing-box version 1.13.0-alpha.3", "1.13.0-alpha.3"},
		{"version: v1.11.15", "1.11.15"},
	}
	for _, tc := range cases {
		got, err := ParseVersion(tc.out)
		require.NoError(t, err, tc.out)
		assert.Equal(t, tc.want, got)
	}
	_, err := ParseVersion("garbage")
	assert.Error(t, err)
}

func TestVersionCompare(t *testing.T) {
	assert.Equal(t, 0, CompareVersions("1.12.0", "1.12.0"))
	assert.Equal(t, 1, CompareVersions("1.12.10", "1.12.9"))
	assert.Equal(t, -1, CompareVersions("1.11.15", "1.12.0"))
	assert.Equal(t, 0, CompareVersions("v1.12.0-beta.1", "1.12.0"))

	assert.NoError(t, RequireVersion("1.12.3", "1.12.0"))
	assert.ErrorContains(t, RequireVersion("1.10.7", "1.12.0"), "older than")
}

func TestVersionCommand(t *testing.T) {
	runner := &testutil.FakeRunner{Results: map[string]testutil.Result{
		"sing-box version": {Output: "sing-box version 1.12.4\n"},
	}}
	v, err := NewEngine("sing-box", runner).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.12.4", v)
}
