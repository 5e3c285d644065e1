package builder

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbx-deploy/internal/cert"
	"sbx-deploy/internal/config"
	"sbx-deploy/internal/errdefs"
	"sbx-deploy/internal/material"
)

func testCreds() material.Credentials {
	return material.Credentials{
		UUID:        "3f1c9a52-7d4e-4b8a-9c2f-1e5d6a7b8c9d",
		PrivateKey:  "cPrivKeyForTesting_0123456789abcdefghijklmnop",
		PublicKey:   "cPubKeyForTesting_0123456789abcdefghijklmnopq",
		ShortIDs:    []string{"a1b2c3d4"},
		SNI:         "www.microsoft.com",
		Hy2Password: "0123456789abcdef0123456789abcdef",
		WSPath:      "/f00dbabe",
	}
}

func testArtifact() *cert.Artifact {
	return &cert.Artifact{
		Fullchain:  "/etc/sbx/certs/fullchain.pem",
		Key:        "/etc/sbx/certs/privkey.pem",
		Provenance: cert.KindHTTP,
		Domain:     "test.example.com",
		NotAfter:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func toMap(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRealityJSONShape(t *testing.T) {
	in, err := Reality(testCreds(), 443)
	require.NoError(t, err)
	m := toMap(t, in)

	assert.Equal(t, "vless", m["type"])
	assert.Equal(t, "in-reality", m["tag"])
	assert.Equal(t, "::", m["listen"])
	assert.EqualValues(t, 443, m["listen_port"])
	assert.NotContains(t, m, "flow")
	assert.NotContains(t, m, "reality")

	users := m["users"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, "xtls-rprx-vision", users[0].(map[string]any)["flow"])

	tls := m["tls"].(map[string]any)
	assert.Equal(t, true, tls["enabled"])
	assert.Equal(t, "www.microsoft.com", tls["server_name"])
	assert.NotContains(t, tls, "certificate_path")

	reality := tls["reality"].(map[string]any)
	assert.Equal(t, true, reality["enabled"])
	assert.Equal(t, []any{"a1b2c3d4"}, reality["short_id"])
	handshake := reality["handshake"].(map[string]any)
	assert.Equal(t, tls["server_name"], handshake["server"])
	assert.EqualValues(t, 443, handshake["server_port"])
}

func TestRealityShortIDIsAlwaysArray(t *testing.T) {
	for _, sid := range []string{"", "0", "abcdef01"} {
		creds := testCreds()
		creds.ShortIDs = []string{sid}
		in, err := Reality(creds, 443)
		require.NoError(t, err)

		data, err := json.Marshal(in)
		require.NoError(t, err)
		var decoded struct {
			TLS struct {
				Reality struct {
					ShortID []string `json:"short_id"`
				} `json:"reality"`
			} `json:"tls"`
		}
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, []string{sid}, decoded.TLS.Reality.ShortID)
	}
}

func TestRealityRejectsMissingShortID(t *testing.T) {
	creds := testCreds()
	creds.ShortIDs = nil
	_, err := Reality(creds, 443)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestVerifyRealityHandshakeMismatch(t *testing.T) {
	in, err := Reality(testCreds(), 443)
	require.NoError(t, err)
	in.TLS.Reality.Handshake.Server = "www.apple.com"
	assert.ErrorContains(t, VerifyReality(in), "differs from tls.server_name")
}

func TestWsTLS(t *testing.T) {
	in, err := WsTLS(testCreds(), testArtifact(), 8444)
	require.NoError(t, err)
	m := toMap(t, in)

	assert.Equal(t, "vless", m["type"])
	assert.Equal(t, map[string]any{"type": "ws", "path": "/f00dbabe"}, m["transport"])
	user := m["users"].([]any)[0].(map[string]any)
	assert.NotContains(t, user, "flow")

	tls := m["tls"].(map[string]any)
	assert.Equal(t, "/etc/sbx/certs/fullchain.pem", tls["certificate_path"])
	assert.Equal(t, "/etc/sbx/certs/privkey.pem", tls["key_path"])
	assert.Equal(t, "test.example.com", tls["server_name"])
	assert.NotContains(t, tls, "reality")
}

func TestHysteria2(t *testing.T) {
	in, err := Hysteria2(testCreds(), testArtifact(), 8443)
	require.NoError(t, err)
	m := toMap(t, in)

	assert.Equal(t, "hysteria2", m["type"])
	assert.Equal(t, []any{map[string]any{"name": "sbx", "password": "0123456789abcdef0123456789abcdef"}}, m["users"])
	tls := m["tls"].(map[string]any)
	assert.Equal(t, []any{"h3"}, tls["alpn"])
	assert.Equal(t, "/etc/sbx/certs/fullchain.pem", tls["certificate_path"])
	assert.NotContains(t, m, "transport")
}

func TestTLSBuildersRequireArtifact(t *testing.T) {
	for _, p := range []config.Protocol{config.ProtocolWsTLS, config.ProtocolHysteria2} {
		_, err := Build(Descriptor{Protocol: p, Port: 8444, Creds: testCreds()})
		require.Error(t, err, p)
		assert.Equal(t, errdefs.KindMissingCertificate, errdefs.KindOf(err))

		_, err = Build(Descriptor{Protocol: p, Port: 8444, Creds: testCreds(), Artifact: &cert.Artifact{Domain: "x.example.com"}})
		assert.Equal(t, errdefs.KindMissingCertificate, errdefs.KindOf(err))
	}
}

func TestEngineManagedACME(t *testing.T) {
	a := &cert.Artifact{
		Provenance: cert.KindDNS,
		Domain:     "test.example.com",
		ACME: &cert.EngineACME{
			Domain:        "test.example.com",
			Email:         "ops@example.com",
			DataDirectory: "/etc/sbx/certs/acme",
			DNSProvider:   "cloudflare",
			DNSToken:      "tok",
		},
	}
	in, err := WsTLS(testCreds(), a, 8444)
	require.NoError(t, err)
	tls := toMap(t, in)["tls"].(map[string]any)
	assert.NotContains(t, tls, "certificate_path")
	assert.Equal(t, map[string]any{
		"domain":         []any{"test.example.com"},
		"data_directory": "/etc/sbx/certs/acme",
		"email":          "ops@example.com",
		"dns01_challenge": map[string]any{
			"provider":  "cloudflare",
			"api_token": "tok",
		},
	}, tls["acme"])

	a.ACME.DNSProvider = "route53"
	_, err = WsTLS(testCreds(), a, 8444)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}
