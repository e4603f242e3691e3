package tls

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	certPath, keyPath := PathsIn(t.TempDir())
	return Config{CertPath: certPath, KeyPath: keyPath}
}

func parseCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestGenerate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hosts = []string{"pairhost.local", "192.168.1.5"}
	cfg.ValidFor = 48 * time.Hour

	info, err := Generate(cfg)
	require.NoError(t, err)
	assert.True(t, info.Generated)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), info.NotAfter, 2*time.Minute)

	cert := parseCert(t, cfg.CertPath)
	assert.Equal(t, []string{"pairhost.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("192.168.1.5")))
	assert.Equal(t, []string{DefaultOrganization}, cert.Subject.Organization)
	assert.Equal(t, Fingerprint(cert.Raw), info.Fingerprint)

	keyStat, err := os.Stat(cfg.KeyPath)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Zero(t, keyStat.Mode().Perm()&0077, "key file is group/world accessible")
	}
}

func TestGenerate_DefaultHosts(t *testing.T) {
	cfg := testConfig(t)
	_, err := Generate(cfg)
	require.NoError(t, err)

	cert := parseCert(t, cfg.CertPath)
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.NoError(t, cert.VerifyHostname("127.0.0.1"))
}

func TestEnsure_GeneratesThenLoads(t *testing.T) {
	cfg := testConfig(t)

	first, err := Ensure(cfg)
	require.NoError(t, err)
	assert.True(t, first.Generated)

	second, err := Ensure(cfg)
	require.NoError(t, err)
	assert.False(t, second.Generated)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestEnsure_RegeneratesWhenKeyMissing(t *testing.T) {
	cfg := testConfig(t)
	first, err := Ensure(cfg)
	require.NoError(t, err)
	require.NoError(t, os.Remove(cfg.KeyPath))

	second, err := Ensure(cfg)
	require.NoError(t, err)
	assert.True(t, second.Generated)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
}

func TestEnsure_RegeneratesExpired(t *testing.T) {
	cfg := testConfig(t)
	cfg.ValidFor = 30 * time.Second
	first, err := Generate(cfg)
	require.NoError(t, err)
	// Generated certificates are backdated by a minute, so this one is
	// already past NotAfter.
	require.True(t, first.Expired(time.Now()))

	cfg.ValidFor = 0
	second, err := Ensure(cfg)
	require.NoError(t, err)
	assert.True(t, second.Generated)
	assert.False(t, second.Expired(time.Now()))
}

func TestEnsure_RequiresPaths(t *testing.T) {
	_, err := Ensure(Config{})
	require.Error(t, err)
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load("/nonexistent/host.crt", "/nonexistent/host.key")
	require.Error(t, err)
}

func TestFingerprint_Format(t *testing.T) {
	fp := Fingerprint([]byte("certificate"))
	parts := strings.Split(fp, ":")
	require.Len(t, parts, 32)
	for _, p := range parts {
		assert.Len(t, p, 2)
		assert.Equal(t, strings.ToUpper(p), p)
	}
	assert.Equal(t, fp, Fingerprint([]byte("certificate")))
	assert.NotEqual(t, fp, Fingerprint([]byte("other")))
}

func TestNormalizeFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("x"))

	got, err := NormalizeFingerprint(strings.ToLower(strings.ReplaceAll(fp, ":", "")))
	require.NoError(t, err)
	assert.Equal(t, fp, got)

	got, err = NormalizeFingerprint(strings.ReplaceAll(fp, ":", "-"))
	require.NoError(t, err)
	assert.Equal(t, fp, got)

	_, err = NormalizeFingerprint("AA:BB")
	require.Error(t, err)
	_, err = NormalizeFingerprint("zz")
	require.Error(t, err)
}

func TestPinnedClientConfig(t *testing.T) {
	cfg := testConfig(t)
	info, err := Generate(cfg)
	require.NoError(t, err)

	serverTLS, err := ServerConfig(info)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	ts.TLS = serverTLS
	ts.StartTLS()
	defer ts.Close()

	get := func(fp string) error {
		clientTLS, err := PinnedClientConfig(fp)
		require.NoError(t, err)
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
		resp, err := client.Get(ts.URL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	require.NoError(t, get(info.Fingerprint))

	err = get(Fingerprint([]byte("someone else")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFingerprintMismatch) || strings.Contains(err.Error(), ErrFingerprintMismatch.Error()))

	_, err = PinnedClientConfig("nope")
	require.Error(t, err)
}

func TestServerConfig_MissingFiles(t *testing.T) {
	_, err := ServerConfig(&Info{CertPath: "/nope.crt", KeyPath: "/nope.key"})
	require.Error(t, err)
}
