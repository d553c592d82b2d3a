package hostconfig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/signature"
	"github.com/stretchr/testify/require"
)

func writeTestRootPEM(t *testing.T, dir, name string) (der []byte, fingerprint string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "bundle test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o644))

	return der, signature.Fingerprint(der)
}

func TestLoadTrustBundle_RegistersListedRoots(t *testing.T) {
	dir := t.TempDir()
	_, fp := writeTestRootPEM(t, dir, "root1.pem")

	bundlePath := filepath.Join(dir, "trusted_roots.toml")
	require.NoError(t, os.WriteFile(bundlePath, []byte(`
[[roots]]
fingerprint = "`+fp+`"
pem_path = "root1.pem"
`), 0o644))

	store := signature.NewTrustStore()
	require.NoError(t, LoadTrustBundle(store, bundlePath, dir))

	root, ok := store.Lookup(fp)
	require.True(t, ok)
	require.Equal(t, fp, root.Fingerprint)
}

func TestLoadTrustBundle_MissingFileIsNotError(t *testing.T) {
	store := signature.NewTrustStore()
	require.NoError(t, LoadTrustBundle(store, filepath.Join(t.TempDir(), "absent.toml"), t.TempDir()))
	require.Equal(t, 0, store.Count())
}

func TestLoadTrustBundle_FingerprintMismatchErrors(t *testing.T) {
	dir := t.TempDir()
	writeTestRootPEM(t, dir, "root1.pem")

	bundlePath := filepath.Join(dir, "trusted_roots.toml")
	require.NoError(t, os.WriteFile(bundlePath, []byte(`
[[roots]]
fingerprint = "deadbeef"
pem_path = "root1.pem"
`), 0o644))

	store := signature.NewTrustStore()
	require.Error(t, LoadTrustBundle(store, bundlePath, dir))
}
