package hostconfig

import (
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/pluginhost/internal/domain/signature"
	"github.com/pelletier/go-toml/v2"
)

// TrustRootEntry is one row of the trust-root bundle index: a
// fingerprint mapped to the PEM file it was loaded from, recorded so an
// operator can audit which file backs a given root without re-deriving
// the fingerprint.
type TrustRootEntry struct {
	Fingerprint string `toml:"fingerprint"`
	PEMPath     string `toml:"pem_path"`
}

// trustBundle is the on-disk shape of config/trusted_roots.toml.
type trustBundle struct {
	Roots []TrustRootEntry `toml:"roots"`
}

// LoadTrustBundle reads the fingerprint -> PEM-path index at bundlePath
// and registers every listed root, resolving relative PEM paths against
// pemDir (conventionally .permissions/trusted_roots/). A missing bundle
// file is not an error: a fresh install has no trust roots configured
// yet.
func LoadTrustBundle(store *signature.TrustStore, bundlePath, pemDir string) error {
	data, err := os.ReadFile(bundlePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hostconfig: reading trust bundle %q: %w", bundlePath, err)
	}

	var bundle trustBundle
	if err := toml.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("hostconfig: parsing trust bundle %q: %w", bundlePath, err)
	}

	for _, entry := range bundle.Roots {
		pemPath := entry.PEMPath
		if !filepath.IsAbs(pemPath) {
			pemPath = filepath.Join(pemDir, pemPath)
		}

		der, err := readPEMCertificate(pemPath)
		if err != nil {
			return fmt.Errorf("hostconfig: loading trust root %q: %w", entry.Fingerprint, err)
		}

		fp, err := store.AddTrustedRoot(der)
		if err != nil {
			return fmt.Errorf("hostconfig: registering trust root from %q: %w", pemPath, err)
		}
		if entry.Fingerprint != "" && fp != entry.Fingerprint {
			return fmt.Errorf("hostconfig: trust bundle fingerprint %q does not match certificate at %q (got %q)",
				entry.Fingerprint, pemPath, fp)
		}
	}
	return nil
}

func readPEMCertificate(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("hostconfig: %q contains no PEM block", path)
	}
	return block.Bytes, nil
}
