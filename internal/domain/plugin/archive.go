package plugin

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxManifestSize bounds plugin.json to defend against memory exhaustion
// from a maliciously large manifest entry.
const maxManifestSize = 256 * 1024

const manifestEntryName = "plugin.json"

// ExtractionReport summarizes a successful extraction: the staging
// directory and the relative paths of every entry written into it.
type ExtractionReport struct {
	StagingDir string
	Entries    []string
}

// Loader parses plugin archives and stages their payload to disk. It
// implements the specification's L1 Package Loader: extract, read
// manifest, validate structure — all failing closed.
type Loader struct{}

// NewLoader creates a Loader.
func NewLoader() *Loader { return &Loader{} }

// Extract opens archivePath as a zip, rejects any entry whose resolved
// path escapes stagingDir, and writes every entry into stagingDir.
// Extraction is atomic from the caller's perspective: on any failure the
// partially written staging directory is removed before returning.
func (l *Loader) Extract(archivePath, stagingDir string) (*ExtractionReport, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	defer func() { _ = r.Close() }()

	absStaging, err := filepath.Abs(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("plugin: resolving staging dir: %w", err)
	}
	if err := os.MkdirAll(absStaging, 0o755); err != nil {
		return nil, fmt.Errorf("plugin: creating staging dir: %w", err)
	}

	report := &ExtractionReport{StagingDir: absStaging}

	if err := l.extractEntries(r, absStaging, report); err != nil {
		_ = os.RemoveAll(absStaging)
		return nil, err
	}

	return report, nil
}

func (l *Loader) extractEntries(r *zip.ReadCloser, absStaging string, report *ExtractionReport) error {
	for _, f := range r.File {
		relPath, err := resolveEntryPath(absStaging, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(relPath, 0o755); err != nil {
				return fmt.Errorf("plugin: creating directory for %q: %w", f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(relPath), 0o755); err != nil {
			return fmt.Errorf("plugin: creating parent directory for %q: %w", f.Name, err)
		}

		if err := extractFile(f, relPath); err != nil {
			return err
		}

		report.Entries = append(report.Entries, filepath.ToSlash(strings.TrimPrefix(f.Name, "/")))
	}
	return nil
}

// resolveEntryPath canonicalizes an archive entry against the staging
// directory and enforces the path-traversal defense: the resolved path
// must start with the staging directory. Absolute entry paths and
// entries containing ".." are rejected outright.
func resolveEntryPath(absStaging, entryName string) (string, error) {
	if strings.Contains(entryName, "..") || filepath.IsAbs(entryName) {
		return "", &PathTraversalError{Path: entryName}
	}

	cleaned := filepath.Clean(filepath.Join(absStaging, entryName))
	if cleaned != absStaging && !strings.HasPrefix(cleaned, absStaging+string(os.PathSeparator)) {
		return "", &PathTraversalError{Path: entryName}
	}
	return cleaned, nil
}

func extractFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: opening entry %q: %v", ErrArchiveCorrupt, f.Name, err)
	}
	defer func() { _ = src.Close() }()

	// Preserve the entry's stored permission bits (e.g. the executable
	// bit on a native plugin's entry_point) rather than forcing 0o644,
	// falling back to a sane default when the archive recorded none.
	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("plugin: writing entry %q: %w", f.Name, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("%w: copying entry %q: %v", ErrArchiveCorrupt, f.Name, err)
	}
	return nil
}

// ReadManifest reads and parses plugin.json from a staged directory,
// enforcing the size limit and returning ErrManifestNotFound if absent.
func (l *Loader) ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestEntryName)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("plugin: statting manifest: %w", err)
	}
	if info.Size() > maxManifestSize {
		return nil, &ManifestInvalidError{Field: "(file)", Reason: "plugin.json exceeds size limit"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("plugin: parsing manifest: %w", err)
	}

	m.DeriveID()
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// ValidateStructure confirms the manifest's entry point exists inside
// dir and resolves within it, failing closed with ErrMissingEntryPoint
// or a PathTraversalError.
func (l *Loader) ValidateStructure(dir string, m *Manifest) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("plugin: resolving staging dir: %w", err)
	}

	entryPath, err := resolveEntryPath(absDir, m.EntryPoint)
	if err != nil {
		return err
	}

	if _, err := os.Stat(entryPath); err != nil {
		return ErrMissingEntryPoint
	}
	return nil
}
