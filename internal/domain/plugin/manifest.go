// Package plugin implements the package loader and the plugin lifecycle
// manager: parsing and staging plugin archives, and owning the
// Installed/Verified/PermissionsGranted/Starting/Running/.../Uninstalled
// state machine that ties the loader, signature verifier, permission
// manager, sandbox and WASM host, and resource monitor together.
package plugin

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/permission"
	"golang.org/x/mod/semver"
	"golang.org/x/text/unicode/norm"
)

// Type identifies how a plugin's entry point is executed.
type Type string

// Type values.
const (
	TypeNative Type = "Native"
	TypeWasm   Type = "Wasm"
)

// idPattern matches the manifest id invariant from the specification:
// ^[a-z0-9][a-z0-9._-]{1,127}$
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,127}$`)

// Manifest is the canonical identity document carried inside a plugin
// package. Unknown top-level JSON fields are preserved verbatim in
// RawExtra rather than being rejected or silently dropped, per the
// specification's "unknown fields are preserved but ignored" rule.
type Manifest struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Version        string                  `json:"version"`
	Description    string                  `json:"description,omitempty"`
	Vendor         string                  `json:"vendor,omitempty"`
	PluginType     Type                    `json:"plugin_type"`
	EntryPoint     string                  `json:"entry_point"`
	Permissions    []permission.Descriptor `json:"permissions,omitempty"`
	MinHostVersion string                  `json:"min_host_version,omitempty"`
	RawExtra       map[string]json.RawMessage `json:"-"`
}

// wireManifest is the on-disk shape of plugin.json: permission scopes are
// structured, per-category JSON objects (Filesystem: {read,write,paths[]},
// Network: {allowed_hosts[]}, others: an opaque object) rather than the
// flat string permission.Descriptor.Scope the runtime matches against.
type wireManifest struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Version        string              `json:"version"`
	Description    string              `json:"description,omitempty"`
	Vendor         string              `json:"vendor,omitempty"`
	PluginType     Type                `json:"plugin_type"`
	EntryPoint     string              `json:"entry_point"`
	Permissions    []wirePermission    `json:"permissions,omitempty"`
	MinHostVersion string              `json:"min_host_version,omitempty"`
}

type wirePermission struct {
	Category string          `json:"category"`
	Scope    json.RawMessage `json:"scope,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Required bool            `json:"required,omitempty"`
}

type filesystemScope struct {
	Read  bool     `json:"read,omitempty"`
	Write bool     `json:"write,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

type networkScope struct {
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
}

// UnmarshalJSON parses plugin.json into the flat internal Descriptor
// shape, preserving unrecognized top-level fields in RawExtra.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.ID = w.ID
	m.Name = w.Name
	m.Version = w.Version
	m.Description = w.Description
	m.Vendor = w.Vendor
	m.PluginType = w.PluginType
	m.EntryPoint = w.EntryPoint
	m.MinHostVersion = w.MinHostVersion

	m.Permissions = make([]permission.Descriptor, 0, len(w.Permissions))
	for _, p := range w.Permissions {
		m.Permissions = append(m.Permissions, wireToDescriptor(p))
	}

	var extra map[string]json.RawMessage
	if err := json.Unmarshal(data, &extra); err == nil {
		for _, known := range []string{"id", "name", "version", "description", "vendor",
			"plugin_type", "entry_point", "permissions", "min_host_version"} {
			delete(extra, known)
		}
		if len(extra) > 0 {
			m.RawExtra = extra
		}
	}

	m.normalize()
	return nil
}

// normalize applies Unicode NFC normalization (golang.org/x/text/unicode/norm)
// to every untrusted string field a plugin archive supplies, before the id
// is derived or compared against idPattern. A manifest author cannot use
// combining-character variants of an already-installed plugin's id to
// produce a string that looks identical but collides or evades matching.
func (m *Manifest) normalize() {
	m.ID = norm.NFC.String(m.ID)
	m.Name = norm.NFC.String(m.Name)
	m.Vendor = norm.NFC.String(m.Vendor)
	m.Description = norm.NFC.String(m.Description)
	for i := range m.Permissions {
		m.Permissions[i].Reason = norm.NFC.String(m.Permissions[i].Reason)
	}
}

// MarshalJSON reconstructs the structured wire shape from the flat
// internal Descriptor, restoring any preserved unknown top-level fields.
func (m Manifest) MarshalJSON() ([]byte, error) {
	w := wireManifest{
		ID:             m.ID,
		Name:           m.Name,
		Version:        m.Version,
		Description:    m.Description,
		Vendor:         m.Vendor,
		PluginType:     m.PluginType,
		EntryPoint:     m.EntryPoint,
		MinHostVersion: m.MinHostVersion,
	}
	for _, d := range m.Permissions {
		w.Permissions = append(w.Permissions, descriptorToWire(d))
	}

	body, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(m.RawExtra) == 0 {
		return body, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.RawExtra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func wireToDescriptor(p wirePermission) permission.Descriptor {
	category := capability.Category(p.Category)
	d := permission.Descriptor{Category: category, Reason: p.Reason, Required: p.Required}

	switch category {
	case capability.CategoryFilesystem:
		var s filesystemScope
		_ = json.Unmarshal(p.Scope, &s)
		d.Write = s.Write
		d.Scope = strings.Join(s.Paths, ":")
	case capability.CategoryNetwork:
		var s networkScope
		_ = json.Unmarshal(p.Scope, &s)
		d.Scope = strings.Join(s.AllowedHosts, ",")
	default:
		if len(p.Scope) > 0 && string(p.Scope) != "null" {
			d.Scope = string(p.Scope)
		}
	}
	return d
}

func descriptorToWire(d permission.Descriptor) wirePermission {
	w := wirePermission{Category: string(d.Category), Reason: d.Reason, Required: d.Required}

	switch d.Category {
	case capability.CategoryFilesystem:
		paths := []string{}
		if d.Scope != "" {
			paths = strings.Split(d.Scope, ":")
		}
		scope, _ := json.Marshal(filesystemScope{Read: !d.Write, Write: d.Write, Paths: paths})
		w.Scope = scope
	case capability.CategoryNetwork:
		hosts := []string{}
		if d.Scope != "" {
			hosts = strings.Split(d.Scope, ",")
		}
		scope, _ := json.Marshal(networkScope{AllowedHosts: hosts})
		w.Scope = scope
	default:
		if json.Valid([]byte(d.Scope)) && d.Scope != "" {
			w.Scope = json.RawMessage(d.Scope)
		} else {
			w.Scope = json.RawMessage("{}")
		}
	}
	return w
}

// DeriveID computes the manifest id from vendor+name when the manifest
// omits an explicit id, per the specification's "derived from vendor +
// name if absent" rule.
func (m *Manifest) DeriveID() {
	m.normalize()
	if m.ID != "" {
		return
	}
	base := strings.ToLower(strings.TrimSpace(m.Vendor + "." + m.Name))
	base = sanitizeID(base)
	m.ID = base
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Validate checks every invariant the specification places on a
// manifest: id shape, parseable semver, known permission categories, a
// non-empty entry point, and (if present) a parseable min_host_version.
func (m *Manifest) Validate() error {
	ve := &ValidationError{}

	if m.ID == "" {
		ve.Add("id is required")
	} else if !idPattern.MatchString(m.ID) {
		ve.Addf("id %q does not match ^[a-z0-9][a-z0-9._-]{1,127}$", m.ID)
	}

	if m.Name == "" {
		ve.Add("name is required")
	}

	if m.Version == "" {
		ve.Add("version is required")
	} else if !semver.IsValid(canonicalSemver(m.Version)) {
		ve.Addf("version %q is not a valid semver string", m.Version)
	}

	switch m.PluginType {
	case TypeNative, TypeWasm:
	default:
		ve.Addf("plugin_type must be Native or Wasm, got %q", m.PluginType)
	}

	if m.EntryPoint == "" {
		ve.Add("entry_point is required")
	} else if strings.Contains(m.EntryPoint, "..") || strings.HasPrefix(m.EntryPoint, "/") {
		ve.Addf("entry_point %q must be a relative path without '..'", m.EntryPoint)
	}

	if m.MinHostVersion != "" && !semver.IsValid(canonicalSemver(m.MinHostVersion)) {
		ve.Addf("min_host_version %q is not a valid semver string", m.MinHostVersion)
	}

	for i, p := range m.Permissions {
		if !isKnownCategory(p.Category) {
			ve.Addf("permissions[%d].category %q is not a known category", i, p.Category)
		}
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// canonicalSemver adapts a bare "1.2.0" manifest version to the "v1.2.0"
// form golang.org/x/mod/semver requires.
func canonicalSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// SatisfiesHostVersion reports whether hostVersion meets the manifest's
// min_host_version lower bound. A manifest with no bound always
// satisfies.
func (m *Manifest) SatisfiesHostVersion(hostVersion string) bool {
	if m.MinHostVersion == "" {
		return true
	}
	return semver.Compare(canonicalSemver(hostVersion), canonicalSemver(m.MinHostVersion)) >= 0
}

func isKnownCategory(c capability.Category) bool {
	switch c {
	case capability.CategoryFilesystem, capability.CategoryNetwork, capability.CategorySystem,
		capability.CategoryUI, capability.CategoryHardware, capability.CategoryInterprocess,
		capability.CategoryCommand:
		return true
	default:
		return false
	}
}
