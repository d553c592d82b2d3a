// Package permission implements the plugin permission manager: it decides
// whether a plugin's requested capabilities are granted, denied, or need an
// interactive prompt, and issues PermissionTokens recording the outcome.
package permission

import (
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/google/uuid"
)

// Descriptor is a single permission a plugin manifest requests.
// Scope is category-specific: a glob for Filesystem, a host pattern for
// Network, a setting name for System, empty for UI, a device id for
// Hardware, a target plugin id for Interprocess, a command name for
// Command. Write only matters for Filesystem, distinguishing a read-only
// grant from one that also allows mutation.
type Descriptor struct {
	Category capability.Category `json:"category"`
	Scope    string              `json:"scope,omitempty"`
	Write    bool                `json:"write,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Required bool                `json:"required,omitempty"`
}

// Capability renders the descriptor as the coarse well-known capability
// it maps to, for dangerousness and policy checks that don't care about
// scope.
func (d Descriptor) Capability() capability.Capability {
	switch d.Category {
	case capability.CategoryFilesystem:
		if d.Write {
			return capability.CapFilesystemWrite
		}
		return capability.CapFilesystemRead
	case capability.CategoryNetwork:
		return capability.CapNetworkFetch
	case capability.CategorySystem:
		return capability.CapSystemModify
	case capability.CategoryUI:
		return capability.CapUIShow
	case capability.CategoryHardware:
		return capability.CapHardwareAccess
	case capability.CategoryInterprocess:
		return capability.CapInterprocessSend
	case capability.CategoryCommand:
		return capability.CapCommandExecute
	default:
		return capability.NewCapability(d.Category, capability.ActionRead)
	}
}

// Token is a grant of permissions to a plugin, valid until ExpiresAt (or
// forever if ExpiresAt is nil). At most one token is active per plugin;
// issuing a new one replaces it.
type Token struct {
	ID        string
	PluginID  string
	Granted   []Descriptor
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

// NewToken creates a token for the given plugin and granted descriptors.
// A nil ttl produces a token that never expires.
func NewToken(pluginID string, granted []Descriptor, issuedAt time.Time, ttl *time.Duration) *Token {
	tok := &Token{
		ID:       uuid.New().String(),
		PluginID: pluginID,
		Granted:  append([]Descriptor(nil), granted...),
		IssuedAt: issuedAt,
	}
	if ttl != nil {
		expires := issuedAt.Add(*ttl)
		tok.ExpiresAt = &expires
	}
	return tok
}

// Expired reports whether the token is no longer valid at the given time.
func (t *Token) Expired(at time.Time) bool {
	if t == nil {
		return true
	}
	return t.ExpiresAt != nil && !at.Before(*t.ExpiresAt)
}

// Has reports whether the token grants the given category/scope pair.
// An empty scope on the granted descriptor matches any requested scope
// within the same category (a category-wide grant).
func (t *Token) Has(category capability.Category, scope string) bool {
	if t == nil {
		return false
	}
	for _, d := range t.Granted {
		if d.Category != category {
			continue
		}
		if d.Scope == "" || d.Scope == scope {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Granted = append([]Descriptor(nil), t.Granted...)
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		clone.ExpiresAt = &exp
	}
	return &clone
}

// PluginInfo is a lightweight, non-authenticated bookkeeping record the
// Store keeps per plugin independent of its permission token — e.g. for
// audit trails of which plugins have ever requested permissions.
type PluginInfo struct {
	PluginID   string
	Version    string
	RecordedAt time.Time
}

// Response is the user's (or a rule's) answer to a permission prompt.
type Response string

// Response values.
const (
	ResponseAllow     Response = "allow"
	ResponseAllowOnce Response = "allow_once"
	ResponseDeny      Response = "deny"
	ResponseDenyOnce  Response = "deny_once"
)

// Decision is the manager's internal verdict on a single descriptor before
// any interactive prompt is involved.
type Decision string

// Decision values.
const (
	DecisionAlwaysAllow Decision = "always_allow"
	DecisionAlwaysDeny  Decision = "always_deny"
	DecisionAskUser     Decision = "ask_user"
)

// EnforcementLevel controls how strictly undeclared or dangerous
// capabilities are treated.
type EnforcementLevel string

// EnforcementLevel values.
const (
	// EnforcementStrict grants non-dangerous capabilities and denies
	// dangerous ones outright; it never prompts.
	EnforcementStrict EnforcementLevel = "strict"
	// EnforcementNormal prompts for dangerous capabilities and silently
	// grants non-dangerous ones.
	EnforcementNormal EnforcementLevel = "normal"
	// EnforcementPermissive grants everything except capabilities the
	// operator has explicitly blocked.
	EnforcementPermissive EnforcementLevel = "permissive"
)
