package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// Sentinel errors for programmatic error handling.
var (
	// ErrTokenNotFound indicates no valid token exists for a plugin.
	ErrTokenNotFound = errors.New("permission: token not found")
	// ErrDenied indicates a descriptor was denied, either by policy or by
	// the user.
	ErrDenied = errors.New("permission: denied")
)

// DeniedError records which descriptors were denied and why, so a caller
// can surface a precise message without parsing strings.
type DeniedError struct {
	PluginID string
	Reasons  map[string]string // "category:scope" -> reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission: plugin %q denied %d capabilities", e.PluginID, len(e.Reasons))
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// Manager decides whether a plugin's requested permissions are granted,
// issues tokens recording the grants, and enforces them at call time. At
// most one token is cached per plugin; CheckPermissions replaces it.
type Manager struct {
	store      Store
	prompt     ports.Prompt
	enforce    EnforcementLevel
	sessionTTL time.Duration
	csp        *capability.CSP

	mu     sync.RWMutex
	tokens map[string]*Token

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionTTL sets the lifetime of tokens that include an "allow once"
// grant. Defaults to one hour.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.sessionTTL = ttl }
}

// WithClock overrides the manager's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCSP overrides the content security policy Command descriptors are
// checked against. Defaults to capability.DefaultCSP(); pass
// capability.StrictCSP() for a host running plugins from less-trusted
// sources.
func WithCSP(csp *capability.CSP) Option {
	return func(m *Manager) { m.csp = csp }
}

// NewManager creates a Manager backed by store for persistence and prompt
// for interactive decisions, enforcing at the given level. It loads any
// previously persisted tokens into its in-memory cache.
func NewManager(store Store, prompt ports.Prompt, level EnforcementLevel, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:      store,
		prompt:     prompt,
		enforce:    level,
		sessionTTL: time.Hour,
		csp:        capability.DefaultCSP(),
		tokens:     make(map[string]*Token),
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	existing, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("permission: loading persisted tokens: %w", err)
	}
	for _, tok := range existing {
		m.tokens[tok.PluginID] = tok
	}

	return m, nil
}

func (m *Manager) lockFor(pluginID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[pluginID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[pluginID] = l
	}
	return l
}

// CheckPermissions evaluates every requested descriptor for pluginID,
// dispatching each to an automatic decision or an interactive prompt, and
// issues a token recording the outcome. Descriptors that are Required and
// end up denied cause the whole call to fail with a *DeniedError; optional
// denials are simply omitted from the granted set.
func (m *Manager) CheckPermissions(ctx context.Context, pluginID string, requested []Descriptor) (*Token, error) {
	lock := m.lockFor(pluginID)
	lock.Lock()
	defer lock.Unlock()

	var (
		granted        []Descriptor
		shortestTTL    *time.Duration
		deniedRequired = &DeniedError{PluginID: pluginID, Reasons: make(map[string]string)}
	)

	for _, d := range requested {
		if d.Category == capability.CategoryCommand && m.csp != nil {
			if result := m.csp.Validate(d.Scope); !result.IsAllowed() {
				if d.Required {
					deniedRequired.Reasons[key(d)] = cspDenialReason(result)
				}
				continue
			}
		}

		decision := m.classify(ctx, pluginID, d)

		resp, reason, err := m.resolve(ctx, pluginID, d, decision)
		if err != nil {
			return nil, err
		}

		switch resp {
		case ResponseAllow:
			granted = append(granted, d)
		case ResponseAllowOnce:
			granted = append(granted, d)
			ttl := m.sessionTTL
			if shortestTTL == nil || ttl < *shortestTTL {
				shortestTTL = &ttl
			}
		case ResponseDeny, ResponseDenyOnce:
			if d.Required {
				deniedRequired.Reasons[key(d)] = reason
			}
		}
	}

	if len(deniedRequired.Reasons) > 0 {
		return nil, deniedRequired
	}

	tok := NewToken(pluginID, granted, m.now(), shortestTTL)

	if shortestTTL == nil {
		if err := m.store.SaveToken(tok); err != nil {
			return nil, fmt.Errorf("permission: persisting token for %q: %w", pluginID, err)
		}
	}

	m.mu.Lock()
	m.tokens[pluginID] = tok
	m.mu.Unlock()

	return tok.Clone(), nil
}

// classify applies the enforcement level's rules to produce a decision
// before any prompt is consulted. Strict enforcement never dispatches
// AskUser: a dangerous capability is an immediate denial, not a prompt.
// Permissive never dispatches AskUser either: it allows everything, only
// logging the gaps Normal would have prompted for.
func (m *Manager) classify(ctx context.Context, pluginID string, d Descriptor) Decision {
	dangerous := d.Capability().IsDangerous()
	if !dangerous {
		return DecisionAlwaysAllow
	}

	switch m.enforce {
	case EnforcementStrict:
		return DecisionAlwaysDeny
	case EnforcementPermissive:
		if logger := ports.LoggerFromContext(ctx); logger != nil {
			logger.Warn(ctx, "allowing dangerous capability under permissive enforcement",
				ports.F("plugin_id", pluginID), ports.F("capability", key(d)))
		}
		return DecisionAlwaysAllow
	default: // EnforcementNormal
		return DecisionAskUser
	}
}

// resolve turns a Decision into a concrete Response, consulting the
// prompt collaborator for DecisionAskUser.
func (m *Manager) resolve(ctx context.Context, pluginID string, d Descriptor, decision Decision) (Response, string, error) {
	switch decision {
	case DecisionAlwaysAllow:
		return ResponseAllow, "", nil
	case DecisionAlwaysDeny:
		return ResponseDeny, "not declared under strict enforcement", nil
	default:
		raw, err := m.prompt.Ask(ctx, ports.PromptRequest{
			PluginID: pluginID,
			Category: string(d.Category),
			Scope:    d.Scope,
			Reason:   d.Reason,
			Required: d.Required,
		})
		if err != nil {
			return "", "", fmt.Errorf("permission: prompting for %s: %w", key(d), err)
		}
		resp := Response(raw)
		reason := "denied by user"
		if resp == ResponseDeny || resp == ResponseDenyOnce {
			return resp, reason, nil
		}
		return resp, "", nil
	}
}

// HasPermission reports whether pluginID currently holds an unexpired
// grant for category/scope. A plugin with no token, or an expired one,
// has no permissions.
func (m *Manager) HasPermission(pluginID string, category capability.Category, scope string) bool {
	m.mu.RLock()
	tok, ok := m.tokens[pluginID]
	m.mu.RUnlock()

	if !ok || tok.Expired(m.now()) {
		return false
	}
	return tok.Has(category, scope)
}

// GetToken returns the cached token for a plugin, if one is active.
func (m *Manager) GetToken(pluginID string) (*Token, bool) {
	m.mu.RLock()
	tok, ok := m.tokens[pluginID]
	m.mu.RUnlock()

	if !ok || tok.Expired(m.now()) {
		return nil, false
	}
	return tok.Clone(), true
}

// Revoke removes any active token for a plugin, in memory and in the
// persistent store.
func (m *Manager) Revoke(pluginID string) error {
	lock := m.lockFor(pluginID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	delete(m.tokens, pluginID)
	m.mu.Unlock()

	if err := m.store.DeleteToken(pluginID); err != nil && !errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("permission: revoking token for %q: %w", pluginID, err)
	}
	return nil
}

func key(d Descriptor) string {
	return string(d.Category) + ":" + d.Scope
}

// cspDenialReason joins the reasons behind every deny-severity CSP
// violation a Command descriptor's scope matched, for DeniedError.
func cspDenialReason(result *capability.CSPResult) string {
	violations := result.DenyViolations()
	reasons := make([]string, 0, len(violations))
	for _, v := range violations {
		reasons = append(reasons, v.Rule.Reason)
	}
	return "blocked by content security policy: " + strings.Join(reasons, "; ")
}
