package permission

// Store persists permission tokens across host restarts. Implementations
// must be safe for concurrent use.
type Store interface {
	// SaveToken persists a token, replacing any existing token for the
	// same plugin.
	SaveToken(token *Token) error

	// LoadToken returns the persisted token for a plugin. It returns
	// ErrTokenNotFound if none exists or the stored token fails
	// authentication.
	LoadToken(pluginID string) (*Token, error)

	// DeleteToken removes the persisted token for a plugin, if any.
	DeleteToken(pluginID string) error

	// LoadAll returns every persisted token, for warming the in-memory
	// cache at startup.
	LoadAll() ([]*Token, error)

	// RecordPluginInfo persists a bookkeeping record for a plugin,
	// independent of any permission token it may hold.
	RecordPluginInfo(info PluginInfo) error
}
