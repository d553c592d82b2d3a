package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
)

// HostFunction represents a function callable by a plugin's WASM module.
type HostFunction struct {
	// Name is the function name exported to WASM
	Name string

	// Module is the WASM import module name (e.g., "pluginhost")
	Module string

	// RequiredCapability needed to call this function
	RequiredCapability capability.Capability

	// Description for documentation
	Description string
}

// HostFunctions defines all functions available to plugins.
var HostFunctions = []HostFunction{
	// Filesystem operations
	{
		Name:               "read_file",
		Module:             "pluginhost",
		RequiredCapability: capability.CapFilesystemRead,
		Description:        "Read a file from a granted path",
	},
	{
		Name:               "write_file",
		Module:             "pluginhost",
		RequiredCapability: capability.CapFilesystemWrite,
		Description:        "Write a file to a granted path",
	},
	{
		Name:               "file_exists",
		Module:             "pluginhost",
		RequiredCapability: capability.CapFilesystemRead,
		Description:        "Check if a file exists",
	},

	// System operations
	{
		Name:               "system_info",
		Module:             "pluginhost",
		RequiredCapability: capability.CapSystemModify,
		Description:        "Modify host system configuration",
	},

	// UI operations
	{
		Name:               "show_notification",
		Module:             "pluginhost",
		RequiredCapability: capability.CapUIShow,
		Description:        "Display a notification owned by the plugin",
	},

	// Hardware operations
	{
		Name:               "hardware_open",
		Module:             "pluginhost",
		RequiredCapability: capability.CapHardwareAccess,
		Description:        "Open a hardware device handle",
	},

	// Interprocess operations
	{
		Name:               "ipc_send",
		Module:             "pluginhost",
		RequiredCapability: capability.CapInterprocessSend,
		Description:        "Send a message to another process",
	},

	// Command operations
	{
		Name:               "run_command",
		Module:             "pluginhost",
		RequiredCapability: capability.CapCommandExecute,
		Description:        "Execute a declared external command",
	},

	// Network operations
	{
		Name:               "http_get",
		Module:             "pluginhost",
		RequiredCapability: capability.CapNetworkFetch,
		Description:        "Perform an HTTP GET request",
	},
	{
		Name:               "http_post",
		Module:             "pluginhost",
		RequiredCapability: capability.CapNetworkFetch,
		Description:        "Perform an HTTP POST request",
	},

	// Logging (always allowed)
	{
		Name:        "log_info",
		Module:      "pluginhost",
		Description: "Log an info message",
	},
	{
		Name:        "log_warn",
		Module:      "pluginhost",
		Description: "Log a warning message",
	},
	{
		Name:        "log_error",
		Module:      "pluginhost",
		Description: "Log an error message",
	},
}

// HostServices provides implementations for host functions.
type HostServices struct {
	// FileSystem for filesystem operations
	FileSystem FileSystem

	// System for system-configuration operations
	System System

	// UI for notification/window surfaces
	UI UI

	// Hardware for device access
	Hardware Hardware

	// Interprocess for IPC sends
	Interprocess Interprocess

	// Command for declared external command execution
	Command Command

	// HTTP for network operations
	HTTP HTTPClient

	// Logger for plugin output
	Logger Logger

	// Policy for capability checks
	Policy *capability.Policy
}

// FileSystem interface for file operations.
type FileSystem interface {
	// ReadFile reads a file
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes a file
	WriteFile(ctx context.Context, path string, data []byte) error

	// Exists checks if a path exists
	Exists(ctx context.Context, path string) (bool, error)

	// Remove removes a file or directory
	Remove(ctx context.Context, path string) error
}

// System interface for host-system configuration changes.
type System interface {
	// Modify applies a named system-configuration change
	Modify(ctx context.Context, setting string, value string) error
}

// UI interface for plugin-owned UI surfaces.
type UI interface {
	// ShowNotification displays a notification
	ShowNotification(ctx context.Context, title, body string) error
}

// Hardware interface for device access.
type Hardware interface {
	// Open opens a handle to a named hardware device
	Open(ctx context.Context, device string) (io.Closer, error)
}

// Interprocess interface for sending messages to other processes.
type Interprocess interface {
	// Send delivers a message to the named target process
	Send(ctx context.Context, target string, payload []byte) error
}

// Command interface for running declared external commands.
type Command interface {
	// Run executes a declared command
	Run(ctx context.Context, cmd string, args ...string) ([]byte, error)

	// RunWithInput executes a declared command with stdin
	RunWithInput(ctx context.Context, input io.Reader, cmd string, args ...string) ([]byte, error)
}

// HTTPClient interface for network operations.
type HTTPClient interface {
	// Get performs HTTP GET
	Get(ctx context.Context, url string) ([]byte, int, error)

	// Post performs HTTP POST
	Post(ctx context.Context, url string, contentType string, body []byte) ([]byte, int, error)
}

// Logger interface for plugin logging.
type Logger interface {
	// Info logs an info message
	Info(msg string)

	// Warn logs a warning message
	Warn(msg string)

	// Error logs an error message
	Error(msg string)
}

// CheckCapability verifies a capability is allowed.
func (h *HostServices) CheckCapability(c capability.Capability) error {
	if h.Policy == nil {
		return nil
	}
	return h.Policy.Check(c)
}

// NullFileSystem is a no-op filesystem for full isolation.
type NullFileSystem struct{}

// ReadFile always returns an error.
func (NullFileSystem) ReadFile(_ context.Context, _ string) ([]byte, error) {
	return nil, errors.New("filesystem access denied")
}

// WriteFile always returns an error.
func (NullFileSystem) WriteFile(_ context.Context, _ string, _ []byte) error {
	return errors.New("filesystem access denied")
}

// Exists always returns false.
func (NullFileSystem) Exists(_ context.Context, _ string) (bool, error) {
	return false, nil
}

// Remove always returns an error.
func (NullFileSystem) Remove(_ context.Context, _ string) error {
	return errors.New("filesystem access denied")
}

// NullSystem is a no-op system-configuration surface.
type NullSystem struct{}

// Modify always returns an error.
func (NullSystem) Modify(_ context.Context, _ string, _ string) error {
	return errors.New("system modification denied")
}

// NullUI is a no-op UI surface.
type NullUI struct{}

// ShowNotification always returns an error.
func (NullUI) ShowNotification(_ context.Context, _ string, _ string) error {
	return errors.New("ui access denied")
}

// NullHardware is a no-op hardware surface.
type NullHardware struct{}

// Open always returns an error.
func (NullHardware) Open(_ context.Context, _ string) (io.Closer, error) {
	return nil, errors.New("hardware access denied")
}

// NullInterprocess is a no-op interprocess surface.
type NullInterprocess struct{}

// Send always returns an error.
func (NullInterprocess) Send(_ context.Context, _ string, _ []byte) error {
	return errors.New("interprocess access denied")
}

// NullCommand is a no-op command surface.
type NullCommand struct{}

// Run always returns an error.
func (NullCommand) Run(_ context.Context, _ string, _ ...string) ([]byte, error) {
	return nil, errors.New("command execution denied")
}

// RunWithInput always returns an error.
func (NullCommand) RunWithInput(_ context.Context, _ io.Reader, _ string, _ ...string) ([]byte, error) {
	return nil, errors.New("command execution denied")
}

// NullHTTPClient is a no-op HTTP client.
type NullHTTPClient struct{}

// Get always returns an error.
func (NullHTTPClient) Get(_ context.Context, _ string) ([]byte, int, error) {
	return nil, 0, errors.New("network access denied")
}

// Post always returns an error.
func (NullHTTPClient) Post(_ context.Context, _ string, _ string, _ []byte) ([]byte, int, error) {
	return nil, 0, errors.New("network access denied")
}

// NullLogger discards all logs.
type NullLogger struct{}

// Info does nothing.
func (NullLogger) Info(_ string) {}

// Warn does nothing.
func (NullLogger) Warn(_ string) {}

// Error does nothing.
func (NullLogger) Error(_ string) {}

// NewIsolatedServices creates services for full isolation mode.
func NewIsolatedServices(policy *capability.Policy) *HostServices {
	return &HostServices{
		FileSystem:   NullFileSystem{},
		System:       NullSystem{},
		UI:           NullUI{},
		Hardware:     NullHardware{},
		Interprocess: NullInterprocess{},
		Command:      NullCommand{},
		HTTP:         NullHTTPClient{},
		Logger:       NullLogger{},
		Policy:       policy,
	}
}
