package sandbox

import (
	"errors"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// Native sandbox errors.
var (
	ErrAlreadySandboxed    = errors.New("plugin already sandboxed")
	ErrProcessNotFound     = errors.New("sandboxed process not found")
	ErrSandboxCreateFailed = errors.New("sandbox creation failed")
)

// PermissionLevel is a coarse sandbox-layer permission that gates OS
// handle inheritance only; fine-grained scope checking is the Permission
// Manager's job.
type PermissionLevel string

// PermissionLevel values.
const (
	PermissionCore         PermissionLevel = "core"
	PermissionFilesystem   PermissionLevel = "filesystem"
	PermissionNetwork      PermissionLevel = "network"
	PermissionUI           PermissionLevel = "ui"
	PermissionSystem       PermissionLevel = "system"
	PermissionInterprocess PermissionLevel = "interprocess"
)

// NativeResourceLimits caps an OS process's resource consumption. Field
// names and units match the reference implementation's Rust test
// fixtures.
type NativeResourceLimits struct {
	MaxMemoryMB      uint32
	MaxCPUPercentage uint32
	MaxProcessCount  uint32
	MaxWorkingSetMB  uint32
}

// DefaultNativeResourceLimits returns moderate limits suitable for a
// normally-trusted native plugin.
func DefaultNativeResourceLimits() NativeResourceLimits {
	return NativeResourceLimits{
		MaxMemoryMB:      128,
		MaxCPUPercentage: 25,
		MaxProcessCount:  4,
		MaxWorkingSetMB:  64,
	}
}

// NativeHandle is the record of one process held in a kernel-enforced
// isolation container.
type NativeHandle struct {
	PluginID    string
	ProcessID   uint32
	Limits      NativeResourceLimits
	Permissions []PermissionLevel
}

// nativeBackend performs the OS-specific sandboxing work. Its
// implementations live in native_windows.go (Job Objects) and
// native_unix.go (a portable fallback with no kernel enforcement).
type nativeBackend interface {
	apply(processID uint32, limits NativeResourceLimits, logger ports.Logger) error
	release(processID uint32) error
}

// NativeSandbox wraps existing OS processes in a kernel-enforced
// isolation container, tracking one handle per plugin id. Idempotent per
// plugin id: a second SandboxPlugin call for the same id fails with
// ErrAlreadySandboxed unless Remove was called first.
type NativeSandbox struct {
	mu      sync.RWMutex
	handles map[string]*NativeHandle
	backend nativeBackend
	logger  ports.Logger
}

// NewNativeSandbox creates a NativeSandbox using the platform's backend.
// On platforms without kernel-level enforcement, a non-nil logger
// receives a one-time warning the first time a limit is applied.
func NewNativeSandbox(logger ports.Logger) *NativeSandbox {
	return &NativeSandbox{
		handles: make(map[string]*NativeHandle),
		backend: newPlatformBackend(),
		logger:  logger,
	}
}

// SandboxPlugin wraps processID in an isolation container enforcing
// limits (DefaultNativeResourceLimits if nil) and records permissions.
func (s *NativeSandbox) SandboxPlugin(pluginID string, processID uint32, limits *NativeResourceLimits, permissions []PermissionLevel) (*NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handles[pluginID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrAlreadySandboxed, pluginID)
	}

	effective := DefaultNativeResourceLimits()
	if limits != nil {
		effective = *limits
	}

	if err := s.backend.apply(processID, effective, s.logger); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSandboxCreateFailed, err)
	}

	handle := &NativeHandle{
		PluginID:    pluginID,
		ProcessID:   processID,
		Limits:      effective,
		Permissions: append([]PermissionLevel(nil), permissions...),
	}
	s.handles[pluginID] = handle

	return handle, nil
}

// CheckPermission reports whether pluginID's sandbox holds level.
func (s *NativeSandbox) CheckPermission(pluginID string, level PermissionLevel) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handle, ok := s.handles[pluginID]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrProcessNotFound, pluginID)
	}

	for _, p := range handle.Permissions {
		if p == level {
			return true, nil
		}
	}
	return false, nil
}

// ListSandboxed returns the plugin ids currently sandboxed.
func (s *NativeSandbox) ListSandboxed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}

// Status returns the sandbox handle for a plugin, if any.
func (s *NativeSandbox) Status(pluginID string) (*NativeHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handle, ok := s.handles[pluginID]
	return handle, ok
}

// Throttle records cpuPercentage as a sandboxed plugin's MaxCPUPercentage
// and re-applies its limits through the platform backend. Neither backend
// sets a CPU rate cap, so the process's CPU use is not reduced. It is
// called by the Resource Monitor when a limit breach requests throttling
// rather than termination.
func (s *NativeSandbox) Throttle(pluginID string, cpuPercentage uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.handles[pluginID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrProcessNotFound, pluginID)
	}

	handle.Limits.MaxCPUPercentage = cpuPercentage
	return s.backend.apply(handle.ProcessID, handle.Limits, s.logger)
}

// Terminate kills a sandboxed plugin's process and tears down its
// isolation container. It is called by the Resource Monitor when a hard
// limit is breached.
func (s *NativeSandbox) Terminate(pluginID string) error {
	s.mu.Lock()
	handle, ok := s.handles[pluginID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrProcessNotFound, pluginID)
	}

	if err := killProcess(handle.ProcessID); err != nil {
		return fmt.Errorf("terminating process %d: %w", handle.ProcessID, err)
	}

	return s.Remove(pluginID)
}

// Remove tears down the isolation container for a plugin, releasing the
// plugin id for re-sandboxing.
func (s *NativeSandbox) Remove(pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.handles[pluginID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrProcessNotFound, pluginID)
	}

	if err := s.backend.release(handle.ProcessID); err != nil {
		return err
	}

	delete(s.handles, pluginID)
	return nil
}
