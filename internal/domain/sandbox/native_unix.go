//go:build !windows

package sandbox

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

func killProcess(processID uint32) error {
	process, err := os.FindProcess(int(processID))
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGKILL)
}

// unixBackend is a portable fallback with no kernel-level resource
// enforcement: it records the limits a caller asked for but cannot stop
// a process from exceeding them. It exists so the sandbox package builds
// and runs on development machines; production deployments target
// Windows, where windowsJobBackend enforces limits in-kernel.
type unixBackend struct {
	warnOnce sync.Once
}

func newPlatformBackend() nativeBackend {
	return &unixBackend{}
}

func (b *unixBackend) apply(_ uint32, _ NativeResourceLimits, logger ports.Logger) error {
	if logger != nil {
		b.warnOnce.Do(func() {
			logger.Warn(context.Background(),
				"native sandbox resource limits are not kernel-enforced on this platform")
		})
	}
	return nil
}

func (b *unixBackend) release(_ uint32) error {
	return nil
}
