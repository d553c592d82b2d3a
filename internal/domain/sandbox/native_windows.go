//go:build windows

package sandbox

import (
	"fmt"
	"unsafe"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
	"golang.org/x/sys/windows"
)

// windowsJobBackend enforces resource limits with a Windows Job Object:
// every sandboxed process is assigned to a job carrying a
// JOBOBJECT_EXTENDED_LIMIT_INFORMATION with the caller's process-memory,
// working-set and active-process caps, and kill-on-job-close. No UI
// restrictions, restricted token or CPU rate cap is applied, so
// MaxCPUPercentage is not enforced.
type windowsJobBackend struct {
	jobs map[uint32]windows.Handle
}

func newPlatformBackend() nativeBackend {
	return &windowsJobBackend{jobs: make(map[uint32]windows.Handle)}
}

func (b *windowsJobBackend) apply(processID uint32, limits NativeResourceLimits, _ ports.Logger) error {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return fmt.Errorf("creating job object: %w", err)
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_PROCESS_MEMORY |
				windows.JOB_OBJECT_LIMIT_WORKINGSET |
				windows.JOB_OBJECT_LIMIT_ACTIVE_PROCESS |
				windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
			ActiveProcessLimit: limits.MaxProcessCount,
		},
		ProcessMemoryLimit: uintptr(limits.MaxMemoryMB) * 1024 * 1024,
	}
	info.BasicLimitInformation.MinimumWorkingSetSize = 0
	info.BasicLimitInformation.MaximumWorkingSetSize = uintptr(limits.MaxWorkingSetMB) * 1024 * 1024

	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		_ = windows.CloseHandle(job)
		return fmt.Errorf("setting job limits: %w", err)
	}

	process, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, processID)
	if err != nil {
		_ = windows.CloseHandle(job)
		return fmt.Errorf("opening process %d: %w", processID, err)
	}
	defer windows.CloseHandle(process)

	if err := windows.AssignProcessToJobObject(job, process); err != nil {
		_ = windows.CloseHandle(job)
		return fmt.Errorf("assigning process %d to job: %w", processID, err)
	}

	b.jobs[processID] = job
	return nil
}

func killProcess(processID uint32) error {
	process, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, processID)
	if err != nil {
		return fmt.Errorf("opening process %d: %w", processID, err)
	}
	defer windows.CloseHandle(process)

	return windows.TerminateProcess(process, 1)
}

func (b *windowsJobBackend) release(processID uint32) error {
	job, ok := b.jobs[processID]
	if !ok {
		return nil
	}
	delete(b.jobs, processID)
	return windows.CloseHandle(job)
}
