package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for simple, parameterless conditions.
var (
	// ErrArchiveCorrupt indicates the archive could not be opened as a zip.
	ErrArchiveCorrupt = errors.New("plugin: archive is corrupt")
	// ErrManifestNotFound indicates plugin.json is missing from the archive.
	ErrManifestNotFound = errors.New("plugin: manifest not found")
	// ErrMissingEntryPoint indicates the manifest's entry_point file is absent.
	ErrMissingEntryPoint = errors.New("plugin: entry point file missing")
	// ErrNilPlugin indicates a nil plugin record was provided.
	ErrNilPlugin = errors.New("plugin: record cannot be nil")
	// ErrEmptyPluginID indicates an empty plugin id.
	ErrEmptyPluginID = errors.New("plugin: id cannot be empty")
	// ErrNotFound indicates no record exists for a plugin id.
	ErrNotFound = errors.New("plugin: not found")
	// ErrSignatureMissing indicates a plugin requires a trust level above
	// None but carries neither a sidecar nor in-archive plugin.sig.
	ErrSignatureMissing = errors.New("plugin: signature missing")
	// ErrNotRunning indicates an operation that requires a running plugin
	// (e.g. TriggerEvent) was called on one that is not.
	ErrNotRunning = errors.New("plugin: not running")
	// ErrNativeEventUnsupported indicates TriggerEvent was called for a
	// native plugin that was not given an event pipe at start time.
	ErrNativeEventUnsupported = errors.New("plugin: native plugin has no event channel")
)

// ValidationError collects multiple manifest validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("manifest invalid: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Add(msg string)                    { e.Errors = append(e.Errors, msg) }
func (e *ValidationError) Addf(format string, args ...any)    { e.Errors = append(e.Errors, fmt.Sprintf(format, args...)) }
func (e *ValidationError) HasErrors() bool                    { return len(e.Errors) > 0 }

// ManifestInvalidError names the offending field for a single manifest
// validation failure, per the specification's ManifestInvalid(field, reason).
type ManifestInvalidError struct {
	Field  string
	Reason string
}

func (e *ManifestInvalidError) Error() string {
	return fmt.Sprintf("plugin: manifest field %q invalid: %s", e.Field, e.Reason)
}

// IsManifestInvalid reports whether err is a ManifestInvalidError.
func IsManifestInvalid(err error) bool {
	var e *ManifestInvalidError
	return errors.As(err, &e)
}

// PathTraversalError indicates an archive entry resolves outside the
// staging directory.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("plugin: path traversal detected in entry %q", e.Path)
}

// IsPathTraversal reports whether err is a PathTraversalError.
func IsPathTraversal(err error) bool {
	var e *PathTraversalError
	return errors.As(err, &e)
}

// ExistsError indicates a plugin id is already installed.
type ExistsError struct {
	PluginID string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("plugin: %q already installed", e.PluginID)
}

// IsAlreadyInstalled reports whether err is an ExistsError.
func IsAlreadyInstalled(err error) bool {
	var e *ExistsError
	return errors.As(err, &e)
}

// InvalidTransitionError indicates an event was sent to the lifecycle
// machine that has no transition from the current state.
type InvalidTransitionError struct {
	From  State
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("plugin: no transition for event %q from state %q", e.Event, e.From)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// SignatureError reports why a plugin archive's signature failed
// verification, naming the verifier's outcome rather than re-deriving it
// from an error string.
type SignatureError struct {
	PluginID string
	Outcome  string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("plugin: %q signature verification failed: %s", e.PluginID, e.Outcome)
}

// IsSignatureError reports whether err is a SignatureError.
func IsSignatureError(err error) bool {
	var e *SignatureError
	return errors.As(err, &e)
}

// StartFailedError wraps the underlying cause of a failed start attempt
// after retries are exhausted.
type StartFailedError struct {
	PluginID string
	Attempts int
	Cause    error
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("plugin: %q failed to start after %d attempts: %v", e.PluginID, e.Attempts, e.Cause)
}

func (e *StartFailedError) Unwrap() error { return e.Cause }

// IsStartFailed reports whether err is a StartFailedError.
func IsStartFailed(err error) bool {
	var e *StartFailedError
	return errors.As(err, &e)
}
