package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/monitor"
	"github.com/felixgeelhaar/pluginhost/internal/domain/permission"
	"github.com/felixgeelhaar/pluginhost/internal/domain/sandbox"
	"github.com/felixgeelhaar/pluginhost/internal/domain/signature"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

const registryFileName = "registry.json"

// startMaxAttempts bounds the exponential-backoff retry loop in Start,
// per the specification's "Starting -> Failed(StartFailed) is retried
// with exponential backoff up to N attempts" rule.
const startMaxAttempts = 3

// startBackoffBase is the first retry delay; each subsequent attempt
// doubles it.
const startBackoffBase = 200 * time.Millisecond

// running is the Manager's runtime-only bookkeeping for a Running
// plugin: the live process/module handle and the pipe TriggerEvent
// writes to. None of this is JSON-serializable, and none of it survives
// a host restart — a Record alone is.
type running struct {
	process  *os.Process
	stdin    io.WriteCloser
	moduleID string
}

// Manager is the specification's L8 Plugin Manager: it owns the
// Installed/Verified/PermissionsGranted/Starting/Running/.../Uninstalled
// state machine and composes the loader, verifier, permission manager,
// sandboxes, and resource monitor into the install/start/stop/uninstall
// operations of the host-to-core API.
type Manager struct {
	loader      *Loader
	verifier    *signature.Verifier
	trustLevel  signature.TrustLevel
	permissions *permission.Manager
	native      *sandbox.NativeSandbox
	wasm        *sandbox.ModuleHost
	monitor     *monitor.Monitor
	logger      ports.Logger

	dataDir    string
	pluginsDir string

	registry *Registry

	runMu sync.Mutex
	run   map[string]*running

	lifeMu sync.Mutex
	life   map[string]*lifecycle

	pool *workerPool

	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the Manager's time source, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager rooted at dataDir, loading any previously
// persisted registry.json. Running/Paused records found there are
// demoted to Stopped, per the specification's "processes do not survive
// host restart" rule.
func NewManager(
	dataDir string,
	verifier *signature.Verifier,
	trustLevel signature.TrustLevel,
	permissions *permission.Manager,
	native *sandbox.NativeSandbox,
	wasm *sandbox.ModuleHost,
	mon *monitor.Monitor,
	logger ports.Logger,
	opts ...ManagerOption,
) (*Manager, error) {
	m := &Manager{
		loader:      NewLoader(),
		verifier:    verifier,
		trustLevel:  trustLevel,
		permissions: permissions,
		native:      native,
		wasm:        wasm,
		monitor:     mon,
		logger:      logger,
		dataDir:     dataDir,
		pluginsDir:  filepath.Join(dataDir, "plugins"),
		registry:    NewRegistry(),
		run:         make(map[string]*running),
		life:        make(map[string]*lifecycle),
		pool:        newWorkerPool(defaultWorkerPoolSize),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(m.pluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("plugin: creating plugins dir: %w", err)
	}

	if err := m.loadRegistry(); err != nil {
		return nil, err
	}

	if mon != nil {
		mon.OnLimitEvent(m.handleLimitEvent)
		mon.OnStopped(m.handleMonitorStopped)
	}

	return m, nil
}

func (m *Manager) logf(ctx context.Context, level ports.Level, msg string, fields ...ports.Field) {
	if m.logger == nil {
		return
	}
	switch level {
	case ports.LevelDebug:
		m.logger.Debug(ctx, msg, fields...)
	case ports.LevelWarn:
		m.logger.Warn(ctx, msg, fields...)
	case ports.LevelError:
		m.logger.Error(ctx, msg, fields...)
	default:
		m.logger.Info(ctx, msg, fields...)
	}
}

// loadRegistry reads registry.json, if present, and warms the
// in-memory Registry and per-plugin lifecycle interpreters from it.
func (m *Manager) loadRegistry() error {
	path := filepath.Join(m.dataDir, registryFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("plugin: reading %s: %w", path, err)
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("plugin: parsing %s: %w", path, err)
	}

	for _, rec := range records {
		if rec.State == StateRunning || rec.State == StatePaused {
			rec.State = StateStopped
			rec.ProcessID = 0
			rec.WasmModuleID = ""
		}

		lc, err := newLifecycle(rec.State)
		if err != nil {
			return fmt.Errorf("plugin: restoring lifecycle for %q: %w", rec.Manifest.ID, err)
		}
		m.life[rec.Manifest.ID] = lc
		m.registry.Put(rec.Manifest.ID, rec)
	}

	return nil
}

// persistRegistry writes the full registry to registry.json via a
// temp-file-then-rename, matching the crash-safety idiom used by
// permstore for tokens.
func (m *Manager) persistRegistry() error {
	records := m.registry.List()
	sort.Slice(records, func(i, j int) bool { return records[i].Manifest.ID < records[j].Manifest.ID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("plugin: encoding registry: %w", err)
	}

	path := filepath.Join(m.dataDir, registryFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("plugin: writing registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("plugin: committing registry: %w", err)
	}
	return nil
}

func (m *Manager) lifecycleFor(pluginID string, initial State) *lifecycle {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if lc, ok := m.life[pluginID]; ok {
		return lc
	}
	lc, err := newLifecycle(initial)
	if err != nil {
		// The machine definition is static and err here would indicate a
		// programming error in newLifecycle, not a runtime condition;
		// there is no sane recovery short of a panic.
		panic(fmt.Sprintf("plugin: building lifecycle machine: %v", err))
	}
	m.life[pluginID] = lc
	return lc
}

// Install extracts archivePath, verifies its signature, and requests
// its declared permissions, all as one operation. Per the
// specification's scenario 2 and 4: a signature failure leaves no
// registry record and removes the staging directory; a required
// permission denial leaves a record behind in Verified, not Failed.
// The Manager has no operation that resumes the grant step for such a
// record, and a second Install of the same id fails with ExistsError.
func (m *Manager) Install(ctx context.Context, archivePath string) (*Record, error) {
	stagingDir := filepath.Join(m.pluginsDir, ".staging-"+strconv.FormatInt(m.now().UnixNano(), 36))

	report, err := m.loader.Extract(archivePath, stagingDir)
	if err != nil {
		return nil, err
	}

	mf, err := m.loader.ReadManifest(stagingDir)
	if err != nil {
		_ = os.RemoveAll(stagingDir)
		return nil, err
	}

	if err := m.loader.ValidateStructure(stagingDir, mf); err != nil {
		_ = os.RemoveAll(stagingDir)
		return nil, err
	}

	if m.registry.Has(mf.ID) {
		_ = os.RemoveAll(stagingDir)
		return nil, &ExistsError{PluginID: mf.ID}
	}

	finalDir := filepath.Join(m.pluginsDir, mf.ID)
	if err := os.RemoveAll(finalDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return nil, fmt.Errorf("plugin: clearing install dir for %q: %w", mf.ID, err)
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return nil, fmt.Errorf("plugin: staging install dir for %q: %w", mf.ID, err)
	}

	rec := &Record{
		Manifest:    *mf,
		InstallPath: finalDir,
		State:       StateInstalled,
		InstalledAt: m.now(),
	}
	lc := m.lifecycleFor(mf.ID, StateInstalled)

	outcome, env, err := m.verifyArchive(ctx, archivePath, finalDir, report)
	if err != nil || outcome != signature.OutcomeValid {
		// Scenario 2: a tampered or untrusted payload leaves no record
		// at all, and the staged payload is removed.
		_ = os.RemoveAll(finalDir)
		m.lifeMu.Lock()
		delete(m.life, mf.ID)
		m.lifeMu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, &SignatureError{PluginID: mf.ID, Outcome: string(outcome)}
	}
	rec.SignatureEnv = env

	if _, err := lc.fire(eventVerifyOK); err != nil {
		_ = os.RemoveAll(finalDir)
		return nil, err
	}
	rec.State = StateVerified
	m.registry.Put(mf.ID, rec)

	tok, err := m.permissions.CheckPermissions(ctx, mf.ID, mf.Permissions)
	if err != nil {
		// Scenario 4: a required-permission denial leaves the record at
		// Verified with LastError set and no token issued.
		rec = rec.Clone()
		rec.LastError = err.Error()
		m.registry.Put(mf.ID, rec)
		if perr := m.persistRegistry(); perr != nil {
			m.logf(ctx, ports.LevelError, "persisting registry after permission denial", ports.F("plugin_id", mf.ID), ports.F("error", perr.Error()))
		}
		return rec.Clone(), err
	}
	rec.TokenID = tok.ID

	if _, err := lc.fire(eventGrantOK); err != nil {
		return rec.Clone(), err
	}
	rec.State = StatePermissionsGranted
	m.registry.Put(mf.ID, rec)

	if err := m.persistRegistry(); err != nil {
		return rec.Clone(), err
	}

	m.logf(ctx, ports.LevelInfo, "plugin installed", ports.F("plugin_id", mf.ID), ports.F("state", string(rec.State)))
	return rec.Clone(), nil
}

// verifyArchive reads the signature envelope (sidecar plugin.sig,
// canonical per the specification's open question (a); an in-archive
// plugin.sig is accepted as a fallback) and verifies it against the
// payload built from report's path-sorted entries.
func (m *Manager) verifyArchive(ctx context.Context, archivePath, installDir string, report *ExtractionReport) (signature.VerificationOutcome, *signature.Envelope, error) {
	env, err := m.readEnvelope(archivePath, installDir)
	if err != nil {
		if errors.Is(err, ErrSignatureMissing) && m.trustLevel == signature.TrustNone {
			return signature.OutcomeValid, nil, nil
		}
		return "", nil, err
	}

	// Hashing the payload and verifying the signature are the pipeline's
	// CPU-bound steps; run them on the worker pool rather than the
	// caller's cooperative task, per the specification's scheduling model.
	type verifyResult struct {
		outcome signature.VerificationOutcome
	}
	res, err := m.pool.run(func() (any, error) {
		payload, err := buildPayload(installDir, report)
		if err != nil {
			return nil, err
		}
		outcome, err := m.verifier.Verify(ctx, payload, env, m.trustLevel)
		if err != nil {
			return nil, fmt.Errorf("plugin: verifying signature: %w", err)
		}
		return verifyResult{outcome: outcome}, nil
	})
	if err != nil {
		return "", nil, err
	}
	return res.(verifyResult).outcome, env, nil
}

func (m *Manager) readEnvelope(archivePath, installDir string) (*signature.Envelope, error) {
	// Canonical form: a sidecar file next to the archive (open question
	// (a)). An in-archive plugin.sig, extracted alongside plugin.json at
	// the staged root, is accepted as a fallback.
	data, err := os.ReadFile(archivePath + ".sig")
	if os.IsNotExist(err) {
		data, err = os.ReadFile(filepath.Join(installDir, "plugin.sig"))
	}
	if os.IsNotExist(err) {
		return nil, ErrSignatureMissing
	}
	if err != nil {
		return nil, fmt.Errorf("plugin: reading signature envelope: %w", err)
	}

	var env signature.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("plugin: parsing signature envelope: %w", err)
	}
	return &env, nil
}

// buildPayload concatenates the extracted entries' contents in sorted
// path order, matching the specification's content_hash definition.
// plugin.json and an in-archive plugin.sig are metadata rather than
// payload and are excluded, so the signature never has to cover itself.
func buildPayload(installDir string, report *ExtractionReport) ([]byte, error) {
	entries := make([]string, 0, len(report.Entries))
	for _, rel := range report.Entries {
		if rel == manifestEntryName || rel == "plugin.sig" {
			continue
		}
		entries = append(entries, rel)
	}
	sort.Strings(entries)

	var buf []byte
	for _, rel := range entries {
		data, err := os.ReadFile(filepath.Join(installDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("plugin: reading %q for verification: %w", rel, err)
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// Start launches a plugin's entry point — an OS process for Native, a
// WASM module for Wasm — and begins resource monitoring, retrying with
// exponential backoff on failure up to startMaxAttempts times.
func (m *Manager) Start(ctx context.Context, pluginID string) error {
	lock := m.registry.Lock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.registry.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, pluginID)
	}
	if rec.State == StateRunning {
		return nil // already running: starting twice is not itself an error
	}

	lc := m.lifecycleFor(pluginID, rec.State)
	if _, err := lc.fire(eventStart); err != nil {
		return err
	}
	rec.State = StateStarting
	m.registry.Put(pluginID, rec)

	var lastErr error
	backoff := startBackoffBase
	for attempt := 1; attempt <= startMaxAttempts; attempt++ {
		rec.StartAttempts++

		if err := ctx.Err(); err != nil {
			if _, ferr := lc.fire(eventStartCancelled); ferr == nil {
				rec.State = StateStopped
				m.registry.Put(pluginID, rec)
				_ = m.persistRegistry()
			}
			return err
		}

		r, err := m.launch(ctx, rec)
		if err == nil {
			m.runMu.Lock()
			m.run[pluginID] = r
			m.runMu.Unlock()

			if _, ferr := lc.fire(eventStarted); ferr != nil {
				return ferr
			}
			rec.State = StateRunning
			m.registry.Put(pluginID, rec)
			if perr := m.persistRegistry(); perr != nil {
				return perr
			}
			m.logf(ctx, ports.LevelInfo, "plugin started", ports.F("plugin_id", pluginID), ports.F("attempt", attempt))
			return nil
		}

		lastErr = err
		m.logf(ctx, ports.LevelWarn, "plugin start attempt failed",
			ports.F("plugin_id", pluginID), ports.F("attempt", attempt), ports.F("error", err.Error()))

		if attempt < startMaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				if _, ferr := lc.fire(eventStartCancelled); ferr == nil {
					rec.State = StateStopped
					m.registry.Put(pluginID, rec)
					_ = m.persistRegistry()
				}
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	if _, ferr := lc.fire(eventStartFailed); ferr != nil {
		return ferr
	}
	rec.State = StateFailed
	rec.FailureKind = lc.failureKind()
	rec.LastError = lastErr.Error()
	m.registry.Put(pluginID, rec)
	_ = m.persistRegistry()

	return &StartFailedError{PluginID: pluginID, Attempts: rec.StartAttempts, Cause: lastErr}
}

// launch performs one start attempt without touching lifecycle state,
// so Start's retry loop can call it repeatedly.
func (m *Manager) launch(ctx context.Context, rec *Record) (*running, error) {
	switch rec.Manifest.PluginType {
	case TypeWasm:
		return m.launchWasm(ctx, rec)
	default:
		return m.launchNative(ctx, rec)
	}
}

func (m *Manager) launchNative(ctx context.Context, rec *Record) (*running, error) {
	entry := filepath.Join(rec.InstallPath, filepath.FromSlash(rec.Manifest.EntryPoint))

	cmd := exec.Command(entry)
	cmd.Dir = rec.InstallPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("plugin: opening stdin pipe for %q: %w", rec.Manifest.ID, err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: launching %q: %w", sandbox.ErrSandboxCreateFailed, rec.Manifest.ID, err)
	}

	pid := uint32(cmd.Process.Pid)

	limits := sandbox.DefaultNativeResourceLimits()
	levels := permissionLevels(rec.Manifest.Permissions)

	if _, err := m.native.SandboxPlugin(rec.Manifest.ID, pid, &limits, levels); err != nil {
		_ = cmd.Process.Kill()
		_ = stdin.Close()
		return nil, err
	}

	if m.monitor != nil {
		if err := m.monitor.StartMonitoring(rec.Manifest.ID, pid); err != nil {
			_ = m.native.Remove(rec.Manifest.ID)
			_ = cmd.Process.Kill()
			_ = stdin.Close()
			return nil, err
		}
	}

	rec.ProcessID = pid
	return &running{process: cmd.Process, stdin: stdin}, nil
}

func (m *Manager) launchWasm(ctx context.Context, rec *Record) (*running, error) {
	entry := filepath.Join(rec.InstallPath, filepath.FromSlash(rec.Manifest.EntryPoint))

	options := sandbox.DefaultModuleOptions()
	options.AutoStart = true

	handle, err := m.wasm.LoadModuleFromFile(ctx, rec.Manifest.ID, entry, options)
	if err != nil {
		return nil, err
	}

	rec.WasmModuleID = handle.ID()
	return &running{moduleID: handle.ID()}, nil
}

// permissionLevels maps a manifest's granted capability categories onto
// the sandbox layer's coarse handle-inheritance levels. Scope-level
// enforcement remains the Permission Manager's job; this only decides
// what OS handles the sandboxed process may inherit at all.
func permissionLevels(descs []permission.Descriptor) []sandbox.PermissionLevel {
	seen := map[sandbox.PermissionLevel]bool{sandbox.PermissionCore: true}
	levels := []sandbox.PermissionLevel{sandbox.PermissionCore}

	add := func(l sandbox.PermissionLevel) {
		if !seen[l] {
			seen[l] = true
			levels = append(levels, l)
		}
	}

	for _, d := range descs {
		switch d.Category {
		case capability.CategoryFilesystem:
			add(sandbox.PermissionFilesystem)
		case capability.CategoryNetwork:
			add(sandbox.PermissionNetwork)
		case capability.CategoryUI:
			add(sandbox.PermissionUI)
		case capability.CategorySystem, capability.CategoryHardware, capability.CategoryCommand:
			add(sandbox.PermissionSystem)
		case capability.CategoryInterprocess:
			add(sandbox.PermissionInterprocess)
		}
	}
	return levels
}

// Stop tears down a running plugin's process or module and stops
// resource monitoring. Stopping a plugin that is not running is a
// no-op, per the specification's idempotence requirement.
func (m *Manager) Stop(ctx context.Context, pluginID string) error {
	lock := m.registry.Lock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.registry.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, pluginID)
	}
	if rec.State != StateRunning && rec.State != StatePaused {
		return nil
	}

	m.teardown(pluginID, rec)

	lc := m.lifecycleFor(pluginID, rec.State)
	if _, err := lc.fire(eventStop); err != nil {
		return err
	}
	rec.State = StateStopped
	rec.ProcessID = 0
	rec.WasmModuleID = ""
	m.registry.Put(pluginID, rec)

	m.logf(ctx, ports.LevelInfo, "plugin stopped", ports.F("plugin_id", pluginID))
	return m.persistRegistry()
}

// teardown releases whatever runtime resources a running plugin holds:
// its sandbox/module handle, its monitor subscription, and its event
// pipe. Errors are logged, not returned — teardown must make forward
// progress even if one step fails, since it's also used by Uninstall's
// FSM-bypass path.
func (m *Manager) teardown(pluginID string, rec *Record) {
	if m.monitor != nil {
		if err := m.monitor.StopMonitoring(pluginID); err != nil && !errors.Is(err, monitor.ErrNotMonitored) {
			m.logf(context.Background(), ports.LevelWarn, "stopping monitor", ports.F("plugin_id", pluginID), ports.F("error", err.Error()))
		}
	}

	switch rec.Manifest.PluginType {
	case TypeWasm:
		if rec.WasmModuleID != "" {
			if err := m.wasm.StopModule(rec.WasmModuleID); err != nil && !errors.Is(err, sandbox.ErrModuleNotFound) {
				m.logf(context.Background(), ports.LevelWarn, "stopping module", ports.F("plugin_id", pluginID), ports.F("error", err.Error()))
			}
		}
	default:
		if err := m.native.Terminate(pluginID); err != nil && !errors.Is(err, sandbox.ErrProcessNotFound) {
			m.logf(context.Background(), ports.LevelWarn, "terminating process", ports.F("plugin_id", pluginID), ports.F("error", err.Error()))
		}
	}

	m.runMu.Lock()
	if r, ok := m.run[pluginID]; ok {
		if r.stdin != nil {
			_ = r.stdin.Close()
		}
		delete(m.run, pluginID)
	}
	m.runMu.Unlock()
}

// handleLimitEvent is the dispatcher the Manager registers with its
// Monitor at construction time. It is called on the Monitor's own
// background goroutine, never the caller of Start/Stop, so it takes the
// registry's per-plugin lock itself. Only a Terminate breach has already
// ended the plugin's process by the time this runs; Log/Notify/Throttle
// breaches leave the plugin Running, per SPEC_FULL's transition table
// ("resource_exceeded(Terminate)->Failed(ResourceExceeded)").
func (m *Manager) handleLimitEvent(event monitor.LimitEvent) {
	if event.Action != monitor.ActionTerminate {
		return
	}
	m.failRunning(event.PluginID, eventResourceExceed,
		fmt.Sprintf("resource limit breached: %s exceeded %.2f (actual %.2f)", event.ResourceType, event.Limit, event.ActualValue))
}

// handleMonitorStopped is the Monitor's other registered callback: it
// fires when the Monitor gives up on a plugin's process entirely rather
// than reporting a limit breach, which this module treats as the
// process having crashed out from under its sandbox.
func (m *Manager) handleMonitorStopped(event monitor.MonitorStoppedEvent) {
	if event.Reason != monitor.ReasonProcessGone {
		return
	}
	m.failRunning(event.PluginID, eventCrash, "monitor lost contact with plugin process")
}

// failRunning transitions a Running/Paused plugin into Failed in
// response to a Monitor notification, releasing its sandbox/module
// handle first. It is a no-op if the plugin isn't currently running —
// the notification may race an operator-driven Stop/Uninstall that
// already tore the plugin down.
func (m *Manager) failRunning(pluginID, firedEvent, reason string) {
	lock := m.registry.Lock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.registry.Get(pluginID)
	if !ok || (rec.State != StateRunning && rec.State != StatePaused) {
		return
	}

	m.teardown(pluginID, rec)

	lc := m.lifecycleFor(pluginID, rec.State)
	if _, err := lc.fire(firedEvent); err != nil {
		m.logf(context.Background(), ports.LevelError, "lifecycle transition after monitor event failed",
			ports.F("plugin_id", pluginID), ports.F("event", firedEvent), ports.F("error", err.Error()))
		return
	}
	rec.State = StateFailed
	rec.FailureKind = lc.failureKind()
	rec.LastError = reason
	rec.ProcessID = 0
	rec.WasmModuleID = ""
	m.registry.Put(pluginID, rec)

	m.logf(context.Background(), ports.LevelWarn, "plugin failed", ports.F("plugin_id", pluginID), ports.F("reason", reason))
	if err := m.persistRegistry(); err != nil {
		m.logf(context.Background(), ports.LevelError, "persisting registry after plugin failure",
			ports.F("plugin_id", pluginID), ports.F("error", err.Error()))
	}
}

// Uninstall tears down a running plugin (bypassing the ordinary Stop
// transition, since uninstall is defined from "any" state), revokes its
// permission token, deletes its persisted token, and removes its staged
// payload. Uninstalling an absent plugin id is a no-op success.
func (m *Manager) Uninstall(ctx context.Context, pluginID string) error {
	lock := m.registry.Lock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.registry.Get(pluginID)
	if !ok {
		return nil
	}

	if rec.State == StateRunning || rec.State == StatePaused {
		m.teardown(pluginID, rec)
	}

	if err := m.permissions.Revoke(pluginID); err != nil {
		return fmt.Errorf("plugin: revoking permissions for %q: %w", pluginID, err)
	}

	if err := os.RemoveAll(rec.InstallPath); err != nil {
		return fmt.Errorf("plugin: removing install dir for %q: %w", pluginID, err)
	}

	m.registry.Delete(pluginID)
	m.lifeMu.Lock()
	delete(m.life, pluginID)
	m.lifeMu.Unlock()

	m.logf(ctx, ports.LevelInfo, "plugin uninstalled", ports.F("plugin_id", pluginID))
	return m.persistRegistry()
}

// List returns every installed plugin's record.
func (m *Manager) List() []*Record {
	return m.registry.List()
}

// HasPlugin reports whether pluginID is installed.
func (m *Manager) HasPlugin(pluginID string) bool {
	return m.registry.Has(pluginID)
}

// eventPayload is the JSON line TriggerEvent writes to a running native
// plugin's stdin pipe.
type eventPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TriggerEvent delivers a named event with an opaque payload to a
// running plugin. For a Wasm plugin this calls its exported
// "on_<name>" function via the module's own "alloc" export, passing a
// (ptr, len) pair into its linear memory — the common malloc-based WASM
// ABI. For a Native plugin it writes a single JSON line to the
// process's stdin, the one transport every spawned process is
// guaranteed to have without assuming any plugin-specific IPC
// convention.
func (m *Manager) TriggerEvent(ctx context.Context, pluginID, name string, payload []byte) error {
	rec, ok := m.registry.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, pluginID)
	}
	if rec.State != StateRunning {
		return fmt.Errorf("%w: %q is %q", ErrNotRunning, pluginID, rec.State)
	}

	m.runMu.Lock()
	r, ok := m.run[pluginID]
	m.runMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, pluginID)
	}

	if rec.Manifest.PluginType == TypeWasm {
		return m.triggerWasmEvent(ctx, r.moduleID, name, payload)
	}
	return m.triggerNativeEvent(r, name, payload)
}

func (m *Manager) triggerNativeEvent(r *running, name string, payload []byte) error {
	if r.stdin == nil {
		return ErrNativeEventUnsupported
	}

	line, err := json.Marshal(eventPayload{Name: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("plugin: encoding event %q: %w", name, err)
	}
	line = append(line, '\n')

	if _, err := r.stdin.Write(line); err != nil {
		return fmt.Errorf("plugin: writing event %q to stdin: %w", name, err)
	}
	return nil
}

func (m *Manager) triggerWasmEvent(ctx context.Context, moduleID, name string, payload []byte) error {
	allocResult, err := m.wasm.CallFunction(ctx, moduleID, "alloc", []uint64{uint64(len(payload))})
	if err != nil {
		return fmt.Errorf("plugin: allocating event buffer: %w", err)
	}
	if len(allocResult) == 0 {
		return fmt.Errorf("plugin: module %q's alloc export returned no pointer", moduleID)
	}
	ptr := allocResult[0]

	if len(payload) > 0 {
		if err := m.wasm.WriteMemory(moduleID, uint32(ptr), payload); err != nil {
			return fmt.Errorf("plugin: writing event payload: %w", err)
		}
	}

	fnName := "on_" + strings.TrimPrefix(name, "on_")
	_, err = m.wasm.CallFunction(ctx, moduleID, fnName, []uint64{ptr, uint64(len(payload))})
	if err != nil {
		return fmt.Errorf("plugin: calling %q: %w", fnName, err)
	}
	return nil
}
