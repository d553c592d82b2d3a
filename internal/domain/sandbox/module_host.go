package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Module host errors.
var (
	ErrModuleNotFound   = errors.New("sandbox: module not found")
	ErrModuleFailed     = errors.New("sandbox: module failed")
	ErrModuleStopped    = errors.New("sandbox: module is stopped")
	ErrOutOfFuel        = errors.New("sandbox: module exhausted its fuel budget")
	ErrOutOfMemory      = errors.New("sandbox: module exhausted its memory budget")
	ErrFunctionNotFound = errors.New("sandbox: exported function not found")
)

// wasmPageSize is the WebAssembly linear-memory page size in bytes, used
// to convert api.Memory.Size() (bytes) back into the pages units
// ModuleOptions.MaxMemoryPages is expressed in.
const wasmPageSize = 65536

// ModuleState is a loaded module's position in its execution lifecycle.
type ModuleState string

// ModuleState values.
const (
	ModuleLoaded  ModuleState = "loaded"
	ModuleStarted ModuleState = "started"
	ModuleStopped ModuleState = "stopped"
	ModuleFailed  ModuleState = "failed"
)

// ModuleOptions bounds one module instance's resource budget.
type ModuleOptions struct {
	// MaxMemoryPages caps linear memory (64KiB pages).
	MaxMemoryPages uint32

	// FuelLimit bounds the number of guest/host function calls the
	// module may make before it traps with ErrOutOfFuel. wazero has no
	// public instruction counter, so fuel here is metered per function
	// call via experimental.FunctionListenerFactory rather than per
	// instruction.
	FuelLimit uint64

	// AutoStart transitions the module straight to Started on load by
	// invoking "_start" or "_initialize" if exported.
	AutoStart bool

	// CallTimeout bounds each CallFunction invocation.
	CallTimeout time.Duration
}

// DefaultModuleOptions returns a moderate budget suitable for a
// normally-trusted plugin module.
func DefaultModuleOptions() ModuleOptions {
	return ModuleOptions{
		MaxMemoryPages: 256, // 16 MiB
		FuelLimit:      10_000_000,
		CallTimeout:    10 * time.Second,
	}
}

// ModuleSummary is a point-in-time view of a loaded module.
type ModuleSummary struct {
	ID       string
	PluginID string
	State    ModuleState
	LoadedAt time.Time
}

// ModuleHandle is one loaded, independently isolated WASM module.
type ModuleHandle struct {
	id       string
	pluginID string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	instance api.Module
	options  ModuleOptions
	loadedAt time.Time

	mu      sync.Mutex
	state   ModuleState
	failure error
	fuel    uint64
}

// ID returns the handle's module id, as used by CallFunction,
// ReadMemory, WriteMemory, and StopModule.
func (h *ModuleHandle) ID() string {
	return h.id
}

// PermissionChecker is the subset of the Permission Manager the host
// needs to gate import linking. Declared locally, rather than importing
// the permission package, so sandbox stays free to depend on permission
// without the reverse also being true.
type PermissionChecker interface {
	HasPermission(pluginID string, category capability.Category, scope string) bool
}

// ModuleHost loads and runs WASM modules with imports gated by a
// plugin's granted permissions. Each module gets its own wazero.Runtime
// so that per-plugin import linking never collides across plugins that
// both import the "pluginhost" module name.
type ModuleHost struct {
	permissions PermissionChecker
	services    *HostServices

	mu      sync.RWMutex
	modules map[string]*ModuleHandle
	nextID  uint64
}

// NewModuleHost creates a ModuleHost. permissions may be nil, in which
// case every capability-gated import is denied.
func NewModuleHost(permissions PermissionChecker, services *HostServices) *ModuleHost {
	if services == nil {
		services = NewIsolatedServices(nil)
	}
	return &ModuleHost{
		permissions: permissions,
		services:    services,
		modules:     make(map[string]*ModuleHandle),
	}
}

// LoadModuleFromFile reads wasm bytes from path and loads them.
func (h *ModuleHost) LoadModuleFromFile(ctx context.Context, pluginID, path string, options ModuleOptions) (*ModuleHandle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module file: %w", err)
	}
	return h.LoadModuleFromBytes(ctx, pluginID, data, options)
}

// LoadModuleFromBytes compiles and instantiates a module for pluginID in
// its own isolated runtime, linking each pluginhost host function only
// if the plugin currently holds its RequiredCapability.
func (h *ModuleHost) LoadModuleFromBytes(ctx context.Context, pluginID string, wasm []byte, options ModuleOptions) (*ModuleHandle, error) {
	if options.MaxMemoryPages == 0 {
		options = DefaultModuleOptions()
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(options.MaxMemoryPages)

	runtime := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("%w: instantiating WASI: %w", ErrModuleFailed, err)
	}

	if err := h.linkHostModule(ctx, runtime, pluginID); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("%w: linking host functions: %w", ErrModuleFailed, err)
	}

	handle := &ModuleHandle{
		id:       h.allocID(),
		pluginID: pluginID,
		runtime:  runtime,
		options:  options,
		loadedAt: time.Now(),
		state:    ModuleLoaded,
		fuel:     options.FuelLimit,
	}

	// wazero attaches function listeners when a module is compiled, so the
	// fuel listener factory must be on the context passed to CompileModule.
	fuelCtx := experimental.WithFunctionListenerFactory(ctx, fuelListenerFactory{handle: handle})

	compiled, err := runtime.CompileModule(fuelCtx, wasm)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("%w: compiling module: %w", ErrModuleFailed, err)
	}
	handle.compiled = compiled

	modConfig := wazero.NewModuleConfig().WithName(handle.id)
	instance, err := runtime.InstantiateModule(fuelCtx, compiled, modConfig)
	if err != nil {
		handle.state = ModuleFailed
		handle.failure = err
		_ = compiled.Close(ctx)
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("%w: instantiating module: %w", ErrModuleFailed, err)
	}
	handle.instance = instance

	h.mu.Lock()
	h.modules[handle.id] = handle
	h.mu.Unlock()

	if options.AutoStart {
		if err := h.startIfExported(fuelCtx, handle); err != nil {
			return handle, err
		}
	}

	return handle, nil
}

func (h *ModuleHost) allocID() string {
	n := atomic.AddUint64(&h.nextID, 1)
	return "module-" + strconv.FormatUint(n, 10)
}

func (h *ModuleHost) startIfExported(ctx context.Context, handle *ModuleHandle) error {
	for _, name := range []string{"_start", "_initialize"} {
		if fn := handle.instance.ExportedFunction(name); fn != nil {
			if _, err := callRecoveringFuelPanic(fn, ctx, nil); err != nil {
				handle.mu.Lock()
				handle.state = ModuleFailed
				handle.failure = err
				handle.mu.Unlock()
				if errors.Is(err, errOutOfFuel) {
					return fmt.Errorf("%w: start function %q", ErrOutOfFuel, name)
				}
				return fmt.Errorf("%w: start function %q: %w", ErrModuleFailed, name, err)
			}
			break
		}
	}
	handle.mu.Lock()
	handle.state = ModuleStarted
	handle.mu.Unlock()
	return nil
}

// callRecoveringFuelPanic invokes fn, converting a fuel-exhaustion panic
// raised from the Before listener hook into errOutOfFuel rather than
// letting it unwind past this call. wazero propagates listener panics to
// the caller of Call rather than absorbing them itself, so this is the
// boundary that must recover them.
func callRecoveringFuelPanic(fn api.Function, ctx context.Context, args []uint64) (results []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if recovered, ok := r.(error); ok && errors.Is(recovered, errOutOfFuel) {
				err = errOutOfFuel
				return
			}
			panic(r)
		}
	}()
	return fn.Call(ctx, args...)
}

// CallFunction invokes an exported function by name with raw WASM
// arguments. The first successful or auto-started call transitions the
// module Loaded -> Started; any instantiation or call error transitions
// it to Failed.
func (h *ModuleHost) CallFunction(ctx context.Context, moduleID, name string, args []uint64) ([]uint64, error) {
	handle, err := h.get(moduleID)
	if err != nil {
		return nil, err
	}

	handle.mu.Lock()
	if handle.state == ModuleStopped {
		handle.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrModuleStopped, moduleID)
	}
	if handle.state == ModuleFailed {
		handle.mu.Unlock()
		return nil, fmt.Errorf("%w: %q: %w", ErrModuleFailed, moduleID, handle.failure)
	}
	handle.mu.Unlock()

	fn := handle.instance.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: %q on module %q", ErrFunctionNotFound, name, moduleID)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if handle.options.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, handle.options.CallTimeout)
		defer cancel()
	}
	callCtx = experimental.WithFunctionListenerFactory(callCtx, fuelListenerFactory{handle: handle})

	// Serialize calls per module: the teacher's sandbox model runs one
	// goroutine per execution, and wazero instances aren't safe for
	// concurrent calls from multiple goroutines.
	handle.mu.Lock()
	defer handle.mu.Unlock()

	results, err := callRecoveringFuelPanic(fn, callCtx, args)
	if err != nil {
		if errors.Is(err, errOutOfFuel) {
			handle.state = ModuleFailed
			handle.failure = ErrOutOfFuel
			return nil, fmt.Errorf("%w: module %q", ErrOutOfFuel, moduleID)
		}
		if isMemoryExhausted(handle) {
			handle.state = ModuleFailed
			handle.failure = ErrOutOfMemory
			return nil, fmt.Errorf("%w: module %q: %w", ErrOutOfMemory, moduleID, err)
		}
		handle.state = ModuleFailed
		handle.failure = err
		return nil, fmt.Errorf("%w: calling %q: %w", ErrModuleFailed, name, err)
	}

	if handle.state == ModuleLoaded {
		handle.state = ModuleStarted
	}
	return results, nil
}

// isMemoryExhausted reports whether handle's linear memory has grown to
// its configured ceiling. wazero's WithMemoryLimitPages enforces
// MaxMemoryPages at the runtime level by failing the guest's memory.grow
// instruction directly, the ordinary WASM way, rather than surfacing a
// distinguishable Go error from Call — so a call that already sits at
// the memory ceiling and then errors is classified as ErrOutOfMemory
// instead of the generic ErrModuleFailed; this is the one signal the
// host has to tell the two trap causes apart.
func isMemoryExhausted(handle *ModuleHandle) bool {
	mem := handle.instance.Memory()
	if mem == nil {
		return false
	}
	return uint64(mem.Size())/wasmPageSize >= uint64(handle.options.MaxMemoryPages)
}

// ReadMemory copies length bytes from the module's linear memory at
// offset.
func (h *ModuleHost) ReadMemory(moduleID string, offset, length uint32) ([]byte, error) {
	handle, err := h.get(moduleID)
	if err != nil {
		return nil, err
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()

	mem := handle.instance.Memory()
	if mem == nil {
		return nil, fmt.Errorf("%w: %q has no memory", ErrModuleFailed, moduleID)
	}
	data, ok := mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("sandbox: memory read out of range for module %q", moduleID)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteMemory writes data into the module's linear memory at offset.
func (h *ModuleHost) WriteMemory(moduleID string, offset uint32, data []byte) error {
	handle, err := h.get(moduleID)
	if err != nil {
		return err
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()

	mem := handle.instance.Memory()
	if mem == nil {
		return fmt.Errorf("%w: %q has no memory", ErrModuleFailed, moduleID)
	}
	if !mem.Write(offset, data) {
		return fmt.Errorf("sandbox: memory write out of range for module %q", moduleID)
	}
	return nil
}

// StopModule tears down a module's isolated runtime and marks it
// Stopped.
func (h *ModuleHost) StopModule(moduleID string) error {
	h.mu.Lock()
	handle, ok := h.modules[moduleID]
	if ok {
		delete(h.modules, moduleID)
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrModuleNotFound, moduleID)
	}

	handle.mu.Lock()
	handle.state = ModuleStopped
	handle.mu.Unlock()

	ctx := context.Background()
	_ = handle.compiled.Close(ctx)
	return handle.runtime.Close(ctx)
}

// ListModules summarizes every module currently loaded.
func (h *ModuleHost) ListModules() []ModuleSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	summaries := make([]ModuleSummary, 0, len(h.modules))
	for _, handle := range h.modules {
		handle.mu.Lock()
		summaries = append(summaries, ModuleSummary{
			ID:       handle.id,
			PluginID: handle.pluginID,
			State:    handle.state,
			LoadedAt: handle.loadedAt,
		})
		handle.mu.Unlock()
	}
	return summaries
}

func (h *ModuleHost) get(moduleID string) (*ModuleHandle, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	handle, ok := h.modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, moduleID)
	}
	return handle, nil
}

// errOutOfFuel is the sentinel recovered from a host function's fuel
// panic and converted into ErrOutOfFuel at the CallFunction boundary.
var errOutOfFuel = errors.New("sandbox: fuel exhausted")

// fuelListenerFactory meters fuel by counting function invocations.
// wazero's public API has no instruction-level counter, so this charges
// one unit of fuel per guest or host function call entered — a coarser
// but real and available metering primitive.
type fuelListenerFactory struct {
	handle *ModuleHandle
}

func (f fuelListenerFactory) NewListener(_ api.FunctionDefinition) experimental.FunctionListener {
	return fuelListener{handle: f.handle}
}

type fuelListener struct {
	handle *ModuleHandle
}

func (fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (l fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) context.Context {
	if l.handle.options.FuelLimit == 0 {
		return ctx
	}
	remaining := atomic.AddUint64(&l.handle.fuel, ^uint64(0)) // fuel--
	if remaining == ^uint64(0) {
		// underflowed past zero: fuel was already exhausted
		panic(errOutOfFuel)
	}
	return ctx
}
