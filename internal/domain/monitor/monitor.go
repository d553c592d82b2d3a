package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// tracked is one plugin's monitoring state: its process id, a circular
// buffer per resource type, the most recent sample per resource type,
// and whether each configured limit is currently in a breached state
// (for edge-triggered firing).
type tracked struct {
	processID uint32
	buffers   map[ResourceType]*ring
	current   map[ResourceType]float64
	breached  map[ResourceType]bool
	events    []LimitEvent
}

// Monitor samples resource usage for every tracked plugin on a single
// background timer and enforces the configured ResourceLimits by
// calling into a SandboxController. Construct with NewMonitor and start
// the background timer with Start; Close stops it.
type Monitor struct {
	cfg     Config
	sampler Sampler
	sandbox SandboxController
	logger  ports.Logger
	now     func() time.Time

	mu      sync.Mutex
	plugins map[string]*tracked

	onLimitEvent func(LimitEvent)
	onStopped    func(MonitorStoppedEvent)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a Monitor from cfg, validating every configured
// limit up front.
func NewMonitor(cfg Config, sampler Sampler, sandbox SandboxController, logger ports.Logger) (*Monitor, error) {
	if len(cfg.ResourcesToMonitor) == 0 {
		cfg.ResourcesToMonitor = AllResourceTypes()
	}
	for _, l := range cfg.Limits {
		if err := l.Validate(); err != nil {
			return nil, err
		}
	}

	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		sandbox: sandbox,
		logger:  logger,
		now:     time.Now,
		plugins: make(map[string]*tracked),
	}, nil
}

// OnLimitEvent registers the callback invoked after dispatch handles
// every edge-triggered limit breach, once the Monitor's own sandbox
// action (throttle/terminate) has already run. A caller that owns a
// plugin's lifecycle — the Plugin Manager, in this module — uses it to
// learn that a Terminate breach ended a process out from under it.
// Registering a second handler replaces the first.
func (m *Monitor) OnLimitEvent(handler func(LimitEvent)) {
	m.mu.Lock()
	m.onLimitEvent = handler
	m.mu.Unlock()
}

// OnStopped registers the callback invoked whenever the Monitor stops
// tracking a plugin on its own rather than via an explicit
// StopMonitoring call, e.g. because its process is gone.
func (m *Monitor) OnStopped(handler func(MonitorStoppedEvent)) {
	m.mu.Lock()
	m.onStopped = handler
	m.mu.Unlock()
}

// Start launches the background sampling timer. Calling Start twice
// without an intervening Close is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Close stops the background sampling timer and waits for it to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	interval := time.Duration(m.cfg.MonitoringIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// StartMonitoring begins tracking processID under pluginID. Fails with
// ErrAlreadyActive if pluginID is already tracked.
func (m *Monitor) StartMonitoring(pluginID string, processID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plugins[pluginID]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyActive, pluginID)
	}

	capacity := m.cfg.historyCapacity()
	buffers := make(map[ResourceType]*ring, len(m.cfg.ResourcesToMonitor))
	for _, rt := range m.cfg.ResourcesToMonitor {
		buffers[rt] = newRing(capacity)
	}

	m.plugins[pluginID] = &tracked{
		processID: processID,
		buffers:   buffers,
		current:   make(map[ResourceType]float64),
		breached:  make(map[ResourceType]bool),
	}
	return nil
}

// StopMonitoring stops tracking pluginID and discards its history.
func (m *Monitor) StopMonitoring(pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plugins[pluginID]; !ok {
		return fmt.Errorf("%w: %q", ErrNotMonitored, pluginID)
	}
	delete(m.plugins, pluginID)
	return nil
}

// Measure takes an immediate, out-of-band sample of one resource type
// for pluginID and records it alongside the background timer's
// samples.
func (m *Monitor) Measure(ctx context.Context, pluginID string, resourceType ResourceType) (*ResourceSample, error) {
	m.mu.Lock()
	t, ok := m.plugins[pluginID]
	processID := uint32(0)
	if ok {
		processID = t.processID
	}
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotMonitored, pluginID)
	}

	value, err := m.sampler.Sample(ctx, processID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSampleFailed, err)
	}

	sample := ResourceSample{
		PluginID:     pluginID,
		ResourceType: resourceType,
		Value:        value,
		Timestamp:    m.now(),
	}

	m.mu.Lock()
	if t, ok := m.plugins[pluginID]; ok {
		m.record(t, sample)
	}
	m.mu.Unlock()

	return &sample, nil
}

// GetUsageProfile returns the most recent sampled value for each
// resource type tracked for pluginID.
func (m *Monitor) GetUsageProfile(pluginID string) (*Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.plugins[pluginID]
	if !ok {
		return nil, false
	}

	current := make(map[ResourceType]float64, len(t.current))
	for rt, v := range t.current {
		current[rt] = v
	}
	return &Profile{PluginID: pluginID, current: current}, true
}

// GetLimitEvents returns the limit breaches recorded for pluginID since
// monitoring began, oldest first.
func (m *Monitor) GetLimitEvents(pluginID string) []LimitEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.plugins[pluginID]
	if !ok {
		return nil
	}
	return append([]LimitEvent(nil), t.events...)
}

// tick samples every tracked plugin's configured resource types and
// evaluates limits. Plugins are sampled independently; a failed sample
// for one plugin does not stop the others.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.sampleOne(ctx, id)
	}
}

func (m *Monitor) sampleOne(ctx context.Context, pluginID string) {
	m.mu.Lock()
	t, ok := m.plugins[pluginID]
	if !ok {
		m.mu.Unlock()
		return
	}
	processID := t.processID
	resourceTypes := make([]ResourceType, 0, len(t.buffers))
	for rt := range t.buffers {
		resourceTypes = append(resourceTypes, rt)
	}
	m.mu.Unlock()

	for _, rt := range resourceTypes {
		value, err := m.sampler.Sample(ctx, processID, rt)
		if err != nil {
			m.stopOnSampleFailure(ctx, pluginID, rt, err)
			return
		}

		sample := ResourceSample{
			PluginID:     pluginID,
			ResourceType: rt,
			Value:        value,
			Timestamp:    m.now(),
		}

		m.mu.Lock()
		t, ok := m.plugins[pluginID]
		if ok {
			m.record(t, sample)
		}
		m.mu.Unlock()
	}

	m.evaluateLimits(ctx, pluginID)
}

// stopOnSampleFailure reacts to a Sampler error for pluginID's process
// by ending monitoring for it and notifying the registered
// MonitorStoppedEvent handler, per the specification's "sampling never
// blocks the caller; if a sample cannot be taken (process gone) the
// Monitor stops that plugin's sampling" failure mode. A failed sample on
// one resource type ends monitoring for the whole plugin, since the
// underlying cause — the process is gone — applies to every resource
// type alike.
func (m *Monitor) stopOnSampleFailure(ctx context.Context, pluginID string, rt ResourceType, sampleErr error) {
	m.mu.Lock()
	delete(m.plugins, pluginID)
	handler := m.onStopped
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Warn(ctx, "monitor: sample failed, stopping monitoring",
			ports.F("plugin_id", pluginID), ports.F("resource_type", string(rt)), ports.F("error", sampleErr.Error()))
	}

	if handler != nil {
		handler(MonitorStoppedEvent{PluginID: pluginID, Reason: ReasonProcessGone, Timestamp: m.now()})
	}
}

// record appends sample to its buffer and updates the plugin's current
// usage snapshot. Caller holds m.mu.
func (m *Monitor) record(t *tracked, sample ResourceSample) {
	buf, ok := t.buffers[sample.ResourceType]
	if !ok {
		buf = newRing(m.cfg.historyCapacity())
		t.buffers[sample.ResourceType] = buf
	}
	buf.push(sample)
	t.current[sample.ResourceType] = sample.Value
}

// evaluateLimits computes the mean over each configured limit's
// MeasurementWindow and fires Action on an edge-triggered below-to-above
// crossing of HardLimit.
func (m *Monitor) evaluateLimits(ctx context.Context, pluginID string) {
	for _, limit := range m.cfg.Limits {
		m.mu.Lock()
		t, ok := m.plugins[pluginID]
		if !ok {
			m.mu.Unlock()
			return
		}
		buf, ok := t.buffers[limit.ResourceType]
		if !ok {
			m.mu.Unlock()
			continue
		}

		cutoff := m.now().Add(-limit.MeasurementWindow)
		mean, hasSamples := buf.meanSince(cutoff)
		if !hasSamples {
			m.mu.Unlock()
			continue
		}

		wasBreached := t.breached[limit.ResourceType]
		isBreached := mean >= limit.HardLimit

		if isBreached && !wasBreached {
			t.breached[limit.ResourceType] = true
			event := LimitEvent{
				PluginID:       pluginID,
				ResourceType:   limit.ResourceType,
				ActualValue:    mean,
				Limit:          limit.HardLimit,
				OveragePercent: overagePercent(mean, limit.HardLimit),
				Action:         limit.Action,
				Timestamp:      m.now(),
			}
			t.events = append(t.events, event)
			m.mu.Unlock()

			m.dispatch(ctx, pluginID, limit, event)
			continue
		}

		if !isBreached && wasBreached {
			t.breached[limit.ResourceType] = false
		}
		m.mu.Unlock()
	}
}

// throttledCPUPercentage is the CPU share a plugin's sandbox is cut down
// to when a limit's Action is ActionThrottle. It's a fixed, conservative
// value rather than a fraction of the breached limit, since the plugin
// has already shown it cannot stay under its configured limit.
const throttledCPUPercentage = 5

func overagePercent(actual, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return ((actual - limit) / limit) * 100
}

// dispatch executes a limit's configured Action. Terminate and Throttle
// call into the sandbox; this is the one place the Monitor is allowed
// to do so from its background goroutine. Once the action has run,
// any registered LimitEvent handler is notified — the Plugin Manager
// uses this to learn that a Terminate breach ended a process out from
// under it and transition that plugin's lifecycle accordingly.
func (m *Monitor) dispatch(ctx context.Context, pluginID string, limit ResourceLimit, event LimitEvent) {
	defer func() {
		m.mu.Lock()
		handler := m.onLimitEvent
		m.mu.Unlock()
		if handler != nil {
			handler(event)
		}
	}()

	switch limit.Action {
	case ActionLog:
		if m.logger != nil {
			m.logger.Warn(ctx, "monitor: resource limit breached",
				ports.F("plugin_id", pluginID), ports.F("resource_type", string(limit.ResourceType)),
				ports.F("actual", event.ActualValue), ports.F("limit", limit.HardLimit))
		}
	case ActionNotify:
		if m.logger != nil {
			m.logger.Info(ctx, "monitor: resource limit notification",
				ports.F("plugin_id", pluginID), ports.F("resource_type", string(limit.ResourceType)),
				ports.F("actual", event.ActualValue), ports.F("limit", limit.HardLimit))
		}
	case ActionThrottle:
		if m.sandbox == nil {
			return
		}
		if err := m.sandbox.Throttle(pluginID, throttledCPUPercentage); err != nil && m.logger != nil {
			m.logger.Error(ctx, "monitor: throttle failed", ports.F("plugin_id", pluginID), ports.F("error", err.Error()))
		}
	case ActionTerminate:
		if m.sandbox == nil {
			return
		}
		if err := m.sandbox.Terminate(pluginID); err != nil && m.logger != nil {
			m.logger.Error(ctx, "monitor: terminate failed", ports.F("plugin_id", pluginID), ports.F("error", err.Error()))
		}
	}
}
