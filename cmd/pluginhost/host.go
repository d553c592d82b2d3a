package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/logging"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/permstore"
	"github.com/felixgeelhaar/pluginhost/internal/domain/hostconfig"
	"github.com/felixgeelhaar/pluginhost/internal/domain/monitor"
	"github.com/felixgeelhaar/pluginhost/internal/domain/permission"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
	"github.com/felixgeelhaar/pluginhost/internal/domain/sandbox"
	"github.com/felixgeelhaar/pluginhost/internal/domain/signature"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// noopSampler stands in for an OS-level resource sampler. Wiring a real
// per-process CPU/memory sampler means reaching into /proc or the
// Windows PSAPI, which is out of this CLI's scope; the Resource Monitor
// still runs its eviction/breach-detection logic against whatever a
// Sampler reports, just always zero here.
type noopSampler struct{}

func (noopSampler) Sample(_ context.Context, _ uint32, _ monitor.ResourceType) (float64, error) {
	return 0, nil
}

// buildManager wires every L1-L8 collaborator from the resolved
// hostconfig.Config into one plugin.Manager, the shape every subcommand
// in this CLI operates against.
func buildManager(ctx context.Context) (*plugin.Manager, error) {
	yamlPath := cfgFile
	if yamlPath == "" {
		yamlPath = filepath.Join(hostconfig.Default().DataDir, "host.yaml")
	}

	cfg, err := hostconfig.Load(yamlPath, iniFile)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: loading config: %w", err)
	}

	logger := logging.NewConsoleLogger()
	if verbose {
		logger.SetLevel(ports.LevelDebug)
	} else {
		logger.SetLevel(ports.LevelInfo)
	}

	trust := signature.NewTrustStore()
	bundlePath := filepath.Join(cfg.DataDir, "config", "trusted_roots.toml")
	pemDir := filepath.Join(cfg.DataDir, ".permissions", "trusted_roots")
	if err := hostconfig.LoadTrustBundle(trust, bundlePath, pemDir); err != nil {
		return nil, fmt.Errorf("pluginhost: loading trust bundle: %w", err)
	}
	verifier := signature.NewVerifier(trust)

	tokenStore, err := permstore.NewStore(filepath.Join(cfg.DataDir, ".permissions", "tokens"))
	if err != nil {
		return nil, fmt.Errorf("pluginhost: opening permission store: %w", err)
	}

	csp, err := cfg.SecurityPolicy()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: building content security policy: %w", err)
	}

	perms, err := permission.NewManager(tokenStore, ports.AutoDenyPrompt{}, cfg.Enforcement, permission.WithCSP(csp))
	if err != nil {
		return nil, fmt.Errorf("pluginhost: creating permission manager: %w", err)
	}

	native := sandbox.NewNativeSandbox(logger)
	wasm := sandbox.NewModuleHost(perms, sandbox.NewIsolatedServices(nil))

	mon, err := monitor.NewMonitor(cfg.MonitorConfig(), noopSampler{}, native, logger)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: creating resource monitor: %w", err)
	}
	mon.Start(ctx)

	mgr, err := plugin.NewManager(cfg.DataDir, verifier, signature.TrustBasic, perms, native, wasm, mon, logger)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: creating plugin manager: %w", err)
	}
	return mgr, nil
}
