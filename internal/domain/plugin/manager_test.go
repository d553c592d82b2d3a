package plugin

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/logging"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/permstore"
	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/monitor"
	"github.com/felixgeelhaar/pluginhost/internal/domain/permission"
	"github.com/felixgeelhaar/pluginhost/internal/domain/sandbox"
	"github.com/felixgeelhaar/pluginhost/internal/domain/signature"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
	"github.com/stretchr/testify/require"
)

// nopSampler is the monitor.Sampler test double: the manager tests care
// about lifecycle transitions, not real OS resource sampling.
type nopSampler struct{}

func (nopSampler) Sample(_ context.Context, _ uint32, _ monitor.ResourceType) (float64, error) {
	return 0, nil
}

func newTestManager(t *testing.T, trustLevel signature.TrustLevel, prompt ports.Prompt) (*Manager, *signature.TrustStore) {
	t.Helper()

	dataDir := t.TempDir()

	trust := signature.NewTrustStore()
	verifier := signature.NewVerifier(trust)

	store, err := permstore.NewStore(filepath.Join(dataDir, "tokens"))
	require.NoError(t, err)

	if prompt == nil {
		prompt = ports.AutoDenyPrompt{}
	}
	perms, err := permission.NewManager(store, prompt, permission.EnforcementNormal)
	require.NoError(t, err)

	logger := logging.NewNopLogger()
	native := sandbox.NewNativeSandbox(logger)
	wasm := sandbox.NewModuleHost(nil, sandbox.NewIsolatedServices(nil))

	mon, err := monitor.NewMonitor(monitor.DefaultConfig(), nopSampler{}, native, logger)
	require.NoError(t, err)

	mgr, err := NewManager(dataDir, verifier, trustLevel, perms, native, wasm, mon, logger)
	require.NoError(t, err)
	return mgr, trust
}

// scriptEntryPoint is the relative name of the executable a native test
// plugin runs: a trivial shell script that exits immediately, so Start
// can exec a real process without depending on any external binary.
const scriptEntryPoint = "run.sh"

func scriptContents() []byte {
	if runtime.GOOS == "windows" {
		return []byte("@echo off\r\n")
	}
	return []byte("#!/bin/sh\nexit 0\n")
}

// buildSignedArchive packs a manifest, an executable entry point, and a
// detached signature envelope (signed over the sorted-path concatenation
// of every non-metadata entry, matching buildPayload) into a zip archive
// plus its .sig sidecar. It returns the archive path.
func buildSignedArchive(t *testing.T, dir string, mf Manifest, leafKey ed25519.PrivateKey, leafDER []byte, tamper bool) string {
	t.Helper()

	manifestJSON, err := json.Marshal(mf)
	require.NoError(t, err)

	entryBody := scriptContents()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mfWriter, err := zw.Create(manifestEntryName)
	require.NoError(t, err)
	_, err = mfWriter.Write(manifestJSON)
	require.NoError(t, err)

	hdr := &zip.FileHeader{Name: scriptEntryPoint, Method: zip.Deflate}
	hdr.SetMode(0o755)
	entryWriter, err := zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = entryWriter.Write(entryBody)
	require.NoError(t, err)

	require.NoError(t, zw.Close())

	archivePath := filepath.Join(dir, mf.ID+".zip")
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	payload := entryBody
	if tamper {
		payload = append([]byte{0x00}, payload...)
	}
	env, err := signature.Sign(payload, signature.Signer{
		Algorithm:       signature.AlgorithmEd25519SHA512,
		Ed25519Key:      leafKey,
		LeafCertificate: leafDER,
	})
	require.NoError(t, err)

	envJSON, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archivePath+".sig", envJSON, 0o644))

	return archivePath
}

func testManifest(id string) Manifest {
	return Manifest{
		ID:         id,
		Name:       "Test Plugin",
		Version:    "1.0.0",
		Vendor:     "acme",
		PluginType: TypeNative,
		EntryPoint: scriptEntryPoint,
		Permissions: []permission.Descriptor{
			{Category: capability.CategoryFilesystem, Scope: "/tmp", Write: false, Reason: "read config"},
		},
	}
}

// issueTestChain builds a minimal self-signed root and a leaf certificate
// signed by it, both holding ed25519 keys — grounded on
// internal/domain/signature/verify_test.go's issueChain helper, inlined
// here since that helper is package-private to signature.
func issueTestChain(t *testing.T) (leafDER []byte, leafKey ed25519.PrivateKey) {
	t.Helper()

	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, rootPub, rootPriv)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafPub, leafPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leafDER, err = x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, leafPub, rootPriv)
	require.NoError(t, err)

	return leafDER, leafPriv
}

func TestManager_InstallStartStopUninstall_HappyPath(t *testing.T) {
	dir := t.TempDir()
	leafDER, leafKey := issueTestChain(t)

	mgr, _ := newTestManager(t, signature.TrustBasic, nil)

	mf := testManifest("acme.test-plugin")
	// Filesystem-read is not a dangerous capability, so the Normal
	// enforcement policy always-allows it without a prompt.
	archive := buildSignedArchive(t, dir, mf, leafKey, leafDER, false)

	ctx := context.Background()
	rec, err := mgr.Install(ctx, archive)
	require.NoError(t, err)
	require.Equal(t, StatePermissionsGranted, rec.State)
	require.NotEmpty(t, rec.TokenID)

	require.NoError(t, mgr.Start(ctx, mf.ID))

	recs := mgr.List()
	require.Len(t, recs, 1)
	require.Equal(t, StateRunning, recs[0].State)

	require.NoError(t, mgr.Stop(ctx, mf.ID))
	// Stop is idempotent.
	require.NoError(t, mgr.Stop(ctx, mf.ID))

	require.NoError(t, mgr.Uninstall(ctx, mf.ID))
	require.False(t, mgr.HasPlugin(mf.ID))
	// Uninstall of an absent plugin is a no-op success.
	require.NoError(t, mgr.Uninstall(ctx, mf.ID))
}

func TestManager_Install_TamperedPayloadRejected(t *testing.T) {
	dir := t.TempDir()
	leafDER, leafKey := issueTestChain(t)

	mgr, _ := newTestManager(t, signature.TrustBasic, nil)

	mf := testManifest("acme.tampered")
	archive := buildSignedArchive(t, dir, mf, leafKey, leafDER, true)

	rec, err := mgr.Install(context.Background(), archive)
	require.Error(t, err)
	require.Nil(t, rec)
	require.True(t, IsSignatureError(err))
	require.False(t, mgr.HasPlugin(mf.ID))
}

func TestManager_Install_PathTraversalRejected(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../../etc/passwd")
	require.NoError(t, err)
	_, err = w.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	archive := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	mgr, _ := newTestManager(t, signature.TrustNone, nil)
	rec, err := mgr.Install(context.Background(), archive)
	require.Error(t, err)
	require.Nil(t, rec)
	require.True(t, IsPathTraversal(err))
}

func TestManager_Install_RequiredPermissionDeniedLeavesVerifiedRecord(t *testing.T) {
	dir := t.TempDir()
	leafDER, leafKey := issueTestChain(t)

	mgr, _ := newTestManager(t, signature.TrustBasic, ports.AutoDenyPrompt{})

	mf := testManifest("acme.denied")
	mf.Permissions = []permission.Descriptor{
		// System is a dangerous capability: under Normal enforcement it is
		// routed to the prompt, which AutoDenyPrompt always denies.
		{Category: capability.CategorySystem, Scope: "settings", Reason: "needs system access", Required: true},
	}
	archive := buildSignedArchive(t, dir, mf, leafKey, leafDER, false)

	rec, err := mgr.Install(context.Background(), archive)
	require.Error(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StateVerified, rec.State)
	require.Empty(t, rec.TokenID)
	require.True(t, mgr.HasPlugin(mf.ID))
}

func TestManager_Start_UnknownPlugin(t *testing.T) {
	mgr, _ := newTestManager(t, signature.TrustNone, nil)
	err := mgr.Start(context.Background(), "does.not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Stop_UnknownPlugin(t *testing.T) {
	mgr, _ := newTestManager(t, signature.TrustNone, nil)
	err := mgr.Stop(context.Background(), "does.not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestManager_ResourceLimitTerminate_TransitionsToFailedResourceExceeded
// covers scenario 5: a Resource Monitor breach with Action = Terminate
// kills the sandboxed process and the Manager records
// Failed(ResourceExceeded), all within one MeasurementWindow +
// MonitoringInterval. handleLimitEvent is exactly what NewManager wires
// into the Monitor via OnLimitEvent, so invoking it directly here
// exercises the same path the Monitor's background goroutine would.
func TestManager_ResourceLimitTerminate_TransitionsToFailedResourceExceeded(t *testing.T) {
	dir := t.TempDir()
	leafDER, leafKey := issueTestChain(t)

	mgr, _ := newTestManager(t, signature.TrustBasic, nil)

	mf := testManifest("acme.resource-exceeded")
	archive := buildSignedArchive(t, dir, mf, leafKey, leafDER, false)

	ctx := context.Background()
	_, err := mgr.Install(ctx, archive)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, mf.ID))

	mgr.handleLimitEvent(monitor.LimitEvent{
		PluginID:     mf.ID,
		ResourceType: monitor.MemoryUsage,
		ActualValue:  512,
		Limit:        256,
		Action:       monitor.ActionTerminate,
	})

	rec, ok := mgr.registry.Get(mf.ID)
	require.True(t, ok)
	require.Equal(t, StateFailed, rec.State)
	require.Equal(t, FailureResourceExceeded, rec.FailureKind)

	recs := mgr.List()
	require.Len(t, recs, 1)
	require.Equal(t, StateFailed, recs[0].State)
}

// TestManager_ResourceLimitLogAction_LeavesPluginRunning confirms only a
// Terminate breach drives the lifecycle transition: Log/Notify/Throttle
// breaches are handled entirely inside the Monitor and leave the plugin
// Running.
func TestManager_ResourceLimitLogAction_LeavesPluginRunning(t *testing.T) {
	dir := t.TempDir()
	leafDER, leafKey := issueTestChain(t)

	mgr, _ := newTestManager(t, signature.TrustBasic, nil)

	mf := testManifest("acme.resource-log-only")
	archive := buildSignedArchive(t, dir, mf, leafKey, leafDER, false)

	ctx := context.Background()
	_, err := mgr.Install(ctx, archive)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, mf.ID))

	mgr.handleLimitEvent(monitor.LimitEvent{
		PluginID:     mf.ID,
		ResourceType: monitor.CpuUsage,
		ActualValue:  90,
		Limit:        80,
		Action:       monitor.ActionLog,
	})

	rec, ok := mgr.registry.Get(mf.ID)
	require.True(t, ok)
	require.Equal(t, StateRunning, rec.State)
}

// TestManager_MonitorStoppedProcessGone_TransitionsToFailedCrashed covers
// the Monitor's other failure path: it gives up sampling a plugin whose
// process is gone, and the Manager records Failed(Crashed).
func TestManager_MonitorStoppedProcessGone_TransitionsToFailedCrashed(t *testing.T) {
	dir := t.TempDir()
	leafDER, leafKey := issueTestChain(t)

	mgr, _ := newTestManager(t, signature.TrustBasic, nil)

	mf := testManifest("acme.process-gone")
	archive := buildSignedArchive(t, dir, mf, leafKey, leafDER, false)

	ctx := context.Background()
	_, err := mgr.Install(ctx, archive)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, mf.ID))

	mgr.handleMonitorStopped(monitor.MonitorStoppedEvent{
		PluginID: mf.ID,
		Reason:   monitor.ReasonProcessGone,
	})

	rec, ok := mgr.registry.Get(mf.ID)
	require.True(t, ok)
	require.Equal(t, StateFailed, rec.State)
	require.Equal(t, FailureCrashed, rec.FailureKind)
}
