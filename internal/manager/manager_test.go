package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/polyconfig"
	"github.com/udi/polyglot/internal/restclient"
	"github.com/udi/polyglot/internal/router"
)

// writePlatform creates a platform directory under dir/platform with a
// server.json whose executable is "sleep" — a real, long-lived child
// process that never writes anything to stdout, so these tests exercise
// spawn/register/kill without a stand-in that would echo control
// messages like "exit" back as if the child had requested them itself.
func writePlatform(t *testing.T, dir, platform string) {
	t.Helper()
	platformDir := filepath.Join(dir, platform)
	if err := os.MkdirAll(platformDir, 0o755); err != nil {
		t.Fatalf("mkdir platform dir: %v", err)
	}
	manifest := ServerDefinition{Type: platform, Executable: "sleep", Args: []string{"100"}}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(platformDir, "server.json"), data, 0o644); err != nil {
		t.Fatalf("write server.json: %v", err)
	}
}

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	configDir := t.TempDir()
	platformsDir := t.TempDir()
	writePlatform(t, platformsDir, "echo-ns")

	cfgMgr, err := polyconfig.New(configDir, logging.New("test"))
	if err != nil {
		t.Fatalf("polyconfig.New: %v", err)
	}
	rest := restclient.New(restclient.Config{Scheme: "http", Host: "127.0.0.1", Port: 3000, Timeout: time.Second}, logging.New("test"))

	m, err := New(Deps{
		PlatformsDir: platformsDir,
		Config:       cfgMgr,
		Rest:         rest,
		Privilege:    router.NewPrivilege(),
		Log:          logging.New("test"),
		ListenAddr:   ":0",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, platformsDir
}

func TestStartServerAssignsBaseKeyAndRegisters(t *testing.T) {
	m, _ := testManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base, err := m.StartServer(ctx, "echo-ns", 7, "Echo Server", "", nil)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	if len(base) != 5 {
		t.Fatalf("expected a 5-character base key, got %q", base)
	}

	snap, ok := m.snapshot(base)
	if !ok {
		t.Fatalf("expected %s to be registered", base)
	}
	if snap.Name != "Echo Server" || snap.ProfileNumber != 7 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStartServerRejectsDuplicateBaseKey(t *testing.T) {
	m, _ := testManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.StartServer(ctx, "echo-ns", 1, "First", "abcde", nil); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	if _, err := m.StartServer(ctx, "echo-ns", 2, "Second", "abcde", nil); err == nil {
		t.Fatal("expected duplicate base key to be rejected")
	}
}

func TestStartServerUnknownPlatformReturnsError(t *testing.T) {
	m, _ := testManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.StartServer(ctx, "does-not-exist", 1, "Ghost", "", nil); err == nil {
		t.Fatal("expected an error for a platform with no server.json")
	}
}

func TestConfigViewReflectsRunningServers(t *testing.T) {
	m, _ := testManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base, err := m.StartServer(ctx, "echo-ns", 3, "Echo Server", "", nil)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	view := m.ConfigView()
	if len(view) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(view))
	}
	if view[0]["base_key"] != base || view[0]["platform"] != "echo-ns" {
		t.Fatalf("unexpected config view entry: %+v", view[0])
	}
}

func TestDeleteRemovesServerFromRegistry(t *testing.T) {
	m, _ := testManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base, err := m.StartServer(ctx, "echo-ns", 1, "Echo Server", "", nil)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	// "sleep" never reacts to the "exit" message, so deletion here
	// exercises the grace-expiry kill fallback rather than the
	// natural-exit path.
	if err := m.Delete(base); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := m.snapshot(base); ok {
		t.Fatalf("expected %s to be removed from the registry", base)
	}
}

func TestUnloadStopsAllServersInParallel(t *testing.T) {
	m, _ := testManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var bases []string
	for i := 0; i < 3; i++ {
		base, err := m.StartServer(ctx, "echo-ns", i+1, "Echo Server", "", nil)
		if err != nil {
			t.Fatalf("StartServer: %v", err)
		}
		bases = append(bases, base)
	}

	start := time.Now()
	if err := m.Unload(); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	// Three servers shutting down in parallel should take roughly one
	// grace period, not three back-to-back ones.
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("Unload took %s, expected shutdowns to overlap", elapsed)
	}

	for _, base := range bases {
		if _, ok := m.snapshot(base); ok {
			t.Fatalf("expected %s to be removed after Unload", base)
		}
	}
}
