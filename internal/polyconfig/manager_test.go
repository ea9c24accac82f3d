package polyconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), logging.New("polyconfig"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestReadMissingFileYieldsEmptyTree(t *testing.T) {
	m := newTestManager(t)
	tree, err := m.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(tree.Bytes()) != "{}" {
		t.Fatalf("expected empty object, got %s", tree.Bytes())
	}
}

func TestWriteReadRoundTripObfuscatesPassword(t *testing.T) {
	m := newTestManager(t)
	tree := model.NewConfigTree(nil)
	if err := tree.Set("elements.http.password", "swordfish"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tree.Set("elements.isy.password", "hunter2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Write(tree); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := m.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := raw.Get("elements.http.password").String(); got != "swordfish" {
		t.Fatalf("http password = %q, want swordfish", got)
	}
	if got := raw.Get("elements.isy.password").String(); got != "hunter2" {
		t.Fatalf("isy password = %q, want hunter2", got)
	}
}

func TestWritePersistsObfuscatedOnDisk(t *testing.T) {
	m := newTestManager(t)
	tree := model.NewConfigTree(nil)
	if err := tree.Set("elements.http.password", "swordfish"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Write(tree); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("read on-disk file: %v", err)
	}
	if strings.Contains(string(data), "swordfish") {
		t.Fatal("plaintext password must not appear on disk")
	}
}

func TestNodeServerSandboxCreatesDir(t *testing.T) {
	m := newTestManager(t)
	sandbox, err := m.NodeServerSandbox("n001")
	if err != nil {
		t.Fatalf("NodeServerSandbox: %v", err)
	}
	if filepath.Base(sandbox) != "n001" {
		t.Fatalf("sandbox = %s, want basename n001", sandbox)
	}
}
