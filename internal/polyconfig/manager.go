// Package polyconfig persists Polyglot's on-disk configuration.json: the
// controller connection settings, per-server entries, and whatever opaque
// sub-trees node servers have stored via "config" messages. It owns
// password obfuscation, stable key ordering, atomic writes, and the
// serialized-writer gate described in spec.md §4.G.
package polyconfig

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
)

const configFileName = "configuration.json"

// writeGateAttempts and writeGatePoll mirror the original's 5-attempt,
// 1-second poll for a writer already in flight.
const (
	writeGateAttempts = 5
	writeGatePoll     = 1 * time.Second
)

// Manager owns the single configuration.json in a config directory. It is
// safe for concurrent use; writes are serialized by an in-process gate
// rather than a filesystem lock, since exactly one Polyglot process ever
// owns a config directory at a time.
type Manager struct {
	dir  string
	path string
	log  *logging.Logger

	mu      sync.Mutex
	writing bool
}

// New creates a Manager rooted at dir. dir is created if it does not
// already exist.
func New(dir string, log *logging.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Manager{
		dir:  dir,
		path: filepath.Join(dir, configFileName),
		log:  log,
	}, nil
}

// Read loads configuration.json, decoding any obfuscated password fields.
// A missing file is not an error: it yields an empty tree, matching a
// fresh install.
func (m *Manager) Read() (*model.ConfigTree, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return model.NewConfigTree(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	tree := model.NewConfigTree(data)
	if err := decodePasswords(tree); err != nil {
		return nil, err
	}
	m.log.Debug("read configuration file")
	return tree, nil
}

// Write obfuscates password fields, serializes the tree with stable key
// order, and atomically replaces configuration.json with mode 0600.
// Write blocks briefly if another Write is already in flight, giving up
// after writeGateAttempts polls.
func (m *Manager) Write(tree *model.ConfigTree) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()

	encoded := model.NewConfigTree(append([]byte(nil), tree.Bytes()...))
	if err := encodePasswords(encoded); err != nil {
		return err
	}

	out, err := marshalOrdered(encoded.Ordered())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := atomicWrite(m.path, out, 0o600); err != nil {
		return err
	}
	m.log.Debug("wrote configuration file")
	return nil
}

func (m *Manager) acquire() error {
	for i := 0; i < writeGateAttempts; i++ {
		m.mu.Lock()
		if !m.writing {
			m.writing = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		time.Sleep(writeGatePoll)
	}
	return fmt.Errorf("could not write configuration file: busy")
}

func (m *Manager) release() {
	m.mu.Lock()
	m.writing = false
	m.mu.Unlock()
}

// MakePath joins path elements onto the config directory.
func (m *Manager) MakePath(elem ...string) string {
	return filepath.Join(append([]string{m.dir}, elem...)...)
}

// NodeServerSandbox creates (if absent) and returns the per-server sandbox
// directory a node server's process runs in.
func (m *Manager) NodeServerSandbox(baseKey string) (string, error) {
	sandbox := m.MakePath(baseKey)
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox %s: %w", baseKey, err)
	}
	return sandbox, nil
}

func decodePasswords(tree *model.ConfigTree) error {
	for _, path := range model.PasswordPaths {
		res := tree.Get(path)
		if !res.Exists() || res.String() == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(res.String())
		if err != nil {
			// Matches the original's tolerant decode: a value that was
			// never encoded (fresh config) is left as-is.
			continue
		}
		if err := tree.Set(path, string(decoded)); err != nil {
			return err
		}
	}
	return nil
}

func encodePasswords(tree *model.ConfigTree) error {
	for _, path := range model.PasswordPaths {
		res := tree.Get(path)
		if !res.Exists() {
			continue
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(res.String()))
		if err := tree.Set(path, encoded); err != nil {
			return err
		}
	}
	return nil
}

// marshalOrdered renders an OrderedMap tree with 4-space indentation. Keys
// come out in the document's own order as kept by the OrderedMap; they are
// not sorted alphabetically.
func marshalOrdered(om *orderedmap.OrderedMap[string, any]) ([]byte, error) {
	out, err := json.MarshalIndent(om, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// atomicWrite writes data to a temp file in the same directory as path and
// renames it into place, so a crash mid-write never leaves a truncated
// configuration.json behind.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp config into place: %w", err)
	}
	return nil
}
