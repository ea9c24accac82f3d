// Package manager owns the registry of running node servers: it is the
// one piece of Polyglot that knows how to go from a platform directory on
// disk to a running, supervised child process, and back down again.
// Grounded on original_source/polyglot/nodeserver_manager.py's
// NodeServerManager class (servers OrderedDict, start_server, load,
// delete, unload).
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/udi/polyglot/internal/httplistener"
	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
	"github.com/udi/polyglot/internal/polyconfig"
	"github.com/udi/polyglot/internal/restclient"
	"github.com/udi/polyglot/internal/router"
	"github.com/udi/polyglot/internal/supervisor"
	"github.com/udi/polyglot/internal/transport"
)

// unloadGrace mirrors the original's NS_QUIT_WAIT_TIME: how long unload
// waits for every child to report its own exit before killing stragglers.
const unloadGrace = 5 * time.Second

// ServerDefinition is a platform's server.json manifest: the pieces the
// Manager needs to spawn an instance of it. Node servers carry whatever
// else they like in server.json; Polyglot only reads these fields.
type ServerDefinition struct {
	Type       string   `json:"type"`
	Executable string   `json:"executable"`
	Args       []string `json:"args,omitempty"`

	// Broker, if set, selects the MQTT transport instead of stdio; Addr
	// is the broker URL (e.g. "tcp://localhost:1883").
	Broker *BrokerDefinition `json:"broker,omitempty"`
}

// BrokerDefinition selects and configures the MQTT transport for a
// platform that talks over a broker instead of stdio.
type BrokerDefinition struct {
	Addr           string        `json:"addr"`
	ConnectTimeout time.Duration `json:"-"`
}

// entry is the Manager's full bookkeeping for one running node server:
// the record the rest of Polyglot reads, and the goroutine-owning pieces
// only the Manager and its Supervisor touch.
type entry struct {
	record   *model.ServerRecord
	recordMu sync.Mutex

	platform string
	transport transport.Transport
	router    *router.Router
	supervisor *supervisor.Supervisor

	cancel context.CancelFunc
	done   chan struct{}
}

// Deps wires a Manager to the rest of Polyglot. All fields are required
// except Audit.
type Deps struct {
	// PlatformsDir holds one subdirectory per installable node-server
	// platform, each with a server.json manifest.
	PlatformsDir string

	Config    *polyconfig.Manager
	Rest      *restclient.Client
	Privilege *router.Privilege
	Log       *logging.Logger
	Audit     func(model.AuditEvent)

	ListenAddr string

	BrokerConnectTimeout time.Duration
}

// Manager owns the registry of running node servers and the shared
// state (config tree, REST client, manager privilege) every one of
// them's Router depends on.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	entries map[string]*entry

	configMu sync.Mutex
	config   *model.ConfigTree

	listener *httplistener.Listener
}

// New builds a Manager and its HTTP listener. It does not start anything
// running; call Load to bring up previously-configured servers and
// Listener().Start to begin serving controller callbacks.
func New(deps Deps) (*Manager, error) {
	if deps.BrokerConnectTimeout == 0 {
		deps.BrokerConnectTimeout = 10 * time.Second
	}
	tree, err := deps.Config.Read()
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	m := &Manager{
		deps:    deps,
		entries: make(map[string]*entry),
		config:  tree,
	}
	m.listener = httplistener.New(httplistener.Deps{
		Send:       m.send,
		Snapshot:   m.snapshot,
		SandboxDir: m.sandboxDir,
		Log:        deps.Log,
		Addr:       deps.ListenAddr,
	})
	return m, nil
}

// Listener returns the controller-facing HTTP server, for the caller to
// Start once the Manager is ready to accept callbacks.
func (m *Manager) Listener() *httplistener.Listener { return m.listener }

// Load starts every node server recorded in the persisted configuration,
// logging and skipping (rather than aborting) any entry that fails to
// start — matching the original's load(), which logs a per-server error
// and continues rather than letting one bad entry stop the rest.
func (m *Manager) Load(ctx context.Context) {
	m.configMu.Lock()
	result := m.config.Get("nodeservers")
	m.configMu.Unlock()
	if !result.IsArray() {
		return
	}
	result.ForEach(func(_, item gjson.Result) bool {
		platform := item.Get("platform").String()
		base := item.Get("base_key").String()
		name := item.Get("name").String()
		profile := int(item.Get("profile_number").Int())
		cfg := []byte(item.Get("config").Raw)

		if _, err := m.StartServer(ctx, platform, profile, name, base, cfg); err != nil {
			m.deps.Log.Error("load %s (%s): %v", name, base, err)
		}
		return true
	})
}

// StartServer spawns a new node server instance of platform, assigning it
// base (generating a collision-free one if base is empty), and adds it to
// the registry. Grounded on the original's start_server: read server.json
// for the executable, create the sandbox, build and store the server
// object.
func (m *Manager) StartServer(ctx context.Context, platform string, profileNumber int, name, base string, config json.RawMessage) (string, error) {
	def, err := m.readServerDefinition(platform)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if base == "" {
		base = m.nextBaseKeyLocked()
	} else if _, exists := m.entries[base]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("base key %q already in use", base)
	}
	m.mu.Unlock()

	sandbox, err := m.deps.Config.NodeServerSandbox(base)
	if err != nil {
		return "", err
	}

	transportKind := model.TransportStdio
	var t transport.Transport
	if def.Broker != nil {
		timeout := def.Broker.ConnectTimeout
		if timeout == 0 {
			timeout = m.deps.BrokerConnectTimeout
		}
		t, err = transport.DialBroker(def.Broker.Addr, base, timeout)
		transportKind = model.TransportBroker
	} else {
		t, err = transport.StartStdio(ctx, def.Executable, def.Args, sandbox, os.Environ())
	}
	if err != nil {
		return "", fmt.Errorf("spawn %s: %w", base, err)
	}

	rec := &model.ServerRecord{
		BaseKey:       base,
		Name:          name,
		Executable:    def.Executable,
		SandboxDir:    sandbox,
		ProfileNumber: profileNumber,
		Transport:     transportKind,
		State:         model.StateNew,
		CreatedAt:     time.Now(),
	}
	if st, ok := t.(interface{ PID() int }); ok {
		rec.PID = st.PID()
	}

	e := &entry{record: rec, platform: platform, transport: t, done: make(chan struct{})}

	if len(config) > 0 {
		m.configMu.Lock()
		_ = m.config.SetRaw(fmt.Sprintf("nodeservers.%s.config", base), config)
		m.configMu.Unlock()
	}

	e.router = router.New(router.Deps{
		Record:    rec,
		RecordMu:  &e.recordMu,
		Rest:      m.deps.Rest,
		Send:      t.Send,
		Config:    m.config,
		ConfigMu:  &m.configMu,
		Persist:   m.persist,
		Privilege: m.deps.Privilege,
		NS:        m.supervisorStats,
		OnExitRequested: func() { go m.Delete(base) },
		OnConnected:     func() {},
		Audit:           m.deps.Audit,
		Log:             m.deps.Log.WithComponent(base),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.supervisor = supervisor.New(supervisor.Deps{
		Record:   rec,
		RecordMu: &e.recordMu,
		Transport: t,
		Router:    e.router,
		Log:       m.deps.Log.WithComponent(base),
		Audit:     m.deps.Audit,
		OnDead:    func() { m.onDead(base) },
	})

	m.mu.Lock()
	m.entries[base] = e
	m.mu.Unlock()

	if m.deps.Audit != nil {
		m.deps.Audit(model.AuditEvent{BaseKey: base, Kind: model.AuditSpawn, Detail: []byte(fmt.Sprintf(`{"platform":%q}`, platform)), At: time.Now()})
	}

	go func() {
		defer close(e.done)
		e.supervisor.Run(runCtx)
	}()
	e.supervisor.MarkRunning()

	return base, nil
}

// Delete stops and removes the node server identified by base: send_exit,
// poll up to unloadGrace for natural death, else kill, then drop it from
// the registry. Grounded on the original's delete().
func (m *Manager) Delete(base string) error {
	m.mu.Lock()
	e, ok := m.entries[base]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown node server %q", base)
	}

	ctx, cancel := context.WithTimeout(context.Background(), unloadGrace)
	defer cancel()
	err := e.supervisor.SendExit(ctx)

	e.cancel()
	<-e.done

	m.mu.Lock()
	delete(m.entries, base)
	m.mu.Unlock()

	m.deps.Privilege.Revoke(base)

	m.configMu.Lock()
	_ = m.config.Delete(fmt.Sprintf("nodeservers.%s", base))
	persistErr := m.deps.Config.Write(m.config)
	m.configMu.Unlock()
	if persistErr != nil {
		m.deps.Log.Error("persist config after delete %s: %v", base, persistErr)
	}

	return err
}

// Unload stops every running node server in parallel, waiting up to
// unloadGrace for each before killing any stragglers. Grounded on the
// original's unload(), which fans send_exit out to every server and
// polls collectively rather than one at a time; here the fan-out and
// error aggregation are explicit rather than a hand-rolled poll loop.
func (m *Manager) Unload() error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var mu sync.Mutex
	var errs error

	g, ctx := errgroup.WithContext(context.Background())
	for _, e := range entries {
		e := e
		g.Go(func() error {
			shutdownCtx, cancel := context.WithTimeout(ctx, unloadGrace)
			defer cancel()
			err := e.supervisor.SendExit(shutdownCtx)
			e.cancel()
			<-e.done
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", e.record.BaseKey, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for _, e := range entries {
		delete(m.entries, e.record.BaseKey)
	}
	m.mu.Unlock()

	return errs
}

// ConfigView returns the persistable list of every running server's
// registry entry, the Go equivalent of the original's config property.
func (m *Manager) ConfigView() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.entries))
	for _, e := range m.entries {
		e.recordMu.Lock()
		out = append(out, map[string]any{
			"platform":       e.platform,
			"base_key":       e.record.BaseKey,
			"name":           e.record.Name,
			"profile_number": e.record.ProfileNumber,
		})
		e.recordMu.Unlock()
	}
	return out
}

func (m *Manager) readServerDefinition(platform string) (ServerDefinition, error) {
	path := filepath.Join(m.deps.PlatformsDir, platform, "server.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerDefinition{}, fmt.Errorf("read %s: %w", path, err)
	}
	var def ServerDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return ServerDefinition{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if def.Executable == "" {
		return ServerDefinition{}, fmt.Errorf("%s: missing executable", path)
	}
	return def, nil
}

// nextBaseKeyLocked generates a collision-free base key. Callers must
// hold m.mu. The original generates a random 5-character string and
// loops on collision; this generalizes that to a uuid-derived key for a
// far larger collision domain, keeping the same retry-on-collision shape.
func (m *Manager) nextBaseKeyLocked() string {
	for {
		candidate := strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))[:5]
		if _, exists := m.entries[candidate]; !exists {
			return candidate
		}
	}
}

// onDead fires once a server's transport confirms the process is gone
// (natural exit, a requested kill, or an unresponsive-ping kill). The
// registry entry is destroyed here rather than left for a caller to clean
// up later, so a dead server immediately stops resolving for HTTP
// callbacks and snapshots instead of erroring against a closed transport.
// A caller already waiting in Delete/Unload for this same death simply
// finds the entry already gone and no-ops its own removal.
func (m *Manager) onDead(base string) {
	m.deps.Privilege.Revoke(base)
	m.mu.Lock()
	delete(m.entries, base)
	m.mu.Unlock()
}

func (m *Manager) persist(tree *model.ConfigTree) error {
	return m.deps.Config.Write(tree)
}

func (m *Manager) supervisorStats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.entries))
	for base, e := range m.entries {
		e.recordMu.Lock()
		out[base] = e.record.Snapshot()
		e.recordMu.Unlock()
	}
	return out
}

func (m *Manager) send(base string, cmd model.Command, params any) error {
	m.mu.Lock()
	e, ok := m.entries[base]
	m.mu.Unlock()
	if !ok {
		return httplistener.ErrUnknownServer
	}
	line, err := model.EncodeMessage(cmd, params)
	if err != nil {
		return err
	}
	return e.transport.Send(line)
}

func (m *Manager) snapshot(base string) (model.Snapshot, bool) {
	m.mu.Lock()
	e, ok := m.entries[base]
	m.mu.Unlock()
	if !ok {
		return model.Snapshot{}, false
	}
	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	return e.record.Snapshot(), true
}

func (m *Manager) sandboxDir(base string) (string, bool) {
	m.mu.Lock()
	e, ok := m.entries[base]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return e.record.SandboxDir, true
}
