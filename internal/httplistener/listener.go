// Package httplistener is the controller-facing side of Polyglot: a
// Go 1.22+ http.ServeMux whose routes decode a controller's URL-encoded
// callback and forward it to the right node server as an outbound wire
// message. Route registration style (method+pattern strings on one mux,
// built in a single registerRoutes method) is grounded on the teacher's
// internal/web.Server.
package httplistener

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
)

// ErrUnknownServer is returned by Deps.Send when base does not resolve to
// a known ServerRecord; handlers translate it to a 404.
var ErrUnknownServer = errors.New("unknown node server")

// Deps wires the listener to the Manager's registry without importing
// it directly, mirroring the teacher's narrow-interface style (SSEHub,
// SessionTrigger in internal/web.Server).
type Deps struct {
	// Send encodes and delivers an outbound message to base's child.
	Send func(base string, cmd model.Command, params any) error
	// Snapshot returns a ServerRecord's read-only view, for the
	// diagnostic status page.
	Snapshot func(base string) (model.Snapshot, bool)
	// SandboxDir returns a server's working directory, so the
	// instructions endpoint can look for instructions.md there.
	SandboxDir func(base string) (string, bool)

	Log *logging.Logger
	// Addr is the listen address, e.g. ":3000".
	Addr string
}

// Listener is the HTTP server handling controller callbacks.
type Listener struct {
	deps   Deps
	mux    *http.ServeMux
	server *http.Server
}

var nodePrefixRe = regexp.MustCompile(`^n\d{3}_`)

// stripNodePrefix removes the leading n<NNN>_ Polyglot adds to node
// addresses before they reach the controller (restclient.AddNodePrefix);
// the controller echoes the prefixed form back in callbacks, and node
// servers expect their original, unprefixed address.
func stripNodePrefix(addr string) string {
	if nodePrefixRe.MatchString(addr) {
		return addr[5:]
	}
	return addr
}

// New builds a Listener and registers its routes.
func New(deps Deps) *Listener {
	l := &Listener{deps: deps, mux: http.NewServeMux()}
	l.registerRoutes()
	l.server = &http.Server{
		Addr:         deps.Addr,
		Handler:      l.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return l
}

// Start blocks serving HTTP until the listener is shut down.
func (l *Listener) Start() error {
	l.deps.Log.Info("http listener on %s", l.deps.Addr)
	if err := l.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listener: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, letting in-flight callbacks
// finish before closing their connections.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

func (l *Listener) registerRoutes() {
	l.mux.HandleFunc("GET /ns/{base}/install/{profnum}", l.handleInstall)
	l.mux.HandleFunc("GET /ns/{base}/nodes/{addr}/query", l.handleQuery)
	l.mux.HandleFunc("GET /ns/{base}/nodes/{addr}/status", l.handleStatus)
	l.mux.HandleFunc("GET /ns/{base}/add/nodes", l.handleAddNodes)
	l.mux.HandleFunc("GET /ns/{base}/nodes/{addr}/report/add/{defid}", l.handleReportAdd)
	l.mux.HandleFunc("GET /ns/{base}/nodes/{addr}/report/remove", l.handleReportRemove)
	l.mux.HandleFunc("GET /ns/{base}/nodes/{addr}/report/rename", l.handleReportRename)
	l.mux.HandleFunc("GET /ns/{base}/nodes/{addr}/report/enable", l.handleReportEnable)
	l.mux.HandleFunc("GET /ns/{base}/nodes/{addr}/report/disable", l.handleReportDisable)
	l.mux.HandleFunc("GET /ns/{base}/nodes/{addr}/cmd/{rest...}", l.handleCmd)

	l.mux.HandleFunc("GET /ns/{base}/diag", l.handleDiag)
	l.mux.HandleFunc("GET /ns/{base}/instructions", l.handleInstructions)
}

// reply writes a short 200 body before the caller goes on to forward the
// message, per spec's reply-first/forward-after discipline.
func reply(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (l *Listener) forward(w http.ResponseWriter, base string, cmd model.Command, params any) {
	reply(w)
	if err := l.deps.Send(base, cmd, params); err != nil {
		if errors.Is(err, ErrUnknownServer) {
			l.deps.Log.Warning("callback for unknown server %s dropped", base)
			return
		}
		l.deps.Log.Error("forward %s to %s: %v", cmd, base, err)
	}
}

// notFoundIfUnknown replies 404 and returns true if base does not
// resolve, so handlers bail out before forwarding.
func (l *Listener) notFoundIfUnknown(w http.ResponseWriter, base string) bool {
	if l.deps.Snapshot == nil {
		return false
	}
	if _, ok := l.deps.Snapshot(base); !ok {
		http.NotFound(w, nil)
		return true
	}
	return false
}

func (l *Listener) handleInstall(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	profnum, err := strconv.Atoi(r.PathValue("profnum"))
	if err != nil {
		http.Error(w, "invalid profile number", http.StatusBadRequest)
		return
	}
	l.forward(w, base, model.CmdInstall, model.InstallParams{ProfileNumber: profnum})
}

func (l *Listener) handleQuery(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	addr := stripNodePrefix(r.PathValue("addr"))
	l.forward(w, base, model.CmdQuery, model.NodeAddressParams{NodeAddress: addr})
}

func (l *Listener) handleStatus(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	addr := stripNodePrefix(r.PathValue("addr"))
	l.forward(w, base, model.CmdStatus, model.NodeAddressParams{NodeAddress: addr})
}

func (l *Listener) handleAddNodes(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	l.forward(w, base, model.CmdAddAll, model.AddAllParams{})
}

func (l *Listener) handleReportAdd(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	addr := stripNodePrefix(r.PathValue("addr"))
	defID := r.PathValue("defid")
	q := r.URL.Query()
	l.forward(w, base, model.CmdAdded, model.AddedParams{
		NodeAddress:        addr,
		NodeDefID:          defID,
		PrimaryNodeAddress: stripNodePrefix(q.Get("primary")),
		Name:               q.Get("name"),
	})
}

func (l *Listener) handleReportRemove(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	addr := stripNodePrefix(r.PathValue("addr"))
	l.forward(w, base, model.CmdRemoved, model.NodeAddressParams{NodeAddress: addr})
}

func (l *Listener) handleReportRename(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	addr := stripNodePrefix(r.PathValue("addr"))
	l.forward(w, base, model.CmdRenamed, model.RenamedParams{NodeAddress: addr, Name: r.URL.Query().Get("name")})
}

func (l *Listener) handleReportEnable(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	addr := stripNodePrefix(r.PathValue("addr"))
	l.forward(w, base, model.CmdEnabled, model.NodeAddressParams{NodeAddress: addr})
}

func (l *Listener) handleReportDisable(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	addr := stripNodePrefix(r.PathValue("addr"))
	l.forward(w, base, model.CmdDisabled, model.NodeAddressParams{NodeAddress: addr})
}

// handleCmd parses the trailing wildcard {rest...} into <command>[/<value>[/<uom>]],
// since Go's ServeMux has no syntax for optional path segments.
func (l *Listener) handleCmd(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.notFoundIfUnknown(w, base) {
		return
	}
	addr := stripNodePrefix(r.PathValue("addr"))
	parts := strings.Split(strings.Trim(r.PathValue("rest"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "missing command", http.StatusBadRequest)
		return
	}
	command := parts[0]

	var value *float64
	var uom *int
	if len(parts) > 1 {
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			http.Error(w, "invalid value", http.StatusBadRequest)
			return
		}
		value = &v
	}
	if len(parts) > 2 {
		u, err := strconv.Atoi(parts[2])
		if err != nil {
			http.Error(w, "invalid uom", http.StatusBadRequest)
			return
		}
		uom = &u
	}

	q := r.URL.Query()
	var requestID *string
	if rid := q.Get("requestId"); rid != "" {
		requestID = &rid
	}
	extra := map[string]float64{}
	for k, vals := range q {
		if k == "requestId" || len(vals) == 0 {
			continue
		}
		if f, err := strconv.ParseFloat(vals[0], 64); err == nil {
			extra[k] = f
		}
	}

	l.forward(w, base, model.CmdCmd, model.CmdOutParams{
		NodeAddress: addr,
		Command:     command,
		Value:       value,
		UOM:         uom,
		RequestID:   requestID,
		Extra:       extra,
	})
}

func (l *Listener) handleDiag(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	snap, ok := l.deps.Snapshot(base)
	if !ok {
		http.NotFound(w, nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "base_key: %s\nname: %s\nstate: %s\nprofile_number: %d\nis_manager: %v\n",
		snap.BaseKey, snap.Name, snap.State, snap.ProfileNumber, snap.IsManager)
}

func (l *Listener) handleInstructions(w http.ResponseWriter, r *http.Request) {
	base := r.PathValue("base")
	if l.deps.SandboxDir == nil {
		http.NotFound(w, nil)
		return
	}
	dir, ok := l.deps.SandboxDir(base)
	if !ok {
		http.NotFound(w, nil)
		return
	}
	src, err := os.ReadFile(filepath.Join(dir, "instructions.md"))
	if err != nil {
		http.NotFound(w, nil)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := goldmark.Convert(src, w); err != nil {
		l.deps.Log.Error("render instructions for %s: %v", base, err)
	}
}
