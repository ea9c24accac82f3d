// Package router implements Polyglot's per-server message dispatch: one
// worker per node server drains that server's request queue, so REST
// calls issued on its behalf stay ordered while different servers run
// independently. Grounded on
// original_source/polyglot/nodeserver_manager.py's NodeServer command
// handling and spec.md §4.D's command table.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
	"github.com/udi/polyglot/internal/restclient"
)

// Rest is the subset of restclient.Client the router needs, so tests can
// substitute a fake controller.
type Rest interface {
	ReportNodeStatus(ctx context.Context, profileNumber int, nodeAddress, driverControl string, value float64, uom int, seq *int64) model.Result
	ReportCommand(ctx context.Context, profileNumber int, nodeAddress, command string, value *float64, uom *int, extra map[string]string, seq *int64) model.Result
	NodeAdd(ctx context.Context, profileNumber int, nodeAddress, nodeDefID, primary, name string, seq *int64) model.Result
	NodeChange(ctx context.Context, profileNumber int, nodeAddress, nodeDefID string, seq *int64) model.Result
	NodeRemove(ctx context.Context, profileNumber int, nodeAddress string, seq *int64) model.Result
	Restcall(ctx context.Context, profileNumber int, path string, query map[string]string, seq *int64) model.Result
	Request(ctx context.Context, profileNumber int, segments []any, query map[string]string, seq *int64) model.Result
	Stats(profileNumber int, clear bool) model.DiagStats
}

var _ Rest = (*restclient.Client)(nil)

// SupervisorStats is the shape of the "ns" section of a statistics reply,
// supplied by internal/manager (a snapshot of every registered server) and
// included when this server holds manager privilege.
type SupervisorStats func() map[string]any

// Deps wires a Router to the rest of Polyglot for one ServerRecord. All
// fields are required except Audit and NS.
type Deps struct {
	Record   *model.ServerRecord
	RecordMu *sync.Mutex

	Rest Rest

	// Send writes one already-encoded outbound line to the child.
	Send func(line []byte) error

	Config   *model.ConfigTree
	ConfigMu *sync.Mutex
	Persist  func(*model.ConfigTree) error

	Privilege *Privilege
	NS        SupervisorStats

	// OnExitRequested is invoked when the child itself asks to exit.
	OnExitRequested func()
	// OnConnected is invoked on the first "connected" message (broker
	// transport only), so the supervisor can issue the initial ping.
	OnConnected func()

	Audit func(model.AuditEvent)

	Log *logging.Logger

	CallTimeout time.Duration
}

// Router dispatches one ServerRecord's inbound queue.
type Router struct {
	deps  Deps
	queue *boundedQueue
}

// New creates a Router ready to accept Enqueue calls; callers must run
// Run in its own goroutine to start draining the queue.
func New(deps Deps) *Router {
	if deps.CallTimeout == 0 {
		deps.CallTimeout = 25 * time.Second
	}
	return &Router{deps: deps, queue: newBoundedQueue(defaultQueueCapacity)}
}

// Enqueue adds an inbound message to this server's queue, applying the
// exit-then-config drop rule (an Open Question resolution: config
// messages arriving after exit was requested are dropped) and the
// bounded-queue eviction policy.
func (r *Router) Enqueue(env model.Envelope) {
	r.deps.RecordMu.Lock()
	state := r.deps.Record.State
	r.deps.RecordMu.Unlock()

	if env.Command == model.CmdConfig && (state == model.StateStopping || state == model.StateKilled || state == model.StateDead) {
		r.audit(model.AuditDroppedMessage, fmt.Sprintf(`{"command":"config","reason":"server exiting"}`))
		r.deps.Log.Warning("dropped config message: server is exiting")
		return
	}

	essential := env.Command != model.CmdStatistics
	if dropped := r.queue.push(queuedItem{env: env, essential: essential}); dropped {
		r.deps.Log.Warning("request queue full for %s, dropped oldest entry", r.deps.Record.BaseKey)
		r.audit(model.AuditDroppedMessage, `{"reason":"queue full"}`)
	}
}

// Run drains the queue until ctx is done or the queue is closed.
func (r *Router) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		r.queue.close()
	}()
	defer func() { <-done }()

	for {
		item, ok := r.queue.pop()
		if !ok {
			return
		}
		r.dispatch(ctx, item.env)
	}
}

// Close stops Run from blocking further, for shutdown paths that don't
// use a cancellable context.
func (r *Router) Close() { r.queue.close() }

// QueueLen reports the current queue depth, for diagnostics.
func (r *Router) QueueLen() int { return r.queue.len() }

func (r *Router) dispatch(ctx context.Context, env model.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, r.deps.CallTimeout)
	defer cancel()

	switch env.Command {
	case model.CmdPong:
		r.deps.RecordMu.Lock()
		r.deps.Record.LastPong = time.Now()
		r.deps.RecordMu.Unlock()

	case model.CmdConfig:
		r.handleConfig(env)

	case model.CmdManager:
		r.handleManager(env)

	case model.CmdStatistics:
		r.handleStatistics(env)

	case model.CmdStatus, model.CmdCommand, model.CmdAdd, model.CmdChange,
		model.CmdRemove, model.CmdRestcall, model.CmdRequest:
		r.handleRest(ctx, env)

	case model.CmdExit:
		if r.deps.OnExitRequested != nil {
			r.deps.OnExitRequested()
		}

	case model.CmdConnected:
		r.deps.RecordMu.Lock()
		first := r.deps.Record.LastPing.IsZero()
		r.deps.RecordMu.Unlock()
		if first && r.deps.OnConnected != nil {
			r.deps.OnConnected()
		}

	case model.CmdDisconnected:
		// Presence-only; liveness monitor observes lack of pong and acts.

	default:
		r.deps.Log.Warning("dropping message with unrecognized command")
		r.audit(model.AuditDroppedMessage, `{"reason":"unrecognized command"}`)
	}
}

func (r *Router) handleConfig(env model.Envelope) {
	r.deps.ConfigMu.Lock()
	if err := r.deps.Config.SetRaw(fmt.Sprintf("nodeservers.%s", r.deps.Record.BaseKey), env.Params); err != nil {
		r.deps.ConfigMu.Unlock()
		r.deps.Log.Error("replace config for %s: %v", r.deps.Record.BaseKey, err)
		return
	}
	cfg := r.deps.Config
	r.deps.ConfigMu.Unlock()

	r.audit(model.AuditConfigReplace, fmt.Sprintf(`{"base_key":%q}`, r.deps.Record.BaseKey))
	if r.deps.Persist != nil {
		if err := r.deps.Persist(cfg); err != nil {
			r.deps.Log.Error("persist config: %v", err)
		}
	}
}

func (r *Router) handleManager(env model.Envelope) {
	var p model.ManagerParams
	if err := json.Unmarshal(env.Params, &p); err != nil {
		r.deps.Log.Error("malformed manager message: %v", err)
		return
	}
	baseKey := r.deps.Record.BaseKey

	switch p.Op {
	case model.ManagerOpIAmManager:
		r.deps.Privilege.ClaimIfFirst(baseKey)
	case model.ManagerOpClearStatistics:
		if !r.deps.Privilege.Is(baseKey) {
			r.deps.Log.Warning("%s is not manager, ignoring ClearStatistics", baseKey)
			return
		}
		r.deps.Rest.Stats(r.deps.Record.ProfileNumber, true)
	case model.ManagerOpIsyHasRestarted:
		if !r.deps.Privilege.Is(baseKey) {
			r.deps.Log.Warning("%s is not manager, ignoring IsyHasRestarted", baseKey)
			return
		}
	default:
		r.deps.Log.Warning("unknown manager op %q", p.Op)
	}
}

func (r *Router) handleStatistics(env model.Envelope) {
	stats := r.deps.Rest.Stats(r.deps.Record.ProfileNumber, false)
	reply := map[string]any{"to_isy": stats}
	if r.deps.Privilege.Is(r.deps.Record.BaseKey) && r.deps.NS != nil {
		reply["ns"] = r.deps.NS()
	}
	r.send(model.CmdStatistics, reply)
}

func (r *Router) handleRest(ctx context.Context, env model.Envelope) {
	var p model.RestParams
	if err := json.Unmarshal(env.Params, &p); err != nil {
		r.deps.Log.Error("malformed rest request: %v", err)
		return
	}
	profile := r.deps.Record.ProfileNumber

	var result model.Result
	switch env.Command {
	case model.CmdStatus:
		var v float64
		var uom int
		if p.Value != nil {
			v = *p.Value
		}
		if p.UOM != nil {
			uom = *p.UOM
		}
		result = r.deps.Rest.ReportNodeStatus(ctx, profile, p.NodeAddress, p.DriverControl, v, uom, p.Seq)
	case model.CmdCommand:
		result = r.deps.Rest.ReportCommand(ctx, profile, p.NodeAddress, p.Command, p.Value, p.UOM, nil, p.Seq)
	case model.CmdAdd:
		result = r.deps.Rest.NodeAdd(ctx, profile, p.NodeAddress, p.NodeDefID, p.Primary, p.Name, p.Seq)
	case model.CmdChange:
		result = r.deps.Rest.NodeChange(ctx, profile, p.NodeAddress, p.NodeDefID, p.Seq)
	case model.CmdRemove:
		result = r.deps.Rest.NodeRemove(ctx, profile, p.NodeAddress, p.Seq)
	case model.CmdRestcall:
		result = r.deps.Rest.Restcall(ctx, profile, p.API, nil, p.Seq)
	case model.CmdRequest:
		result = r.deps.Rest.Request(ctx, profile, []any{p.API}, nil, p.Seq)
	}

	r.audit(model.AuditRestCall, fmt.Sprintf(`{"status_code":%d,"retries":%d}`, result.StatusCode, result.Retries))

	if p.Seq == nil {
		return
	}
	var text *string
	if result.Text != "" {
		text = &result.Text
	}
	r.send(model.CmdResult, model.ResultParams{
		Seq:        *p.Seq,
		StatusCode: result.StatusCode,
		Elapsed:    result.Elapsed.Seconds(),
		Text:       text,
		Retries:    result.Retries,
	})
}

func (r *Router) send(cmd model.Command, params any) {
	line, err := model.EncodeMessage(cmd, params)
	if err != nil {
		r.deps.Log.Error("encode %s: %v", cmd, err)
		return
	}
	if err := r.deps.Send(line); err != nil {
		r.deps.Log.Error("send %s: %v", cmd, err)
	}
}

func (r *Router) audit(kind model.AuditKind, detail string) {
	if r.deps.Audit == nil {
		return
	}
	r.deps.Audit(model.AuditEvent{
		BaseKey: r.deps.Record.BaseKey,
		Kind:    kind,
		Detail:  []byte(detail),
		At:      time.Now(),
	})
}
