// Package supervisor drives one node server's lifecycle: the state
// machine from NEW through DEAD, the stdout reader, the stderr forwarder,
// the router's dispatch loop (which writes replies to the child's stdin
// directly; there is no separate stdin-writer worker) and the ping/pong
// liveness monitor. Grounded on spec.md §4.E's state diagram
// and original_source/polyglot/nodeserver_manager.py's NodeServer class.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
	"github.com/udi/polyglot/internal/router"
	"github.com/udi/polyglot/internal/transport"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWindow   = 30 * time.Second
	defaultExitGrace    = 5 * time.Second
	defaultExitPoll     = 500 * time.Millisecond
)

// killer is satisfied by transport.StdioTransport; broker transports have
// no process to kill, so a type assertion against this guards the
// stdio-only kill path.
type killer interface {
	Kill() error
}

// Deps wires a Supervisor to one already-spawned Transport and the
// Router that will dispatch its inbound messages.
type Deps struct {
	Record   *model.ServerRecord
	RecordMu *sync.Mutex

	Transport transport.Transport
	Router    *router.Router

	Log   *logging.Logger
	Audit func(model.AuditEvent)

	// OnDead is invoked exactly once, when the record transitions to
	// DEAD, so the owning Manager can revoke manager privilege and drop
	// the record from its registry.
	OnDead func()

	PingInterval time.Duration
	PongWindow   time.Duration
	ExitGrace    time.Duration
	ExitPoll     time.Duration
}

// Supervisor owns one ServerRecord's runtime: it does not spawn the
// process itself (the Manager does, choosing sandbox and transport kind)
// but takes ownership of an already-connected Transport and runs it to
// completion.
type Supervisor struct {
	deps Deps
	wg   conc.WaitGroup

	closedOnce sync.Once
	closed     chan struct{}
}

// New returns a Supervisor ready to Run, filling in default timings.
func New(deps Deps) *Supervisor {
	if deps.PingInterval == 0 {
		deps.PingInterval = defaultPingInterval
	}
	if deps.PongWindow == 0 {
		deps.PongWindow = defaultPongWindow
	}
	if deps.ExitGrace == 0 {
		deps.ExitGrace = defaultExitGrace
	}
	if deps.ExitPoll == 0 {
		deps.ExitPoll = defaultExitPoll
	}
	return &Supervisor{deps: deps, closed: make(chan struct{})}
}

// Run launches the stdout reader, stderr forwarder, router dispatch
// loop, and liveness monitor, and blocks until all of them return (which
// happens once the transport's Recv channel closes and ctx is done).
// Each worker is wrapped in its own recover so a single panicking worker
// is logged and audited rather than taking down the process.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(model.StateStarting)

	s.wg.Go(func() { s.safely("stdout-reader", func() { s.readLoop(ctx) }) })
	s.wg.Go(func() { s.safely("stderr-forwarder", func() { s.stderrLoop(ctx) }) })
	s.wg.Go(func() { s.safely("dispatcher", func() { s.deps.Router.Run(ctx) }) })
	s.wg.Go(func() { s.safely("liveness-monitor", func() { s.livenessLoop(ctx) }) })

	s.wg.Wait()
}

func (s *Supervisor) safely(name string, f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			s.deps.Log.Error("%s panicked: %v", name, rec)
			s.auditEvent(model.AuditKill, fmt.Sprintf(`{"worker":%q,"panic":%q}`, name, fmt.Sprint(rec)))
		}
	}()
	f()
}

// MarkRunning transitions NEW/STARTING to RUNNING once the Manager has
// sent the child its initial params and config.
func (s *Supervisor) MarkRunning() {
	s.deps.RecordMu.Lock()
	s.deps.Record.State = model.StateRunning
	s.deps.Record.StartedAt = time.Now()
	s.deps.RecordMu.Unlock()
}

func (s *Supervisor) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-s.deps.Transport.Recv():
			if !ok {
				s.onTransportGone()
				return
			}
			env, err := model.DecodeLine(line)
			if err != nil {
				s.deps.Log.Error("malformed line from %s: %v", s.deps.Record.BaseKey, err)
				continue
			}
			s.deps.Router.Enqueue(env)
		}
	}
}

func (s *Supervisor) stderrLoop(ctx context.Context) {
	stderr := s.deps.Transport.Stderr()
	if stderr == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-stderr:
			if !ok {
				return
			}
			level, msg := logging.ParseLevel(string(line))
			s.deps.Log.WithComponent(s.deps.Record.BaseKey).Log(level, "%s", msg)
		}
	}
}

// livenessLoop checks the child every PingInterval: it sends a ping if the
// previous one was answered (or none was sent yet), or if PingInterval has
// elapsed since the outstanding one. Once an outstanding ping has gone
// unanswered for PongWindow, it logs a warning, records a ping_timeout and
// kills the child; no further ping is sent in that case.
func (s *Supervisor) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(s.deps.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness()
		}
	}
}

func (s *Supervisor) checkLiveness() {
	s.deps.RecordMu.Lock()
	rec := s.deps.Record
	now := time.Now()
	pingOutstanding := !rec.LastPing.IsZero() && rec.LastPing.After(rec.LastPong)
	elapsedSincePing := now.Sub(rec.LastPing)
	shouldPing := !pingOutstanding || elapsedSincePing >= s.deps.PingInterval
	stale := pingOutstanding && elapsedSincePing >= s.deps.PongWindow
	if shouldPing {
		rec.LastPing = now
	}
	s.deps.RecordMu.Unlock()

	if stale {
		s.deps.Log.Warning("%s has not responded to ping in %s, killing", rec.BaseKey, elapsedSincePing)
		s.auditEvent(model.AuditPingTimeout, fmt.Sprintf(`{"elapsed_ms":%d}`, elapsedSincePing.Milliseconds()))
		if err := s.Kill(); err != nil {
			s.deps.Log.Error("kill unresponsive %s: %v", rec.BaseKey, err)
		}
		return
	}
	if !shouldPing {
		return
	}
	line, err := model.EncodeMessage(model.CmdPing, struct{}{})
	if err != nil {
		s.deps.Log.Error("encode ping: %v", err)
		return
	}
	if err := s.deps.Transport.Send(line); err != nil {
		s.deps.Log.Error("ping %s: %v", rec.BaseKey, err)
		s.onTransportGone()
	}
}

// SendExit requests a graceful stop: it enqueues the outbound exit
// message, polls for natural process death up to ExitGrace, and kills
// the process if it hasn't exited by then.
func (s *Supervisor) SendExit(ctx context.Context) error {
	s.setState(model.StateStopping)

	line, err := model.EncodeMessage(model.CmdExit, struct{}{})
	if err != nil {
		return fmt.Errorf("encode exit: %w", err)
	}
	if err := s.deps.Transport.Send(line); err != nil {
		s.deps.Log.Warning("send exit to %s: %v (killing)", s.deps.Record.BaseKey, err)
		return s.Kill()
	}
	s.auditEvent(model.AuditExit, `{}`)

	deadline := time.Now().Add(s.deps.ExitGrace)
	ticker := time.NewTicker(s.deps.ExitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return s.Kill()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return s.Kill()
			}
		}
	}
}

// Kill forces termination and marks the record KILLED, then DEAD once
// the transport confirms the process is gone.
func (s *Supervisor) Kill() error {
	s.setState(model.StateKilled)
	s.auditEvent(model.AuditKill, `{}`)
	if k, ok := s.deps.Transport.(killer); ok {
		if err := k.Kill(); err != nil {
			return fmt.Errorf("kill %s: %w", s.deps.Record.BaseKey, err)
		}
	}
	return nil
}

func (s *Supervisor) onTransportGone() {
	s.closedOnce.Do(func() { close(s.closed) })
	s.setState(model.StateDead)
	_ = s.deps.Transport.Close()
	s.deps.Router.Close()
	if s.deps.OnDead != nil {
		s.deps.OnDead()
	}
}

func (s *Supervisor) setState(state model.State) {
	s.deps.RecordMu.Lock()
	s.deps.Record.State = state
	if state == model.StateStopping {
		s.deps.Record.StoppedAt = time.Now()
	}
	s.deps.RecordMu.Unlock()
}

func (s *Supervisor) auditEvent(kind model.AuditKind, detail string) {
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit(model.AuditEvent{
		BaseKey: s.deps.Record.BaseKey,
		Kind:    kind,
		Detail:  []byte(detail),
		At:      time.Now(),
	})
}
