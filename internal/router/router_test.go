package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/model"
)

type fakeRest struct {
	mu      sync.Mutex
	calls   []string
	result  model.Result
	cleared bool
}

func (f *fakeRest) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeRest) ReportNodeStatus(ctx context.Context, profileNumber int, nodeAddress, driverControl string, value float64, uom int, seq *int64) model.Result {
	f.record("status")
	return f.result
}
func (f *fakeRest) ReportCommand(ctx context.Context, profileNumber int, nodeAddress, command string, value *float64, uom *int, extra map[string]string, seq *int64) model.Result {
	f.record("command")
	return f.result
}
func (f *fakeRest) NodeAdd(ctx context.Context, profileNumber int, nodeAddress, nodeDefID, primary, name string, seq *int64) model.Result {
	f.record("add")
	return f.result
}
func (f *fakeRest) NodeChange(ctx context.Context, profileNumber int, nodeAddress, nodeDefID string, seq *int64) model.Result {
	f.record("change")
	return f.result
}
func (f *fakeRest) NodeRemove(ctx context.Context, profileNumber int, nodeAddress string, seq *int64) model.Result {
	f.record("remove")
	return f.result
}
func (f *fakeRest) Restcall(ctx context.Context, profileNumber int, path string, query map[string]string, seq *int64) model.Result {
	f.record("restcall")
	return f.result
}
func (f *fakeRest) Request(ctx context.Context, profileNumber int, segments []any, query map[string]string, seq *int64) model.Result {
	f.record("request")
	return f.result
}
func (f *fakeRest) Stats(profileNumber int, clear bool) model.DiagStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clear {
		f.cleared = true
	}
	return model.DiagStats{OKCount: 7}
}

type testHarness struct {
	router  *Router
	rest    *fakeRest
	record  *model.ServerRecord
	recMu   sync.Mutex
	cfg     *model.ConfigTree
	cfgMu   sync.Mutex
	priv    *Privilege
	sent    [][]byte
	sentMu  sync.Mutex
	audited []model.AuditEvent
	auditMu sync.Mutex
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		rest:   &fakeRest{result: model.Result{StatusCode: 200, Elapsed: time.Millisecond}},
		record: &model.ServerRecord{BaseKey: "abc123", ProfileNumber: 1, State: model.StateRunning},
		cfg:    model.NewConfigTree([]byte(`{}`)),
		priv:   NewPrivilege(),
	}
	deps := Deps{
		Record:   h.record,
		RecordMu: &h.recMu,
		Rest:     h.rest,
		Send: func(line []byte) error {
			h.sentMu.Lock()
			defer h.sentMu.Unlock()
			h.sent = append(h.sent, line)
			return nil
		},
		Config:   h.cfg,
		ConfigMu: &h.cfgMu,
		Persist:  func(*model.ConfigTree) error { return nil },
		Privilege: h.priv,
		Audit: func(ev model.AuditEvent) {
			h.auditMu.Lock()
			defer h.auditMu.Unlock()
			h.audited = append(h.audited, ev)
		},
		Log:         logging.New("router-test"),
		CallTimeout: time.Second,
	}
	h.router = New(deps)
	return h
}

func (h *testHarness) lastSent(t *testing.T) model.Envelope {
	t.Helper()
	h.sentMu.Lock()
	defer h.sentMu.Unlock()
	if len(h.sent) == 0 {
		t.Fatalf("no message sent")
	}
	env, err := model.DecodeLine(h.sent[len(h.sent)-1])
	if err != nil {
		t.Fatalf("decode sent line: %v", err)
	}
	return env
}

func runOne(h *testHarness, env model.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.router.dispatch(ctx, env)
}

func TestPongUpdatesLastPong(t *testing.T) {
	h := newHarness(t)
	before := time.Now()
	runOne(h, model.Envelope{Command: model.CmdPong, Params: json.RawMessage(`{}`)})
	if !h.record.LastPong.After(before.Add(-time.Second)) {
		t.Fatalf("LastPong not updated: %v", h.record.LastPong)
	}
}

func TestConfigReplacePersists(t *testing.T) {
	h := newHarness(t)
	runOne(h, model.Envelope{Command: model.CmdConfig, Params: json.RawMessage(`{"foo":"bar"}`)})
	got := h.cfg.Get("nodeservers.abc123.foo").String()
	if got != "bar" {
		t.Fatalf("expected config stored, got %q", got)
	}
	h.auditMu.Lock()
	defer h.auditMu.Unlock()
	if len(h.audited) != 1 || h.audited[0].Kind != model.AuditConfigReplace {
		t.Fatalf("expected one config_replace audit event, got %+v", h.audited)
	}
}

func TestConfigAfterExitDropped(t *testing.T) {
	h := newHarness(t)
	h.record.State = model.StateStopping
	h.router.Enqueue(model.Envelope{Command: model.CmdConfig, Params: json.RawMessage(`{"foo":"bar"}`)})
	got := h.cfg.Get("nodeservers.abc123.foo").String()
	if got != "" {
		t.Fatalf("expected config NOT stored after exit, got %q", got)
	}
}

func TestManagerPrivilegeFirstCallerWins(t *testing.T) {
	h := newHarness(t)
	runOne(h, model.Envelope{Command: model.CmdManager, Params: json.RawMessage(`{"op":"IAmManager"}`)})
	if !h.priv.Is("abc123") {
		t.Fatalf("expected abc123 to hold manager privilege")
	}
}

func TestManagerClearStatisticsRequiresPrivilege(t *testing.T) {
	h := newHarness(t)
	runOne(h, model.Envelope{Command: model.CmdManager, Params: json.RawMessage(`{"op":"ClearStatistics"}`)})
	h.rest.mu.Lock()
	cleared := h.rest.cleared
	h.rest.mu.Unlock()
	if cleared {
		t.Fatalf("ClearStatistics should be ignored without manager privilege")
	}

	h.priv.ClaimIfFirst("abc123")
	runOne(h, model.Envelope{Command: model.CmdManager, Params: json.RawMessage(`{"op":"ClearStatistics"}`)})
	h.rest.mu.Lock()
	cleared = h.rest.cleared
	h.rest.mu.Unlock()
	if !cleared {
		t.Fatalf("ClearStatistics should run once manager privilege is held")
	}
}

func TestStatisticsReplyShape(t *testing.T) {
	h := newHarness(t)
	runOne(h, model.Envelope{Command: model.CmdStatistics, Params: json.RawMessage(`{}`)})
	env := h.lastSent(t)
	if env.Command != model.CmdStatistics {
		t.Fatalf("expected statistics reply, got %s", env.Command)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(env.Params, &body); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if _, ok := body["to_isy"]; !ok {
		t.Fatalf("expected to_isy field in reply")
	}
	if _, ok := body["ns"]; ok {
		t.Fatalf("expected no ns field without manager privilege")
	}
}

func TestStatisticsReplyIncludesNSWhenManager(t *testing.T) {
	h := newHarness(t)
	h.priv.ClaimIfFirst("abc123")
	h.router.deps.NS = func() map[string]any { return map[string]any{"servers": 3} }
	runOne(h, model.Envelope{Command: model.CmdStatistics, Params: json.RawMessage(`{}`)})
	env := h.lastSent(t)
	var body map[string]json.RawMessage
	if err := json.Unmarshal(env.Params, &body); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if _, ok := body["ns"]; !ok {
		t.Fatalf("expected ns field with manager privilege")
	}
}

func TestRestDispatchEachCommandKind(t *testing.T) {
	cases := []struct {
		cmd    model.Command
		params string
		expect string
	}{
		{model.CmdStatus, `{"node_address":"light","driver_control":"ST","value":80,"uom":51,"seq":1000}`, "status"},
		{model.CmdCommand, `{"node_address":"light","command":"DON","seq":1001}`, "command"},
		{model.CmdAdd, `{"node_address":"light","node_def_id":"DIMMER","primary":"light","name":"Light 1","seq":1002}`, "add"},
		{model.CmdChange, `{"node_address":"light","node_def_id":"DIMMER","seq":1003}`, "change"},
		{model.CmdRemove, `{"node_address":"light","seq":1004}`, "remove"},
		{model.CmdRestcall, `{"api":"nodes","seq":1005}`, "restcall"},
		{model.CmdRequest, `{"api":"nodes","seq":1006}`, "request"},
	}
	for _, tc := range cases {
		t.Run(string(tc.cmd), func(t *testing.T) {
			h := newHarness(t)
			runOne(h, model.Envelope{Command: tc.cmd, Params: json.RawMessage(tc.params)})

			h.rest.mu.Lock()
			calls := append([]string(nil), h.rest.calls...)
			h.rest.mu.Unlock()
			if len(calls) != 1 || calls[0] != tc.expect {
				t.Fatalf("expected rest op %q, got %v", tc.expect, calls)
			}

			env := h.lastSent(t)
			if env.Command != model.CmdResult {
				t.Fatalf("expected result reply, got %s", env.Command)
			}
			var rp model.ResultParams
			if err := json.Unmarshal(env.Params, &rp); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if rp.StatusCode != 200 {
				t.Fatalf("expected status 200, got %d", rp.StatusCode)
			}
		})
	}
}

func TestRestDispatchWithoutSeqSendsNoReply(t *testing.T) {
	h := newHarness(t)
	runOne(h, model.Envelope{Command: model.CmdStatus, Params: json.RawMessage(`{"node_address":"light","driver_control":"ST","value":80,"uom":51}`)})
	h.sentMu.Lock()
	defer h.sentMu.Unlock()
	if len(h.sent) != 0 {
		t.Fatalf("expected no reply when seq is absent, got %v", h.sent)
	}
}

func TestExitRequestedCallback(t *testing.T) {
	h := newHarness(t)
	called := false
	h.router.deps.OnExitRequested = func() { called = true }
	runOne(h, model.Envelope{Command: model.CmdExit, Params: json.RawMessage(`{}`)})
	if !called {
		t.Fatalf("expected OnExitRequested callback to fire")
	}
}

func TestConnectedCallbackOnlyFirstTime(t *testing.T) {
	h := newHarness(t)
	count := 0
	h.router.deps.OnConnected = func() { count++ }
	runOne(h, model.Envelope{Command: model.CmdConnected, Params: json.RawMessage(`{}`)})
	h.record.LastPing = time.Now()
	runOne(h, model.Envelope{Command: model.CmdConnected, Params: json.RawMessage(`{}`)})
	if count != 1 {
		t.Fatalf("expected OnConnected exactly once, got %d", count)
	}
}

func TestBoundedQueueDropsNonessentialFirst(t *testing.T) {
	h := newHarness(t)
	h.router.queue = newBoundedQueue(2)

	h.router.Enqueue(model.Envelope{Command: model.CmdStatistics, Params: json.RawMessage(`{}`)})
	h.router.Enqueue(model.Envelope{Command: model.CmdStatus, Params: json.RawMessage(`{"node_address":"a"}`)})
	h.router.Enqueue(model.Envelope{Command: model.CmdChange, Params: json.RawMessage(`{"node_address":"b"}`)})

	if h.router.QueueLen() != 2 {
		t.Fatalf("expected queue len 2, got %d", h.router.QueueLen())
	}
	first, ok := h.router.queue.pop()
	if !ok {
		t.Fatalf("expected an item")
	}
	if first.env.Command != model.CmdStatus {
		t.Fatalf("expected statistics request evicted first, got %s next in queue", first.env.Command)
	}
}

func TestRunDrainsUntilCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.router.Run(ctx)
		close(done)
	}()

	h.router.Enqueue(model.Envelope{Command: model.CmdPong, Params: json.RawMessage(`{}`)})
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
