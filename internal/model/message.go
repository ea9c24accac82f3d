package model

import (
	"encoding/json"
	"fmt"
)

// Command is the wire-level command code: the single top-level key of a
// Polyglot message. See the inbound/outbound command tables in the
// protocol design.
type Command string

// Inbound command codes (node server -> Polyglot).
const (
	CmdPong         Command = "pong"
	CmdConfig       Command = "config"
	CmdManager      Command = "manager"
	CmdStatistics   Command = "statistics"
	CmdStatus       Command = "status"
	CmdCommand      Command = "command"
	CmdAdd          Command = "add"
	CmdChange       Command = "change"
	CmdRemove       Command = "remove"
	CmdRestcall     Command = "restcall"
	CmdRequest      Command = "request"
	CmdExit         Command = "exit"
	CmdConnected    Command = "connected"
	CmdDisconnected Command = "disconnected"
)

// Outbound command codes (Polyglot -> node server).
const (
	CmdParams   Command = "params"
	CmdInstall  Command = "install"
	CmdQuery    Command = "query"
	CmdAddAll   Command = "add_all"
	CmdAdded    Command = "added"
	CmdRemoved  Command = "removed"
	CmdRenamed  Command = "renamed"
	CmdEnabled  Command = "enabled"
	CmdDisabled Command = "disabled"
	CmdCmd      Command = "cmd"
	CmdPing     Command = "ping"
	CmdResult   Command = "result"

	// CmdUnknown is the tagged-union "unrecognized" variant. It is never
	// sent; it is what DecodeLine returns for a line whose command code does
	// not match any of the above, so the router has a single place to
	// handle "unknown" rather than every call site needing a default case.
	CmdUnknown Command = "__unknown__"
)

// Envelope is the decoded wire form of a single line: one JSON object with
// exactly one top-level key (the command) whose value is the parameter
// object.
type Envelope struct {
	Command Command
	Params  json.RawMessage
	// Raw holds the original undecoded line, for audit logging and for
	// commands (like "config") whose parameter object is opaque and must
	// be stored verbatim rather than round-tripped through a struct.
	Raw []byte
}

// DecodeLine parses one line of the wire protocol into an Envelope.
// A line is malformed if it isn't valid JSON or its top level isn't a
// single-key object; both are transport-framing errors the caller should
// log and discard without aborting the stream.
func DecodeLine(line []byte) (Envelope, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return Envelope{}, fmt.Errorf("malformed json: %w", err)
	}
	if len(obj) != 1 {
		return Envelope{}, fmt.Errorf("expected exactly one top-level key, got %d", len(obj))
	}
	for k, v := range obj {
		cmd := Command(k)
		if !knownCommand(cmd) {
			cmd = CmdUnknown
		}
		return Envelope{Command: cmd, Params: v, Raw: line}, nil
	}
	panic("unreachable")
}

func knownCommand(c Command) bool {
	switch c {
	case CmdPong, CmdConfig, CmdManager, CmdStatistics, CmdStatus, CmdCommand,
		CmdAdd, CmdChange, CmdRemove, CmdRestcall, CmdRequest, CmdExit,
		CmdConnected, CmdDisconnected,
		CmdParams, CmdInstall, CmdQuery, CmdAddAll, CmdAdded, CmdRemoved,
		CmdRenamed, CmdEnabled, CmdDisabled, CmdCmd, CmdPing, CmdResult:
		return true
	default:
		return false
	}
}

// EncodeMessage serializes a command and its parameters back into the
// single-line wire form.
func EncodeMessage(cmd Command, params any) ([]byte, error) {
	wrapper := map[string]any{string(cmd): params}
	out, err := json.Marshal(wrapper)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd, err)
	}
	return out, nil
}

// --- Typed parameter payloads ---
// These are the structured views the router decodes Envelope.Params into
// for well-formed commands. Commands carrying opaque child-owned data
// ("config") are deliberately NOT modeled here; see internal/router,
// which manipulates them with gjson/sjson instead.

// ManagerOp is the operation requested by a "manager" message.
type ManagerOp string

const (
	ManagerOpIAmManager      ManagerOp = "IAmManager"
	ManagerOpClearStatistics ManagerOp = "ClearStatistics"
	ManagerOpIsyHasRestarted ManagerOp = "IsyHasRestarted"
)

type ManagerParams struct {
	Op ManagerOp `json:"op"`
}

type StatisticsParams struct {
	// Filters is left generic: the spec allows "optional filters" without
	// defining their shape.
	Filters map[string]any `json:"-"`
}

// RestParams covers status/command/add/change/remove/restcall/request —
// all of which enqueue a REST-call request and optionally carry a sequence
// number for result correlation.
type RestParams struct {
	NodeAddress    string   `json:"node_address,omitempty"`
	DriverControl  string   `json:"driver_control,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	UOM            *int     `json:"uom,omitempty"`
	Command        string   `json:"command,omitempty"`
	NodeDefID      string   `json:"node_def_id,omitempty"`
	Primary        string   `json:"primary,omitempty"`
	Name           string   `json:"name,omitempty"`
	RequestID      string   `json:"request_id,omitempty"`
	Success        *bool    `json:"success,omitempty"`
	API            string   `json:"api,omitempty"`
	Timeout        *float64 `json:"timeout,omitempty"`
	Seq            *int64   `json:"seq,omitempty"`
}

// ResultParams is the outbound "result" payload delivered back to a child
// in response to a REST call it requested with a sequence number.
type ResultParams struct {
	Seq        int64    `json:"seq"`
	StatusCode int      `json:"status_code"`
	Elapsed    float64  `json:"elapsed"`
	Text       *string  `json:"text"`
	Retries    int      `json:"retries"`
}

// CmdOutParams is the outbound "cmd" payload delivered to a child in response
// to a controller command callback.
type CmdOutParams struct {
	NodeAddress string             `json:"node_address"`
	Command     string             `json:"command"`
	Value       *float64           `json:"value"`
	UOM         *int               `json:"uom"`
	RequestID   *string            `json:"request_id"`
	Extra       map[string]float64 `json:"-"`
}

// MarshalJSON flattens Extra alongside the named fields, matching the
// node server protocol's habit of splatting arbitrary pN.uomN parameters
// next to the fixed ones.
func (c CmdOutParams) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"node_address": c.NodeAddress,
		"command":      c.Command,
		"value":        c.Value,
		"uom":          c.UOM,
		"request_id":   c.RequestID,
	}
	for k, v := range c.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

type AddedParams struct {
	NodeAddress        string `json:"node_address"`
	NodeDefID          string `json:"node_def_id"`
	PrimaryNodeAddress string `json:"primary_node_address"`
	Name               string `json:"name"`
}

type RenamedParams struct {
	NodeAddress string `json:"node_address"`
	Name        string `json:"name"`
}

type NodeAddressParams struct {
	NodeAddress string  `json:"node_address"`
	RequestID   *string `json:"request_id,omitempty"`
}

type InstallParams struct {
	ProfileNumber int `json:"profile_number"`
}

type AddAllParams struct {
	RequestID *string `json:"request_id,omitempty"`
}
