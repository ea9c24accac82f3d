package model

import (
	"encoding/json"
	"testing"
)

func TestDecodeLineKnownCommand(t *testing.T) {
	env, err := DecodeLine([]byte(`{"status":{"node_address":"n001_1","driver_control":"ST","value":100,"uom":51}}`))
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if env.Command != CmdStatus {
		t.Fatalf("Command = %v, want %v", env.Command, CmdStatus)
	}
	var p RestParams
	if err := decodeParams(env.Params, &p); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if p.NodeAddress != "n001_1" || p.DriverControl != "ST" {
		t.Fatalf("unexpected params: %+v", p)
	}
}

func TestDecodeLineUnknownCommand(t *testing.T) {
	env, err := DecodeLine([]byte(`{"frobnicate":{}}`))
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if env.Command != CmdUnknown {
		t.Fatalf("Command = %v, want CmdUnknown", env.Command)
	}
}

func TestDecodeLineMultiKeyRejected(t *testing.T) {
	_, err := DecodeLine([]byte(`{"status":{},"add":{}}`))
	if err == nil {
		t.Fatal("expected error for multi-key envelope")
	}
}

func TestDecodeLineMalformedJSON(t *testing.T) {
	_, err := DecodeLine([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seq := int64(1000)
	text := "ok"
	out, err := EncodeMessage(CmdResult, ResultParams{Seq: seq, StatusCode: 200, Text: &text})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	env, err := DecodeLine(out)
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if env.Command != CmdResult {
		t.Fatalf("Command = %v, want %v", env.Command, CmdResult)
	}
	var p ResultParams
	if err := decodeParams(env.Params, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Seq != seq || p.StatusCode != 200 || p.Text == nil || *p.Text != "ok" {
		t.Fatalf("round trip mismatch: %+v", p)
	}
}

func decodeParams(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}
