package model

import (
	"testing"
	"time"
)

func TestAllocSeqStartsAt1000(t *testing.T) {
	sr := &ServerRecord{}
	if got := sr.AllocSeq(); got != 1000 {
		t.Fatalf("first AllocSeq = %d, want 1000", got)
	}
	if got := sr.AllocSeq(); got != 1001 {
		t.Fatalf("second AllocSeq = %d, want 1001", got)
	}
}

func TestRespondingNoPingYet(t *testing.T) {
	sr := &ServerRecord{}
	if sr.Responding(time.Now(), 30*time.Second) {
		t.Fatal("server with no ping sent should not be responding")
	}
}

func TestRespondingWithinWindow(t *testing.T) {
	now := time.Now()
	sr := &ServerRecord{LastPing: now.Add(-10 * time.Second)}
	if !sr.Responding(now, 30*time.Second) {
		t.Fatal("server within ping window should be responding")
	}
}

func TestRespondingOutsideWindowNoPong(t *testing.T) {
	now := time.Now()
	sr := &ServerRecord{LastPing: now.Add(-60 * time.Second)}
	if sr.Responding(now, 30*time.Second) {
		t.Fatal("server outside window with no pong should not be responding")
	}
}

func TestSnapshotCopiesFields(t *testing.T) {
	sr := &ServerRecord{BaseKey: "n001", Name: "thermostat", State: StateRunning, PID: 42}
	snap := sr.Snapshot()
	if snap.BaseKey != "n001" || snap.Name != "thermostat" || snap.State != StateRunning || snap.PID != 42 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
