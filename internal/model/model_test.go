package model

import (
	"regexp"
	"sync"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{StateIdle, StateActive, true},
		{StateIdle, StatePaused, true},
		{StatePaused, StateActive, true},
		{StateActive, StatePrompt, true},
		{StatePrompt, StateActive, true},
		{StateActive, StatePassive, true},
		{StatePassive, StateActive, true},
		{StatePassive, StatePass, true},
		{StateActive, StateFail, true},
		{StateActive, StatePass, false},
		{StatePrompt, StatePassive, true},
		{StatePrompt, StatePass, false},
		{StatePass, StateActive, false},
		{StateFail, StateActive, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []RunState{StatePass, StateFail} {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", s)
		}
	}
	for _, s := range []RunState{StateIdle, StateActive, StatePassive, StatePaused, StatePrompt} {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey(7, "3"); got != "7/3" {
		t.Errorf("SessionKey = %q, want %q", got, "7/3")
	}
	u := Update{RunID: 2, DeviceUID: "a"}
	if u.Key() != "2/a" {
		t.Errorf("Update.Key = %q, want %q", u.Key(), "2/a")
	}
}

func TestDeviceDiscoveredAttributesConcurrent(t *testing.T) {
	d := &Device{UID: "1", Slot: 1}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.SetHostname("chip-1")
			d.SetSerialNumber("sn")
		}()
		go func() {
			defer wg.Done()
			_ = d.Info()
		}()
	}
	wg.Wait()

	info := d.Info()
	if info.Hostname != "chip-1" || info.SerialNumber != "sn" {
		t.Errorf("Info = %+v, want hostname chip-1 and serial sn", info)
	}
}

func TestNewRun(t *testing.T) {
	start := time.Now().UTC()
	res := TestResult{
		Success:    false,
		ResultText: "Uploading UBI Failed",
		ErrorCode:  203,
		FailedStep: "Uploading UBI",
		Transcript: "log",
		Elapsed:    1500 * time.Millisecond,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	}
	r := NewRun(4, "flash", DeviceInfo{UID: "2", Slot: 2}, res)
	if !crockfordBase32.MatchString(r.ID) {
		t.Errorf("ID = %q, want ULID", r.ID)
	}
	if r.RunID != 4 || r.Suite != "flash" || r.DeviceUID != "2" || r.Slot != 2 {
		t.Errorf("identity fields = %+v", r)
	}
	if r.ElapsedMS != 1500 {
		t.Errorf("ElapsedMS = %d, want 1500", r.ElapsedMS)
	}
	if r.ErrorCode != 203 || r.Output != "log" {
		t.Errorf("ErrorCode/Output = %d/%q", r.ErrorCode, r.Output)
	}
}
