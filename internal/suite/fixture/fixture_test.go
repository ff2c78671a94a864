package fixture_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/console"
	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/naming"
	"github.com/seantiz/foundry/internal/suite/fixture"
)

// fakeConsole answers commands from a reply table.
type fakeConsole struct {
	mu         sync.Mutex
	replies    map[string]string
	sent       []string
	blind      []string
	connectErr error
	connected  bool
	closed     bool
}

func (f *fakeConsole) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConsole) Send(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	for prefix, reply := range f.replies {
		if strings.HasPrefix(cmd, prefix) {
			return reply, nil
		}
	}
	return "", nil
}

func (f *fakeConsole) SendBlind(_ context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blind = append(f.blind, cmd)
	return nil
}

func (f *fakeConsole) Flush() error { return nil }

func (f *fakeConsole) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func serialDevice(t *testing.T, uid string, slot int) *model.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serial")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return &model.Device{UID: uid, Slot: slot, SerialPath: path}
}

func defaultReplies() map[string]string {
	return map[string]string{
		"hostname": "chip",
		"cat /sys": "162542c5089c1b4d",
		"nmcli device wifi connect": "Connection with UUID 'x' created and activated on device 'wlan0'",
	}
}

func baseConfig(t *testing.T, cons console.Transport) fixture.Config {
	t.Helper()
	return fixture.Config{
		Dial:           func(*model.Device) console.Transport { return cons },
		SerialAttempts: 2,
		SerialInterval: 5 * time.Millisecond,
		CommandDelay:   -1,
		WifiSSID:       "factory",
		WifiPassword:   "secret",
		RepoURL:        "https://example.com/nand-tests.git",
		Counter:        naming.NewCounter(100, true),
		Ledger:         naming.NewLedger(filepath.Join(t.TempDir(), "hosts.tsv")),
	}
}

func run(t *testing.T, cfg fixture.Config, dev *model.Device) model.TestResult {
	t.Helper()
	reg := fixture.New(cfg)
	s := engine.NewSession(engine.SessionConfig{RunID: 1, Suite: reg.Name(), Steps: reg.Steps(), Device: dev, Cleanup: reg.Cleanup()})
	s.Start()
	return s.Join()
}

func TestFixtureProvisionsDevice(t *testing.T) {
	cons := &fakeConsole{replies: defaultReplies()}
	cfg := baseConfig(t, cons)
	dev := serialDevice(t, "3", 3)

	res := run(t, cfg, dev)
	if !res.Success {
		t.Fatalf("result = %+v\n%s", res, res.Transcript)
	}

	if dev.Hostname() != "chip-102" {
		t.Errorf("Hostname = %q, want chip-102", dev.Hostname())
	}
	if dev.SerialNumber() != "162542c5089c1b4d" {
		t.Errorf("SerialNumber = %q", dev.SerialNumber())
	}
	if res.Values[fixture.HostnameValue] != "chip-102" || res.Values[fixture.SerialNumberValue] != "162542c5089c1b4d" {
		t.Errorf("Values = %v", res.Values)
	}

	data, err := os.ReadFile(cfg.Ledger.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "chip-102\t162542c5089c1b4d\n" {
		t.Errorf("ledger = %q", data)
	}

	for _, want := range []string{
		"nmcli device disconnect wlan0",
		"nmcli device wifi connect 'factory' password 'secret' ifname wlan0",
		"apt-get update",
		"git clone https://example.com/nand-tests.git CHIP-nandTests",
		"cp udev.rules /etc/udev/rules.d/10-testFixture.rules",
		`sed -i "s/chip/chip-102/g" /etc/hostname`,
		`sed -i "s/chip/chip-102/g" /etc/hosts`,
	} {
		if !slices.Contains(cons.sent, want) {
			t.Errorf("command %q never sent", want)
		}
	}
	if !slices.Equal(cons.blind, []string{"poweroff"}) {
		t.Errorf("blind commands = %v, want [poweroff]", cons.blind)
	}
	if !cons.closed {
		t.Error("console not closed after disconnect")
	}
}

func TestFixtureNoSerialDevice(t *testing.T) {
	cons := &fakeConsole{}
	dev := &model.Device{UID: "1", SerialPath: filepath.Join(t.TempDir(), "missing")}

	res := run(t, baseConfig(t, cons), dev)
	if res.ErrorCode != fixture.CodeNoSerial {
		t.Errorf("ErrorCode = %d, want %d", res.ErrorCode, fixture.CodeNoSerial)
	}
	if dev.SerialNumber() != "-" {
		t.Errorf("SerialNumber = %q, want -", dev.SerialNumber())
	}
	if cons.connected {
		t.Error("console connected without a serial device")
	}
}

func TestFixtureLoginFailure(t *testing.T) {
	cons := &fakeConsole{connectErr: console.ErrConnection}

	res := run(t, baseConfig(t, cons), serialDevice(t, "1", 1))
	if res.Success {
		t.Fatal("Success = true")
	}
	if res.FailedStep != "Logging in" {
		t.Errorf("FailedStep = %q, want Logging in", res.FailedStep)
	}
}

func TestFixtureWifiFailure(t *testing.T) {
	replies := defaultReplies()
	replies["nmcli device wifi connect"] = "Error: Connection activation failed."
	cons := &fakeConsole{replies: replies}

	res := run(t, baseConfig(t, cons), serialDevice(t, "1", 1))
	if res.FailedStep != "Connect to wifi" {
		t.Errorf("FailedStep = %q, want Connect to wifi", res.FailedStep)
	}
	if slices.Contains(cons.sent, "apt-get update") {
		t.Error("later steps ran after wifi failure")
	}
	if !cons.closed {
		t.Error("console left open after a failed run")
	}
}

func TestFixtureMissingSerialNumber(t *testing.T) {
	replies := defaultReplies()
	delete(replies, "cat /sys")
	cons := &fakeConsole{replies: replies}
	cfg := baseConfig(t, cons)

	res := run(t, cfg, serialDevice(t, "1", 1))
	if res.FailedStep != "Changing hostname" {
		t.Errorf("FailedStep = %q", res.FailedStep)
	}
	if !strings.Contains(res.Err, "no serial number") {
		t.Errorf("Err = %q", res.Err)
	}
	if _, err := os.Stat(cfg.Ledger.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Error("ledger written without a serial number")
	}
	if !cons.closed {
		t.Error("console left open after a failed run")
	}
}
