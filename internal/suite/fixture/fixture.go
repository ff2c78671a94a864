// Package fixture is the suite that configures a freshly flashed device
// over its serial console: network, packages, udev rules and hostname.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/console"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/naming"
	"github.com/seantiz/foundry/internal/step"
)

// Name is the suite name.
const Name = "fixture"

// CodeNoSerial is reported when the serial device never appears.
const CodeNoSerial = 301

// Return value keys.
const (
	HostnameValue     = "hostname"
	SerialNumberValue = "serial_number"
)

// Defaults for Config fields left zero.
const (
	DefaultSerialAttempts      = 9
	DefaultSerialInterval      = time.Second
	DefaultCommandDelay        = 400 * time.Millisecond
	DefaultProjectDir          = "CHIP-nandTests"
	DefaultSerialNumberCommand = "cat /sys/class/sunxi_info/sys_info | grep sunxi_serial | cut -d ':' -f 2 | tr -d ' '"
	DefaultLogDir              = "/srv/logs"
)

const (
	wifiDisconnect = "nmcli device disconnect wlan0"
	wifiConnect    = "nmcli device wifi connect '%s' password '%s' ifname wlan0"
)

var errNoConsole = errors.New("console not connected")

// DialFunc returns an unconnected console transport for a device.
type DialFunc func(dev *model.Device) console.Transport

// Config configures the fixture suite.
type Config struct {
	Dial           DialFunc
	SerialAttempts int
	SerialInterval time.Duration
	// CommandDelay is the pause after every console command. Negative
	// disables it.
	CommandDelay time.Duration

	WifiSSID            string
	WifiPassword        string
	RepoURL             string
	ProjectDir          string
	SerialNumberCommand string
	HostnameFormat      string

	Counter *naming.Counter
	Ledger  *naming.Ledger
}

func (c *Config) setDefaults() {
	if c.SerialAttempts <= 0 {
		c.SerialAttempts = DefaultSerialAttempts
	}
	if c.SerialInterval <= 0 {
		c.SerialInterval = DefaultSerialInterval
	}
	if c.CommandDelay == 0 {
		c.CommandDelay = DefaultCommandDelay
	}
	if c.ProjectDir == "" {
		c.ProjectDir = DefaultProjectDir
	}
	if c.SerialNumberCommand == "" {
		c.SerialNumberCommand = DefaultSerialNumberCommand
	}
	if c.HostnameFormat == "" {
		c.HostnameFormat = naming.DefaultHostnameFormat
	}
	if c.Counter == nil {
		c.Counter = naming.NewCounter(1, false)
	}
}

// provisioner holds the console of every device between steps.
type provisioner struct {
	cfg Config

	mu    sync.Mutex
	conns map[string]console.Transport
}

// New builds the fixture suite.
func New(cfg Config) *step.Registry {
	cfg.setDefaults()
	p := &provisioner{cfg: cfg, conns: make(map[string]console.Transport)}

	return step.NewRegistry(Name).
		Add("serial", p.waitForSerial,
			step.WithLabel("Waiting for device"),
			step.WithProgress(time.Duration(cfg.SerialAttempts)*cfg.SerialInterval),
			step.WithFailLabel("No serial device"),
			step.WithErrorCode(CodeNoSerial)).
		Add("login", p.login,
			step.WithLabel("Logging in"),
			step.WithProgress(10*time.Second),
			step.WithTimeout(15*time.Second)).
		Add("wifi", p.connectWifi,
			step.WithLabel("Connect to wifi"),
			step.WithProgress(5*time.Second),
			step.WithTimeout(15*time.Second)).
		Add("update", p.commands("apt-get update"),
			step.WithLabel("Updating package list"),
			step.WithProgress(60*time.Second),
			step.WithTimeout(200*time.Second)).
		Add("git", p.commands("apt-get --yes --force-yes install git"),
			step.WithLabel("Installing git"),
			step.WithProgress(60*time.Second),
			step.WithTimeout(60*time.Second)).
		Add("repo", p.cloneRepo,
			step.WithLabel("Cloning test repository"),
			step.WithProgress(10*time.Second),
			step.WithTimeout(10*time.Second)).
		Add("log-uart", p.commands("cd "+cfg.ProjectDir, "cp log-uart /usr/sbin/.", "chmod +x /usr/sbin/log-uart"),
			step.WithLabel("Installing log-uart"),
			step.WithProgress(2*time.Second),
			step.WithTimeout(10*time.Second)).
		Add("udev-rules", p.commands("cp udev.rules /etc/udev/rules.d/10-testFixture.rules"),
			step.WithLabel("Installing udev rules"),
			step.WithProgress(2*time.Second),
			step.WithTimeout(10*time.Second)).
		Add("udev-reload", p.commands("udevadm control --reload-rules"),
			step.WithLabel("Reloading udev rules"),
			step.WithProgress(2*time.Second),
			step.WithTimeout(10*time.Second)).
		Add("log-dir", p.commands("mkdir -p "+DefaultLogDir+"/", "chmod 777 "+DefaultLogDir),
			step.WithLabel("Creating log directory"),
			step.WithProgress(2*time.Second),
			step.WithTimeout(10*time.Second)).
		Add("hostname", p.assignHostname,
			step.WithLabel("Changing hostname"),
			step.WithProgress(6*time.Second),
			step.WithTimeout(15*time.Second)).
		Add("disconnect", p.disconnect,
			step.WithLabel("Disconnecting"),
			step.WithProgress(10*time.Second),
			step.WithTimeout(10*time.Second)).
		OnFinish(p.release)
}

// release closes a console left open by a session that stopped early.
func (p *provisioner) release(dev *model.Device) {
	p.setConn(dev.UID, nil)
}

func (p *provisioner) conn(uid string) (console.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[uid]
	if !ok {
		return nil, errNoConsole
	}
	return c, nil
}

func (p *provisioner) setConn(uid string, c console.Transport) {
	p.mu.Lock()
	old := p.conns[uid]
	if c == nil {
		delete(p.conns, uid)
	} else {
		p.conns[uid] = c
	}
	p.mu.Unlock()

	if old != nil && old != c {
		old.Close()
	}
}

// send runs cmd on the device console, copies the reply to the step output
// and pauses for the configured command delay.
func (p *provisioner) send(ctx context.Context, sc *step.Context, cmd string) (string, error) {
	c, err := p.conn(sc.Device.UID)
	if err != nil {
		return "", err
	}
	out, err := c.Send(ctx, cmd)
	if out != "" {
		sc.Printf("%s\n", out)
	}
	if err != nil {
		return out, err
	}
	if p.cfg.CommandDelay > 0 {
		select {
		case <-time.After(p.cfg.CommandDelay):
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (p *provisioner) commands(cmds ...string) step.Func {
	return func(ctx context.Context, sc *step.Context) error {
		for _, cmd := range cmds {
			if _, err := p.send(ctx, sc, cmd); err != nil {
				return fmt.Errorf("%s: %w", cmd, err)
			}
		}
		return nil
	}
}

func (p *provisioner) waitForSerial(ctx context.Context, sc *step.Context) error {
	sc.Device.SetSerialNumber("-")
	return step.WaitForPath(ctx, sc.Device.SerialPath, p.cfg.SerialAttempts, p.cfg.SerialInterval)
}

func (p *provisioner) login(ctx context.Context, sc *step.Context) error {
	if p.cfg.Dial == nil {
		return errors.New("no console dialer configured")
	}
	c := p.cfg.Dial(sc.Device)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	p.setConn(sc.Device.UID, c)
	return nil
}

func (p *provisioner) connectWifi(ctx context.Context, sc *step.Context) error {
	// Disconnect first so a reflashed device with a live network still passes.
	if _, err := p.send(ctx, sc, wifiDisconnect); err != nil {
		return err
	}
	res, err := p.send(ctx, sc, fmt.Sprintf(wifiConnect, p.cfg.WifiSSID, p.cfg.WifiPassword))
	if err != nil {
		return err
	}
	if strings.Contains(res, "ailed") {
		return fmt.Errorf("could not connect to %q: %s", p.cfg.WifiSSID, res)
	}
	return nil
}

func (p *provisioner) cloneRepo(ctx context.Context, sc *step.Context) error {
	if _, err := p.send(ctx, sc, "rm -rf "+p.cfg.ProjectDir); err != nil {
		return err
	}
	if p.cfg.RepoURL == "" {
		return errors.New("no repository url configured")
	}
	_, err := p.send(ctx, sc, fmt.Sprintf("git clone %s %s", p.cfg.RepoURL, p.cfg.ProjectDir))
	return err
}

func (p *provisioner) assignHostname(ctx context.Context, sc *step.Context) error {
	current, err := p.send(ctx, sc, "hostname")
	if err != nil {
		return err
	}
	if current == "" {
		return errors.New("no device id")
	}
	serial, err := p.send(ctx, sc, p.cfg.SerialNumberCommand)
	if err != nil {
		return err
	}
	if serial == "" {
		return errors.New("no serial number")
	}
	sc.Device.SetSerialNumber(serial)
	sc.Printf("Serial number %s\n", serial)

	name := naming.Hostname(p.cfg.HostnameFormat, p.cfg.Counter.Next(sc.Device.Slot))
	if p.cfg.Ledger != nil {
		if err := p.cfg.Ledger.Append(name, serial); err != nil {
			return err
		}
	}

	for _, file := range []string{"/etc/hostname", "/etc/hosts"} {
		if _, err := p.send(ctx, sc, fmt.Sprintf(`sed -i "s/%s/%s/g" %s`, current, name, file)); err != nil {
			return err
		}
	}
	sc.Device.SetHostname(name)
	sc.SetValue(HostnameValue, name)
	sc.SetValue(SerialNumberValue, serial)

	c, err := p.conn(sc.Device.UID)
	if err != nil {
		return err
	}
	return c.Flush()
}

func (p *provisioner) disconnect(ctx context.Context, sc *step.Context) error {
	c, err := p.conn(sc.Device.UID)
	if err != nil {
		return err
	}
	defer p.setConn(sc.Device.UID, nil)

	if err := c.SendBlind(ctx, "poweroff"); err != nil {
		return err
	}
	return c.Flush()
}
