// Package console drives a login shell on a device over its serial
// control link.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"
)

var (
	// ErrConnection is returned when the console cannot be opened or the
	// login sequence fails.
	ErrConnection = errors.New("console connection failed")

	// ErrTransport is returned when a command cannot be sent or its reply
	// never arrives.
	ErrTransport = errors.New("console transport failed")
)

// Defaults for Config fields left zero.
const (
	DefaultBaudRate       = 115200
	DefaultShellPrompt    = "# "
	DefaultLoginPrompt    = "login: "
	DefaultPasswordPrompt = "Password: "
	DefaultCommandTimeout = 10 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	readPoll              = 100 * time.Millisecond
)

// Transport is a command channel to a device shell.
type Transport interface {
	Connect(ctx context.Context) error
	// Send runs cmd and returns its output without the echoed command or
	// the trailing prompt.
	Send(ctx context.Context, cmd string) (string, error)
	// SendBlind writes cmd without waiting for a reply.
	SendBlind(ctx context.Context, cmd string) error
	// Flush discards unread input.
	Flush() error
	Close() error
}

// Port is the subset of serial.Port the console needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// OpenFunc opens the port at path.
type OpenFunc func(path string, baud int) (Port, error)

// OpenSerial opens a serial port with 8N1 framing.
func OpenSerial(path string, baud int) (Port, error) {
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Config describes how to reach and log in to a device console.
type Config struct {
	Path     string
	BaudRate int
	User     string
	Password string

	ShellPrompt    string
	LoginPrompt    string
	PasswordPrompt string

	// CommandTimeout bounds each Send when ctx carries no deadline.
	CommandTimeout time.Duration
	// ConnectTimeout bounds the retries of Connect.
	ConnectTimeout time.Duration

	Open   OpenFunc
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ShellPrompt == "" {
		c.ShellPrompt = DefaultShellPrompt
	}
	if c.LoginPrompt == "" {
		c.LoginPrompt = DefaultLoginPrompt
	}
	if c.PasswordPrompt == "" {
		c.PasswordPrompt = DefaultPasswordPrompt
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Open == nil {
		c.Open = OpenSerial
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Console is a Transport over a serial port.
type Console struct {
	cfg Config

	mu   sync.Mutex
	port Port
}

// Compile-time interface satisfaction check.
var _ Transport = (*Console)(nil)

// New returns an unconnected console.
func New(cfg Config) *Console {
	cfg.setDefaults()
	return &Console{cfg: cfg}
}

// Connect opens the port and logs in, retrying with exponential backoff
// while the device boots.
func (c *Console) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(c.cfg.ConnectTimeout),
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		p, err := c.cfg.Open(c.cfg.Path, c.cfg.BaudRate)
		if err != nil {
			c.cfg.Logger.Debug("console open failed", "path", c.cfg.Path, "attempt", attempt, "error", err)
			return err
		}
		if err := c.login(ctx, p); err != nil {
			p.Close()
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.cfg.Logger.Debug("console login failed", "path", c.cfg.Path, "attempt", attempt, "error", err)
			return err
		}
		c.port = p
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnection, c.cfg.Path, err)
	}

	c.cfg.Logger.Info("console connected", "path", c.cfg.Path, "attempts", attempt)
	return nil
}

func (c *Console) login(ctx context.Context, p Port) error {
	if err := p.SetReadTimeout(readPoll); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := io.WriteString(p, "\n"); err != nil {
		return fmt.Errorf("wake console: %w", err)
	}
	out, err := readUntil(ctx, p, c.cfg.ShellPrompt, c.cfg.LoginPrompt)
	if err != nil {
		return err
	}
	if endsWith(out, c.cfg.ShellPrompt) {
		return nil
	}

	if _, err := io.WriteString(p, c.cfg.User+"\n"); err != nil {
		return fmt.Errorf("send user: %w", err)
	}
	if _, err := readUntil(ctx, p, c.cfg.PasswordPrompt); err != nil {
		return err
	}
	if _, err := io.WriteString(p, c.cfg.Password+"\n"); err != nil {
		return fmt.Errorf("send password: %w", err)
	}
	out, err = readUntil(ctx, p, c.cfg.ShellPrompt, c.cfg.LoginPrompt)
	if err != nil {
		return err
	}
	if !endsWith(out, c.cfg.ShellPrompt) {
		return errors.New("login rejected")
	}
	return nil
}

// Send runs cmd and returns its output.
func (c *Console) Send(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return "", fmt.Errorf("%w: not connected", ErrTransport)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := io.WriteString(c.port, cmd+"\n"); err != nil {
		return "", fmt.Errorf("%w: write %q: %v", ErrTransport, cmd, err)
	}
	out, err := readUntil(ctx, c.port, c.cfg.ShellPrompt)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrTransport, cmd, err)
	}
	return cleanReply(out, cmd, c.cfg.ShellPrompt), nil
}

// SendBlind writes cmd without waiting for the prompt, for commands such as
// poweroff that never return one.
func (c *Console) SendBlind(_ context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	if _, err := io.WriteString(c.port, cmd+"\n"); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrTransport, cmd, err)
	}
	return nil
}

// Flush discards unread input.
func (c *Console) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	return c.port.ResetInputBuffer()
}

// Close closes the port. It is safe to call on a closed console.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func (c *Console) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CommandTimeout)
}

// readUntil reads from r until the accumulated text ends with one of the
// markers. r must return periodically with no data so ctx can be checked.
func readUntil(ctx context.Context, r io.Reader, markers ...string) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return sb.String(), fmt.Errorf("waiting for prompt: %w", err)
		}
		n, err := r.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			for _, m := range markers {
				if endsWith(sb.String(), m) {
					return sb.String(), nil
				}
			}
		}
		if err != nil {
			return sb.String(), fmt.Errorf("read: %w", err)
		}
	}
}

func endsWith(text, marker string) bool {
	return strings.HasSuffix(strings.TrimRight(text, "\r\n"), marker)
}

// cleanReply strips escape sequences, carriage returns, the echoed command
// and the trailing prompt from a shell reply.
func cleanReply(raw, cmd, prompt string) string {
	text := strings.ReplaceAll(stripansi.Strip(raw), "\r", "")
	lines := strings.Split(text, "\n")

	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(cmd) {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && strings.HasSuffix(strings.TrimSpace(lines[n-1]), strings.TrimSpace(prompt)) {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
