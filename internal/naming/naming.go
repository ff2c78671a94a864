// Package naming assigns hostnames to provisioned devices and records the
// assignments.
package naming

import (
	"fmt"
	"os"
	"sync"
)

// DefaultHostnameFormat formats an assigned device number as a hostname.
const DefaultHostnameFormat = "chip-%d"

// Counter hands out device numbers to concurrent sessions.
type Counter struct {
	mu      sync.Mutex
	next    int
	addSlot bool
}

// NewCounter returns a counter starting at start. With addSlot set, numbers
// are derived from the device slot instead of incrementing, so slot n always
// receives start+n-1.
func NewCounter(start int, addSlot bool) *Counter {
	return &Counter{next: start, addSlot: addSlot}
}

// Next returns the number for a device in slot.
func (c *Counter) Next(slot int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.addSlot {
		return c.next + slot - 1
	}
	n := c.next
	c.next++
	return n
}

// Hostname formats n with format, falling back to DefaultHostnameFormat.
func Hostname(format string, n int) string {
	if format == "" {
		format = DefaultHostnameFormat
	}
	return fmt.Sprintf(format, n)
}

// Ledger appends hostname and serial number pairs to a file. Sessions share
// one ledger, so appends are serialized.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// NewLedger returns a ledger writing to path. The file is created on first
// append.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append records one assignment as a tab separated line.
func (l *Ledger) Append(hostname, serial string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s\t%s\n", hostname, serial); err != nil {
		f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}
