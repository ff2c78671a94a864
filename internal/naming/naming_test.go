package naming

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
)

func TestCounterIncrements(t *testing.T) {
	c := NewCounter(100, false)
	for i, want := range []int{100, 101, 102} {
		if got := c.Next(5); got != want {
			t.Errorf("Next #%d = %d, want %d", i, got, want)
		}
	}
}

func TestCounterAddSlot(t *testing.T) {
	c := NewCounter(100, true)
	if got := c.Next(1); got != 100 {
		t.Errorf("Next(1) = %d, want 100", got)
	}
	if got := c.Next(4); got != 103 {
		t.Errorf("Next(4) = %d, want 103", got)
	}
	if got := c.Next(1); got != 100 {
		t.Errorf("Next(1) again = %d, want 100", got)
	}
}

func TestCounterConcurrentUnique(t *testing.T) {
	c := NewCounter(1, false)
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Go(func() {
			n := c.Next(1)
			mu.Lock()
			defer mu.Unlock()
			if seen[n] {
				t.Errorf("number %d handed out twice", n)
			}
			seen[n] = true
		})
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Errorf("got %d unique numbers, want 50", len(seen))
	}
}

func TestHostname(t *testing.T) {
	if got := Hostname("", 7); got != "chip-7" {
		t.Errorf("Hostname(default) = %q", got)
	}
	if got := Hostname("pocket-%04d", 7); got != "pocket-0007" {
		t.Errorf("Hostname(custom) = %q", got)
	}
}

func TestLedgerAppendConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.tsv")
	l := NewLedger(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			if err := l.Append(fmt.Sprintf("chip-%d", i), fmt.Sprintf("SN%02d", i)); err != nil {
				t.Errorf("Append: %v", err)
			}
		})
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("ledger has %d lines, want 20", len(lines))
	}
	sort.Strings(lines)
	for _, line := range lines {
		host, serial, ok := strings.Cut(line, "\t")
		if !ok || !strings.HasPrefix(host, "chip-") || !strings.HasPrefix(serial, "SN") {
			t.Errorf("malformed ledger line %q", line)
		}
	}
}

func TestLedgerAppendError(t *testing.T) {
	l := NewLedger(filepath.Join(t.TempDir(), "missing", "hosts.tsv"))
	if err := l.Append("chip-1", "SN"); err == nil {
		t.Error("Append into a missing directory succeeded")
	}
}
