// Package testutils collects small test-only helpers shared across this
// module's package tests: temp files/dirs and a logger that routes to
// testing.TB.Log instead of stdout.
package testutils

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
)

// RandomFile creates a file of sz random bytes for testing and removes it
// after the test ends.
func RandomFile(t testing.TB, sz int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	f, err := os.CreateTemp("", "ratchetmesh-test-random-file")
	if err != nil {
		t.Fatal(err)
	}

	var b [4096]byte
	for written := 0; written < sz; {
		end := len(b)
		if sz-written < end {
			end = sz - written
		}
		if _, err := io.ReadFull(rng, b[:end]); err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write(b[:end]); err != nil {
			t.Fatal(err)
		}
		written += end
	}

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

// TempTestDir returns a temp dir for a test that only gets cleaned up if the
// test does not fail, so a failing test's artifacts stay around to inspect.
func TempTestDir(t testing.TB, prefix string) string {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if !t.Failed() {
			if err := os.RemoveAll(dir); err != nil {
				t.Logf("unable to remove temp dir %s: %v", dir, err)
			}
		} else {
			t.Logf("test data dir: %s", dir)
		}
	})

	return dir
}

// testLogBackend is an io.Writer that forwards log lines to testing.TB.Log.
type testLogBackend struct {
	mtx  sync.Mutex
	tb   testing.TB
	done bool
}

func (b *testLogBackend) Write(p []byte) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !b.done {
		b.tb.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// Logger returns an slog.Logger for subsystem name that logs via t.Log,
// at trace level so every call site's logging gets exercised in tests.
func Logger(t testing.TB, name string) slog.Logger {
	tlb := &testLogBackend{tb: t}
	t.Cleanup(func() {
		tlb.mtx.Lock()
		tlb.done = true
		tlb.mtx.Unlock()
	})
	backend := slog.NewBackend(tlb)
	logger := backend.Logger(fmt.Sprintf("%7s", name))
	logger.SetLevel(slog.LevelTrace)
	return logger
}
