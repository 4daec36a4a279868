package lockfile

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// TestSingleUse tests that locking using a single caller works.
func TestSingleUse(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lf, err := Create(ctx, dir, "test-room")
	if err != nil {
		t.Fatal(err)
	}
	if err := lf.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestDistinctRoomsDoNotContend tests that two rooms sharing a home
// directory take independent locks.
func TestDistinctRoomsDoNotContend(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lfA, err := Create(ctx, dir, "room-a")
	if err != nil {
		t.Fatal(err)
	}
	defer lfA.Close()

	lfB, err := Create(ctx, dir, "room-b")
	if err != nil {
		t.Fatalf("locking a distinct room under the same home dir should not contend: %v", err)
	}
	defer lfB.Close()

	if PathForRoom(dir, "room-a") == PathForRoom(dir, "room-b") {
		t.Fatal("distinct room ids produced the same lock path")
	}
}

// TestConcurrentLock tests the behavior of the lockfile when multiple
// concurrent attempts are made to open it for the same room.
func TestConcurrentLock(t *testing.T) {
	dir := t.TempDir()
	testCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctx1, cancel1 := context.WithCancel(testCtx)

	// The first attempt should succeed immediately.
	lf, err := Create(ctx1, dir, "test-room")
	if err != nil {
		t.Fatal(err)
	}

	// Canceling the context now should not interfere in further tests.
	cancel1()

	// The second attempt should block, so run with a small timeout context.
	ctx2, cancel2 := context.WithTimeout(testCtx, 50*time.Millisecond)
	defer cancel2()
	if _, err = Create(ctx2, dir, "test-room"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}

	// The third attempt should block until the first lockfile is closed.
	ctx3, cancel3 := context.WithCancel(testCtx)
	defer cancel3()
	cf3, cerr3 := make(chan *LockFile), make(chan error)
	go func() {
		lf, err := Create(ctx3, dir, "test-room")
		if err != nil {
			cerr3 <- err
		} else {
			cf3 <- lf
		}
	}()

	// Verify it is indeed blocked and it did not error.
	select {
	case <-cf3:
		t.Fatal("third attempt unexpectedly succeeded before the lock was released")
	case err := <-cerr3:
		t.Fatalf("third attempt unexpectedly errored before the lock was released: %v", err)
	case <-time.After(time.Second):
	}

	// Closing the original lockfile should not error.
	if err := lf.Close(); err != nil {
		t.Fatal(err)
	}

	// The third attempt should now unblock and can be closed.
	select {
	case lf3 := <-cf3:
		if err := lf3.Close(); err != nil {
			t.Fatal(err)
		}
	case err := <-cerr3:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for third attempt to acquire the lock")
	}
}

// TestLocksForever tests that when the process ends, the lock file is
// released. This test needs to be manually performed, by running go test
// -count=1 twice so that the same room is attempted to be locked again.
func TestLocksForever(t *testing.T) {
	Create(context.Background(), os.TempDir(), "ratchetmeshd-lockfile-test-room")
}
