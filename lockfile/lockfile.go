// Package lockfile guards a home directory against two ratchetmesh
// daemons racing the same room's session state. A home directory can
// hold config/state for more than one room (distinct -cfg paths
// pointed at the same home dir), so the lock is scoped per room
// rather than per home dir: two daemons for different rooms sharing a
// home dir don't contend, but two daemons for the same room do.
package lockfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// LockFile holds the lockfile.
type LockFile struct {
	f      *lockedfile.File
	roomID string
}

// Close closes the lockfile.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return fmt.Errorf("nil internal locked file")
	}
	return lf.f.Close()
}

// PathForRoom returns the lock file path for roomID under homeDir.
// roomID is hashed into the filename instead of used directly, since
// it's operator-supplied config and may contain path separators or
// other characters unsafe for a file name.
func PathForRoom(homeDir, roomID string) string {
	sum := sha256.Sum256([]byte(roomID))
	return filepath.Join(homeDir, "locks", hex.EncodeToString(sum[:8])+".lock")
}

// Create takes the exclusive lock for roomID under homeDir, failing
// if another process already holds it or ctx is cancelled first.
func Create(ctx context.Context, homeDir, roomID string) (*LockFile, error) {
	filePath := PathForRoom(homeDir, roomID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o0700); err != nil {
		return nil, err
	}
	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(filePath)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		// Opened the locked file. Write out the current host name,
		// pid, and the room it's guarding to ease debugging. Errors
		// here are ignored as they're not fatal for our purposes.
		f.WriteString(fmt.Sprintf("Room=%q\n", roomID))
		f.WriteString(fmt.Sprintf("PID=%d\n", os.Getpid()))
		host, _ := os.Hostname()
		f.WriteString(fmt.Sprintf("Host=%q\n", host))
		procName := ""
		if len(os.Args) > 0 {
			procName = os.Args[0]
		}
		f.WriteString(fmt.Sprintf("Process=%q\n", procName))
		return &LockFile{f: f, roomID: roomID}, nil

	case err := <-cerr:
		// Opening errored out.
		return nil, err

	case <-ctx.Done():
		// When the context is done before we get a reply, the file may
		// still (eventually) open, so make sure we close it if it ever
		// returns.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
