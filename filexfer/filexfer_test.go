package filexfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/companyzero/ratchetmesh/internal/testutils"
)

// collectingSender decodes each chunk payload and stores it, so tests
// can assert every chunk arrived intact and reassemble the file.
type collectingSender struct {
	mtx       sync.Mutex
	received  map[int][]byte
	failFirst map[int]int // index -> number of times to fail before succeeding
}

func newCollectingSender() *collectingSender {
	return &collectingSender{received: make(map[int][]byte), failFirst: make(map[int]int)}
}

func (s *collectingSender) send(content []byte) error {
	var p ChunkPayload
	if err := json.Unmarshal(content, &p); err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if n := s.failFirst[p.Index]; n > 0 {
		s.failFirst[p.Index] = n - 1
		return fmt.Errorf("simulated failure for chunk %d", p.Index)
	}
	s.received[p.Index] = []byte(p.Data)
	return nil
}

func (s *collectingSender) reassemble(total int) []byte {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var buf bytes.Buffer
	for i := 0; i < total; i++ {
		buf.Write(s.received[i])
	}
	return buf.Bytes()
}

func TestUploadSmallFileSingleChunk(t *testing.T) {
	data := []byte("hello, this is a small file")
	sender := newCollectingSender()

	tr, err := NewUpload("t1", "small.txt", bytes.NewReader(data), sender.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := tr.Upload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(meta.Chunks))
	}
	if meta.Checksum != sha256.Sum256(data) {
		t.Fatal("whole-file checksum mismatch")
	}
	if !bytes.Equal(sender.reassemble(1), data) {
		t.Fatal("reassembled content mismatch")
	}
	if tr.Status() != Completed {
		t.Fatalf("expected Completed, got %v", tr.Status())
	}
}

func TestUploadMultiChunkFile(t *testing.T) {
	data := make([]byte, ChunkSize*3+123)
	for i := range data {
		data[i] = byte(i)
	}
	sender := newCollectingSender()

	tr, err := NewUpload("t2", "big.bin", bytes.NewReader(data), sender.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := tr.Upload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(meta.Chunks))
	}
	if !bytes.Equal(sender.reassemble(4), data) {
		t.Fatal("reassembled content mismatch")
	}
}

func TestUploadRetriesFailedChunk(t *testing.T) {
	data := make([]byte, ChunkSize*2)
	sender := newCollectingSender()
	sender.failFirst[1] = 2 // fail chunk 1 twice, succeed on the 3rd attempt

	tr, err := NewUpload("t3", "retry.bin", bytes.NewReader(data), sender.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Upload(context.Background()); err != nil {
		t.Fatalf("expected eventual success within MaxChunkRetries, got %v", err)
	}
	if tr.Status() != Completed {
		t.Fatalf("expected Completed, got %v", tr.Status())
	}
}

func TestUploadFailsAfterExhaustingRetries(t *testing.T) {
	data := make([]byte, ChunkSize)
	sender := newCollectingSender()
	sender.failFirst[0] = MaxChunkRetries + 5

	tr, err := NewUpload("t4", "doomed.bin", bytes.NewReader(data), sender.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Upload(context.Background()); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if tr.Status() != Failed {
		t.Fatalf("expected Failed, got %v", tr.Status())
	}
}

func TestResumeOnlyRetriesUnacked(t *testing.T) {
	data := make([]byte, ChunkSize*3)
	sender := newCollectingSender()
	sender.failFirst[2] = MaxChunkRetries + 5 // chunk 2 always fails

	tr, err := NewUpload("t5", "resume.bin", bytes.NewReader(data), sender.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Upload(context.Background()); err == nil {
		t.Fatal("expected initial upload to fail")
	}
	if tr.Status() != Failed {
		t.Fatalf("expected Failed, got %v", tr.Status())
	}

	// Let chunk 2 succeed now, then resume.
	sender.mtx.Lock()
	sender.failFirst[2] = 0
	sender.mtx.Unlock()

	meta, err := tr.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if len(meta.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(meta.Chunks))
	}
	if !bytes.Equal(sender.reassemble(3), data) {
		t.Fatal("reassembled content mismatch after resume")
	}
}

func TestCancelStopsUpload(t *testing.T) {
	data := make([]byte, ChunkSize*5)
	sender := newCollectingSender()

	tr, err := NewUpload("t6", "cancel.bin", bytes.NewReader(data), sender.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr.Cancel()
	if _, err := tr.Upload(context.Background()); err == nil {
		t.Fatal("expected usage fault uploading a cancelled transfer")
	}
}

func TestProgressCallback(t *testing.T) {
	data := make([]byte, ChunkSize*2)
	sender := newCollectingSender()

	var mu sync.Mutex
	var lastAcked, lastTotal int
	progress := func(acked, total int) {
		mu.Lock()
		defer mu.Unlock()
		lastAcked, lastTotal = acked, total
	}

	tr, err := NewUpload("t7", "progress.bin", bytes.NewReader(data), sender.send, progress)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Upload(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if lastAcked != 2 || lastTotal != 2 {
		t.Fatalf("expected final progress 2/2, got %d/%d", lastAcked, lastTotal)
	}
}

// TestUploadRealFileFromDisk exercises a transfer sourced from an actual
// file on disk, rather than an in-memory reader, so the chunker is driven
// by real file I/O at least once.
func TestUploadRealFileFromDisk(t *testing.T) {
	path := testutils.RandomFile(t, ChunkSize*2+777)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	sender := newCollectingSender()
	tr, err := NewUpload("t8", "disk.bin", f, sender.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := tr.Upload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if meta.Checksum != sha256.Sum256(want) {
		t.Fatal("whole-file checksum mismatch")
	}
	if !bytes.Equal(sender.reassemble(len(meta.Chunks)), want) {
		t.Fatal("reassembled content mismatch")
	}
}
