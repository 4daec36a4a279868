// Package filexfer implements the file-transfer adapter (C7): fixed
// 1 MiB chunking, a whole-file and per-chunk SHA-256 checksum, bounded
// concurrent chunk upload, and a retry/resume/cancel state machine.
// Chunk crypto is identical to the ratchet's encrypt path; this
// package never touches a ratchet.State directly, it only builds the
// chunk payload and hands it to a ChunkSender collaborator (the
// session controller's SendTyped, tagged with envelope.FileType).
package filexfer

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/companyzero/ratchetmesh/envelope"
	"github.com/companyzero/ratchetmesh/faults"
)

// ChunkSize is the fixed chunk size every file is split into.
const ChunkSize = 1 << 20 // 1 MiB

// MaxConcurrentChunks bounds how many chunk uploads are in flight at
// once for a single transfer.
const MaxConcurrentChunks = 3

// MaxChunkRetries is how many send attempts, the first one included, a
// single chunk gets before the whole transfer transitions to Failed.
const MaxChunkRetries = 3

// Status is a transfer's lifecycle state.
type Status int

const (
	Pending Status = iota
	Uploading
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Uploading:
		return "uploading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ChunkMeta describes one chunk's position and checksum within a
// transfer.
type ChunkMeta struct {
	Index    int
	Size     int
	Checksum [32]byte
}

// Metadata is what finalize() returns on a completed transfer.
type Metadata struct {
	ID       string
	Name     string
	Size     int64
	Checksum [32]byte
	Chunks   []ChunkMeta
}

// ChunkPayload is the JSON object carried as a file envelope's
// content; envelope.FileType tags the outer envelope carrying it.
type ChunkPayload struct {
	TransferID string                 `json:"transferId"`
	Index      int                    `json:"index"`
	Total      int                    `json:"total"`
	Checksum   envelope.Base64Bytes32 `json:"checksum"`
	Data       envelope.Base64Blob    `json:"data"`
}

// ChunkSender pushes one already-serialized chunk payload to the peer.
// It returns an error if the send could not be delivered; filexfer
// retries on error, up to MaxChunkRetries attempts in all.
type ChunkSender func(content []byte) error

// ProgressFunc reports chunks acknowledged out of the total, called
// after every successful chunk upload.
type ProgressFunc func(acked, total int)

type chunkState struct {
	meta     ChunkMeta
	data     []byte
	acked    bool
	attempts int
}

// Transfer is one file upload's state machine.
type Transfer struct {
	mtx sync.Mutex

	id       string
	name     string
	size     int64
	checksum [32]byte
	chunks   []chunkState

	status     Status
	send       ChunkSender
	onProgress ProgressFunc

	cancel context.CancelFunc
}

// NewUpload reads file fully into memory (the Non-goal of durable
// offline storage rules out streaming to disk for resume; a transfer
// lives only as long as the process that started it), splits it into
// ChunkSize chunks, and computes the whole-file and per-chunk SHA-256
// checksums required before any chunk is sent.
func NewUpload(id, name string, file io.Reader, send ChunkSender, onProgress ProgressFunc) (*Transfer, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, faults.NewTransportFault("read file", err)
	}

	whole := sha256.Sum256(data)
	var chunks []chunkState
	for i := 0; i < len(data); i += ChunkSize {
		end := i + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		c := data[i:end]
		chunks = append(chunks, chunkState{
			meta: ChunkMeta{Index: len(chunks), Size: len(c), Checksum: sha256.Sum256(c)},
			data: c,
		})
	}
	if len(chunks) == 0 {
		// An empty file is still one (zero-length) chunk, so finalize
		// has something to acknowledge.
		chunks = append(chunks, chunkState{meta: ChunkMeta{Index: 0, Size: 0, Checksum: sha256.Sum256(nil)}})
	}

	return &Transfer{
		id:         id,
		name:       name,
		size:       int64(len(data)),
		checksum:   whole,
		chunks:     chunks,
		status:     Pending,
		send:       send,
		onProgress: onProgress,
	}, nil
}

// ID, Name, Size, Status report the transfer's identity and current
// lifecycle state.
func (t *Transfer) ID() string { return t.id }
func (t *Transfer) Name() string { return t.name }
func (t *Transfer) Size() int64 { return t.size }

func (t *Transfer) Status() Status {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.status
}

// Upload drives every not-yet-acknowledged chunk through send, up to
// MaxConcurrentChunks at a time, giving a failing chunk up to
// MaxChunkRetries attempts before giving up on the whole transfer. On success
// it returns this transfer's finalize() metadata.
func (t *Transfer) Upload(ctx context.Context) (*Metadata, error) {
	t.mtx.Lock()
	if t.status == Cancelled {
		t.mtx.Unlock()
		return nil, faults.NewUsageFault("upload called on a cancelled transfer")
	}
	if t.status == Completed {
		meta := t.metadataLocked()
		t.mtx.Unlock()
		return meta, nil
	}
	t.status = Uploading
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	total := len(t.chunks)
	t.mtx.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentChunks)

	for i := range t.chunks {
		i := i
		g.Go(func() error {
			return t.uploadChunk(gctx, i, total)
		})
	}

	err := g.Wait()

	t.mtx.Lock()
	defer t.mtx.Unlock()
	if err != nil {
		if t.status != Cancelled {
			t.status = Failed
		}
		return nil, err
	}
	t.status = Completed
	return t.metadataLocked(), nil
}

func (t *Transfer) uploadChunk(ctx context.Context, index, total int) error {
	t.mtx.Lock()
	cs := t.chunks[index]
	acked := cs.acked
	t.mtx.Unlock()
	if acked {
		return nil
	}

	payload := ChunkPayload{
		TransferID: t.id,
		Index:      cs.meta.Index,
		Total:      total,
		Checksum:   envelope.Base64Bytes32(cs.meta.Checksum),
		Data:       envelope.Base64Blob(cs.data),
	}

	var lastErr error
	for attempt := 0; attempt < MaxChunkRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		body, err := encodeChunk(payload)
		if err != nil {
			return err
		}
		if err := t.send(body); err != nil {
			lastErr = err
			t.mtx.Lock()
			t.chunks[index].attempts++
			t.mtx.Unlock()
			continue
		}

		t.mtx.Lock()
		t.chunks[index].acked = true
		ackedCount := t.ackedCountLocked()
		t.mtx.Unlock()

		if t.onProgress != nil {
			t.onProgress(ackedCount, total)
		}
		return nil
	}

	return faults.NewTransportFault(fmt.Sprintf("chunk %d", index), lastErr)
}

func (t *Transfer) ackedCountLocked() int {
	n := 0
	for _, c := range t.chunks {
		if c.acked {
			n++
		}
	}
	return n
}

func (t *Transfer) metadataLocked() *Metadata {
	metas := make([]ChunkMeta, len(t.chunks))
	for i, c := range t.chunks {
		metas[i] = c.meta
	}
	return &Metadata{
		ID:       t.id,
		Name:     t.name,
		Size:     t.size,
		Checksum: t.checksum,
		Chunks:   metas,
	}
}

// Cancel stops any in-flight Upload call and marks the transfer
// Cancelled. Already-acknowledged chunks stay acknowledged, but a
// cancelled transfer cannot be restarted: Upload and Resume both return
// a UsageFault for it.
func (t *Transfer) Cancel() {
	t.mtx.Lock()
	t.status = Cancelled
	cancel := t.cancel
	t.mtx.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume re-attempts only the chunks that were never acknowledged,
// picking up after a Failed transfer (exhausted retries) or a
// transfer whose context was cancelled mid-flight for a reason other
// than an explicit Cancel.
func (t *Transfer) Resume(ctx context.Context) (*Metadata, error) {
	t.mtx.Lock()
	if t.status == Cancelled {
		t.mtx.Unlock()
		return nil, faults.NewUsageFault("resume called on a cancelled transfer")
	}
	t.status = Pending
	t.mtx.Unlock()
	return t.Upload(ctx)
}

func encodeChunk(p ChunkPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, faults.NewCodecFault("encode chunk payload", err)
	}
	return b, nil
}
