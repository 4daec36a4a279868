// Package ratelimit enforces the upstream submission limits named for
// the session core: a per-peer message rate and a per-peer file-upload
// rate, both token buckets refilled continuously rather than reset on
// a fixed window boundary.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MessageLimit and MessageBurst give 30 messages per 60 seconds.
const (
	MessageLimit = rate.Limit(30.0 / 60.0)
	MessageBurst = 30
)

// UploadLimit and UploadBurst give 10 file uploads per 300 seconds.
const (
	UploadLimit = rate.Limit(10.0 / 300.0)
	UploadBurst = 10
)

// Limiter bounds message and upload submissions independently per
// peer. A zero Limiter is not usable; use New.
type Limiter struct {
	mtx      sync.Mutex
	messages map[string]*rate.Limiter
	uploads  map[string]*rate.Limiter
}

// New returns an empty Limiter; per-peer buckets are created lazily on
// first use so a peer that never sends anything never allocates one.
func New() *Limiter {
	return &Limiter{
		messages: make(map[string]*rate.Limiter),
		uploads:  make(map[string]*rate.Limiter),
	}
}

// AllowMessage reports whether peer may submit one more message right
// now, consuming a token if so.
func (l *Limiter) AllowMessage(peer string) bool {
	return l.bucket(l.messages, peer, MessageLimit, MessageBurst).Allow()
}

// AllowUpload reports whether peer may start one more file upload
// right now, consuming a token if so.
func (l *Limiter) AllowUpload(peer string) bool {
	return l.bucket(l.uploads, peer, UploadLimit, UploadBurst).Allow()
}

func (l *Limiter) bucket(m map[string]*rate.Limiter, peer string, limit rate.Limit, burst int) *rate.Limiter {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	b, ok := m[peer]
	if !ok {
		b = rate.NewLimiter(limit, burst)
		m[peer] = b
	}
	return b
}

// Forget drops a peer's buckets, freeing them once its session ends.
func (l *Limiter) Forget(peer string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	delete(l.messages, peer)
	delete(l.uploads, peer)
}

// MessageBackoff reports how long the caller would have to wait
// before AllowMessage succeeds, without consuming a token — for
// callers that want to back off instead of dropping the submission
// outright.
func (l *Limiter) MessageBackoff(peer string) time.Duration {
	b := l.bucket(l.messages, peer, MessageLimit, MessageBurst)
	r := b.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}
