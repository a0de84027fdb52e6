package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

// IPHasher turns client addresses into opaque identifiers so raw addresses
// never reach Redis or the logs. Key gives a stable rate-limit key; Hash gives a
// log identifier derived per epoch that stops being linkable once its epoch
// rotates out.
type IPHasher struct {
	rotationInterval time.Duration
	pepper           []byte
	limitKey         []byte
	now              func() time.Time

	mu         sync.RWMutex
	currentKey []byte
	epoch      int64
	stopped    bool
	stopChan   chan struct{}
	stopOnce   sync.Once
}

func NewIPHasher(pepper []byte, rotationInterval time.Duration) (*IPHasher, error) {
	if rotationInterval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &IPHasher{
		rotationInterval: rotationInterval,
		pepper:           make([]byte, len(pepper)),
		now:              time.Now,
		stopChan:         make(chan struct{}),
	}
	copy(h.pepper, pepper)
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte("ip-limit-v1"))
	h.limitKey = mac.Sum(nil)
	h.rotate()
	return h, nil
}

// Start runs the rotation loop until Stop.
func (h *IPHasher) Start() {
	go h.rotationLoop()
}

// Key is the rate-limit identity of ip. It does not change across epochs, so a
// bucket drained before a rotation stays drained after it.
func (h *IPHasher) Key(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	mac := hmac.New(sha256.New, h.limitKey)
	mac.Write([]byte(ip))
	return "ip:" + hex.EncodeToString(mac.Sum(nil)[:16]), nil
}

// Hash is the log identifier of ip for the current epoch.
func (h *IPHasher) Hash(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	mac := hmac.New(sha256.New, h.currentKey)
	mac.Write([]byte(ip))
	return fmt.Sprintf("ip:%d:%s", h.epoch, hex.EncodeToString(mac.Sum(nil)[:16])), nil
}

func (h *IPHasher) epochAt(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

// rotate derives the key for the current epoch; a no-op when the epoch is unchanged.
func (h *IPHasher) rotate() bool {
	epoch := h.epochAt(h.now())
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || (h.currentKey != nil && epoch == h.epoch) {
		return false
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(fmt.Sprintf("ip-hasher-v1:%d", epoch)))
	if h.currentKey != nil {
		Wipe(h.currentKey)
	}
	h.currentKey = mac.Sum(nil)
	h.epoch = epoch
	return true
}

func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			if h.rotate() {
				Debug().Msg("rotated IP hasher key")
			}
		}
	}
}

func (h *IPHasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stopped = true
		Wipe(h.currentKey)
		Wipe(h.limitKey)
		Wipe(h.pepper)
		h.currentKey = nil
	})
}
