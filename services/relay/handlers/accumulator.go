// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ReplyBufferSize is the size of one locked reply buffer. Longer
	// replies move to ordinary memory unless locked memory is required.
	ReplyBufferSize = 256 * 1024

	// MinMlockLimitKB is the mlock budget one locked reply buffer consumes.
	MinMlockLimitKB = ReplyBufferSize / 1024
)

// ErrSecureMemoryUnavailable is returned when locked memory is required
// but the process may not lock enough of it.
var ErrSecureMemoryUnavailable = errors.New("secure memory unavailable")

// maxLockedBuffers bounds concurrent locked buffers when RLIMIT_MEMLOCK is
// unlimited.
const maxLockedBuffers = 256

var (
	mlockCheckOnce      sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64

	// lockedSlots holds one token per live locked buffer. memguard purges
	// every buffer in the process when an allocation fails to lock, so
	// allocations beyond the mlock budget are never attempted.
	lockedSlots chan struct{}
)

// =============================================================================
// Interface Definition
// =============================================================================

// ReplyAccumulator collects the text fragments of one assistant reply.
//
// # Description
//
// A fresh accumulator is created per chat request and is never shared
// across requests. Fragments are appended in arrival order. Finalize
// returns the concatenation plus a SHA-256 digest of it, then wipes the
// backing memory; the accumulator is unusable afterwards.
//
// # Thread Safety
//
// Safe for concurrent use, though the chat handler only appends from one
// goroutine.
type ReplyAccumulator interface {
	// Append adds one fragment. Fails after Finalize/Destroy, or when a
	// strict locked buffer would overflow.
	Append(fragment string) error

	// Finalize returns the accumulated text and its hex SHA-256 digest.
	Finalize() (text string, digest string, err error)

	// Destroy wipes the buffer. Idempotent; safe to defer.
	Destroy()

	// ID uniquely identifies this accumulator in logs.
	ID() string

	// Secure reports whether the buffer lives in locked memory.
	Secure() bool
}

// AccumulatorFactory creates a fresh ReplyAccumulator.
type AccumulatorFactory func() (ReplyAccumulator, error)

// =============================================================================
// Backing Stores
// =============================================================================

// replyStore is the byte storage behind an accumulator. Capacity is
// enforced by the accumulator before write is called.
type replyStore interface {
	write(p string)
	contents() []byte
	wipe()

	// capacity returns the byte limit, or -1 for unbounded.
	capacity() int
}

// lockedStore keeps the reply in a memguard buffer: mlocked, guarded by
// canary pages, and zeroed on destroy.
type lockedStore struct {
	buf *memguard.LockedBuffer
	n   int
}

func (s *lockedStore) write(p string) {
	s.n += copy(s.buf.Bytes()[s.n:], p)
}
func (s *lockedStore) contents() []byte { return s.buf.Bytes()[:s.n] }
func (s *lockedStore) capacity() int    { return ReplyBufferSize }
func (s *lockedStore) wipe() {
	s.buf.Destroy()
	<-lockedSlots
}

// heapStore is the fallback when locked memory is unavailable. It is
// zeroed on wipe but may be swapped to disk.
type heapStore struct {
	data []byte
}

func (s *heapStore) write(p string)    { s.data = append(s.data, p...) }
func (s *heapStore) contents() []byte { return s.data }
func (s *heapStore) capacity() int    { return -1 }
func (s *heapStore) wipe() {
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// =============================================================================
// Accumulator
// =============================================================================

// replyAccumulator implements ReplyAccumulator. A locked store that fills
// up is replaced by a heap store unless strict is set.
type replyAccumulator struct {
	id        string
	createdAt time.Time
	strict    bool

	mu        sync.Mutex
	secure    bool
	store     replyStore
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// NewReplyAccumulator creates an accumulator, preferring locked memory.
//
// # Description
//
// Checks RLIMIT_MEMLOCK once per process. When the limit is too low, or
// the locked allocation fails, it falls back to a heap buffer unless
// requireSecure is set.
//
// # Inputs
//
//   - requireSecure: Refuse the heap fallback.
//
// # Outputs
//
//   - ReplyAccumulator: Ready for appends. Caller must Destroy it.
//   - error: ErrSecureMemoryUnavailable when requireSecure cannot be met.
func NewReplyAccumulator(requireSecure bool) (ReplyAccumulator, error) {
	checkMlock()

	if !mlockSufficient {
		if requireSecure {
			return nil, fmt.Errorf("%w: mlock limit %d KB, need %d KB",
				ErrSecureMemoryUnavailable, currentMlockLimitKB, MinMlockLimitKB)
		}
		return newHeapAccumulator(), nil
	}

	acc, err := newLockedAccumulator(requireSecure)
	if err != nil {
		if requireSecure {
			return nil, fmt.Errorf("%w: %v", ErrSecureMemoryUnavailable, err)
		}
		slog.Warn("Locked allocation failed, using ordinary memory", "error", err)
		return newHeapAccumulator(), nil
	}
	return acc, nil
}

// SecureAccumulatorFactory returns a factory bound to requireSecure.
func SecureAccumulatorFactory(requireSecure bool) AccumulatorFactory {
	return func() (ReplyAccumulator, error) {
		return NewReplyAccumulator(requireSecure)
	}
}

// HeapAccumulatorFactory always returns heap-backed accumulators.
func HeapAccumulatorFactory() AccumulatorFactory {
	return func() (ReplyAccumulator, error) {
		return newHeapAccumulator(), nil
	}
}

func newLockedAccumulator(strict bool) (acc *replyAccumulator, err error) {
	select {
	case lockedSlots <- struct{}{}:
	default:
		return nil, fmt.Errorf("all %d locked buffers in use", cap(lockedSlots))
	}

	defer func() {
		if r := recover(); r != nil {
			<-lockedSlots
			acc, err = nil, fmt.Errorf("allocate locked buffer: %v", r)
		}
	}()

	buf := memguard.NewBuffer(ReplyBufferSize)
	if buf == nil || buf.Size() == 0 {
		<-lockedSlots
		return nil, fmt.Errorf("allocate locked buffer of %d bytes", ReplyBufferSize)
	}
	buf.Melt()

	acc = newAccumulator(&lockedStore{buf: buf}, true)
	acc.strict = strict
	return acc, nil
}

func newHeapAccumulator() *replyAccumulator {
	return newAccumulator(&heapStore{}, false)
}

func newAccumulator(store replyStore, secure bool) *replyAccumulator {
	acc := &replyAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		secure:    secure,
		store:     store,
		hasher:    sha256.New(),
	}
	slog.Debug("Created reply accumulator", "accumulator_id", acc.id, "secure", secure)
	return acc
}

func (a *replyAccumulator) Append(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("reply buffer overflow - response too large")
	}
	if limit := a.store.capacity(); limit >= 0 && a.offset+len(fragment) > limit {
		if a.strict {
			a.overflow = true
			return fmt.Errorf("reply buffer overflow: need %d bytes, have %d remaining",
				len(fragment), limit-a.offset)
		}
		a.spillToHeapLocked(len(fragment))
	}

	a.store.write(fragment)
	a.offset += len(fragment)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *replyAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeLocked()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.store.contents())
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeLocked()

	slog.Debug("Finalized reply accumulator",
		"accumulator_id", a.id,
		"reply_bytes", len(text),
		"elapsed", time.Since(a.createdAt),
	)
	return text, digest, nil
}

func (a *replyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.destroyed {
		a.wipeLocked()
	}
}

func (a *replyAccumulator) ID() string { return a.id }

func (a *replyAccumulator) Secure() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.secure
}

// spillToHeapLocked moves the reply out of its locked buffer into ordinary
// memory with room for next more bytes. The locked buffer is wiped.
func (a *replyAccumulator) spillToHeapLocked(next int) {
	heap := &heapStore{data: make([]byte, 0, max(2*a.offset, a.offset+next))}
	heap.data = append(heap.data, a.store.contents()...)
	a.store.wipe()
	a.store = heap
	a.secure = false

	slog.Warn("Reply exceeded locked buffer, continuing in ordinary memory",
		"accumulator_id", a.id,
		"locked_bytes", ReplyBufferSize,
	)
}

func (a *replyAccumulator) wipeLocked() {
	a.store.wipe()
	a.destroyed = true
}

// =============================================================================
// Process-wide Secure Memory State
// =============================================================================

// checkMlock reads RLIMIT_MEMLOCK once, sizes the locked buffer budget,
// and logs the outcome.
func checkMlock() {
	mlockCheckOnce.Do(func() {
		mlockSufficient, currentMlockLimitKB = readMlockLimit()
		slots := lockedBudget(currentMlockLimitKB)
		if slots < 1 {
			mlockSufficient = false
		}
		lockedSlots = make(chan struct{}, max(slots, 1))

		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"locked_buffers", slots,
			)
			return
		}
		slog.Warn("SECURITY: mlock limit insufficient, replies will be buffered in ordinary memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
	})
}

func readMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// lockedBudget returns how many reply buffers fit in the mlock limit,
// reserving one buffer's worth for memguard's own key material.
func lockedBudget(limitKB int64) int {
	if limitKB < 0 {
		return maxLockedBuffers
	}
	return max(min(int(limitKB/MinMlockLimitKB)-1, maxLockedBuffers), 0)
}

// IsMlockAvailable reports whether locked buffers can be allocated and the
// current limit in KB (-1 when unlimited or unknown).
func IsMlockAvailable() (bool, int64) {
	checkMlock()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeSecureMemory destroys every live locked buffer. Called on shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged secure memory")
}
