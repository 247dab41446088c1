// Package buffers provides reusable byte buffers to reduce heap
// allocations during transfers. The large chunk buffers hold one
// plaintext block while it is read and encrypted; the small prefix
// buffers hold the captured plaintext prefix used by block
// verification and live until the block is confirmed uploaded.
//
// Ownership is explicit: every Get must be paired with exactly one Put.
// There is no finalizer fallback.
package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/ProtonDriveApps/sdk-sub001/constants"
)

var (
	chunkAllocations  int64
	prefixAllocations int64
)

var (
	// chunkPool provides BlockSize buffers for reading plaintext chunks.
	chunkPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&chunkAllocations, 1)
			buf := make([]byte, constants.BlockSize)
			return &buf
		},
	}

	// prefixPool provides buffers for captured plaintext prefixes.
	prefixPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&prefixAllocations, 1)
			buf := make([]byte, constants.PlaintextPrefixLength)
			return &buf
		},
	}
)

// GetChunk retrieves a BlockSize buffer from the pool.
//
// Usage:
//
//	buf := buffers.GetChunk()
//	defer buffers.PutChunk(buf)
//	n, err := io.ReadFull(r, *buf)
//	// use (*buf)[:n]
func GetChunk() *[]byte {
	return chunkPool.Get().(*[]byte)
}

// PutChunk returns a chunk buffer to the pool. The buffer is cleared
// first so plaintext does not persist across uses.
func PutChunk(buf *[]byte) {
	if buf != nil && len(*buf) == constants.BlockSize {
		clear(*buf)
		chunkPool.Put(buf)
	}
}

// GetPrefix retrieves a plaintext-prefix buffer from the pool.
func GetPrefix() *[]byte {
	return prefixPool.Get().(*[]byte)
}

// PutPrefix returns a prefix buffer to the pool, cleared first.
func PutPrefix(buf *[]byte) {
	if buf != nil && len(*buf) == constants.PlaintextPrefixLength {
		clear(*buf)
		prefixPool.Put(buf)
	}
}

// Stats reports pool allocation counters, useful when tuning memory use.
type Stats struct {
	ChunkAllocations  int64
	PrefixAllocations int64
}

// GetStats returns current buffer pool statistics.
func GetStats() Stats {
	return Stats{
		ChunkAllocations:  atomic.LoadInt64(&chunkAllocations),
		PrefixAllocations: atomic.LoadInt64(&prefixAllocations),
	}
}
