package blockcrypto

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
)

// DigestAccumulator streams plaintext through a running whole-file
// SHA-1 digest, used for the post-upload integrity comparison against
// a caller-supplied expected digest.
//
// The plaintext must be fed strictly in file order; the pipeline's
// sequential reader guarantees this.
type DigestAccumulator struct {
	h hash.Hash
	n int64
}

// NewDigestAccumulator creates an empty accumulator.
func NewDigestAccumulator() *DigestAccumulator {
	return &DigestAccumulator{h: sha1.New()}
}

// Write feeds plaintext into the digest. It never fails.
func (d *DigestAccumulator) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return d.h.Write(p)
}

// BytesWritten reports the total plaintext fed so far.
func (d *DigestAccumulator) BytesWritten() int64 {
	return d.n
}

// SumHex returns the hex-encoded digest of everything written so far
// without disturbing the running state.
func (d *DigestAccumulator) SumHex() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
