// Package work implements proof-of-work generation for block submission.
// A work value is valid for a root hash when the blake2b-8 digest of the
// nonce and root clears the difficulty threshold for the block subtype.
package work

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/nanoflow/nanoflow/internal/nano"
)

// Score computes the difficulty value a work nonce achieves against a root.
// The digest input is the 8 nonce bytes in little-endian order followed by
// the 32 root bytes; the 8-byte digest is read as a big-endian integer.
func Score(w nano.Work, root nano.BlockHash) nano.Difficulty {
	h, err := blake2b.New(8, nil)
	if err != nil {
		// Only reachable with an invalid digest size or key.
		panic(err)
	}

	nonce := w.Bytes()
	h.Write(nonce[:])
	h.Write(root[:])

	var digest [8]byte
	h.Sum(digest[:0])

	return nano.Difficulty(binary.BigEndian.Uint64(digest[:]))
}

// Valid reports whether a work nonce clears the threshold for a root.
func Valid(w nano.Work, root nano.BlockHash, threshold nano.Difficulty) bool {
	return Score(w, root) >= threshold
}
