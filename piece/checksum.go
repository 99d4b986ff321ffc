// Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
package piece

import "golang.org/x/crypto/blake2b"

// Checksum is a piece payload's blake2b-256 digest. It is not part of the
// wire protocol (pieces travel raw, the way spec.md describes); it exists
// so a test, or an operator comparing two archives out of band, can assert
// bit-identical replication without holding both payloads in memory at once.
type Checksum [blake2b.Size256]byte

// Sum computes the Checksum of bytes.
func Sum(bytes []byte) Checksum {
	return blake2b.Sum256(bytes)
}

// Verify reports whether p's payload hashes to want.
func (p Piece) Verify(want Checksum) bool {
	return Sum(p.Bytes) == want
}
