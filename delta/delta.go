// Copyright 2024 The gitcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package delta implements Git's binary delta encoding: representing a
// target byte string as a patch of copy and insert instructions against a
// base byte string. This is the in-memory codec; packfile entries store
// these same instructions zlib-compressed, with the base addressed by pack
// offset or object ID instead of held in memory (see package packfile's
// DeltaReader for that streaming variant).
//
// See https://git-scm.com/docs/pack-format#_deltified_representation.
package delta

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned by Apply. Use errors.Is to test for them.
var (
	// ErrInvalidDelta is returned when a delta stream is malformed: a
	// truncated header, a reserved opcode, or a copy instruction that runs
	// past the end of the delta stream.
	ErrInvalidDelta = errors.New("delta: invalid delta stream")
	// ErrCopyOutOfRange is returned when a copy instruction references bytes
	// beyond the end of the base.
	ErrCopyOutOfRange = errors.New("delta: copy instruction out of range")
	// ErrSizeMismatch is returned when the number of bytes produced by Apply
	// does not match the target size recorded in the delta header.
	ErrSizeMismatch = errors.New("delta: applied size does not match header")
)

const (
	maxCopySize = 0x10000 // a zero-valued size field means this, not zero
	maxInsert   = 0x7f    // insert opcodes steal their length from the low 7 bits
)

// Header reports the source and target lengths encoded at the start of a
// delta stream, without applying it.
func Header(d []byte) (srcLen, targetLen int64, rest []byte, err error) {
	srcLen, n := binary.Uvarint(d)
	if n <= 0 {
		return 0, 0, nil, fmt.Errorf("%w: read source size", ErrInvalidDelta)
	}
	d = d[n:]
	targetLen, n = binary.Uvarint(d)
	if n <= 0 {
		return 0, 0, nil, fmt.Errorf("%w: read target size", ErrInvalidDelta)
	}
	return srcLen, targetLen, d[n:], nil
}

// Apply reconstructs the target byte string that Create (or any conformant
// encoder) produced from base. It fails with ErrInvalidDelta if the stream is
// malformed, ErrCopyOutOfRange if a copy instruction reaches past the end of
// base, and ErrSizeMismatch if the reconstructed length doesn't match the
// size recorded in the delta header.
func Apply(base, d []byte) ([]byte, error) {
	srcLen, targetLen, d, err := Header(d)
	if err != nil {
		return nil, err
	}
	if srcLen != int64(len(base)) {
		return nil, fmt.Errorf("%w: base is %d bytes, delta expects %d", ErrInvalidDelta, len(base), srcLen)
	}
	if targetLen < 0 || targetLen > 1<<48 {
		return nil, fmt.Errorf("%w: target size %d out of range", ErrInvalidDelta, targetLen)
	}
	out := make([]byte, 0, targetLen)
	for len(d) > 0 {
		op := d[0]
		d = d[1:]
		switch {
		case op == 0:
			return nil, fmt.Errorf("%w: opcode 0 is reserved", ErrInvalidDelta)
		case op&0x80 == 0:
			// Insert op bytes of literal data.
			n := int(op)
			if len(d) < n {
				return nil, fmt.Errorf("%w: insert runs past end of delta", ErrInvalidDelta)
			}
			out = append(out, d[:n]...)
			d = d[n:]
		default:
			var offset, size uint32
			for i := 0; i < 4; i++ {
				if op&(1<<i) == 0 {
					continue
				}
				if len(d) == 0 {
					return nil, fmt.Errorf("%w: truncated copy offset", ErrInvalidDelta)
				}
				offset |= uint32(d[0]) << (8 * i)
				d = d[1:]
			}
			for i := 0; i < 3; i++ {
				if op&(1<<(4+i)) == 0 {
					continue
				}
				if len(d) == 0 {
					return nil, fmt.Errorf("%w: truncated copy size", ErrInvalidDelta)
				}
				size |= uint32(d[0]) << (8 * i)
				d = d[1:]
			}
			if size == 0 {
				size = maxCopySize
			}
			end := uint64(offset) + uint64(size)
			if end > uint64(len(base)) {
				return nil, fmt.Errorf("%w: copy [%d, %d) exceeds base length %d", ErrCopyOutOfRange, offset, end, len(base))
			}
			out = append(out, base[offset:end]...)
		}
	}
	if int64(len(out)) != targetLen {
		return nil, fmt.Errorf("%w: produced %d bytes, header declared %d", ErrSizeMismatch, len(out), targetLen)
	}
	return out, nil
}

// appendSize appends a Git-style base-128 varint (matching
// encoding/binary.PutUvarint: 7 bits per byte, little-endian, continuation
// bit set on every byte but the last).
func appendSize(dst []byte, n int64) []byte {
	var buf [binary.MaxVarintLen64]byte
	k := binary.PutUvarint(buf[:], uint64(n))
	return append(dst, buf[:k]...)
}
