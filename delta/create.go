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

package delta

import (
	"github.com/cespare/xxhash/v2"
)

// blockSize is the window size used to fingerprint the base when building
// the match index. Git's own deltifier uses the same granularity; anything
// smaller makes the index enormous for little benefit, since copy
// instructions shorter than this are rarely worth the 1-8 byte instruction
// overhead anyway.
const blockSize = 16

// minMatch is the shortest run Create will emit as a copy instruction rather
// than literal bytes. It must be at least blockSize, since that's the
// smallest unit the index can find.
const minMatch = blockSize

// Create produces a delta that Apply(base, result) reconstructs as target.
// The encoding need not be optimal; this
// implementation builds a block index of base fingerprinted in
// non-overlapping blockSize windows, then greedily matches and extends runs
// of target against it, falling back to literal inserts where no match
// clears minMatch bytes.
func Create(base, target []byte) []byte {
	out := make([]byte, 0, len(target)/2+16)
	out = appendSize(out, int64(len(base)))
	out = appendSize(out, int64(len(target)))

	index := buildBlockIndex(base)
	var pending []byte // literal bytes not yet flushed as an insert op
	i := 0
	for i < len(target) {
		start, length := index.bestMatch(base, target, i)
		if length < minMatch {
			pending = append(pending, target[i])
			i++
			continue
		}
		out = appendInsert(out, pending)
		pending = pending[:0]
		out = appendCopy(out, start, length)
		i += length
	}
	out = appendInsert(out, pending)
	return out
}

// blockIndex maps a block fingerprint to every aligned offset in base that
// produced it.
type blockIndex struct {
	byHash map[uint64][]int
}

func buildBlockIndex(base []byte) *blockIndex {
	idx := &blockIndex{byHash: make(map[uint64][]int, len(base)/blockSize+1)}
	for off := 0; off+blockSize <= len(base); off += blockSize {
		h := xxhash.Sum64(base[off : off+blockSize])
		idx.byHash[h] = append(idx.byHash[h], off)
	}
	return idx
}

// bestMatch looks for the longest run starting at target[pos:] that also
// appears in base. It fingerprints each blockSize-long target window starting
// at pos, pos+1, ..., pos+blockSize-1 (so a run that begins at pos but not on
// a base block boundary is still found through a later aligned block), shifts
// each hit back so it lines up with pos, and extends it forward from there.
func (idx *blockIndex) bestMatch(base, target []byte, pos int) (start, length int) {
	if pos+blockSize > len(target) {
		return 0, 0
	}
	bestLen := 0
	bestStart := 0
	probes := blockSize
	if rem := len(target) - pos - blockSize; rem < probes {
		probes = rem + 1
	}
	for p := 0; p < probes; p++ {
		h := xxhash.Sum64(target[pos+p : pos+p+blockSize])
		for _, cand := range idx.byHash[h] {
			// cand is the base offset matching target[pos+p:pos+p+blockSize].
			// Extend backward from cand to align the match with pos exactly.
			baseStart := cand - p
			if baseStart < 0 {
				continue
			}
			length := extendMatch(base, target, baseStart, pos)
			if length > bestLen {
				bestLen = length
				bestStart = baseStart
			}
		}
	}
	return bestStart, bestLen
}

// extendMatch returns how many consecutive bytes starting at base[baseStart]
// and target[targetStart] are equal.
func extendMatch(base, target []byte, baseStart, targetStart int) int {
	if baseStart < 0 || baseStart >= len(base) {
		return 0
	}
	n := 0
	maxN := len(base) - baseStart
	if m := len(target) - targetStart; m < maxN {
		maxN = m
	}
	for n < maxN && base[baseStart+n] == target[targetStart+n] {
		n++
	}
	return n
}

// appendInsert emits zero or more insert instructions covering lit, chunked
// to the 7-bit length the insert opcode can carry.
func appendInsert(dst, lit []byte) []byte {
	for len(lit) > 0 {
		n := len(lit)
		if n > maxInsert {
			n = maxInsert
		}
		dst = append(dst, byte(n))
		dst = append(dst, lit[:n]...)
		lit = lit[n:]
	}
	return dst
}

// appendCopy emits one or more copy instructions covering base[start:start+length],
// chunked to the 16-bit (0x10000) maximum size a single copy opcode can carry.
func appendCopy(dst []byte, start, length int) []byte {
	for length > 0 {
		n := length
		if n > maxCopySize {
			n = maxCopySize
		}
		dst = appendCopyOp(dst, uint32(start), uint32(n))
		start += n
		length -= n
	}
	return dst
}

func appendCopyOp(dst []byte, offset, size uint32) []byte {
	op := byte(0x80)
	var offBytes, sizeBytes [4]byte
	offN, sizeN := 0, 0
	for i := 0; i < 4; i++ {
		b := byte(offset >> (8 * i))
		if b != 0 {
			op |= 1 << i
			offBytes[offN] = b
			offN++
		}
	}
	// size == maxCopySize encodes as all-zero size bytes (decoder defaults to
	// maxCopySize when no size byte is present at all).
	encodedSize := size
	if encodedSize == maxCopySize {
		encodedSize = 0
	}
	for i := 0; i < 3; i++ {
		b := byte(encodedSize >> (8 * i))
		if b != 0 {
			op |= 1 << (4 + i)
			sizeBytes[sizeN] = b
			sizeN++
		}
	}
	dst = append(dst, op)
	dst = append(dst, offBytes[:offN]...)
	dst = append(dst, sizeBytes[:sizeN]...)
	return dst
}
