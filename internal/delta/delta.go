package delta

import (
	"patcher/internal/manifest"

	"github.com/zeebo/blake3"
)

// DefaultBlockSize is the reference block size named by the delta engine
// contract.
const DefaultBlockSize = 4096

// BlockSignature is one old_bytes block's weak and strong hashes.
type BlockSignature struct {
	WeakHash   uint32
	StrongHash [32]byte
	Offset     uint64
	Length     uint64
}

// BuildSignatures partitions data into non-overlapping blockSize blocks
// (the final block may be shorter) and computes a signature for each.
func BuildSignatures(data []byte, blockSize int) []BlockSignature {
	numBlocks := (len(data) + blockSize - 1) / blockSize
	sigs := make([]BlockSignature, 0, numBlocks)

	for i := 0; i < numBlocks; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		block := data[start:end]

		rh := NewRollingHash()
		rh.Init(block)

		sigs = append(sigs, BlockSignature{
			WeakHash:   rh.Digest(),
			StrongHash: blake3.Sum256(block),
			Offset:     uint64(start),
			Length:     uint64(end - start),
		})
	}
	return sigs
}

func buildHashTable(sigs []BlockSignature) map[uint32][]int {
	table := make(map[uint32][]int, len(sigs))
	for idx, sig := range sigs {
		table[sig.WeakHash] = append(table[sig.WeakHash], idx)
	}
	return table
}

// Diff computes the ordered delta instructions that turn old into new,
// following the rolling-hash block-match algorithm: partition old into
// blockSize blocks, scan new one byte at a time looking for a weak-hash
// hit confirmed by BLAKE3, and emit Copy/Insert instructions.
func Diff(old, new []byte, blockSize int) []manifest.Instruction {
	if len(new) == 0 {
		return nil
	}
	if len(old) == 0 {
		return []manifest.Instruction{{
			Kind:   manifest.InstrInsert,
			Length: uint64(len(new)),
			Bytes:  append([]byte(nil), new...),
		}}
	}

	sigs := BuildSignatures(old, blockSize)
	table := buildHashTable(sigs)

	instrs := matchBlocks(old, new, blockSize, table, sigs)
	return mergeInstructions(instrs)
}

func matchBlocks(old, new []byte, blockSize int, table map[uint32][]int, sigs []BlockSignature) []manifest.Instruction {
	var instrs []manifest.Instruction
	var insertBuf []byte

	if len(new) < blockSize {
		return []manifest.Instruction{{
			Kind:   manifest.InstrInsert,
			Length: uint64(len(new)),
			Bytes:  append([]byte(nil), new...),
		}}
	}

	rh := NewRollingHash()
	rh.Init(new[:blockSize])

	pos := 0
	for {
		windowEnd := pos + blockSize
		if windowEnd > len(new) {
			break
		}

		digest := rh.Digest()
		if offset, length, ok := findMatch(digest, new[pos:windowEnd], table, sigs); ok {
			if len(insertBuf) > 0 {
				instrs = append(instrs, manifest.Instruction{
					Kind:   manifest.InstrInsert,
					Length: uint64(len(insertBuf)),
					Bytes:  insertBuf,
				})
				insertBuf = nil
			}
			instrs = append(instrs, manifest.Instruction{
				Kind:      manifest.InstrCopy,
				SrcOffset: offset,
				Length:    length,
			})
			pos += int(length)

			if pos+blockSize <= len(new) {
				rh = NewRollingHash()
				rh.Init(new[pos : pos+blockSize])
			}
		} else {
			insertBuf = append(insertBuf, new[pos])
			pos++

			if pos+blockSize <= len(new) {
				rh.Rotate(new[pos-1], new[pos+blockSize-1])
			}
		}
	}

	if pos < len(new) {
		insertBuf = append(insertBuf, new[pos:]...)
	}
	if len(insertBuf) > 0 {
		instrs = append(instrs, manifest.Instruction{
			Kind:   manifest.InstrInsert,
			Length: uint64(len(insertBuf)),
			Bytes:  insertBuf,
		})
	}
	return instrs
}

func findMatch(digest uint32, window []byte, table map[uint32][]int, sigs []BlockSignature) (offset, length uint64, ok bool) {
	candidates, present := table[digest]
	if !present {
		return 0, 0, false
	}

	strong := blake3.Sum256(window)
	for _, idx := range candidates {
		sig := sigs[idx]
		if sig.StrongHash == strong {
			return sig.Offset, sig.Length, true
		}
	}
	return 0, 0, false
}

// mergeInstructions merges adjacent Inserts and adjacent Copys whose
// source ranges are contiguous, yielding compact output.
func mergeInstructions(instrs []manifest.Instruction) []manifest.Instruction {
	if len(instrs) < 2 {
		return instrs
	}
	merged := make([]manifest.Instruction, 0, len(instrs))
	for _, in := range instrs {
		if len(merged) == 0 {
			merged = append(merged, in)
			continue
		}
		last := &merged[len(merged)-1]
		switch {
		case last.Kind == manifest.InstrInsert && in.Kind == manifest.InstrInsert:
			last.Bytes = append(last.Bytes, in.Bytes...)
			last.Length += in.Length
		case last.Kind == manifest.InstrCopy && in.Kind == manifest.InstrCopy &&
			last.SrcOffset+last.Length == in.SrcOffset:
			last.Length += in.Length
		default:
			merged = append(merged, in)
		}
	}
	return merged
}

// Apply reconstructs new_bytes from old_bytes and a delta instruction
// sequence.
func Apply(old []byte, instrs []manifest.Instruction) []byte {
	var size uint64
	for _, in := range instrs {
		size += in.Length
	}
	out := make([]byte, 0, size)
	for _, in := range instrs {
		switch in.Kind {
		case manifest.InstrCopy:
			out = append(out, old[in.SrcOffset:in.SrcOffset+in.Length]...)
		case manifest.InstrInsert:
			out = append(out, in.Bytes...)
		}
	}
	return out
}
