package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"patcher/internal/manifest"
)

// ErrCorrupt indicates a framing, compression, or deserialization failure.
var ErrCorrupt = fmt.Errorf("codec: corrupt patch data")

// marshal serializes a manifest to the canonical little-endian,
// length-prefixed binary form described by the patch wire format.
func marshal(m *manifest.Manifest) []byte {
	var buf bytes.Buffer
	writeU32(&buf, m.FormatVersion)
	writeU64(&buf, uint64(len(m.Operations)))
	for _, op := range m.Operations {
		marshalOp(&buf, op)
	}
	return buf.Bytes()
}

func marshalOp(buf *bytes.Buffer, op manifest.Op) {
	buf.WriteByte(byte(op.Tag))
	writeString(buf, op.Path)

	switch op.Tag {
	case manifest.OpCreateDir, manifest.OpDeleteFile, manifest.OpDeleteDir:
		// no payload

	case manifest.OpAddFile:
		writeU64(buf, uint64(len(op.Bytes)))
		buf.Write(op.Bytes)
		buf.Write(op.NewHash[:])

	case manifest.OpModifyFile:
		buf.Write(op.ExpectedOldHash[:])
		buf.Write(op.NewHash[:])
		writeU64(buf, uint64(len(op.Instructions)))
		for _, instr := range op.Instructions {
			marshalInstruction(buf, instr)
		}
	}
}

func marshalInstruction(buf *bytes.Buffer, instr manifest.Instruction) {
	buf.WriteByte(byte(instr.Kind))
	switch instr.Kind {
	case manifest.InstrCopy:
		writeU64(buf, instr.SrcOffset)
		writeU64(buf, instr.Length)
	case manifest.InstrInsert:
		writeU64(buf, instr.Length)
		buf.Write(instr.Bytes)
	}
}

// unmarshal deserializes the canonical binary form into a manifest. Any
// malformed or truncated input produces ErrCorrupt rather than a partially
// valid manifest.
func unmarshal(data []byte) (*manifest.Manifest, error) {
	r := &reader{buf: data}

	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	opCount, err := r.u64()
	if err != nil {
		return nil, err
	}

	ops := make([]manifest.Op, 0, opCount)
	for i := uint64(0); i < opCount; i++ {
		op, err := unmarshalOp(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if !r.atEnd() {
		return nil, fmt.Errorf("%w: trailing bytes after %d operations", ErrCorrupt, opCount)
	}

	return &manifest.Manifest{FormatVersion: version, Operations: ops}, nil
}

func unmarshalOp(r *reader) (manifest.Op, error) {
	tagByte, err := r.u8()
	if err != nil {
		return manifest.Op{}, err
	}
	tag := manifest.OpTag(tagByte)

	path, err := r.str()
	if err != nil {
		return manifest.Op{}, err
	}

	op := manifest.Op{Tag: tag, Path: path}

	switch tag {
	case manifest.OpCreateDir, manifest.OpDeleteFile, manifest.OpDeleteDir:
		return op, nil

	case manifest.OpAddFile:
		size, err := r.u64()
		if err != nil {
			return manifest.Op{}, err
		}
		data, err := r.bytes(size)
		if err != nil {
			return manifest.Op{}, err
		}
		hash, err := r.hash32()
		if err != nil {
			return manifest.Op{}, err
		}
		op.Bytes = data
		op.NewHash = hash
		return op, nil

	case manifest.OpModifyFile:
		expectedOld, err := r.hash32()
		if err != nil {
			return manifest.Op{}, err
		}
		newHash, err := r.hash32()
		if err != nil {
			return manifest.Op{}, err
		}
		instrCount, err := r.u64()
		if err != nil {
			return manifest.Op{}, err
		}
		instrs := make([]manifest.Instruction, 0, instrCount)
		for i := uint64(0); i < instrCount; i++ {
			instr, err := unmarshalInstruction(r)
			if err != nil {
				return manifest.Op{}, err
			}
			instrs = append(instrs, instr)
		}
		op.ExpectedOldHash = expectedOld
		op.NewHash = newHash
		op.Instructions = instrs
		return op, nil

	default:
		return manifest.Op{}, fmt.Errorf("%w: unknown operation tag %d", ErrCorrupt, tagByte)
	}
}

func unmarshalInstruction(r *reader) (manifest.Instruction, error) {
	kindByte, err := r.u8()
	if err != nil {
		return manifest.Instruction{}, err
	}
	kind := manifest.InstrKind(kindByte)

	switch kind {
	case manifest.InstrCopy:
		offset, err := r.u64()
		if err != nil {
			return manifest.Instruction{}, err
		}
		length, err := r.u64()
		if err != nil {
			return manifest.Instruction{}, err
		}
		return manifest.Instruction{Kind: kind, SrcOffset: offset, Length: length}, nil

	case manifest.InstrInsert:
		length, err := r.u64()
		if err != nil {
			return manifest.Instruction{}, err
		}
		data, err := r.bytes(length)
		if err != nil {
			return manifest.Instruction{}, err
		}
		return manifest.Instruction{Kind: kind, Length: length, Bytes: data}, nil

	default:
		return manifest.Instruction{}, fmt.Errorf("%w: unknown instruction kind %d", ErrCorrupt, kindByte)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// reader walks a byte slice emitting ErrCorrupt on any out-of-bounds read,
// so a truncated or malformed patch never panics the decoder.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) atEnd() bool { return r.pos == len(r.buf) }

func (r *reader) need(n uint64) error {
	if n > uint64(len(r.buf)-r.pos) {
		return fmt.Errorf("%w: %s", ErrCorrupt, io.ErrUnexpectedEOF)
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n uint64) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := append([]byte(nil), r.buf[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return b, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(uint64(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) hash32() ([32]byte, error) {
	var out [32]byte
	b, err := r.bytes(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
