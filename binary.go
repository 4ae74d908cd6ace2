// binary.go — the HLXB container: serializing compiled IR to disk and back.
//
// LAYOUT
// ------
// A .hlxb file is a fixed 20-byte header followed by the payload:
//
//	offset  size  field
//	     0     4  magic "HLXB"
//	     4     4  format version (little-endian u32)
//	     8     4  flags (bit 0: payload is zstd-compressed)
//	    12     4  uncompressed payload length
//	    16     4  CRC-32 (IEEE) of the uncompressed payload
//
// The payload is a metadata block, the length-prefixed constant pool (each
// value tagged by kind), and the instruction stream (opcode byte followed
// by that opcode's fixed-arity operands). Compression wraps the payload
// only, never the header, so magic and version checks reject incompatible
// files before any decompression is attempted.
//
// Loading fails closed: a wrong magic, an unsupported version, a checksum
// mismatch or a truncated payload each yield a distinct BinaryError and no
// partial IR.
package helix

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
)

/* ===========================
   PUBLIC API
   =========================== */

// BinaryMagic opens every .hlxb file.
const BinaryMagic = "HLXB"

// BinaryFormatVersion is the container version this build reads and writes.
// Files with a larger version are rejected, never best-effort decoded.
const BinaryFormatVersion uint32 = 1

// BinaryHeaderSize is the fixed header length in bytes.
const BinaryHeaderSize = 20

// FlagCompressed marks a zstd-compressed payload.
const FlagCompressed uint32 = 1 << 0

// BinaryMetadata travels inside the payload and survives compression. It
// describes the artifact without affecting execution.
type BinaryMetadata struct {
	CreatedAt       uint64 // unix seconds
	CompilerVersion string
	SourceHash      string // CRC-32 of the source text, hex
	SourcePath      string
}

// BinarySerializer writes IR into the HLXB container.
type BinarySerializer struct {
	compress bool
}

// NewBinarySerializer returns a serializer; compress enables the zstd
// payload wrapping.
func NewBinarySerializer(compress bool) *BinarySerializer {
	return &BinarySerializer{compress: compress}
}

// Serialize encodes the IR and metadata into HLXB bytes.
func (s *BinarySerializer) Serialize(ir *HelixIR, meta BinaryMetadata) ([]byte, error) {
	if meta.CreatedAt == 0 {
		meta.CreatedAt = uint64(time.Now().Unix())
	}
	if meta.CompilerVersion == "" {
		meta.CompilerVersion = Version
	}
	payload := encodePayload(ir, meta)
	checksum := crc32.ChecksumIEEE(payload)

	flags := uint32(0)
	body := payload
	if s.compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, &BinaryError{Kind: BinaryCompression, Msg: err.Error()}
		}
		body = enc.EncodeAll(payload, nil)
		enc.Close()
		flags |= FlagCompressed
	}

	out := make([]byte, BinaryHeaderSize+len(body))
	copy(out[0:4], BinaryMagic)
	binary.LittleEndian.PutUint32(out[4:8], BinaryFormatVersion)
	binary.LittleEndian.PutUint32(out[8:12], flags)
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[16:20], checksum)
	copy(out[BinaryHeaderSize:], body)
	return out, nil
}

// WriteFile serializes the IR and writes it to path.
func (s *BinarySerializer) WriteFile(ir *HelixIR, path string, meta BinaryMetadata) error {
	data, err := s.Serialize(ir, meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &BinaryError{Kind: BinaryIO, Msg: err.Error()}
	}
	return nil
}

// BinaryLoader reads HLXB containers back into IR.
type BinaryLoader struct{}

// NewBinaryLoader returns a loader.
func NewBinaryLoader() *BinaryLoader {
	return &BinaryLoader{}
}

// Deserialize decodes HLXB bytes. The header is validated before the
// payload is touched.
func (l *BinaryLoader) Deserialize(data []byte) (*HelixIR, *BinaryMetadata, error) {
	payload, err := validateAndUnwrap(data)
	if err != nil {
		return nil, nil, err
	}
	r := &byteReader{data: payload}
	meta, err := decodeMetadata(r)
	if err != nil {
		return nil, nil, err
	}
	ir, err := decodeIR(r)
	if err != nil {
		return nil, nil, err
	}
	if r.pos != len(r.data) {
		return nil, nil, &BinaryError{Kind: BinaryCorrupted, Msg: fmt.Sprintf("%d trailing bytes after instruction stream", len(r.data)-r.pos)}
	}
	if err := ir.Validate(); err != nil {
		return nil, nil, err
	}
	return ir, meta, nil
}

// LoadFile reads and decodes a .hlxb file.
func (l *BinaryLoader) LoadFile(path string) (*HelixIR, *BinaryMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &BinaryError{Kind: BinaryIO, Msg: err.Error()}
	}
	ir, meta, err := l.Deserialize(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return ir, meta, nil
}

// BinaryInfo summarizes a container without decoding its instructions past
// the metadata block.
type BinaryInfo struct {
	Version          uint32
	Compressed       bool
	UncompressedSize uint32
	Checksum         uint32
	Metadata         BinaryMetadata
}

// ReadBinaryInfo inspects HLXB bytes for the info/inspection surface.
func ReadBinaryInfo(data []byte) (*BinaryInfo, error) {
	payload, err := validateAndUnwrap(data)
	if err != nil {
		return nil, err
	}
	r := &byteReader{data: payload}
	meta, err := decodeMetadata(r)
	if err != nil {
		return nil, err
	}
	return &BinaryInfo{
		Version:          binary.LittleEndian.Uint32(data[4:8]),
		Compressed:       binary.LittleEndian.Uint32(data[8:12])&FlagCompressed != 0,
		UncompressedSize: binary.LittleEndian.Uint32(data[12:16]),
		Checksum:         binary.LittleEndian.Uint32(data[16:20]),
		Metadata:         *meta,
	}, nil
}

// SourceHash is the hash recorded in artifact metadata for a source text.
func SourceHash(source string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(source)))
}

//// END_OF_PUBLIC

/* ===========================
   PRIVATE: header validation
   =========================== */

// validateAndUnwrap checks the header, verifies and decompresses the
// payload, and returns the uncompressed payload bytes.
func validateAndUnwrap(data []byte) ([]byte, error) {
	if len(data) < BinaryHeaderSize {
		return nil, &BinaryError{Kind: BinaryCorrupted, Msg: fmt.Sprintf("file is %d bytes, smaller than the %d-byte header", len(data), BinaryHeaderSize)}
	}
	if string(data[0:4]) != BinaryMagic {
		return nil, &BinaryError{Kind: BinaryInvalidMagic, Msg: fmt.Sprintf("bad magic %q, want %q", string(data[0:4]), BinaryMagic)}
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version == 0 || version > BinaryFormatVersion {
		return nil, &BinaryError{Kind: BinaryUnsupportedVersion, Msg: fmt.Sprintf("format version %d, this build supports up to %d", version, BinaryFormatVersion)}
	}
	flags := binary.LittleEndian.Uint32(data[8:12])
	wantLen := binary.LittleEndian.Uint32(data[12:16])
	wantSum := binary.LittleEndian.Uint32(data[16:20])

	payload := data[BinaryHeaderSize:]
	if flags&FlagCompressed != 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, &BinaryError{Kind: BinaryCompression, Msg: err.Error()}
		}
		payload, err = dec.DecodeAll(payload, nil)
		dec.Close()
		if err != nil {
			return nil, &BinaryError{Kind: BinaryCompression, Msg: err.Error()}
		}
	}
	if uint32(len(payload)) != wantLen {
		return nil, &BinaryError{Kind: BinaryCorrupted, Msg: fmt.Sprintf("payload is %d bytes, header says %d", len(payload), wantLen)}
	}
	if crc32.ChecksumIEEE(payload) != wantSum {
		return nil, &BinaryError{Kind: BinaryChecksumMismatch, Msg: "payload checksum does not match header"}
	}
	return payload, nil
}

/* ===========================
   PRIVATE: payload encoding
   =========================== */

// Value tags on the wire. Distinct from ValueTag so the in-memory enum can
// change without a format break.
const (
	wireString byte = iota
	wireNumber
	wireBool
	wireNull
	wireArray
	wireObject
	wireDuration
	wireReference
)

type byteWriter struct {
	buf []byte
}

func (w *byteWriter) u8(v byte)  { w.buf = append(w.buf, v) }
func (w *byteWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}
func (w *byteWriter) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}
func (w *byteWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func encodePayload(ir *HelixIR, meta BinaryMetadata) []byte {
	w := &byteWriter{}
	w.u64(meta.CreatedAt)
	w.str(meta.CompilerVersion)
	w.str(meta.SourceHash)
	w.str(meta.SourcePath)

	w.u32(uint32(len(ir.Constants)))
	for _, v := range ir.Constants {
		encodeValue(w, v)
	}

	w.u32(uint32(len(ir.Instructions)))
	for _, in := range ir.Instructions {
		w.u8(byte(in.Op))
		arity, _ := OpcodeArity(in.Op)
		operands := [3]uint32{in.A, in.B, in.C}
		for i := 0; i < arity; i++ {
			w.u32(operands[i])
		}
	}
	return w.buf
}

func encodeValue(w *byteWriter, v Value) {
	switch v.Tag {
	case ValueString:
		s, _ := v.AsString()
		w.u8(wireString)
		w.str(s)
	case ValueNumber:
		n, _ := v.AsNumber()
		w.u8(wireNumber)
		w.u64(math.Float64bits(n))
	case ValueBool:
		b, _ := v.AsBool()
		w.u8(wireBool)
		if b {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case ValueNull:
		w.u8(wireNull)
	case ValueArray:
		items, _ := v.AsArray()
		w.u8(wireArray)
		w.u32(uint32(len(items)))
		for _, item := range items {
			encodeValue(w, item)
		}
	case ValueObject:
		m, _ := v.AsObject()
		w.u8(wireObject)
		w.u32(uint32(len(m)))
		// Sorted keys keep the encoding deterministic across runs.
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.str(k)
			encodeValue(w, m[k])
		}
	case ValueDuration:
		d, _ := v.AsDuration()
		w.u8(wireDuration)
		w.u64(d.Value)
		w.u8(byte(d.Unit))
	case ValueReference:
		s, _ := v.AsString()
		w.u8(wireReference)
		w.str(s)
	}
}

/* ===========================
   PRIVATE: payload decoding
   =========================== */

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) fail(what string) error {
	return &BinaryError{Kind: BinaryCorrupted, Msg: "truncated payload reading " + what}
}

func (r *byteReader) u8(what string) (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, r.fail(what)
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) u32(what string) (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, r.fail(what)
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64(what string) (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, r.fail(what)
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// count reads a u32 element count and rejects anything larger than the
// bytes left in the payload. Every encoded element occupies at least one
// byte, so a bigger count is corrupt; checking here keeps allocations from
// being sized by an untrusted field.
func (r *byteReader) count(what string) (uint32, error) {
	n, err := r.u32(what)
	if err != nil {
		return 0, err
	}
	if remaining := len(r.data) - r.pos; int64(n) > int64(remaining) {
		return 0, &BinaryError{
			Kind: BinaryCorrupted,
			Msg:  fmt.Sprintf("%s %d exceeds the %d remaining payload bytes", what, n, remaining),
		}
	}
	return n, nil
}

func (r *byteReader) str(what string) (string, error) {
	n, err := r.u32(what)
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.data) {
		return "", r.fail(what)
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func decodeMetadata(r *byteReader) (*BinaryMetadata, error) {
	meta := &BinaryMetadata{}
	var err error
	if meta.CreatedAt, err = r.u64("metadata created_at"); err != nil {
		return nil, err
	}
	if meta.CompilerVersion, err = r.str("metadata compiler_version"); err != nil {
		return nil, err
	}
	if meta.SourceHash, err = r.str("metadata source_hash"); err != nil {
		return nil, err
	}
	if meta.SourcePath, err = r.str("metadata source_path"); err != nil {
		return nil, err
	}
	return meta, nil
}

func decodeIR(r *byteReader) (*HelixIR, error) {
	ir := &HelixIR{Version: BinaryFormatVersion}

	count, err := r.count("constant count")
	if err != nil {
		return nil, err
	}
	ir.Constants = make([]Value, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		ir.Constants = append(ir.Constants, v)
	}

	count, err = r.count("instruction count")
	if err != nil {
		return nil, err
	}
	ir.Instructions = make([]Instruction, 0, count)
	for i := uint32(0); i < count; i++ {
		op, err := r.u8("opcode")
		if err != nil {
			return nil, err
		}
		arity, ok := OpcodeArity(Opcode(op))
		if !ok {
			return nil, &BinaryError{Kind: BinaryCorrupted, Msg: fmt.Sprintf("unknown opcode %d in instruction stream", op)}
		}
		in := Instruction{Op: Opcode(op)}
		operands := [3]*uint32{&in.A, &in.B, &in.C}
		for j := 0; j < arity; j++ {
			if *operands[j], err = r.u32("operand"); err != nil {
				return nil, err
			}
		}
		ir.Instructions = append(ir.Instructions, in)
	}
	return ir, nil
}

func decodeValue(r *byteReader) (Value, error) {
	tag, err := r.u8("value tag")
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case wireString:
		s, err := r.str("string value")
		if err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	case wireNumber:
		bits, err := r.u64("number value")
		if err != nil {
			return Value{}, err
		}
		return NumberValue(math.Float64frombits(bits)), nil
	case wireBool:
		b, err := r.u8("bool value")
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b != 0), nil
	case wireNull:
		return NullValue(), nil
	case wireArray:
		n, err := r.count("array length")
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return ArrayValue(items), nil
	case wireObject:
		n, err := r.count("object length")
		if err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.str("object key")
			if err != nil {
				return Value{}, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return ObjectValue(m), nil
	case wireDuration:
		value, err := r.u64("duration value")
		if err != nil {
			return Value{}, err
		}
		unit, err := r.u8("duration unit")
		if err != nil {
			return Value{}, err
		}
		return DurationValue(Duration{Value: value, Unit: TimeUnit(unit)}), nil
	case wireReference:
		s, err := r.str("reference value")
		if err != nil {
			return Value{}, err
		}
		return ReferenceValue(s), nil
	}
	return Value{}, &BinaryError{Kind: BinaryCorrupted, Msg: fmt.Sprintf("unknown value tag %d", tag)}
}
