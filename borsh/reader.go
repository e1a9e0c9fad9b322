// Package borsh provides a cursor-based reader over fixed-layout
// little-endian account buffers. On-chain account state carries no embedded
// schema: decoding is an explicit ordered sequence of typed reads that must
// consume the exact byte layout of the producing program, including fields
// the caller discards, or every subsequent field misaligns.
package borsh

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/mr-tron/base58"
)

// DiscriminatorLen is the length of the record-shape prefix at the start of
// every account buffer. Discriminator selection happens one level up, by
// comparing the first 8 bytes against known constants before dispatching to
// the matching decode routine.
const DiscriminatorLen = 8

// PublicKeyLen is the length of an on-chain public key.
const PublicKeyLen = 32

// Reader walks a byte buffer with an explicit cursor. Every read advances
// the cursor by exactly the type's width; a buffer underrun fails loudly
// with a wrapped io.ErrUnexpectedEOF rather than zero-filling.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps buf without copying it.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the current cursor position.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Bytes reads n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("borsh: read %d bytes at offset %d of %d: %w",
			n, r.off, len(r.buf), io.ErrUnexpectedEOF)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Skip discards n bytes, keeping the cursor aligned past fields the caller
// does not need.
func (r *Reader) Skip(n int) error {
	_, err := r.Bytes(n)
	return err
}

// Discriminator reads the 8-byte record-shape prefix.
func (r *Reader) Discriminator() ([]byte, error) {
	return r.Bytes(DiscriminatorLen)
}

// U8 reads an unsigned 8-bit integer.
func (r *Reader) U8() (uint8, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a little-endian unsigned 16-bit integer.
func (r *Reader) U16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32 reads a little-endian unsigned 32-bit integer.
func (r *Reader) U32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian unsigned 64-bit integer.
func (r *Reader) U64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// I64 reads a little-endian signed 64-bit integer.
func (r *Reader) I64() (int64, error) {
	u, err := r.U64()
	return int64(u), err
}

// Bool reads one byte and compares it to 1, the producing program's
// convention for true.
func (r *Reader) Bool() (bool, error) {
	b, err := r.U8()
	if err != nil {
		return false, err
	}
	return b == 1, nil
}

// PublicKey reads 32 bytes and renders them base58.
func (r *Reader) PublicKey() (string, error) {
	b, err := r.Bytes(PublicKeyLen)
	if err != nil {
		return "", err
	}
	return base58.Encode(b), nil
}

// String reads a 4-byte little-endian length followed by that many bytes of
// UTF-8 payload.
func (r *Reader) String() (string, error) {
	n, err := r.U32()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("borsh: string at offset %d is not valid UTF-8", r.off-int(n))
	}
	return string(b), nil
}

// OptionU64 reads a 1-byte presence flag followed by a u64 payload when the
// flag is set.
func (r *Reader) OptionU64() (uint64, bool, error) {
	present, err := r.Bool()
	if err != nil {
		return 0, false, err
	}
	if !present {
		return 0, false, nil
	}
	v, err := r.U64()
	return v, err == nil, err
}

// OptionU8 reads a 1-byte presence flag followed by a u8 payload.
func (r *Reader) OptionU8() (uint8, bool, error) {
	present, err := r.Bool()
	if err != nil {
		return 0, false, err
	}
	if !present {
		return 0, false, nil
	}
	v, err := r.U8()
	return v, err == nil, err
}

// OptionPublicKey reads a 1-byte presence flag followed by a 32-byte key.
func (r *Reader) OptionPublicKey() (string, bool, error) {
	present, err := r.Bool()
	if err != nil {
		return "", false, err
	}
	if !present {
		return "", false, nil
	}
	k, err := r.PublicKey()
	return k, err == nil, err
}

// OptionString reads a 1-byte presence flag followed by a length-prefixed
// string payload.
func (r *Reader) OptionString() (string, bool, error) {
	present, err := r.Bool()
	if err != nil {
		return "", false, err
	}
	if !present {
		return "", false, nil
	}
	s, err := r.String()
	return s, err == nil, err
}
