package borsh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/mr-tron/base58"
)

// buildBuffer assembles a crafted buffer exercising every field type in a
// known order and returns it with the expected final offset.
func buildBuffer() ([]byte, int) {
	var buf bytes.Buffer

	buf.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8}) // discriminator
	buf.WriteByte(0xAB)                       // u8

	b2 := make([]byte, 2)
	binary.LittleEndian.PutUint16(b2, 0xBEEF)
	buf.Write(b2) // u16

	b8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(b8, 123456789012345)
	buf.Write(b8) // u64

	binary.LittleEndian.PutUint64(b8, uint64(^uint64(0)-41)) // -42 two's complement
	buf.Write(b8)                                            // i64

	buf.WriteByte(1) // bool true

	key := make([]byte, PublicKeyLen)
	for i := range key {
		key[i] = byte(i + 1)
	}
	buf.Write(key) // public key

	s := "hello, markets"
	b4 := make([]byte, 4)
	binary.LittleEndian.PutUint32(b4, uint32(len(s)))
	buf.Write(b4)
	buf.WriteString(s) // string

	buf.WriteByte(1) // option<u64> present
	binary.LittleEndian.PutUint64(b8, 777)
	buf.Write(b8)

	buf.WriteByte(0) // option<pubkey> absent

	buf.WriteByte(1) // option<string> present
	binary.LittleEndian.PutUint32(b4, 2)
	buf.Write(b4)
	buf.WriteString("ok")

	buf.Write([]byte{9, 9, 9}) // skipped padding

	return buf.Bytes(), buf.Len()
}

func TestReader_AllFieldTypes(t *testing.T) {
	data, wantEnd := buildBuffer()
	r := NewReader(data)

	disc, err := r.Discriminator()
	if err != nil {
		t.Fatalf("discriminator: %v", err)
	}
	if !bytes.Equal(disc, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("discriminator = %v", disc)
	}

	if v, err := r.U8(); err != nil || v != 0xAB {
		t.Errorf("u8 = %#x, err=%v", v, err)
	}
	if v, err := r.U16(); err != nil || v != 0xBEEF {
		t.Errorf("u16 = %#x, err=%v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 123456789012345 {
		t.Errorf("u64 = %d, err=%v", v, err)
	}
	if v, err := r.I64(); err != nil || v != -42 {
		t.Errorf("i64 = %d, err=%v", v, err)
	}
	if v, err := r.Bool(); err != nil || v != true {
		t.Errorf("bool = %v, err=%v", v, err)
	}

	wantKey := make([]byte, PublicKeyLen)
	for i := range wantKey {
		wantKey[i] = byte(i + 1)
	}
	if k, err := r.PublicKey(); err != nil || k != base58.Encode(wantKey) {
		t.Errorf("pubkey = %q, err=%v", k, err)
	}

	if s, err := r.String(); err != nil || s != "hello, markets" {
		t.Errorf("string = %q, err=%v", s, err)
	}

	if v, ok, err := r.OptionU64(); err != nil || !ok || v != 777 {
		t.Errorf("option<u64> = (%d,%v), err=%v", v, ok, err)
	}
	if _, ok, err := r.OptionPublicKey(); err != nil || ok {
		t.Errorf("option<pubkey> should be absent, ok=%v err=%v", ok, err)
	}
	if s, ok, err := r.OptionString(); err != nil || !ok || s != "ok" {
		t.Errorf("option<string> = (%q,%v), err=%v", s, ok, err)
	}

	if err := r.Skip(3); err != nil {
		t.Fatalf("skip: %v", err)
	}

	if r.Offset() != wantEnd {
		t.Errorf("final offset = %d, want %d", r.Offset(), wantEnd)
	}
	if r.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", r.Remaining())
	}
}

func TestReader_UnderrunFailsLoudly(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})

	if _, err := r.U64(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("u64 underrun error = %v, want io.ErrUnexpectedEOF", err)
	}
	// The failed read must not have advanced the cursor.
	if r.Offset() != 0 {
		t.Errorf("offset advanced to %d on failed read", r.Offset())
	}
}

func TestReader_StringLengthBeyondBuffer(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 1000)
	r := NewReader(buf)

	if _, err := r.String(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("string underrun error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReader_BoolSentinelConvention(t *testing.T) {
	// Only the sentinel value 1 decodes as true.
	r := NewReader([]byte{2})
	v, err := r.Bool()
	if err != nil {
		t.Fatalf("bool: %v", err)
	}
	if v {
		t.Error("byte 2 decoded as true, convention is equality to 1")
	}
}
