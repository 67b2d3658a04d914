package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeByte(t *testing.T) {
	for _, n := range []int{0, 3, 10, 25, 26, 255} {
		b, err := EncodeByte(n)
		if err != nil {
			t.Fatalf("EncodeByte(%d): %v", n, err)
		}
		if len(b) != 1 || int(b[0]) != n {
			t.Errorf("EncodeByte(%d) = %v", n, b)
		}
	}
}

func TestEncodeByteOutOfRange(t *testing.T) {
	for _, n := range []int{-1, 256, 1 << 20} {
		if _, err := EncodeByte(n); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("EncodeByte(%d) error = %v, want ErrInvalidArgument", n, err)
		}
	}
}

func TestEncodeUTF8String(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"", []byte{0, 0}},
		{"a", []byte{0, 1, 'a'}},
		{"src/main.go", append([]byte{0, 11}, "src/main.go"...)},
		// two-byte rune counts as two bytes of length
		{"é", []byte{0, 2, 0xc3, 0xa9}},
	}
	for _, tt := range tests {
		got, err := EncodeUTF8String(tt.in)
		if err != nil {
			t.Fatalf("EncodeUTF8String(%q): %v", tt.in, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeUTF8String(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEncodeUTF8StringInvalid(t *testing.T) {
	if _, err := EncodeUTF8String(string([]byte{0xff, 0xfe})); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("invalid UTF-8: error = %v", err)
	}
	if _, err := EncodeUTF8String(strings.Repeat("x", MaxStringLen+1)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("oversized string: error = %v", err)
	}
	if _, err := EncodeUTF8String(strings.Repeat("x", MaxStringLen)); err != nil {
		t.Errorf("max-length string: %v", err)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteOctet(26); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteUTF8String("/root/a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteInt64(5); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Copy(strings.NewReader("hello")); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteOctet(10); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteUTF8String(""); err != nil {
		t.Fatal(err)
	}
	if w.Written() != int64(buf.Len()) {
		t.Errorf("Written() = %d, buffer has %d", w.Written(), buf.Len())
	}

	r := NewReader(&buf)
	typ, err := r.ReadOctet()
	if err != nil || typ != 26 {
		t.Fatalf("ReadOctet = %d, %v", typ, err)
	}
	path, err := r.ReadUTF8String()
	if err != nil || path != "/root/a.txt" {
		t.Fatalf("ReadUTF8String = %q, %v", path, err)
	}
	n, err := r.ReadInt64()
	if err != nil || n != 5 {
		t.Fatalf("ReadInt64 = %d, %v", n, err)
	}
	body, err := r.ReadN(n)
	if err != nil || string(body) != "hello" {
		t.Fatalf("ReadN = %q, %v", body, err)
	}
	end, _ := r.ReadOctet()
	empty, err := r.ReadUTF8String()
	if end != 10 || empty != "" || err != nil {
		t.Fatalf("end marker = %d %q %v", end, empty, err)
	}
}

func TestWriterRejectsOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteOctet(300); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("WriteOctet(300) error = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written, got %d bytes", buf.Len())
	}
}

func TestReaderCorruptLength(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("short")))
	if _, err := r.ReadN(1 << 60); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadN(1<<60) error = %v, want ErrUnexpectedEOF", err)
	}
	if _, err := NewReader(bytes.NewReader(nil)).ReadN(-1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ReadN(-1) error = %v, want ErrInvalidArgument", err)
	}
}
