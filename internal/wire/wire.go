// Package wire provides the primitive encoders used to build patch frames:
// single octets, length-prefixed UTF-8 strings and raw payloads.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// ErrInvalidArgument is returned for values that cannot be encoded.
var ErrInvalidArgument = errors.New("invalid argument")

// MaxStringLen is the largest UTF-8 byte length a string frame can carry.
const MaxStringLen = math.MaxUint16

// EncodeByte encodes n as a single octet.
func EncodeByte(n int) ([]byte, error) {
	if n < 0 || n > math.MaxUint8 {
		return nil, fmt.Errorf("%w: byte value %d out of range", ErrInvalidArgument, n)
	}
	return []byte{byte(n)}, nil
}

// EncodeUTF8String encodes s as a big-endian uint16 byte length followed by
// the UTF-8 bytes. The empty string encodes as a zero-length frame.
func EncodeUTF8String(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidArgument)
	}
	if len(s) > MaxStringLen {
		return nil, fmt.Errorf("%w: string length %d exceeds %d", ErrInvalidArgument, len(s), MaxStringLen)
	}
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out, nil
}

// Writer streams encoded frames to an underlying writer and counts the bytes
// written.
type Writer struct {
	w io.Writer
	n int64
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 { return w.n }

// WriteOctet writes a single octet. It takes an int so that out-of-range
// values are reported instead of truncated.
func (w *Writer) WriteOctet(n int) error {
	b, err := EncodeByte(n)
	if err != nil {
		return err
	}
	return w.write(b)
}

// WriteUTF8String writes a length-prefixed UTF-8 string.
func (w *Writer) WriteUTF8String(s string) error {
	b, err := EncodeUTF8String(s)
	if err != nil {
		return err
	}
	return w.write(b)
}

// WriteInt64 writes v as 8 big-endian bytes.
func (w *Writer) WriteInt64(v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return w.write(b[:])
}

// WriteRaw writes b verbatim, typically a frame produced by one of the
// Encode functions.
func (w *Writer) WriteRaw(b []byte) error {
	return w.write(b)
}

// Copy streams r verbatim and returns the number of bytes copied.
func (w *Writer) Copy(r io.Reader) (int64, error) {
	n, err := io.Copy(w.w, r)
	w.n += n
	return n, err
}

func (w *Writer) write(b []byte) error {
	n, err := w.w.Write(b)
	w.n += int64(n)
	return err
}

// Reader decodes frames produced by Writer.
type Reader struct {
	r io.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadOctet reads a single octet.
func (r *Reader) ReadOctet() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUTF8String reads a length-prefixed UTF-8 string.
func (r *Reader) ReadUTF8String() (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", fmt.Errorf("read string body: %w", err)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidArgument)
	}
	return string(buf), nil
}

// ReadInt64 reads 8 big-endian bytes.
func (r *Reader) ReadInt64() (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// ReadN reads exactly n bytes. Memory grows with the bytes actually read,
// so a corrupt length cannot force a huge allocation.
func (r *Reader) ReadN(n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrInvalidArgument, n)
	}
	var buf bytes.Buffer
	got, err := io.CopyN(&buf, r.r, n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read %d of %d bytes: %w", got, n, err)
	}
	return buf.Bytes(), nil
}
